package presence_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/knadh/roomcast/internal/presence"
	"github.com/knadh/roomcast/internal/presence/mocks"
	"github.com/knadh/roomcast/store/mem"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newManager(t *testing.T) (*presence.Manager, *mocks.MockBroadcaster) {
	t.Helper()
	ctrl := gomock.NewController(t)
	bc := mocks.NewMockBroadcaster(ctrl)

	st, err := mem.New(mem.Config{})
	require.NoError(t, err)

	return presence.New(st, bc), bc
}

func TestJoinThenOnline(t *testing.T) {
	req := require.New(t)
	m, bc := newManager(t)

	bc.EXPECT().Subscribe("c1", "r").Return(nil).Times(2)

	req.NoError(m.Join("c1", "r", "alice"))
	online, err := m.Online("r")
	req.NoError(err)
	req.Contains(online, "alice")

	// Joining again leaves the set unchanged.
	req.NoError(m.Join("c1", "r", "alice"))
	again, err := m.Online("r")
	req.NoError(err)
	req.Equal(online, again)
}

func TestLeaveUnknownIsNoop(t *testing.T) {
	req := require.New(t)
	m, bc := newManager(t)

	bc.EXPECT().Subscribe("c1", "r").Return(nil)
	bc.EXPECT().Unsubscribe(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	req.NoError(m.Join("c1", "r", "alice"))
	before, _ := m.Online("r")

	req.NoError(m.Leave("c2", "r", "bob"))
	req.NoError(m.Leave("c2", "nope", "bob"))

	after, _ := m.Online("r")
	req.Equal(before, after)

	empty, err := m.Online("nope")
	req.NoError(err)
	req.NotNil(empty)
	req.Empty(empty)
}

func TestLeaveKeepsOtherIdentities(t *testing.T) {
	req := require.New(t)
	m, bc := newManager(t)

	bc.EXPECT().Subscribe("c", "r").Return(nil).Times(2)
	bc.EXPECT().Unsubscribe("c", "r").Return(nil)

	req.NoError(m.Join("c", "r", "i1"))
	req.NoError(m.Join("c", "r", "i2"))
	req.NoError(m.Leave("c", "r", "i1"))

	online, _ := m.Online("r")
	req.Equal([]string{"i2"}, online)
}

func TestLastLeaveRemovesRoom(t *testing.T) {
	req := require.New(t)
	m, bc := newManager(t)

	bc.EXPECT().Subscribe("c", "r").Return(nil)
	bc.EXPECT().Unsubscribe("c", "r").Return(nil)

	req.NoError(m.Join("c", "r", "i"))
	req.NoError(m.Leave("c", "r", "i"))

	ok, err := m.RoomExists("r")
	req.NoError(err)
	req.False(ok)

	rooms, err := m.Rooms()
	req.NoError(err)
	req.NotContains(rooms, "r")
}

func TestRoomScenario(t *testing.T) {
	req := require.New(t)
	m, bc := newManager(t)
	room := presence.RoomID(7)

	bc.EXPECT().Subscribe(gomock.Any(), room).Return(nil).Times(2)
	bc.EXPECT().Unsubscribe(gomock.Any(), room).Return(nil).Times(2)

	req.NoError(m.Join("A", room, "alice"))
	req.NoError(m.Join("B", room, "bob"))

	online, _ := m.Online(room)
	req.Equal([]string{"alice", "bob"}, online)

	req.NoError(m.Leave("A", room, "alice"))
	online, _ = m.Online(room)
	req.Equal([]string{"bob"}, online)

	req.NoError(m.Leave("B", room, "bob"))
	online, _ = m.Online(room)
	req.Empty(online)

	ok, _ := m.RoomExists(room)
	req.False(ok)
}

func TestNotifyTyping(t *testing.T) {
	req := require.New(t)
	m, bc := newManager(t)

	bc.EXPECT().
		Emit(presence.EventTyping, presence.Typing{Identity: "alice", IsTyping: true}, "r", "").
		Return(nil).
		Times(1)

	req.NoError(m.NotifyTyping("r", "alice", true))
}

func TestBroadcastPassesExclusion(t *testing.T) {
	req := require.New(t)
	m, bc := newManager(t)

	payload := map[string]string{"text": "hi"}
	bc.EXPECT().Emit("msg", payload, "r", "c").Return(nil)

	req.NoError(m.Broadcast("r", "msg", payload, "c"))
}

func TestBroadcasterErrorsPropagate(t *testing.T) {
	req := require.New(t)
	m, bc := newManager(t)
	errDown := errors.New("socket gone")

	// Failed subscription leaves membership untouched.
	bc.EXPECT().Subscribe("c", "r").Return(errDown)
	req.ErrorIs(m.Join("c", "r", "alice"), errDown)
	ok, _ := m.RoomExists("r")
	req.False(ok)

	bc.EXPECT().Emit(gomock.Any(), gomock.Any(), "r", "").Return(errDown)
	req.ErrorIs(m.NotifyTyping("r", "alice", false), errDown)

	// Failed unsubscription still removes the identity.
	bc.EXPECT().Subscribe("c", "r").Return(nil)
	bc.EXPECT().Unsubscribe("c", "r").Return(errDown)
	req.NoError(m.Join("c", "r", "alice"))
	req.ErrorIs(m.Leave("c", "r", "alice"), errDown)
	ok, _ = m.RoomExists("r")
	req.False(ok)
}

// Random join/leave sequences must never leave an empty room behind.
func TestRoomPresentIffNonEmpty(t *testing.T) {
	req := require.New(t)
	m, bc := newManager(t)

	bc.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	bc.EXPECT().Unsubscribe(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	var (
		rnd   = rand.New(rand.NewSource(42))
		rooms = []string{"1", "2", "3"}
		ids   = []string{"alice", "bob", "carol", "dave"}
	)
	for i := 0; i < 2000; i++ {
		room := rooms[rnd.Intn(len(rooms))]
		id := ids[rnd.Intn(len(ids))]
		if rnd.Intn(2) == 0 {
			req.NoError(m.Join(id, room, id))
		} else {
			req.NoError(m.Leave(id, room, id))
		}

		for _, r := range rooms {
			online, err := m.Online(r)
			req.NoError(err)
			ok, err := m.RoomExists(r)
			req.NoError(err)
			req.Equal(len(online) > 0, ok, "room %s", r)
		}
	}
}

func TestConnectCountsConnections(t *testing.T) {
	req := require.New(t)
	m, bc := newManager(t)

	bc.EXPECT().Subscribe(gomock.Any(), "r").Return(nil).Times(2)
	bc.EXPECT().Unsubscribe(gomock.Any(), "r").Return(nil).Times(2)

	first, err := m.Connect("c1", "r", "alice")
	req.NoError(err)
	req.True(first)
	first, err = m.Connect("c2", "r", "alice")
	req.NoError(err)
	req.False(first)

	gone, err := m.Disconnect("c1", "r", "alice")
	req.NoError(err)
	req.False(gone)
	online, _ := m.Online("r")
	req.Equal([]string{"alice"}, online)

	gone, err = m.Disconnect("c2", "r", "alice")
	req.NoError(err)
	req.True(gone)
	ok, _ := m.RoomExists("r")
	req.False(ok)
}

func TestConnectBroadcasterErrors(t *testing.T) {
	req := require.New(t)
	m, bc := newManager(t)
	errDown := errors.New("socket gone")

	bc.EXPECT().Subscribe("c", "r").Return(errDown)
	_, err := m.Connect("c", "r", "alice")
	req.ErrorIs(err, errDown)
	ok, _ := m.RoomExists("r")
	req.False(ok)

	bc.EXPECT().Subscribe("c", "r").Return(nil)
	bc.EXPECT().Unsubscribe("c", "r").Return(errDown)
	_, err = m.Connect("c", "r", "alice")
	req.NoError(err)
	gone, err := m.Disconnect("c", "r", "alice")
	req.ErrorIs(err, errDown)
	req.True(gone)
	ok, _ = m.RoomExists("r")
	req.False(ok)
}
