// Package presence tracks which participant identities are connected to
// which rooms and provides room-scoped broadcasts on top of a Broadcaster.
//
// Membership lives in a store.Store while socket-to-room subscriptions live
// in the Broadcaster. Join and Leave update both, one after the other. There
// is no atomicity across the pair: if the process dies in between, the two
// disagree until the connections re-join.
package presence

import (
	"strconv"

	"github.com/knadh/roomcast/store"
)

// EventTyping is the event name of typing notifications.
const EventTyping = "typing"

//go:generate mockgen -destination=mocks/broadcaster.go -package=mocks github.com/knadh/roomcast/internal/presence Broadcaster

// Broadcaster delivers events to connections grouped by room.
type Broadcaster interface {
	Subscribe(connID, roomID string) error
	Unsubscribe(connID, roomID string) error

	// Emit sends an event to every connection subscribed to roomID except
	// exclude. An empty exclude excludes nothing.
	Emit(event string, payload interface{}, roomID, exclude string) error
}

// Typing is the payload of a typing notification.
type Typing struct {
	Identity string `json:"identity"`
	IsTyping bool   `json:"isTyping"`
}

// Manager is the room presence manager. One instance is created per
// serving process and shared by all connection handlers.
type Manager struct {
	store store.Store
	bc    Broadcaster
}

// New returns a new Manager.
func New(st store.Store, bc Broadcaster) *Manager {
	return &Manager{
		store: st,
		bc:    bc,
	}
}

// RoomID returns the room ID of a numeric room.
func RoomID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Join subscribes a connection to a room and marks the identity as online
// in it. Joining twice is a no-op.
func (m *Manager) Join(connID, roomID, identity string) error {
	if err := m.bc.Subscribe(connID, roomID); err != nil {
		return err
	}
	return m.store.AddMember(roomID, identity)
}

// Leave unsubscribes a connection from a room and removes the identity from
// it. Unknown rooms and identities are ignored, so it's safe to call on every
// disconnect. The identity is removed even if the broadcaster fails, in which
// case the broadcaster's error is returned.
func (m *Manager) Leave(connID, roomID, identity string) error {
	bErr := m.bc.Unsubscribe(connID, roomID)

	if err := m.store.RemoveMember(roomID, identity); err != nil {
		return err
	}
	return bErr
}

// Connect joins a connection to a room and counts it against the
// identity, which may hold several connections. It reports whether the
// identity came online with it. Counts live in the store, so with a shared
// store they hold across every node.
func (m *Manager) Connect(connID, roomID, identity string) (bool, error) {
	if err := m.bc.Subscribe(connID, roomID); err != nil {
		return false, err
	}
	return m.store.AcquireMember(roomID, identity)
}

// Disconnect removes a connection from a room. The identity goes offline
// with its last connection, which is reported. As with Leave, the store is
// updated even if the broadcaster fails.
func (m *Manager) Disconnect(connID, roomID, identity string) (bool, error) {
	bErr := m.bc.Unsubscribe(connID, roomID)

	gone, err := m.store.ReleaseMember(roomID, identity)
	if err != nil {
		return false, err
	}
	return gone, bErr
}

// Broadcast sends an event to every connection in a room except exclude.
func (m *Manager) Broadcast(roomID, event string, payload interface{}, exclude string) error {
	return m.bc.Emit(event, payload, roomID, exclude)
}

// NotifyTyping broadcasts a typing status to the whole room, sender included.
func (m *Manager) NotifyTyping(roomID, identity string, isTyping bool) error {
	return m.Broadcast(roomID, EventTyping, Typing{Identity: identity, IsTyping: isTyping}, "")
}

// Online returns a snapshot of the identities online in a room. It's empty
// if the room doesn't exist.
func (m *Manager) Online(roomID string) ([]string, error) {
	out, err := m.store.Members(roomID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// RoomExists checks whether anyone is online in a room.
func (m *Manager) RoomExists(roomID string) (bool, error) {
	return m.store.RoomExists(roomID)
}

// Rooms returns the rooms that have at least one identity online.
func (m *Manager) Rooms() ([]string, error) {
	return m.store.Rooms()
}
