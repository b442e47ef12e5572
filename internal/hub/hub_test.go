package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	msgs   chan string
	closed chan *Peer
}

func newRecorder() *recorder {
	return &recorder{
		msgs:   make(chan string, 10),
		closed: make(chan *Peer, 10),
	}
}

func (r *recorder) HandleMessage(p *Peer, typ string, data json.RawMessage) {
	r.msgs <- typ
}

func (r *recorder) HandleClose(p *Peer) {
	r.closed <- p
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newTestHub() *Hub {
	return New(&Config{
		WSTimeout:       time.Second,
		MaxMessageLen:   1024,
		MaxMessageQueue: 10,
	}, log.New(io.Discard, "", 0))
}

// newTestServer returns a server that registers and starts a peer for
// every websocket connection it accepts.
func newTestServer(t *testing.T, h *Hub, hd Handler) (string, chan *Peer) {
	t.Helper()
	var (
		up    = websocket.Upgrader{}
		peers = make(chan *Peer, 10)
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p, err := h.AddPeer(ws, r.URL.Query().Get("room"), r.URL.Query().Get("id"), hd)
		if err != nil {
			ws.Close()
			return
		}
		p.Start()
		peers <- p
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), peers
}

func dial(t *testing.T, url string, peers chan *Peer) (*websocket.Conn, *Peer) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	select {
	case p := <-peers:
		return ws, p
	case <-time.After(2 * time.Second):
		t.Fatal("peer was not registered")
	}
	return nil, nil
}

func readEnvelope(t *testing.T, ws *websocket.Conn) envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := ws.ReadMessage()
	require.NoError(t, err)

	var e envelope
	require.NoError(t, json.Unmarshal(b, &e))
	return e
}

func (h *Hub) subscribers(roomID string) int {
	h.mut.RLock()
	defer h.mut.RUnlock()
	return len(h.rooms[roomID])
}

func TestEmitExcludesConnection(t *testing.T) {
	req := require.New(t)
	h := newTestHub()
	url, peers := newTestServer(t, h, newRecorder())

	wsA, a := dial(t, url+"?room=r&id=alice", peers)
	wsB, b := dial(t, url+"?room=r&id=bob", peers)
	req.NoError(h.Subscribe(a.ID, "r"))
	req.NoError(h.Subscribe(b.ID, "r"))

	req.NoError(h.Emit("msg", "hello", "r", a.ID))
	e := readEnvelope(t, wsB)
	req.Equal("msg", e.Type)
	req.JSONEq(`"hello"`, string(e.Data))

	// A's first message has to be the next unexcluded one.
	req.NoError(h.Emit("msg", "second", "r", ""))
	e = readEnvelope(t, wsA)
	req.JSONEq(`"second"`, string(e.Data))
	e = readEnvelope(t, wsB)
	req.JSONEq(`"second"`, string(e.Data))
}

func TestEmitAbsentRoom(t *testing.T) {
	h := newTestHub()
	require.NoError(t, h.Emit("msg", "hello", "nope", ""))
}

func TestSubscribeUnknownPeer(t *testing.T) {
	h := newTestHub()
	require.ErrorIs(t, h.Subscribe("nope", "r"), ErrPeerNotFound)
	require.Equal(t, 0, h.subscribers("r"))
}

func TestUnsubscribeDropsEmptyRoom(t *testing.T) {
	req := require.New(t)
	h := newTestHub()

	p, err := h.AddPeer(nil, "r", "alice", newRecorder())
	req.NoError(err)
	req.NoError(h.Subscribe(p.ID, "r"))
	req.NoError(h.Subscribe(p.ID, "r"))
	req.Equal(1, h.subscribers("r"))

	req.NoError(h.Unsubscribe(p.ID, "r"))
	req.NoError(h.Unsubscribe(p.ID, "r"))
	req.NoError(h.Unsubscribe("nope", "x"))

	h.mut.RLock()
	_, ok := h.rooms["r"]
	h.mut.RUnlock()
	req.False(ok)
}

func TestQueueFull(t *testing.T) {
	req := require.New(t)
	h := New(&Config{WSTimeout: time.Second, MaxMessageLen: 1024, MaxMessageQueue: 1}, log.New(io.Discard, "", 0))

	// The peer is never started, so nothing drains its queue.
	p, err := h.AddPeer(nil, "r", "alice", newRecorder())
	req.NoError(err)
	req.NoError(h.Subscribe(p.ID, "r"))

	req.NoError(h.Emit("msg", 1, "r", ""))
	req.ErrorIs(h.Emit("msg", 2, "r", ""), ErrQueueFull)

	p.close()
	req.ErrorIs(h.Emit("msg", 3, "r", ""), ErrPeerClosed)
}

func TestIncomingMessagesAndDisconnect(t *testing.T) {
	req := require.New(t)
	h := newTestHub()
	rec := newRecorder()
	url, peers := newTestServer(t, h, rec)

	ws, p := dial(t, url+"?room=r&id=alice", peers)
	req.Equal("r", p.RoomID)
	req.Equal("alice", p.Identity)
	req.NoError(h.Subscribe(p.ID, "r"))
	req.NoError(h.Subscribe(p.ID, "other"))

	req.NoError(ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","data":true}`)))
	req.NoError(ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	select {
	case typ := <-rec.msgs:
		req.Equal(TypeTyping, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not handled")
	}

	ws.Close()
	select {
	case c := <-rec.closed:
		req.Equal(p.ID, c.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("close was not handled")
	}

	req.Eventually(func() bool {
		return h.subscribers("r") == 0 && h.subscribers("other") == 0
	}, 2*time.Second, 10*time.Millisecond)

	h.mut.RLock()
	_, ok := h.peers[p.ID]
	h.mut.RUnlock()
	req.False(ok)
}

func TestCloseDisconnectsPeers(t *testing.T) {
	req := require.New(t)
	h := newTestHub()
	rec := newRecorder()
	url, peers := newTestServer(t, h, rec)

	ws, p := dial(t, url+"?room=r&id=alice", peers)
	req.NoError(h.Subscribe(p.ID, "r"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req.NoError(h.Close(ctx))

	select {
	case c := <-rec.closed:
		req.Equal(p.ID, c.ID)
	default:
		t.Fatal("close was not handled before Close returned")
	}
	req.Equal(0, h.subscribers("r"))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	req.True(errors.As(err, &ce), "unexpected error: %v", err)
	req.Equal("server shutting down", ce.Text)
}

func TestAddPeerAfterClose(t *testing.T) {
	req := require.New(t)
	h := newTestHub()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req.NoError(h.Close(ctx))

	// A connection upgraded while shutting down is refused rather than
	// left behind for Close to wait on.
	p, err := h.AddPeer(nil, "r", "alice", newRecorder())
	req.ErrorIs(err, ErrHubClosed)
	req.Nil(p)

	h.mut.RLock()
	req.Empty(h.peers)
	h.mut.RUnlock()
	req.NoError(h.Close(ctx))
}

func TestAllow(t *testing.T) {
	req := require.New(t)
	p := &Peer{}

	req.True(p.Allow(2, time.Hour))
	req.True(p.Allow(2, time.Hour))
	req.False(p.Allow(2, time.Hour))

	p.windowStart = time.Now().Add(-2 * time.Hour)
	req.True(p.Allow(2, time.Hour))
}
