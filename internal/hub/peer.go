package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Peer represents an individual websocket connection.
type Peer struct {
	// Connection ID and the room and identity it was opened for.
	ID       string
	RoomID   string
	Identity string

	ws *websocket.Conn

	// Channel for outbound messages.
	dataQ chan []byte

	hub     *Hub
	handler Handler

	// Rooms the peer is subscribed to. Guarded by hub.mut.
	rooms map[string]struct{}

	mu     sync.Mutex
	closed bool

	// Rate limiting. Only touched from the listener.
	numMessages int
	windowStart time.Time
}

// newPeer returns a new instance of Peer.
func newPeer(id, roomID, identity string, ws *websocket.Conn, h *Hub, hd Handler) *Peer {
	return &Peer{
		ID:       id,
		RoomID:   roomID,
		Identity: identity,
		ws:       ws,
		dataQ:    make(chan []byte, h.cfg.MaxMessageQueue),
		hub:      h,
		handler:  hd,
		rooms:    make(map[string]struct{}),
	}
}

// Start starts the peer's listener and writer goroutines.
func (p *Peer) Start() {
	go p.RunListener()
	go p.RunWriter()
}

// RunListener is a blocking function that reads incoming messages from a peer's
// WS connection until its dropped or there's an error. This should be invoked
// as a goroutine.
func (p *Peer) RunListener() {
	p.ws.SetReadLimit(int64(p.hub.cfg.MaxMessageLen))
	if p.hub.cfg.PingInterval > 0 {
		wait := p.hub.cfg.PingInterval + p.hub.cfg.WSTimeout
		p.ws.SetReadDeadline(time.Now().Add(wait))
		p.ws.SetPongHandler(func(string) error {
			return p.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, m, err := p.ws.ReadMessage()
		if err != nil {
			break
		}
		p.processMessage(m)
	}

	// WS connection is closed.
	p.handler.HandleClose(p)
	p.hub.removePeer(p)
	p.ws.Close()
}

// RunWriter is a blocking function that writes messages in a peer's queue to the
// peer's WS connection. This should be invoked as a goroutine.
func (p *Peer) RunWriter() {
	defer p.ws.Close()

	var ping <-chan time.Time
	if p.hub.cfg.PingInterval > 0 {
		t := time.NewTicker(p.hub.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		// Wait for outgoing message to appear in the channel.
		case message, ok := <-p.dataQ:
			if !ok {
				p.writeWSData(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.writeWSData(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ping:
			if err := p.writeWSData(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendData queues a message to be written to the peer's WS. It never blocks.
func (p *Peer) SendData(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}

	select {
	case p.dataQ <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close sends a close frame with the given reason and drops the connection.
// The listener then goes through the regular disconnection.
func (p *Peer) Close(reason string) {
	p.writeWSControl(websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	p.ws.Close()
}

// Allow records a message and reports whether the peer is within max
// messages per interval.
func (p *Peer) Allow(max int, interval time.Duration) bool {
	now := time.Now()
	if now.Sub(p.windowStart) >= interval {
		p.windowStart = now
		p.numMessages = 0
	}
	p.numMessages++
	return p.numMessages <= max
}

// close closes the outbound queue, which stops the writer.
func (p *Peer) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.dataQ)
	}
	p.mu.Unlock()
}

// writeWSData writes the given payload to the peer's WS connection.
func (p *Peer) writeWSData(msgType int, payload []byte) error {
	p.ws.SetWriteDeadline(time.Now().Add(p.hub.cfg.WSTimeout))
	return p.ws.WriteMessage(msgType, payload)
}

// writeWSControl writes the given close payload to the peer's WS connection.
func (p *Peer) writeWSControl(payload []byte) error {
	return p.ws.WriteControl(websocket.CloseMessage, payload, time.Now().Add(p.hub.cfg.WSTimeout))
}

// processMessage decodes an incoming message and hands it to the handler.
func (p *Peer) processMessage(b []byte) {
	var m payloadMsgWrap
	if err := json.Unmarshal(b, &m); err != nil {
		p.hub.log.Printf("error decoding message from %s: %v", p.ID, err)
		return
	}
	p.handler.HandleMessage(p, m.Type, m.Data)
}

// Reject writes a notice to a websocket that was never added to the hub
// and closes it.
func (h *Hub) Reject(ws *websocket.Conn, typ, reason string) {
	defer ws.Close()

	b, err := makePayload(reason, typ)
	if err != nil {
		return
	}
	deadline := time.Now().Add(h.cfg.WSTimeout)
	ws.SetWriteDeadline(deadline)
	ws.WriteMessage(websocket.TextMessage, b)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
}
