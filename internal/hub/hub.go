package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

// Types of messages sent to and received from peers.
const (
	TypeTyping          = "typing"
	TypeMessage         = "message"
	TypeMessageAck      = "message.ack"
	TypePeerList        = "peer.list"
	TypePeerInfo        = "peer.info"
	TypePeerJoin        = "peer.join"
	TypePeerLeave       = "peer.leave"
	TypePeerRateLimited = "peer.ratelimited"
	TypeRoomFull        = "room.full"
)

var (
	// ErrPeerNotFound is returned when subscribing an unknown connection.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrPeerClosed is returned when sending to a peer that's disconnecting.
	ErrPeerClosed = errors.New("peer closed")

	// ErrQueueFull is returned when a peer's outbound queue is full.
	ErrQueueFull = errors.New("peer queue full")

	// ErrHubClosed is returned when adding a peer to a closing hub.
	ErrHubClosed = errors.New("hub closed")
)

// Config represents the websocket transport configuration.
type Config struct {
	WSTimeout       time.Duration `koanf:"websocket_timeout" validate:"required"`
	PingInterval    time.Duration `koanf:"ping_interval"`
	MaxMessageLen   int           `koanf:"max_message_length" validate:"gt=0"`
	MaxMessageQueue int           `koanf:"max_message_queue" validate:"gt=0"`
}

// Handler processes the messages and disconnection of peers.
type Handler interface {
	HandleMessage(p *Peer, typ string, data json.RawMessage)
	HandleClose(p *Peer)
}

// Hub is the registry of all websocket connections and their room
// subscriptions. It implements presence.Broadcaster.
type Hub struct {
	peers map[string]*Peer
	rooms map[string]map[string]*Peer

	cfg *Config
	mut sync.RWMutex
	log *log.Logger

	// Live peers. Only added to under mut while the hub isn't closed.
	wg     sync.WaitGroup
	closed bool
}

// New returns a new instance of Hub.
func New(cfg *Config, l *log.Logger) *Hub {
	return &Hub{
		peers: make(map[string]*Peer),
		rooms: make(map[string]map[string]*Peer),
		cfg:   cfg,
		log:   l,
	}
}

// AddPeer registers a websocket connection with the hub and returns the
// peer, which has to be .Start()ed once the caller is done setting it up.
// Once the hub is closing, ErrHubClosed is returned and the caller keeps
// the connection.
func (h *Hub) AddPeer(ws *websocket.Conn, roomID, identity string, hd Handler) (*Peer, error) {
	p := newPeer(uuid.NewString(), roomID, identity, ws, h, hd)

	h.mut.Lock()
	defer h.mut.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	h.peers[p.ID] = p
	h.wg.Add(1)

	return p, nil
}

// Subscribe adds a connection to a room.
func (h *Hub) Subscribe(connID, roomID string) error {
	h.mut.Lock()
	defer h.mut.Unlock()

	p, ok := h.peers[connID]
	if !ok {
		return fmt.Errorf("%s: %w", connID, ErrPeerNotFound)
	}
	h.subscribe(p, roomID)
	return nil
}

// Unsubscribe removes a connection from a room. Unknown connections and
// rooms are ignored.
func (h *Hub) Unsubscribe(connID, roomID string) error {
	h.mut.Lock()
	h.unsubscribe(connID, roomID)
	h.mut.Unlock()
	return nil
}

// Emit queues an event to every connection subscribed to a room except
// exclude. Delivery failures of individual peers are joined and returned
// after every other peer has been attempted.
func (h *Hub) Emit(event string, payload interface{}, roomID, exclude string) error {
	b, err := makePayload(payload, event)
	if err != nil {
		return err
	}

	h.mut.RLock()
	peers := lo.Values(lo.OmitByKeys(h.rooms[roomID], []string{exclude}))
	h.mut.RUnlock()

	var errs []error
	for _, p := range peers {
		if err := p.SendData(b); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Send queues an event to a single connection.
func (h *Hub) Send(p *Peer, event string, payload interface{}) error {
	b, err := makePayload(payload, event)
	if err != nil {
		return err
	}
	return p.SendData(b)
}

// Close disconnects every peer and waits until they're all removed or ctx
// is done. Peers go through their regular disconnection path, so handlers
// see a HandleClose for each. No peers can be added after.
func (h *Hub) Close(ctx context.Context) error {
	h.mut.Lock()
	h.closed = true
	peers := lo.Values(h.peers)
	h.mut.Unlock()

	for _, p := range peers {
		p.Close("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard removes a peer that was never started and closes its connection.
func (h *Hub) Discard(p *Peer) {
	h.removePeer(p)
	p.ws.Close()
}

// removePeer unsubscribes a peer from all its rooms and removes it from
// the hub.
func (h *Hub) removePeer(p *Peer) {
	h.mut.Lock()
	if _, ok := h.peers[p.ID]; !ok {
		h.mut.Unlock()
		return
	}
	for roomID := range p.rooms {
		h.unsubscribe(p.ID, roomID)
	}
	delete(h.peers, p.ID)
	h.wg.Done()
	h.mut.Unlock()

	p.close()
}
