// Package chat connects websocket peers to rooms. It drives the presence
// manager from the connection lifecycle and routes the messages peers send.
package chat

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/knadh/roomcast/internal/hub"
	"github.com/knadh/roomcast/internal/moderation"
	"github.com/knadh/roomcast/internal/presence"
	"github.com/samber/lo"
)

// ErrRoomFull is returned when a connection is refused for lack of room.
var ErrRoomFull = errors.New("room is full")

// Config represents the chat configuration.
type Config struct {
	RateLimitInterval time.Duration `koanf:"rate_limit_interval" validate:"required"`
	RateLimitMessages int           `koanf:"rate_limit_messages" validate:"gt=0"`
	MaxPeersPerRoom   int           `koanf:"max_peers_per_room" validate:"gt=0"`
}

type msgPeer struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
}

type msgPeerList struct {
	RoomID string   `json:"room"`
	Online []string `json:"online"`
}

type msgChat struct {
	PeerID   string `json:"peer_id"`
	Identity string `json:"identity"`
	Msg      string `json:"message"`
}

// Service handles peer connections and messages. It implements hub.Handler.
type Service struct {
	cfg      Config
	hub      *hub.Hub
	presence *presence.Manager
	mod      *moderation.Moderator
	log      *log.Logger
}

// New returns a new chat Service.
func New(cfg Config, h *hub.Hub, pm *presence.Manager, mod *moderation.Moderator, l *log.Logger) *Service {
	return &Service{
		cfg:      cfg,
		hub:      h,
		presence: pm,
		mod:      mod,
		log:      l,
	}
}

// Connect adds a websocket connection of an authenticated identity to a
// room. The connection is closed on error.
func (s *Service) Connect(ws *websocket.Conn, roomID, identity string) error {
	online, err := s.presence.Online(roomID)
	if err != nil {
		ws.Close()
		return err
	}

	// Capacity is checked against identities, so another connection of
	// an identity that's already in is always let in.
	if len(online) >= s.cfg.MaxPeersPerRoom && !lo.Contains(online, identity) {
		s.hub.Reject(ws, hub.TypeRoomFull, ErrRoomFull.Error())
		return ErrRoomFull
	}

	p, err := s.hub.AddPeer(ws, roomID, identity, s)
	if err != nil {
		ws.Close()
		return err
	}

	// An identity comes online with its first connection, on whichever
	// node that is.
	first, err := s.presence.Connect(p.ID, roomID, identity)
	if err != nil {
		s.hub.Discard(p)
		return err
	}

	info := msgPeer{ID: p.ID, Identity: identity}

	if err := s.hub.Send(p, hub.TypePeerInfo, info); err != nil {
		s.log.Printf("error sending peer info to %s: %v", p.ID, err)
	}
	if first {
		if err := s.presence.Broadcast(roomID, hub.TypePeerJoin, info, p.ID); err != nil {
			s.log.Printf("error broadcasting join to %s: %v", roomID, err)
		}
	}

	p.Start()
	s.log.Printf("%s@%s joined %s", identity, p.ID, roomID)
	return nil
}

// HandleClose removes a disconnected peer from its room. The identity stays
// online while it has other connections.
func (s *Service) HandleClose(p *hub.Peer) {
	last, err := s.presence.Disconnect(p.ID, p.RoomID, p.Identity)
	if err != nil {
		s.log.Printf("error leaving %s: %v", p.RoomID, err)
	}

	if last {
		if err := s.presence.Broadcast(p.RoomID, hub.TypePeerLeave,
			msgPeer{ID: p.ID, Identity: p.Identity}, ""); err != nil {
			s.log.Printf("error broadcasting leave to %s: %v", p.RoomID, err)
		}
	}

	s.log.Printf("%s@%s left %s", p.Identity, p.ID, p.RoomID)
}

// HandleMessage processes a message from a peer.
func (s *Service) HandleMessage(p *hub.Peer, typ string, data json.RawMessage) {
	switch typ {
	// Message to the room.
	case hub.TypeMessage:
		if !p.Allow(s.cfg.RateLimitMessages, s.cfg.RateLimitInterval) {
			s.log.Printf("%s@%s rate limited in %s", p.Identity, p.ID, p.RoomID)
			p.Close(hub.TypePeerRateLimited)
			return
		}

		var msg string
		if err := json.Unmarshal(data, &msg); err != nil || strings.TrimSpace(msg) == "" {
			return
		}

		out := msgChat{PeerID: p.ID, Identity: p.Identity, Msg: s.mod.Censor(msg)}
		if err := s.presence.Broadcast(p.RoomID, hub.TypeMessage, out, p.ID); err != nil {
			s.log.Printf("error broadcasting message to %s: %v", p.RoomID, err)
		}
		if err := s.hub.Send(p, hub.TypeMessageAck, out); err != nil {
			s.log.Printf("error acking message to %s: %v", p.ID, err)
		}

	// "Typing" status.
	case hub.TypeTyping:
		var typing bool
		if err := json.Unmarshal(data, &typing); err != nil {
			return
		}
		if err := s.presence.NotifyTyping(p.RoomID, p.Identity, typing); err != nil {
			s.log.Printf("error broadcasting typing to %s: %v", p.RoomID, err)
		}

	// Request for the list of identities online.
	case hub.TypePeerList:
		online, err := s.presence.Online(p.RoomID)
		if err != nil {
			s.log.Printf("error fetching online list of %s: %v", p.RoomID, err)
			return
		}
		if err := s.hub.Send(p, hub.TypePeerList, msgPeerList{RoomID: p.RoomID, Online: online}); err != nil {
			s.log.Printf("error sending peer list to %s: %v", p.ID, err)
		}

	default:
		s.log.Printf("unknown message type %q from %s", typ, p.ID)
	}
}
