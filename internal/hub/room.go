package hub

import (
	"encoding/json"
	"time"
)

// msgWrap is the envelope of every message sent to peers.
type msgWrap struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// payloadMsgWrap is the envelope of messages received from peers.
type payloadMsgWrap struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// subscribe adds a peer to a room, creating the room if required.
// h.mut must be held.
func (h *Hub) subscribe(p *Peer, roomID string) {
	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[string]*Peer)
		h.rooms[roomID] = room
	}
	room[p.ID] = p
	p.rooms[roomID] = struct{}{}
}

// unsubscribe removes a peer from a room and drops the room once it has
// no subscribers. h.mut must be held.
func (h *Hub) unsubscribe(connID, roomID string) {
	if p, ok := h.peers[connID]; ok {
		delete(p.rooms, roomID)
	}

	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
}

// makePayload prepares a message payload.
func makePayload(data interface{}, typ string) ([]byte, error) {
	return json.Marshal(msgWrap{
		Timestamp: time.Now(),
		Type:      typ,
		Data:      data,
	})
}
