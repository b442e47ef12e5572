package mem

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Config represents the InMemory store config structure.
type Config struct{}

// InMemory represents the in-memory implementation of the Store interface.
// It is only suitable for a single serving process.
type InMemory struct {
	cfg *Config

	// room -> identity -> number of connections.
	rooms map[string]map[string]int
	mu    sync.Mutex
}

// New returns a new in-memory store.
func New(cfg Config) (*InMemory, error) {
	return &InMemory{
		cfg:   &cfg,
		rooms: map[string]map[string]int{},
	}, nil
}

// AddMember adds an identity to a room, creating the room if required.
func (m *InMemory) AddMember(roomID, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.members(roomID)
	if _, ok := members[identity]; !ok {
		members[identity] = 0
	}

	return nil
}

// AcquireMember counts a connection of an identity in a room.
func (m *InMemory) AcquireMember(roomID, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.members(roomID)
	_, ok := members[identity]
	members[identity]++

	return !ok, nil
}

// ReleaseMember uncounts a connection of an identity in a room and removes
// the identity with its last one.
func (m *InMemory) ReleaseMember(roomID, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[roomID]
	if !ok {
		return false, nil
	}
	n, ok := members[identity]
	if !ok {
		return false, nil
	}

	if n > 1 {
		members[identity] = n - 1
		return false, nil
	}

	delete(members, identity)
	if len(members) == 0 {
		delete(m.rooms, roomID)
	}
	return true, nil
}

// RemoveMember removes an identity from a room and deletes the room
// once it has no members left.
func (m *InMemory) RemoveMember(roomID, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[roomID]
	if !ok {
		return nil
	}

	delete(members, identity)
	if len(members) == 0 {
		delete(m.rooms, roomID)
	}

	return nil
}

// Members returns a sorted copy of a room's members.
func (m *InMemory) Members(roomID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := lo.Keys(m.rooms[roomID])
	sort.Strings(out)

	return out, nil
}

// RoomExists checks if a room has at least one member.
func (m *InMemory) RoomExists(roomID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.rooms[roomID]

	return ok, nil
}

// members returns a room's members, creating the room if required.
// m.mu must be held.
func (m *InMemory) members(roomID string) map[string]int {
	members, ok := m.rooms[roomID]
	if !ok {
		members = map[string]int{}
		m.rooms[roomID] = members
	}
	return members
}

// Rooms returns the sorted list of rooms that have members.
func (m *InMemory) Rooms() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := lo.Keys(m.rooms)
	sort.Strings(out)

	return out, nil
}
