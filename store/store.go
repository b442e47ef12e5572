package store

// Store represents a backend that holds room membership, ie. the set of
// participant identities currently connected to each room.
//
// Implementations must keep a room present if and only if its member set
// is non-empty. The removal of the last member and the deletion of the room
// have to happen as a single step.
type Store interface {
	AddMember(roomID, identity string) error
	RemoveMember(roomID, identity string) error
	Members(roomID string) ([]string, error)
	RoomExists(roomID string) (bool, error)
	Rooms() ([]string, error)

	// AcquireMember counts one more connection of an identity in a room,
	// adding the identity if it isn't a member yet. It reports whether the
	// identity was added.
	AcquireMember(roomID, identity string) (bool, error)

	// ReleaseMember counts one connection of an identity less. The identity
	// goes with its last connection, and the room with its last member. It
	// reports whether the identity was removed. Members added with
	// AddMember hold no count and are removed by their first release.
	ReleaseMember(roomID, identity string) (bool, error)
}
