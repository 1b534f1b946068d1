/*
Package presence holds the authoritative in-memory state of roomcast: who is
connected under which display name, which rooms exist, and which connections
belong to which rooms.

Every registry is safe for concurrent use.  Operations that must be atomic
across registries (creating a room and joining its creator) are composed by
the caller, which serialises them.
*/
package presence

import "github.com/pkg/errors"

var (
	ErrNameTaken         = errors.New("name is already taken")
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrNotFound          = errors.New("not found")
	ErrRoomNotFound      = errors.New("room not found")
	ErrNotMember         = errors.New("connection is not a member of the room")
)

/*
Entry is an (id, name) pair of a registry snapshot.
*/
type Entry struct {
	Id   string
	Name string
}
