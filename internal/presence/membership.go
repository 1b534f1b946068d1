package presence

import (
	"slices"
	"sync"
)

type set map[string]struct{}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

/*
Memberships stores two maps of room membership.

By maintaining both mappings, this requirements are statisfied:
 1. Fast addition and removal of members;
 2. Efficient lookup of all members of a given room id;
 3. Efficient lookup of all rooms a connection belongs to.

Each mutating operation modifies both maps under the same lock, so
connection ∈ members(room) ⟺ room ∈ rooms(connection) holds between calls.
Memberships does not know which rooms exist; callers check that with [Rooms].
*/
type Memberships struct {
	mu       sync.RWMutex
	byRoom   map[string]set
	byClient map[string]set
}

func NewMemberships() *Memberships {
	return &Memberships{
		byRoom:   make(map[string]set),
		byClient: make(map[string]set),
	}
}

/*
Join adds the pair to both maps.  Returns false if the connection was already
a member of the room, in which case nothing changes.
*/
func (m *Memberships) Join(connId, roomId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byRoom[roomId][connId]; exists {
		return false
	}

	if m.byRoom[roomId] == nil {
		m.byRoom[roomId] = make(set)
	}
	if m.byClient[connId] == nil {
		m.byClient[connId] = make(set)
	}
	m.byRoom[roomId][connId] = struct{}{}
	m.byClient[connId][roomId] = struct{}{}
	return true
}

/*
Leave removes the pair from both maps.  Returns [ErrNotMember] if the
connection is not a member of the room.
*/
func (m *Memberships) Leave(connId, roomId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byRoom[roomId][connId]; !exists {
		return ErrNotMember
	}
	m.remove(connId, roomId)
	return nil
}

// IsMember reports whether the connection belongs to the room.
func (m *Memberships) IsMember(connId, roomId string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.byRoom[roomId][connId]
	return exists
}

/*
MembersOf returns the sorted ids of the room members.  The result is empty,
not nil, when the room has no members or is unknown.
*/
func (m *Memberships) MembersOf(roomId string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.byRoom[roomId].sorted()
}

// RoomsOf returns the sorted ids of the rooms the connection belongs to.
func (m *Memberships) RoomsOf(connId string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.byClient[connId].sorted()
}

/*
Purge removes the connection from every room it belongs to and returns the
sorted ids of those rooms.  A second call returns an empty slice.
*/
func (m *Memberships) Purge(connId string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := m.byClient[connId].sorted()
	for _, roomId := range rooms {
		m.remove(connId, roomId)
	}
	return rooms
}

// remove must be called with the write lock held.
func (m *Memberships) remove(connId, roomId string) {
	delete(m.byRoom[roomId], connId)
	if len(m.byRoom[roomId]) == 0 {
		// Rooms outlive their members; only the index entry goes away.
		delete(m.byRoom, roomId)
	}

	delete(m.byClient[connId], roomId)
	if len(m.byClient[connId]) == 0 {
		delete(m.byClient, connId)
	}
}
