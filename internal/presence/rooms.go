package presence

import (
	"sync"

	"github.com/google/uuid"
)

/*
Rooms maps room ids to room names.  Rooms are never renamed or deleted, so an
id stays valid for the process lifetime.
*/
type Rooms struct {
	mu     sync.RWMutex
	byId   map[string]string
	byName map[string]string
	// newId allocates room ids.  Defaults to a random (version 4) UUID.
	newId func() string
}

func NewRooms() *Rooms {
	return &Rooms{
		byId:   make(map[string]string),
		byName: make(map[string]string),
		newId:  uuid.NewString,
	}
}

/*
Create stores a new room and returns its id.  Returns [ErrNameTaken] if a room
with the same name exists; in that case no id is allocated.
*/
func (r *Rooms) Create(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[name]; taken {
		return "", ErrNameTaken
	}

	// Ids are never reused, even if the allocator repeats itself.
	id := r.newId()
	for r.issued(id) {
		id = r.newId()
	}

	r.byId[id] = name
	r.byName[name] = id
	return id, nil
}

// issued must be called with the write lock held.
func (r *Rooms) issued(id string) bool {
	_, exists := r.byId[id]
	return exists || id == ""
}

func (r *Rooms) Exists(roomId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.byId[roomId]
	return exists
}

// NameOf returns the room name or [ErrRoomNotFound].
func (r *Rooms) NameOf(roomId string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, exists := r.byId[roomId]
	if !exists {
		return "", ErrRoomNotFound
	}
	return name, nil
}

// Snapshot returns every room sorted by id.
func (r *Rooms) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.byId))
	for id, name := range r.byId {
		entries = append(entries, Entry{Id: id, Name: name})
	}
	sortEntries(entries)
	return entries
}

func (r *Rooms) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byId)
}
