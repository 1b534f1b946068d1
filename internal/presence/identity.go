package presence

import (
	"slices"
	"strings"
	"sync"
)

/*
Identities maps connection ids to display names.  Names are unique among
registered connections; comparison is exact and case-sensitive.
*/
type Identities struct {
	mu     sync.RWMutex
	byConn map[string]string
	byName map[string]string
}

func NewIdentities() *Identities {
	return &Identities{
		byConn: make(map[string]string),
		byName: make(map[string]string),
	}
}

/*
Register binds the name to the connection.  The check and the bind happen
under one lock, so two connections racing for the same name cannot both win.
Nothing changes when an error is returned.
*/
func (i *Identities) Register(connId, name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, exists := i.byConn[connId]; exists {
		return ErrAlreadyRegistered
	}
	if _, taken := i.byName[name]; taken {
		return ErrNameTaken
	}

	i.byConn[connId] = name
	i.byName[name] = connId
	return nil
}

/*
Unregister removes the binding.  Returns false if the connection was not
registered.
*/
func (i *Identities) Unregister(connId string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	name, exists := i.byConn[connId]
	if !exists {
		return false
	}
	delete(i.byConn, connId)
	delete(i.byName, name)
	return true
}

// Lookup returns the name bound to the connection or [ErrNotFound].
func (i *Identities) Lookup(connId string) (string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	name, exists := i.byConn[connId]
	if !exists {
		return "", ErrNotFound
	}
	return name, nil
}

// IsActive reports whether the connection has completed registration.
func (i *Identities) IsActive(connId string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()

	_, exists := i.byConn[connId]
	return exists
}

// Active returns the ids of all registered connections, sorted.
func (i *Identities) Active() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	ids := make([]string, 0, len(i.byConn))
	for id := range i.byConn {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Snapshot returns every binding sorted by connection id.
func (i *Identities) Snapshot() []Entry {
	i.mu.RLock()
	defer i.mu.RUnlock()

	entries := make([]Entry, 0, len(i.byConn))
	for id, name := range i.byConn {
		entries = append(entries, Entry{Id: id, Name: name})
	}
	sortEntries(entries)
	return entries
}

func (i *Identities) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return len(i.byConn)
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.Id, b.Id)
	})
}
