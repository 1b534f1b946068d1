package dispatch

import (
	"time"

	"github.com/treepeck/roomcast/internal/presence"
)

// State of a connection session.  A session only moves forward.
type State int

const (
	Unregistered State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return "unknown"
}

/*
Session is the per-connection transient state.  The rooms a session belongs to
are not stored here: [Session.JoinedRooms] reads them from the membership
index, which stays the only record of membership.
*/
type Session struct {
	ConnectedAt time.Time
	members     *presence.Memberships
	Id          string
	Addr        string
	state       State
}

func (s *Session) State() State { return s.state }

// JoinedRooms returns the sorted ids of the rooms the connection belongs to.
func (s *Session) JoinedRooms() []string {
	return s.members.RoomsOf(s.Id)
}
