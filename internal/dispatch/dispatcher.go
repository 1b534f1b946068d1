/*
Package dispatch implements the roomcast protocol state machine.  The
[Dispatcher] validates client operations against the presence registries,
applies them, and computes who must be notified.

A Dispatcher is not safe for concurrent use.  The transport owns it from a
single goroutine, which serialises every operation of every connection,
including disconnects.  The registries it wraps stay readable concurrently.
*/
package dispatch

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/treepeck/roomcast/internal/metrics"
	"github.com/treepeck/roomcast/internal/presence"
	"github.com/treepeck/roomcast/pkg/event"
)

var (
	ErrProtocol       = errors.New("protocol violation")
	ErrDuplicateConn  = errors.New("connection id already in use")
	ErrUnknownConn    = errors.New("unknown connection")
	ErrNotActive      = errors.New("connection is not registered")
	ErrTargetNotFound = errors.New("target is not connected")
	ErrInvalidName    = errors.New("name must not be empty")
)

/*
Directory delivers encoded frames to connections.  Send must not block; it
returns false when the frame could not be queued.
*/
type Directory interface {
	Send(connId string, raw []byte) bool
}

/*
Feed mirrors presence changes to external consumers.  Publish must not block.
*/
type Feed interface {
	Publish(key string, raw []byte)
}

// Routing keys of the presence feed.
const (
	KeyUserJoined  = "user.joined"
	KeyUserLeft    = "user.left"
	KeyRoomCreated = "room.created"
	KeyRoomJoined  = "room.joined"
	KeyRoomLeft    = "room.left"
)

type nopFeed struct{}

func (nopFeed) Publish(string, []byte) {}

type Dispatcher struct {
	identities *presence.Identities
	rooms      *presence.Rooms
	members    *presence.Memberships
	sessions   map[string]*Session
	dir        Directory
	feed       Feed
	metrics    *metrics.Metrics
	log        *zap.Logger
	// now is replaced in tests.
	now func() time.Time
}

/*
New creates a Dispatcher with empty registries.  feed and m may be nil.
*/
func New(dir Directory, feed Feed, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	if feed == nil {
		feed = nopFeed{}
	}
	return &Dispatcher{
		identities: presence.NewIdentities(),
		rooms:      presence.NewRooms(),
		members:    presence.NewMemberships(),
		sessions:   make(map[string]*Session),
		dir:        dir,
		feed:       feed,
		metrics:    m,
		log:        log.With(zap.String("component", "dispatcher")),
		now:        time.Now,
	}
}

/*
Connect opens an unregistered session for a new transport connection.
*/
func (d *Dispatcher) Connect(connId, addr string) error {
	if _, exists := d.sessions[connId]; exists {
		return errors.Wrapf(ErrDuplicateConn, "connection %s", connId)
	}

	d.sessions[connId] = &Session{
		ConnectedAt: d.now(),
		members:     d.members,
		Id:          connId,
		Addr:        addr,
	}
	d.log.Debug("connection opened", zap.String("conn", connId), zap.String("addr", addr))
	return nil
}

/*
Disconnect purges the connection: its identity and every membership.  Others
are told the user left first, then the remaining members of each former room
are told, one room at a time in room id order.  Only the first call for a
connection has an effect.
*/
func (d *Dispatcher) Disconnect(connId string) {
	s, exists := d.sessions[connId]
	if !exists {
		return
	}
	wasActive := s.state == Active
	s.state = Closed
	delete(d.sessions, connId)

	rooms := d.members.Purge(connId)
	if !wasActive {
		d.log.Debug("connection closed", zap.String("conn", connId))
		return
	}
	d.identities.Unregister(connId)

	left := event.UserLeftPayload{Id: connId}
	d.fanOut(d.identities.Active(), event.Encode(event.UserLeft, 0, left))
	d.publish(KeyUserLeft, left)

	for _, roomId := range rooms {
		p := event.MembershipPayload{ActorId: connId, RoomId: roomId}
		d.fanOut(d.members.MembersOf(roomId), event.Encode(event.UserLeftRoom, 0, p))
		d.publish(KeyRoomLeft, p)
	}

	d.syncGauges()
	d.log.Debug("connection closed",
		zap.String("conn", connId),
		zap.Int("rooms", len(rooms)),
	)
}

/*
Register binds a display name to the connection.  Rejected when the name is
empty or taken, or when the connection is already registered.  The snapshot in
the reply reflects the state right after the bind.
*/
func (d *Dispatcher) Register(connId, name string) event.RegisterAck {
	err := d.register(connId, name)
	d.record(event.Register, err)

	ack := event.RegisterAck{
		Status:      event.StatusAccepted,
		ActiveUsers: pairs(d.identities.Snapshot()),
		Rooms:       pairs(d.rooms.Snapshot()),
	}
	if err != nil {
		ack.Status = event.StatusRejected
	}
	return ack
}

func (d *Dispatcher) register(connId, name string) error {
	s, exists := d.sessions[connId]
	if !exists {
		return ErrUnknownConn
	}
	if s.state != Unregistered {
		return presence.ErrAlreadyRegistered
	}
	if name == "" {
		return ErrInvalidName
	}
	if err := d.identities.Register(connId, name); err != nil {
		return err
	}
	s.state = Active

	p := event.UserJoinedPayload{Id: connId, Name: name}
	d.fanOut(d.othersActive(connId), event.Encode(event.UserJoined, 0, p))
	d.publish(KeyUserJoined, p)
	d.syncGauges()
	return nil
}

/*
DirectMessage delivers text to a single active connection.  Messages to
connections that are gone or never registered are dropped.
*/
func (d *Dispatcher) DirectMessage(connId, targetId, text string) error {
	err := d.directMessage(connId, targetId, text)
	d.record(event.DirectMessage, err)
	return err
}

func (d *Dispatcher) directMessage(connId, targetId, text string) error {
	if !d.active(connId) {
		return ErrNotActive
	}
	if !d.identities.IsActive(targetId) {
		return errors.Wrapf(ErrTargetNotFound, "target %s", targetId)
	}

	d.dir.Send(targetId, event.Encode(event.DirectMessageDelivered, 0,
		event.DirectMessageDeliveredPayload{FromId: connId, Text: text}))
	return nil
}

/*
CreateRoom creates a room and joins its creator.  Every other active
connection is told about the new room.
*/
func (d *Dispatcher) CreateRoom(connId, name string) event.CreateRoomAck {
	roomId, err := d.createRoom(connId, name)
	d.record(event.CreateRoom, err)

	if err != nil {
		return event.CreateRoomAck{Status: event.StatusRejected}
	}
	return event.CreateRoomAck{Status: event.StatusAccepted, RoomId: roomId}
}

func (d *Dispatcher) createRoom(connId, name string) (string, error) {
	if !d.active(connId) {
		return "", ErrNotActive
	}
	if name == "" {
		return "", ErrInvalidName
	}
	roomId, err := d.rooms.Create(name)
	if err != nil {
		return "", err
	}
	d.members.Join(connId, roomId)

	created := event.RoomCreatedPayload{RoomId: roomId, Name: name}
	d.fanOut(d.othersActive(connId), event.Encode(event.RoomCreated, 0, created))
	d.publish(KeyRoomCreated, created)
	d.publish(KeyRoomJoined, event.MembershipPayload{ActorId: connId, RoomId: roomId})
	d.syncGauges()
	return roomId, nil
}

/*
JoinRoom adds the connection to the room.  The other members are notified
only when the connection was not a member before.
*/
func (d *Dispatcher) JoinRoom(connId, roomId string) error {
	if !d.active(connId) {
		d.record(event.JoinRoom, ErrNotActive)
		return ErrNotActive
	}
	err := d.joinRoom(connId, roomId)
	d.record(event.JoinRoom, err)
	return err
}

func (d *Dispatcher) joinRoom(connId, roomId string) error {
	if !d.rooms.Exists(roomId) {
		return errors.Wrapf(presence.ErrRoomNotFound, "room %s", roomId)
	}
	if !d.members.Join(connId, roomId) {
		return nil
	}

	p := event.MembershipPayload{ActorId: connId, RoomId: roomId}
	d.fanOut(d.othersInRoom(roomId, connId), event.Encode(event.UserJoinedRoom, 0, p))
	d.publish(KeyRoomJoined, p)
	return nil
}

/*
JoinRooms joins each room in list order.  Each room is checked on its own, so
an unknown room does not stop the rest.
*/
func (d *Dispatcher) JoinRooms(connId string, roomIds []string) error {
	if !d.active(connId) {
		d.record(event.JoinRooms, ErrNotActive)
		return ErrNotActive
	}
	for _, roomId := range roomIds {
		if err := d.joinRoom(connId, roomId); err != nil {
			d.log.Debug("join skipped", zap.String("conn", connId), zap.Error(err))
		}
	}
	d.record(event.JoinRooms, nil)
	return nil
}

/*
LeaveRoom removes the connection from the room and notifies the remaining
members.  Leaving a room the connection is not in changes nothing and
notifies no one.
*/
func (d *Dispatcher) LeaveRoom(connId, roomId string) error {
	err := d.leaveRoom(connId, roomId)
	d.record(event.LeaveRoom, err)
	return err
}

func (d *Dispatcher) leaveRoom(connId, roomId string) error {
	if !d.active(connId) {
		return ErrNotActive
	}
	if err := d.members.Leave(connId, roomId); err != nil {
		return errors.Wrapf(err, "room %s", roomId)
	}

	p := event.MembershipPayload{ActorId: connId, RoomId: roomId}
	d.fanOut(d.members.MembersOf(roomId), event.Encode(event.UserLeftRoom, 0, p))
	d.publish(KeyRoomLeft, p)
	return nil
}

/*
RoomMessage sends text to the other members of a room.  The sender must be a
member.
*/
func (d *Dispatcher) RoomMessage(connId, roomId, text string) error {
	if !d.active(connId) {
		d.record(event.RoomMessage, ErrNotActive)
		return ErrNotActive
	}
	err := d.roomMessage(connId, roomId, text)
	d.record(event.RoomMessage, err)
	return err
}

func (d *Dispatcher) roomMessage(connId, roomId, text string) error {
	if !d.members.IsMember(connId, roomId) {
		return errors.Wrapf(presence.ErrNotMember, "room %s", roomId)
	}

	d.fanOut(d.othersInRoom(roomId, connId), event.Encode(event.RoomMessageDelivered, 0,
		event.RoomMessageDeliveredPayload{RoomId: roomId, FromId: connId, Text: text}))
	return nil
}

/*
MessageRooms sends the same text to several rooms in list order.  Rooms the
sender is not a member of are skipped.
*/
func (d *Dispatcher) MessageRooms(connId string, roomIds []string, text string) error {
	if !d.active(connId) {
		d.record(event.MessageRooms, ErrNotActive)
		return ErrNotActive
	}
	for _, roomId := range roomIds {
		if err := d.roomMessage(connId, roomId, text); err != nil {
			d.log.Debug("message skipped", zap.String("conn", connId), zap.Error(err))
		}
	}
	d.record(event.MessageRooms, nil)
	return nil
}

/*
FetchRoomMembers returns the sorted member ids of the room.  Unknown rooms and
unregistered callers get an empty list.
*/
func (d *Dispatcher) FetchRoomMembers(connId, roomId string) []string {
	if !d.active(connId) {
		d.record(event.FetchRoomMembers, ErrNotActive)
		return []string{}
	}
	d.record(event.FetchRoomMembers, nil)
	return d.members.MembersOf(roomId)
}

/*
Session returns the session of a connected client.
*/
func (d *Dispatcher) Session(connId string) (*Session, bool) {
	s, exists := d.sessions[connId]
	return s, exists
}

// Users returns the number of registered connections.  Safe for concurrent use.
func (d *Dispatcher) Users() int { return d.identities.Len() }

// Rooms returns the number of rooms.  Safe for concurrent use.
func (d *Dispatcher) Rooms() int { return d.rooms.Len() }

func (d *Dispatcher) active(connId string) bool {
	s, exists := d.sessions[connId]
	return exists && s.state == Active
}

// othersActive returns every active connection except the actor.
func (d *Dispatcher) othersActive(actor string) []string {
	return without(d.identities.Active(), actor)
}

// othersInRoom returns the room members except the actor.
func (d *Dispatcher) othersInRoom(roomId, actor string) []string {
	return without(d.members.MembersOf(roomId), actor)
}

/*
fanOut hands one encoded frame to every recipient.  A recipient whose buffer
is full loses the frame; the directory deals with it.
*/
func (d *Dispatcher) fanOut(recipients []string, raw []byte) {
	for _, id := range recipients {
		d.dir.Send(id, raw)
	}
}

func (d *Dispatcher) publish(key string, payload any) {
	d.feed.Publish(key, event.EncodeOrPanic(payload))
}

func (d *Dispatcher) syncGauges() {
	d.metrics.SetActiveUsers(d.identities.Len())
	d.metrics.SetRooms(d.rooms.Len())
}

/*
record counts the operation and logs absorbed failures.  Name conflicts and
missing targets are expected input, so they are never logged above debug.
*/
func (d *Dispatcher) record(a event.Action, err error) {
	if err == nil {
		d.metrics.Operation(a.String(), metrics.OutcomeAccepted)
		return
	}

	outcome := metrics.OutcomeDropped
	if a.ExpectsAck() {
		outcome = metrics.OutcomeRejected
	}
	d.metrics.Operation(a.String(), outcome)
	d.log.Debug("operation not applied",
		zap.Stringer("action", a),
		zap.String("outcome", outcome),
		zap.Error(err),
	)
}

func pairs(entries []presence.Entry) []event.Pair {
	out := make([]event.Pair, len(entries))
	for i, e := range entries {
		out[i] = event.Pair{Id: e.Id, Name: e.Name}
	}
	return out
}

// without filters ids in place.
func without(ids []string, actor string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != actor {
			out = append(out, id)
		}
	}
	return out
}
