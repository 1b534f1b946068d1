package dispatch

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/treepeck/roomcast/internal/metrics"
	"github.com/treepeck/roomcast/internal/presence"
	"github.com/treepeck/roomcast/pkg/event"
)

// mockDirectory records every frame sent to each connection.
type mockDirectory struct {
	frames map[string][]gjson.Result
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{frames: make(map[string][]gjson.Result)}
}

func (m *mockDirectory) Send(connId string, raw []byte) bool {
	m.frames[connId] = append(m.frames[connId], gjson.ParseBytes(raw))
	return true
}

// of returns the frames of the given action sent to the connection.
func (m *mockDirectory) of(connId string, a event.Action) []gjson.Result {
	var out []gjson.Result
	for _, f := range m.frames[connId] {
		if event.Action(f.Get("a").Int()) == a {
			out = append(out, f)
		}
	}
	return out
}

func (m *mockDirectory) total() int {
	n := 0
	for _, f := range m.frames {
		n += len(f)
	}
	return n
}

func (m *mockDirectory) reset() {
	m.frames = make(map[string][]gjson.Result)
}

type published struct {
	key string
	raw gjson.Result
}

type mockFeed struct {
	events []published
}

func (m *mockFeed) Publish(key string, raw []byte) {
	m.events = append(m.events, published{key: key, raw: gjson.ParseBytes(raw)})
}

func (m *mockFeed) keys() []string {
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.key
	}
	return out
}

func setup(t *testing.T) (*Dispatcher, *mockDirectory, *mockFeed) {
	t.Helper()

	dir := newMockDirectory()
	feed := &mockFeed{}
	return New(dir, feed, nil, zap.NewNop()), dir, feed
}

// connect opens and registers connections named after their ids.
func connect(t *testing.T, d *Dispatcher, ids ...string) {
	t.Helper()

	for _, id := range ids {
		require.NoError(t, d.Connect(id, "127.0.0.1"))
		ack := d.Register(id, "name-"+id)
		require.Equal(t, event.StatusAccepted, ack.Status)
	}
}

func createRoom(t *testing.T, d *Dispatcher, connId, name string) string {
	t.Helper()

	ack := d.CreateRoom(connId, name)
	require.Equal(t, event.StatusAccepted, ack.Status)
	require.NotEmpty(t, ack.RoomId)
	return ack.RoomId
}

func TestConnect_Duplicate(t *testing.T) {
	d, _, _ := setup(t)

	require.NoError(t, d.Connect("a", ""))
	err := d.Connect("a", "")
	assert.True(t, errors.Is(err, ErrDuplicateConn))

	s, ok := d.Session("a")
	require.True(t, ok)
	assert.Equal(t, Unregistered, s.State())
}

func TestRegister(t *testing.T) {
	d, dir, feed := setup(t)
	connect(t, d, "a")
	roomId := createRoom(t, d, "a", "general")
	dir.reset()

	require.NoError(t, d.Connect("b", ""))
	ack := d.Register("b", "bob")

	assert.Equal(t, event.StatusAccepted, ack.Status)
	assert.Equal(t, []event.Pair{{Id: "a", Name: "name-a"}, {Id: "b", Name: "bob"}}, ack.ActiveUsers)
	assert.Equal(t, []event.Pair{{Id: roomId, Name: "general"}}, ack.Rooms)

	joined := dir.of("a", event.UserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "b", joined[0].Get("p.id").String())
	assert.Equal(t, "bob", joined[0].Get("p.name").String())
	assert.Empty(t, dir.of("b", event.UserJoined), "actor is not notified")

	s, _ := d.Session("b")
	assert.Equal(t, Active, s.State())
	assert.Contains(t, feed.keys(), KeyUserJoined)
}

func TestRegister_Rejected(t *testing.T) {
	tests := []struct {
		name  string
		setup func(d *Dispatcher)
		conn  string
		user  string
	}{
		{
			name:  "name taken by another connection",
			setup: func(d *Dispatcher) { d.Connect("b", "") },
			conn:  "b",
			user:  "name-a",
		},
		{
			name:  "already registered",
			setup: func(d *Dispatcher) {},
			conn:  "a",
			user:  "fresh",
		},
		{
			name:  "empty name",
			setup: func(d *Dispatcher) { d.Connect("b", "") },
			conn:  "b",
			user:  "",
		},
		{
			name:  "unknown connection",
			setup: func(d *Dispatcher) {},
			conn:  "ghost",
			user:  "ghost",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, dir, _ := setup(t)
			connect(t, d, "a")
			tc.setup(d)
			dir.reset()

			ack := d.Register(tc.conn, tc.user)

			assert.Equal(t, event.StatusRejected, ack.Status)
			assert.Equal(t, []event.Pair{{Id: "a", Name: "name-a"}}, ack.ActiveUsers)
			assert.Zero(t, dir.total(), "rejection notifies no one")
			assert.Equal(t, 1, d.Users())
		})
	}
}

func TestDirectMessage(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a", "b", "c")
	dir.reset()

	require.NoError(t, d.DirectMessage("a", "b", "hi"))

	got := dir.of("b", event.DirectMessageDelivered)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Get("p.fromId").String())
	assert.Equal(t, "hi", got[0].Get("p.text").String())
	assert.Equal(t, 1, dir.total())
}

func TestDirectMessage_TargetGone(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a", "b")
	require.NoError(t, d.Connect("unregistered", ""))
	d.Disconnect("b")
	dir.reset()

	for _, target := range []string{"b", "never", "unregistered"} {
		err := d.DirectMessage("a", target, "hi")
		assert.True(t, errors.Is(err, ErrTargetNotFound), target)
	}
	assert.Zero(t, dir.total())
}

func TestCreateRoom(t *testing.T) {
	d, dir, feed := setup(t)
	connect(t, d, "a", "b")
	require.NoError(t, d.Connect("u", ""))
	dir.reset()

	roomId := createRoom(t, d, "a", "general")

	created := dir.of("b", event.RoomCreated)
	require.Len(t, created, 1)
	assert.Equal(t, roomId, created[0].Get("p.roomId").String())
	assert.Equal(t, "general", created[0].Get("p.name").String())
	assert.Empty(t, dir.of("a", event.RoomCreated))
	assert.Empty(t, dir.of("u", event.RoomCreated), "unregistered connections are not told")

	assert.Equal(t, []string{"a"}, d.FetchRoomMembers("a", roomId))
	s, _ := d.Session("a")
	assert.Equal(t, []string{roomId}, s.JoinedRooms())
	assert.Equal(t, []string{KeyRoomCreated, KeyRoomJoined}, feed.keys()[len(feed.keys())-2:])
}

func TestCreateRoom_Rejected(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a", "b")
	require.NoError(t, d.Connect("u", ""))
	createRoom(t, d, "a", "general")
	dir.reset()

	for _, tc := range []struct{ conn, name string }{
		{"b", "general"},
		{"b", ""},
		{"u", "other"},
	} {
		ack := d.CreateRoom(tc.conn, tc.name)
		assert.Equal(t, event.StatusRejected, ack.Status)
		assert.Empty(t, ack.RoomId)
	}
	assert.Equal(t, 1, d.Rooms())
	assert.Zero(t, dir.total())
}

// Creator A makes a room, B joins it, A is told and sees both members.
func TestJoinRoom_Scenario(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a", "b", "c")
	roomId := createRoom(t, d, "a", "general")
	dir.reset()

	require.NoError(t, d.JoinRoom("b", roomId))

	got := dir.of("a", event.UserJoinedRoom)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Get("p.actorId").String())
	assert.Equal(t, roomId, got[0].Get("p.roomId").String())
	assert.Empty(t, dir.of("b", event.UserJoinedRoom))
	assert.Empty(t, dir.of("c", event.UserJoinedRoom), "non-members are not told")

	assert.Equal(t, []string{"a", "b"}, d.FetchRoomMembers("a", roomId))
}

func TestJoinRoom_Twice(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a", "b")
	roomId := createRoom(t, d, "a", "general")
	dir.reset()

	require.NoError(t, d.JoinRoom("b", roomId))
	require.NoError(t, d.JoinRoom("b", roomId))

	assert.Len(t, dir.of("a", event.UserJoinedRoom), 1)
}

func TestJoinRoom_Rejected(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a")
	require.NoError(t, d.Connect("u", ""))
	roomId := createRoom(t, d, "a", "general")
	dir.reset()

	err := d.JoinRoom("a", "missing")
	assert.True(t, errors.Is(err, presence.ErrRoomNotFound))

	err = d.JoinRoom("u", roomId)
	assert.True(t, errors.Is(err, ErrNotActive))

	assert.Equal(t, []string{"a"}, d.FetchRoomMembers("a", roomId))
	assert.Zero(t, dir.total())
}

func TestJoinRooms_SkipsExistingMembership(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a", "b", "c")
	x := createRoom(t, d, "a", "x")
	y := createRoom(t, d, "b", "y")
	require.NoError(t, d.JoinRoom("c", x))
	dir.reset()

	require.NoError(t, d.JoinRooms("c", []string{x, "missing", y}))

	assert.Empty(t, dir.of("a", event.UserJoinedRoom), "no duplicate announcement for x")
	got := dir.of("b", event.UserJoinedRoom)
	require.Len(t, got, 1)
	assert.Equal(t, y, got[0].Get("p.roomId").String())

	s, _ := d.Session("c")
	assert.ElementsMatch(t, []string{x, y}, s.JoinedRooms())
}

func TestLeaveRoom(t *testing.T) {
	d, dir, feed := setup(t)
	connect(t, d, "a", "b", "c")
	roomId := createRoom(t, d, "a", "general")
	require.NoError(t, d.JoinRoom("b", roomId))
	require.NoError(t, d.JoinRoom("c", roomId))
	dir.reset()

	require.NoError(t, d.LeaveRoom("b", roomId))

	for _, id := range []string{"a", "c"} {
		got := dir.of(id, event.UserLeftRoom)
		require.Len(t, got, 1, id)
		assert.Equal(t, "b", got[0].Get("p.actorId").String())
	}
	assert.Empty(t, dir.of("b", event.UserLeftRoom))
	assert.Equal(t, []string{"a", "c"}, d.FetchRoomMembers("a", roomId))
	assert.Equal(t, KeyRoomLeft, feed.keys()[len(feed.keys())-1])
}

func TestLeaveRoom_NotMember(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a", "b")
	roomId := createRoom(t, d, "a", "general")
	dir.reset()

	err := d.LeaveRoom("b", roomId)
	assert.True(t, errors.Is(err, presence.ErrNotMember))

	assert.Zero(t, dir.total())
	assert.Equal(t, []string{"a"}, d.FetchRoomMembers("a", roomId))
	s, _ := d.Session("b")
	assert.Empty(t, s.JoinedRooms())
}

func TestRoomMessage(t *testing.T) {
	d, dir, feed := setup(t)
	connect(t, d, "a", "b", "c")
	roomId := createRoom(t, d, "a", "general")
	require.NoError(t, d.JoinRoom("b", roomId))
	dir.reset()
	published := len(feed.events)

	require.NoError(t, d.RoomMessage("a", roomId, "hello"))

	got := dir.of("b", event.RoomMessageDelivered)
	require.Len(t, got, 1)
	assert.Equal(t, roomId, got[0].Get("p.roomId").String())
	assert.Equal(t, "a", got[0].Get("p.fromId").String())
	assert.Equal(t, "hello", got[0].Get("p.text").String())
	assert.Empty(t, dir.of("a", event.RoomMessageDelivered))
	assert.Empty(t, dir.of("c", event.RoomMessageDelivered))
	assert.Len(t, feed.events, published, "message text never reaches the feed")
}

func TestRoomMessage_NonMember(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a", "b")
	roomId := createRoom(t, d, "a", "general")
	dir.reset()

	err := d.RoomMessage("b", roomId, "spam")
	assert.True(t, errors.Is(err, presence.ErrNotMember))
	assert.Zero(t, dir.total())
}

func TestMessageRooms(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a", "b", "c")
	x := createRoom(t, d, "a", "x")
	y := createRoom(t, d, "a", "y")
	z := createRoom(t, d, "c", "z")
	require.NoError(t, d.JoinRooms("b", []string{x, y}))
	dir.reset()

	require.NoError(t, d.MessageRooms("a", []string{y, z, x}, "hey"))

	got := dir.of("b", event.RoomMessageDelivered)
	require.Len(t, got, 2)
	assert.Equal(t, y, got[0].Get("p.roomId").String(), "list order")
	assert.Equal(t, x, got[1].Get("p.roomId").String())
	assert.Empty(t, dir.of("c", event.RoomMessageDelivered), "a is not a member of z")
}

func TestFetchRoomMembers_Empty(t *testing.T) {
	d, _, _ := setup(t)
	connect(t, d, "a")
	roomId := createRoom(t, d, "a", "general")
	require.NoError(t, d.LeaveRoom("a", roomId))

	members := d.FetchRoomMembers("a", roomId)
	assert.NotNil(t, members)
	assert.Empty(t, members)

	members = d.FetchRoomMembers("a", "missing")
	assert.NotNil(t, members)
	assert.Empty(t, members)
}

// A leaves while in x and y: each room hears once, everyone hears UserLeft once.
func TestDisconnect_Scenario(t *testing.T) {
	d, dir, feed := setup(t)
	connect(t, d, "a", "b", "c", "d")
	x := createRoom(t, d, "a", "x")
	y := createRoom(t, d, "a", "y")
	require.NoError(t, d.JoinRoom("b", x))
	require.NoError(t, d.JoinRooms("c", []string{x, y}))
	dir.reset()
	feed.events = nil

	d.Disconnect("a")

	for _, id := range []string{"b", "c", "d"} {
		left := dir.of(id, event.UserLeft)
		require.Len(t, left, 1, id)
		assert.Equal(t, "a", left[0].Get("p.id").String())
	}

	assert.Len(t, dir.of("b", event.UserLeftRoom), 1)
	assert.Len(t, dir.of("c", event.UserLeftRoom), 2)
	assert.Empty(t, dir.of("d", event.UserLeftRoom))
	assert.Empty(t, dir.frames["a"])

	// UserLeft comes before any UserLeftRoom.
	assert.Equal(t, event.UserLeft, event.Action(dir.frames["c"][0].Get("a").Int()))

	assert.Equal(t, []string{"c"}, d.FetchRoomMembers("b", y))
	assert.Equal(t, []string{"b", "c"}, d.FetchRoomMembers("b", x))
	assert.Equal(t, 3, d.Users())
	_, ok := d.Session("a")
	assert.False(t, ok)

	assert.Equal(t, []string{KeyUserLeft, KeyRoomLeft, KeyRoomLeft}, feed.keys())

	// The name is free again.
	require.NoError(t, d.Connect("e", ""))
	assert.Equal(t, event.StatusAccepted, d.Register("e", "name-a").Status)
}

func TestDisconnect_Once(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a", "b")
	createRoom(t, d, "a", "general")
	dir.reset()

	d.Disconnect("a")
	d.Disconnect("a")

	assert.Len(t, dir.of("b", event.UserLeft), 1)
}

func TestDisconnect_Unregistered(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a")
	require.NoError(t, d.Connect("u", ""))
	dir.reset()

	d.Disconnect("u")

	assert.Zero(t, dir.total(), "unregistered connections leave silently")
}

func TestOperationsAfterDisconnect(t *testing.T) {
	d, dir, _ := setup(t)
	connect(t, d, "a", "b")
	roomId := createRoom(t, d, "b", "general")
	d.Disconnect("a")
	dir.reset()

	// Frames still in flight from a closed connection change nothing.
	assert.Error(t, d.JoinRoom("a", roomId))
	assert.Equal(t, event.StatusRejected, d.CreateRoom("a", "late").Status)

	assert.Equal(t, []string{"b"}, d.FetchRoomMembers("b", roomId))
	assert.Equal(t, 1, d.Rooms())
	assert.Zero(t, dir.total())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	dir := newMockDirectory()
	d := New(dir, nil, metrics.New(reg), zap.NewNop())

	connect(t, d, "a", "b")
	createRoom(t, d, "a", "general")
	d.CreateRoom("b", "general")

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			switch {
			case m.GetGauge() != nil:
				values[key] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[key] = m.GetCounter().GetValue()
			}
		}
	}

	assert.Equal(t, 2.0, values["roomcast_active_users"])
	assert.Equal(t, 1.0, values["roomcast_rooms"])
	assert.Equal(t, 2.0, values["roomcast_operations_total/register/accepted"])
	assert.Equal(t, 1.0, values["roomcast_operations_total/create_room/accepted"])
	assert.Equal(t, 1.0, values["roomcast_operations_total/create_room/rejected"])
}
