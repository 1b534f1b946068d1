package event

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Client payloads.

type RegisterPayload struct {
	Name string `json:"name"`
}

type DirectMessagePayload struct {
	TargetId string `json:"targetId"`
	Text     string `json:"text"`
}

type CreateRoomPayload struct {
	Name string `json:"name"`
}

// RoomPayload is shared by JoinRoom, LeaveRoom and FetchRoomMembers.
type RoomPayload struct {
	RoomId string `json:"roomId"`
}

type RoomMessagePayload struct {
	RoomId string `json:"roomId"`
	Text   string `json:"text"`
}

type JoinRoomsPayload struct {
	RoomIds []string `json:"roomIds"`
}

type MessageRoomsPayload struct {
	RoomIds []string `json:"roomIds"`
	Text    string   `json:"text"`
}

// Server payloads.

/*
Pair is a single (id, name) entry of a registration snapshot.
*/
type Pair struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

/*
RegisterAck is the reply to [Register].  The snapshot lists are sent with both
statuses so a rejected client can still render the current state.
*/
type RegisterAck struct {
	Status      Status `json:"status"`
	ActiveUsers []Pair `json:"activeUsers"`
	Rooms       []Pair `json:"rooms"`
}

/*
CreateRoomAck is the reply to [CreateRoom].  RoomId is present only when the
room was created.
*/
type CreateRoomAck struct {
	Status Status `json:"status"`
	RoomId string `json:"roomId,omitempty"`
}

type FetchRoomMembersAck struct {
	MemberIds []string `json:"memberIds"`
}

type UserJoinedPayload struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type UserLeftPayload struct {
	Id string `json:"id"`
}

type DirectMessageDeliveredPayload struct {
	FromId string `json:"fromId"`
	Text   string `json:"text"`
}

type RoomCreatedPayload struct {
	RoomId string `json:"roomId"`
	Name   string `json:"name"`
}

// MembershipPayload is shared by UserJoinedRoom and UserLeftRoom.
type MembershipPayload struct {
	ActorId string `json:"actorId"`
	RoomId  string `json:"roomId"`
}

type RoomMessageDeliveredPayload struct {
	RoomId string `json:"roomId"`
	FromId string `json:"fromId"`
	Text   string `json:"text"`
}

func strictUnmarshal(raw []byte, v any) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return errors.New("null payload")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// Exactly one JSON value is allowed.
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after payload")
	}
	return nil
}
