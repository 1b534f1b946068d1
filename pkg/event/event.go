/*
Package event defines the wire protocol exchanged between roomcast and its
WebSocket clients.  Every frame is a single JSON object:

	{"a": <action>, "p": <payload>, "c": <correlation>}

The correlation number is chosen by the client and echoed in the [Ack] reply
of request/acknowledge actions.
*/
package event

import (
	"encoding/json"
	"log"

	"github.com/pkg/errors"
)

/*
Action is a domain of possible event types.
*/
type Action int

const (
	// Events that can be sent only by the clients.
	Register Action = iota
	DirectMessage
	CreateRoom
	JoinRoom
	LeaveRoom
	RoomMessage
	JoinRooms
	MessageRooms
	FetchRoomMembers

	// Events that can be sent only by the server.
	Ack
	UserJoined
	UserLeft
	DirectMessageDelivered
	RoomCreated
	UserJoinedRoom
	UserLeftRoom
	RoomMessageDelivered
)

var actionNames = [...]string{
	Register:               "register",
	DirectMessage:          "direct_message",
	CreateRoom:             "create_room",
	JoinRoom:               "join_room",
	LeaveRoom:              "leave_room",
	RoomMessage:            "room_message",
	JoinRooms:              "join_rooms",
	MessageRooms:           "message_rooms",
	FetchRoomMembers:       "fetch_room_members",
	Ack:                    "ack",
	UserJoined:             "user_joined",
	UserLeft:               "user_left",
	DirectMessageDelivered: "direct_message_delivered",
	RoomCreated:            "room_created",
	UserJoinedRoom:         "user_joined_room",
	UserLeftRoom:           "user_left_room",
	RoomMessageDelivered:   "room_message_delivered",
}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}

// FromClient reports whether clients are allowed to send the action.
func (a Action) FromClient() bool {
	return a >= Register && a <= FetchRoomMembers
}

// ExpectsAck reports whether the action follows the request/acknowledge
// pattern and therefore requires a correlation number.
func (a Action) ExpectsAck() bool {
	return a == Register || a == CreateRoom || a == FetchRoomMembers
}

/*
Frame is the envelope of every message on the wire.
*/
type Frame struct {
	Payload json.RawMessage `json:"p,omitempty"`
	Action  Action          `json:"a"`
	// Correlation number.  Zero means the frame is not part of a
	// request/acknowledge exchange.
	Corr uint64 `json:"c,omitempty"`
}

// Status of a request/acknowledge operation.
type Status string

const (
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
)

var (
	ErrMalformed     = errors.New("malformed frame")
	ErrUnknownAction = errors.New("unknown action")
	ErrMissingCorr   = errors.New("missing correlation number")
)

/*
Decode parses a raw client frame and validates the envelope.  Payload shape is
validated later by [DecodePayload], once the action is known.
*/
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, errors.Wrap(ErrMalformed, err.Error())
	}
	if !f.Action.FromClient() {
		return f, errors.Wrapf(ErrUnknownAction, "action %d", f.Action)
	}
	if f.Action.ExpectsAck() && f.Corr == 0 {
		return f, errors.Wrapf(ErrMissingCorr, "action %s", f.Action)
	}
	return f, nil
}

/*
DecodePayload decodes the frame payload into v.  Unknown fields are rejected
so that a payload meant for another action is reported as malformed.
*/
func DecodePayload(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return errors.Wrapf(ErrMalformed, "action %s: empty payload", f.Action)
	}
	if err := strictUnmarshal(f.Payload, v); err != nil {
		return errors.Wrapf(ErrMalformed, "action %s: %s", f.Action, err)
	}
	return nil
}

/*
Encode builds a raw server frame.  The payload is encoded once so the result
can be fanned out to any number of recipients.
*/
func Encode(a Action, corr uint64, payload any) []byte {
	return EncodeOrPanic(Frame{
		Action:  a,
		Corr:    corr,
		Payload: EncodeOrPanic(payload),
	})
}

/*
EncodeOrPanic is a helper function to encode a JSON payload on the fly skipping
the error check.  If the error occurs, the panic will be arised.
*/
func EncodeOrPanic(v any) []byte {
	p, err := json.Marshal(v)
	if err != nil {
		log.Panicf("cannot encode payload %v: %s", v, err)
	}
	return p
}
