package dispatch

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/treepeck/roomcast/pkg/event"
)

/*
Handle decodes one raw client frame and applies it.  Replies to
request/acknowledge actions are sent through the directory with the frame's
correlation number.

The returned error is always an [ErrProtocol]; the transport must close the
connection when it gets one.  Every other failure is absorbed here.
*/
func (d *Dispatcher) Handle(connId string, raw []byte) error {
	if _, exists := d.sessions[connId]; !exists {
		d.log.Debug("frame from unknown connection", zap.String("conn", connId))
		return nil
	}

	f, err := event.Decode(raw)
	if err != nil {
		return d.violation(connId, err)
	}

	switch f.Action {
	case event.Register:
		p, err := decode[event.RegisterPayload](f)
		if err != nil {
			return d.violation(connId, err)
		}
		d.reply(connId, f.Corr, d.Register(connId, p.Name))

	case event.DirectMessage:
		p, err := decode[event.DirectMessagePayload](f)
		if err != nil {
			return d.violation(connId, err)
		}
		d.DirectMessage(connId, p.TargetId, p.Text)

	case event.CreateRoom:
		p, err := decode[event.CreateRoomPayload](f)
		if err != nil {
			return d.violation(connId, err)
		}
		d.reply(connId, f.Corr, d.CreateRoom(connId, p.Name))

	case event.JoinRoom:
		p, err := decode[event.RoomPayload](f)
		if err != nil {
			return d.violation(connId, err)
		}
		d.JoinRoom(connId, p.RoomId)

	case event.LeaveRoom:
		p, err := decode[event.RoomPayload](f)
		if err != nil {
			return d.violation(connId, err)
		}
		d.LeaveRoom(connId, p.RoomId)

	case event.RoomMessage:
		p, err := decode[event.RoomMessagePayload](f)
		if err != nil {
			return d.violation(connId, err)
		}
		d.RoomMessage(connId, p.RoomId, p.Text)

	case event.JoinRooms:
		p, err := decode[event.JoinRoomsPayload](f)
		if err != nil {
			return d.violation(connId, err)
		}
		d.JoinRooms(connId, p.RoomIds)

	case event.MessageRooms:
		p, err := decode[event.MessageRoomsPayload](f)
		if err != nil {
			return d.violation(connId, err)
		}
		d.MessageRooms(connId, p.RoomIds, p.Text)

	case event.FetchRoomMembers:
		p, err := decode[event.RoomPayload](f)
		if err != nil {
			return d.violation(connId, err)
		}
		d.reply(connId, f.Corr, event.FetchRoomMembersAck{
			MemberIds: d.FetchRoomMembers(connId, p.RoomId),
		})
	}
	return nil
}

func decode[T any](f event.Frame) (T, error) {
	var p T
	err := event.DecodePayload(f, &p)
	return p, err
}

func (d *Dispatcher) reply(connId string, corr uint64, payload any) {
	d.dir.Send(connId, event.Encode(event.Ack, corr, payload))
}

func (d *Dispatcher) violation(connId string, err error) error {
	d.log.Warn("protocol violation", zap.String("conn", connId), zap.Error(err))
	return errors.Wrap(ErrProtocol, err.Error())
}
