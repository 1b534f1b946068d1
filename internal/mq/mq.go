/*
Package mq manages the connection with RabbitMQ and mirrors presence changes
to a topic exchange.
*/
package mq

import (
	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"
)

/*
Dialer wraps a single AMQP connection to RabbitMQ.  Only a single connection is
used to save resources.
*/
type Dialer struct {
	Connection *amqp091.Connection
}

/*
NewDialer connects to the RabbitMQ server at url.
*/
func NewDialer(url string) (Dialer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return Dialer{}, errors.Wrap(err, "cannot connect to RabbitMQ")
	}
	return Dialer{Connection: conn}, nil
}

/*
OpenChannel opens a unique channel and puts it into a confirm mode, which allow
waiting for ACK or NACK from the server.
*/
func (d Dialer) OpenChannel() (*amqp091.Channel, error) {
	ch, err := d.Connection.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "cannot open a RabbitMQ channel")
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "cannot put channel into confirm mode")
	}
	return ch, nil
}

/*
DeclareExchange declares a non-durable topic exchange which is deleted once
the last binding is removed.  Consumers bind their own queues with routing
patterns such as "user.*" or "room.#".
*/
func DeclareExchange(ch *amqp091.Channel, name string) error {
	err := ch.ExchangeDeclare(name, "topic", false, true, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "cannot declare exchange %q", name)
	}
	return nil
}

/*
Release closes the connection and every channel opened on it.
*/
func (d Dialer) Release() error {
	return d.Connection.Close()
}
