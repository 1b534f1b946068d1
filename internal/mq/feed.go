package mq

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/treepeck/roomcast/internal/metrics"
)

// Time allowed to publish a single event.
const publishWait = 5 * time.Second

/*
publisher is implemented by *amqp091.Channel.
*/
type publisher interface {
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp091.Publishing,
	) error
}

type delivery struct {
	key string
	raw []byte
}

/*
Feed publishes presence events to a topic exchange.  Publish never blocks the
caller: events are queued into a bounded buffer drained by a single goroutine,
and dropped when the buffer is full.
*/
type Feed struct {
	ch       publisher
	exchange string
	events   chan delivery
	done     chan struct{}
	// mu guards closed against concurrent Publish and Close.
	mu      sync.RWMutex
	closed  bool
	metrics *metrics.Metrics
	log     *zap.Logger
}

/*
NewFeed starts the drain goroutine.  buffer is the number of events which can
wait to be published.
*/
func NewFeed(
	ch publisher,
	exchange string,
	buffer int,
	m *metrics.Metrics,
	log *zap.Logger,
) *Feed {
	f := &Feed{
		ch:       ch,
		exchange: exchange,
		events:   make(chan delivery, buffer),
		done:     make(chan struct{}),
		metrics:  m,
		log:      log.With(zap.String("component", "feed")),
	}

	go f.drain()

	return f
}

/*
Publish queues the event.  Events published after [Feed.Close] are dropped.
*/
func (f *Feed) Publish(key string, raw []byte) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return
	}

	select {
	case f.events <- delivery{key: key, raw: raw}:
	default:
		f.metrics.FeedDropped()
		f.log.Warn("feed buffer is full, event dropped", zap.String("key", key))
	}
}

/*
drain publishes queued events one at a time.  Waits up to 5 seconds for each
event to be published; otherwise, an error is logged and the event is lost.
*/
func (f *Feed) drain() {
	defer close(f.done)

	for d := range f.events {
		ctx, cancel := context.WithTimeout(context.Background(), publishWait)
		err := f.ch.PublishWithContext(
			ctx,
			f.exchange,
			d.key,
			false,
			false,
			amqp091.Publishing{
				Body:        d.raw,
				ContentType: "application/json",
				Timestamp:   time.Now(),
			},
		)
		cancel()

		if err != nil {
			f.log.Error("cannot publish an event", zap.String("key", d.key), zap.Error(err))
			continue
		}
		f.metrics.FeedPublished()
	}
}

/*
Close stops accepting events and waits until the queued ones are published or
ctx expires.
*/
func (f *Feed) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	f.mu.Unlock()

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "feed did not drain in time")
	}
}
