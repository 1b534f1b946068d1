package ws

import (
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/treepeck/roomcast/internal/config"
)

/*
client manages the connection lifecycle and provides methods for reading,
writing and handling WebSocket messages.

The reason for the send channel is that events must be read and written
sequentially, since the Gorilla WebSocket library allows only one concurrent
writer to a connection at a time.
*/
type client struct {
	id   string
	addr string
	g    *Gatekeeper
	// send is a channel which recieves frames that the client will write to
	// the WebSocket connection.  It must recieve raw bytes to avoid expensive
	// JSON encoding for each client in case of event broadcasting.  Closed by
	// the gatekeeper on unregister.
	send    chan []byte
	conn    *websocket.Conn
	limiter *rate.Limiter
	cfg     config.Transport
	log     *zap.Logger
	// evicted is owned by the gatekeeper goroutine.
	evicted bool
}

/*
newClient creates a new client and sets the WebSocket connection properties.
*/
func newClient(
	id, addr string,
	g *Gatekeeper,
	conn *websocket.Conn,
	cfg config.Transport,
) *client {
	c := &client{
		id:      id,
		addr:    addr,
		g:       g,
		send:    make(chan []byte, cfg.SendBuffer),
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst),
		cfg:     cfg,
		log:     g.log.With(zap.String("conn", id)),
	}

	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	// Each pong extends the read deadline.  A client which stops answering
	// pings is dropped once pongWait passes.
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	return c
}

/*
read reads frames from the connection sequentially (one at a time) and
forwards them to the gatekeeper.  Frames over the rate limit are discarded.
If a frame cannot be read, the connection will be interrupted.
*/
func (c *client) read() {
	defer c.cleanup()

	for {
		typ, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		// Close the connection if the client sends a binary frame.
		if typ != websocket.TextMessage {
			c.log.Warn("binary frame received")
			return
		}

		if !c.limiter.Allow() {
			c.log.Warn("rate limit exceeded, frame discarded")
			continue
		}

		select {
		case c.g.bus <- inbound{c: c, raw: raw}:
		case <-c.g.done:
			return
		}
	}
}

/*
write takes the incomming frames from the send channel and writes them to the
connection sequentially (one at a time).

Automatically sends ping control frames to maintain a hearbeat.
*/
func (c *client) write() {
	pingTicker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		pingTicker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}

		// Send ping messages periodically.
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

/*
cleanup closes the connection and unregisters the client from the gatekeeper.
*/
func (c *client) cleanup() {
	c.conn.Close()

	select {
	case c.g.unregister <- c:
	case <-c.g.done:
	}
}

func (c *client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame exceeds the size limit", zap.Int64("limit", c.cfg.MaxMessageSize))

	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
		errors.Is(err, io.EOF):
		c.log.Debug("client disconnected")

	default:
		c.log.Debug("connection interrupted", zap.Error(err))
	}
}
