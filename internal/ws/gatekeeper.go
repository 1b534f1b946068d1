package ws

import (
	"context"
	"crypto/rand"
	"net/http"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/treepeck/roomcast/internal/config"
	"github.com/treepeck/roomcast/internal/dispatch"
	"github.com/treepeck/roomcast/internal/metrics"
)

// inbound is a raw frame read from a client.
type inbound struct {
	c   *client
	raw []byte
}

/*
Gatekeeper handles client connections, disconnections and routes incomming
frames to the dispatcher.  It is also the connection directory the dispatcher
delivers frames through.
*/
type Gatekeeper struct {
	dispatcher *dispatch.Dispatcher
	// clients is owned by the routeEvents goroutine.
	clients    map[string]*client
	register   chan *client
	unregister chan *client
	bus        chan inbound
	// done is closed when routeEvents exits.
	done        chan struct{}
	connections atomic.Int64
	upgrader    upgrader
	cfg         config.Transport
	metrics     *metrics.Metrics
	log         *zap.Logger
}

var _ dispatch.Directory = (*Gatekeeper)(nil)

/*
NewGatekeeper creates a Gatekeeper.  feed and m may be nil.  Call [Gatekeeper.Run]
to start routing.
*/
func NewGatekeeper(
	cfg config.Config,
	feed dispatch.Feed,
	m *metrics.Metrics,
	log *zap.Logger,
) *Gatekeeper {
	g := &Gatekeeper{
		clients:    make(map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        make(chan inbound),
		done:       make(chan struct{}),
		upgrader:   newUpgrader(cfg.Server.AllowedOrigins, log),
		cfg:        cfg.Transport,
		metrics:    m,
		log:        log.With(zap.String("component", "gatekeeper")),
	}
	g.dispatcher = dispatch.New(g, feed, m, log)
	return g
}

/*
Run consiquentially (one at a time) recieves incomming events from the
gatekeeper channels and forwards them to the corresponding handlers.  Every
dispatcher call happens here, so operations never interleave.  Returns when
ctx is cancelled, after every client has been closed and purged.
*/
func (g *Gatekeeper) Run(ctx context.Context) {
	defer close(g.done)

	for {
		select {
		case c := <-g.register:
			g.handleRegister(c)

		case c := <-g.unregister:
			g.handleUnregister(c)

		case in := <-g.bus:
			g.route(in)

		case <-ctx.Done():
			g.shutdown()
			return
		}
	}
}

/*
HandleNewConnection upgrades the request to a WebSocket connection and hands
the new client to the router.
*/
func (g *Gatekeeper) HandleNewConnection(rw http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		g.log.Debug("cannot upgrade connection", zap.Error(err))
		return
	}

	c := newClient(rand.Text(), r.RemoteAddr, g, conn, g.cfg)

	select {
	case g.register <- c:
	case <-g.done:
		conn.Close()
	}
}

/*
Send implements [dispatch.Directory].  It never blocks: when the client buffer
is full the frame is dropped and the client is evicted, since it cannot keep
up.  Must only be called from the routeEvents goroutine.
*/
func (g *Gatekeeper) Send(connId string, raw []byte) bool {
	c, exists := g.clients[connId]
	if !exists {
		return false
	}

	select {
	case c.send <- raw:
		return true
	default:
		g.metrics.FrameDropped()
		g.evict(c, "send buffer is full")
		return false
	}
}

// Connections returns the number of open connections.  Safe for concurrent use.
func (g *Gatekeeper) Connections() int {
	return int(g.connections.Load())
}

// Users returns the number of registered connections.  Safe for concurrent use.
func (g *Gatekeeper) Users() int { return g.dispatcher.Users() }

// Rooms returns the number of rooms.  Safe for concurrent use.
func (g *Gatekeeper) Rooms() int { return g.dispatcher.Rooms() }

/*
handleRegister adds the client to the directory, opens its session and starts
its pumps.
*/
func (g *Gatekeeper) handleRegister(c *client) {
	if err := g.dispatcher.Connect(c.id, c.addr); err != nil {
		g.log.Error("cannot open session", zap.Error(err))
		c.conn.Close()
		return
	}
	g.clients[c.id] = c
	g.connections.Add(1)
	g.metrics.ConnectionOpened()

	go c.read()
	go c.write()

	g.log.Debug("client registered", zap.String("conn", c.id), zap.String("addr", c.addr))
}

/*
handleUnregister removes the client from the directory and purges its
session.  The client read loop sends the unregister only after its last frame
has been routed, so the purge never races with an operation of the same
client.
*/
func (g *Gatekeeper) handleUnregister(c *client) {
	if _, exists := g.clients[c.id]; !exists {
		return
	}
	delete(g.clients, c.id)
	close(c.send)

	g.dispatcher.Disconnect(c.id)
	g.connections.Add(-1)
	g.metrics.ConnectionClosed()

	g.log.Debug("client unregistered", zap.String("conn", c.id))
}

/*
route forwards the frame to the dispatcher.  Clients sending malformed frames
are disconnected.
*/
func (g *Gatekeeper) route(in inbound) {
	if _, exists := g.clients[in.c.id]; !exists {
		return
	}

	err := g.dispatcher.Handle(in.c.id, in.raw)
	if errors.Is(err, dispatch.ErrProtocol) {
		g.evict(in.c, "protocol violation")
	}
}

/*
evict closes the client connection.  The read loop then fails and the client
goes through the normal unregister path.
*/
func (g *Gatekeeper) evict(c *client, reason string) {
	if c.evicted {
		return
	}
	c.evicted = true
	c.conn.Close()

	g.log.Info("client evicted", zap.String("conn", c.id), zap.String("reason", reason))
}

/*
shutdown closes every client and purges its session.
*/
func (g *Gatekeeper) shutdown() {
	for _, c := range g.clients {
		g.handleUnregister(c)
	}
	g.log.Info("gatekeeper stopped")
}
