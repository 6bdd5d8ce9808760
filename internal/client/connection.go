package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/version"
)

var errSendBufferFull = errors.New("send buffer full")

// Transport is the narrow interface Connection needs from whatever
// carries Downstream frames to the browser. gateway.go's websocket
// upgrade is the real implementation; tests use a fake.
type Transport interface {
	WriteDownstream(Downstream) error
	Close() error
}

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
}

// Connection is the ClientHandler: the per-connected-client outbound
// channel the viewsyncer service pokes through. It owns a single
// writer goroutine so Downstream messages are delivered in the order
// they were enqueued, and a heartbeat loop that closes the connection
// if the client stops acknowledging.
type Connection struct {
	identity  Identity
	epoch     ConnEpoch
	transport Transport
	registry  *Registry
	logger    zerolog.Logger

	send      chan Downstream
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}

	opts connectionOptions

	ackedVersion atomic.Value // version.Version
	lastPong     atomic.Int64
	onClose      func()
}

func newConnection(identity Identity, epoch ConnEpoch, transport Transport, registry *Registry, logger zerolog.Logger, baseVersion version.Version, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		identity:  identity,
		epoch:     epoch,
		transport: transport,
		registry:  registry,
		logger:    logger,
		send:      make(chan Downstream, opts.sendBufferSize),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
		opts:      opts,
		onClose:   onClose,
	}
	c.ackedVersion.Store(baseVersion)
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// ClientID returns the authenticated client identifier.
func (c *Connection) ClientID() string { return c.identity.ClientID }

// GroupID returns the client group this connection belongs to.
func (c *Connection) GroupID() string { return string(c.identity.GroupID) }

// Epoch returns this connection's upgrade epoch, for stale-connection checks.
func (c *Connection) Epoch() ConnEpoch { return c.epoch }

// Version returns the latest version this client has acknowledged.
func (c *Connection) Version() version.Version { return c.ackedVersion.Load().(version.Version) }

// SetVersion records the version a completed poke advanced this client to.
func (c *Connection) SetVersion(v version.Version) { c.ackedVersion.Store(v) }

// Context exposes the connection's lifecycle context.
func (c *Connection) Context() context.Context { return c.ctx }

// Send enqueues a Downstream message for the writer goroutine. It
// never blocks: a full buffer means the client is too slow to keep
// up, and the connection is closed rather than let memory grow
// unbounded on its behalf.
func (c *Connection) Send(msg Downstream) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Str("client", c.identity.ClientID).Msg("send buffer full; closing connection")
		c.Close()
		return errSendBufferFull
	}
}

// Run starts the writer and heartbeat pumps until the connection is closed.
func (c *Connection) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()
	<-c.ctx.Done()
	wg.Wait()
}

// NotePong records a liveness acknowledgement from the client.
func (c *Connection) NotePong() { c.lastPong.Store(time.Now().UnixNano()) }

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		_ = c.transport.Close()
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.transport.WriteDownstream(msg); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.Close()
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}
