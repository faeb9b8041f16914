package packnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// NetworkStats is a snapshot of a network's connections and buffers.
type NetworkStats struct {
	Connections int
	Buffers     []PoolStats
}

// Network is the state shared by every connection of one client or server:
// the configuration, the buffer pool, the packet registry and the table of
// live connections.
type Network struct {
	cfg      NetworkConfig
	registry *PacketRegistry
	pool     *BufferPool
	log      zerolog.Logger

	conns  sync.Map // uuid.UUID -> *Connection
	count  atomic.Int64
	closed atomic.Bool
	once   sync.Once
	err    error
}

// NewNetwork validates cfg and creates a network around it. A nil registry
// is replaced by DefaultRegistry.
func NewNetwork(cfg NetworkConfig, registry *PacketRegistry) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("network config: %w", err)
	}
	if registry == nil {
		registry = DefaultRegistry()
	}

	return &Network{
		cfg:      cfg,
		registry: registry,
		pool:     NewBufferPool(cfg),
		log:      *cfg.Logger,
	}, nil
}

// Config returns a copy of the effective configuration.
func (n *Network) Config() NetworkConfig { return n.cfg }

func (n *Network) Registry() *PacketRegistry { return n.registry }

func (n *Network) Pool() *BufferPool { return n.pool }

func (n *Network) Logger() zerolog.Logger { return n.log }

// Closed reports whether Shutdown has started.
func (n *Network) Closed() bool { return n.closed.Load() }

// Open wraps an established socket in a Connection and brings it to OPEN:
// socket options are applied, buffers are leased, the TLS handshake runs when
// the network has a TLS config, and the reader and writer start. The socket
// is closed when Open fails.
func (n *Network) Open(ctx context.Context, conn net.Conn, side Side) (*Connection, error) {
	if n.closed.Load() {
		_ = conn.Close()
		return nil, ErrNetworkClosed
	}

	n.configureSocket(conn)

	c := newConnection(n, conn, side)
	n.conns.Store(c.id, c)
	n.count.Inc()

	// Shutdown may have walked the table before the store above.
	if n.closed.Load() {
		close(c.settled)
		_ = c.Close()
		return nil, ErrNetworkClosed
	}

	if err := c.open(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// configureSocket applies keepalive, linger and nodelay to TCP sockets.
func (n *Network) configureSocket(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	switch {
	case n.cfg.KeepAlive > 0:
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(n.cfg.KeepAlive)
	case n.cfg.KeepAlive < 0:
		_ = tcp.SetKeepAlive(false)
	}

	if n.cfg.Linger >= 0 {
		_ = tcp.SetLinger(n.cfg.Linger)
	}

	_ = tcp.SetNoDelay(*n.cfg.NoDelay)
}

func (n *Network) forget(c *Connection) {
	if _, loaded := n.conns.LoadAndDelete(c.id); loaded {
		n.count.Dec()
	}
}

// Connection returns the live connection with the given id.
func (n *Network) Connection(id uuid.UUID) (*Connection, bool) {
	v, ok := n.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Connections returns the live connections in no particular order.
func (n *Network) Connections() []*Connection {
	var out []*Connection
	n.conns.Range(func(_, v any) bool {
		out = append(out, v.(*Connection))
		return true
	})
	return out
}

// Len returns the number of live connections.
func (n *Network) Len() int { return int(n.count.Load()) }

func (n *Network) Stats() NetworkStats {
	return NetworkStats{
		Connections: n.Len(),
		Buffers:     n.pool.Stats(),
	}
}

// Shutdown closes every live connection concurrently, waits up to
// ShutdownTimeout for them to reach CLOSED and releases the buffer pool.
// Later calls return the result of the first.
func (n *Network) Shutdown() error {
	n.once.Do(func() {
		n.closed.Store(true)
		n.err = n.shutdown()
	})
	return n.err
}

func (n *Network) shutdown() error {
	var g errgroup.Group
	for _, c := range n.Connections() {
		g.Go(c.Close)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	timer := time.NewTimer(n.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		err = fmt.Errorf("shutdown timed out after %s with %d connections open", n.cfg.ShutdownTimeout, n.Len())
		n.log.Warn().Err(err).Msg("network shutdown")
	}

	n.pool.Release()
	n.log.Debug().Msg("network shut down")

	return err
}
