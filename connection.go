package packnet

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	StateConnecting ConnState = iota // socket accepted or dialed, not yet usable.
	StateOpen                        // reader and writer running.
	StateClosing                     // teardown in progress.
	StateClosed                      // buffers returned, channels closed.
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Side tells which end of the socket a connection is, which decides the TLS
// role.
type Side int

const (
	ClientSide Side = iota
	ServerSide
)

func (s Side) String() string {
	if s == ServerSide {
		return "server"
	}
	return "client"
}

// ReceivedEvent is one inbound packet and the connection it arrived on.
type ReceivedEvent struct {
	Connection *Connection
	Packet     ReadablePacket
}

// outbound is a queued packet and the optional channel awaiting its result.
type outbound struct {
	packet WritablePacket
	result chan<- error
}

func (o outbound) resolve(err error) {
	if o.result != nil {
		o.result <- err
	}
}

// errEncode marks writer failures that concern a single packet and leave the
// stream intact.
var errEncode = errors.New("encode")

// Connection is one framed TCP connection. Packets queued with Send are
// written by a dedicated writer goroutine in FIFO order; inbound packets are
// delivered on Received in wire order by a dedicated reader goroutine.
type Connection struct {
	id      uuid.UUID
	network *Network
	side    Side
	raw     net.Conn
	state   atomic.Int32
	log     zerolog.Logger

	readBuf  *Buffer
	writeBuf *Buffer
	reader   *PacketReader
	writer   *PacketWriter

	mu     sync.Mutex // guards queue, conn and armed.
	conn   net.Conn   // the TLS session when TLS is configured.
	queue  *queue.Queue
	armed  bool
	signal chan struct{}

	received   chan ReceivedEvent
	settled    chan struct{} // closed once establish has returned.
	closing    chan struct{}
	done       chan struct{}
	readerDone chan struct{}
	writerDone chan struct{}

	errMu sync.Mutex
	err   error
}

func newConnection(n *Network, raw net.Conn, side Side) *Connection {
	id := uuid.New()
	c := &Connection{
		id:         id,
		network:    n,
		side:       side,
		raw:        raw,
		conn:       raw,
		queue:      queue.New(),
		signal:     make(chan struct{}, 1),
		received:   make(chan ReceivedEvent, n.cfg.ReceivedBacklog),
		settled:    make(chan struct{}),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.log = n.log.With().
		Str("conn", id.String()).
		Stringer("side", side).
		Str("remote", raw.RemoteAddr().String()).
		Logger()
	c.state.Store(int32(StateConnecting))

	return c
}

// open moves the connection from CONNECTING to OPEN: it leases the buffers,
// completes the TLS handshake when configured and starts the reader and the
// writer. On failure the connection is torn down before open returns.
func (c *Connection) open(ctx context.Context) error {
	err := c.establish(ctx)
	close(c.settled)
	if err != nil {
		c.beginClose(err)
		<-c.done
		return err
	}

	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		c.mu.Unlock()
		<-c.done
		return ErrConnectionClosed
	}
	c.armed = true
	go c.readLoop()
	go c.writeLoop()
	c.mu.Unlock()

	c.log.Debug().Msg("connection open")

	return nil
}

func (c *Connection) establish(ctx context.Context) error {
	n := c.network

	var err error
	if c.readBuf, err = n.pool.Take(ReadRole); err != nil {
		return err
	}
	if c.writeBuf, err = n.pool.Take(WriteRole); err != nil {
		return err
	}

	if n.cfg.TLS == nil {
		c.reader = NewPacketReader(c.conn, c.readBuf, n.pool, n.registry, n.cfg)
		c.writer = NewPacketWriter(c.conn, c.writeBuf, n.cfg)
		c.reader.stop = c.closing
		return nil
	}

	var tc *tls.Conn
	if c.side == ServerSide {
		tc = tls.Server(c.raw, n.cfg.TLS)
	} else {
		tc = tls.Client(c.raw, clientTLSConfig(n.cfg.TLS, c.raw.RemoteAddr()))
	}

	hctx, cancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		_ = tc.Close()
		return fmt.Errorf("tls handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = tc
	c.mu.Unlock()
	c.reader = NewTLSPacketReader(tc, c.readBuf, n.pool, n.registry, n.cfg)
	c.writer = NewTLSPacketWriter(tc, c.writeBuf, n.cfg)
	c.reader.stop = c.closing

	c.log.Debug().
		Uint16("version", tc.ConnectionState().Version).
		Str("cipher", tls.CipherSuiteName(tc.ConnectionState().CipherSuite)).
		Msg("tls handshake complete")

	return nil
}

// clientTLSConfig fills in ServerName from the dialed address when the
// config names no server.
func clientTLSConfig(base *tls.Config, remote net.Addr) *tls.Config {
	if base.ServerName != "" || base.InsecureSkipVerify {
		return base
	}
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return base
	}
	tc := base.Clone()
	tc.ServerName = host
	return tc
}

// ID returns the unique id of the connection.
func (c *Connection) ID() uuid.UUID { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// Side returns which end of the socket this connection is.
func (c *Connection) Side() Side { return c.side }

// Network returns the network that owns the connection.
func (c *Connection) Network() *Network { return c.network }

func (c *Connection) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

func (c *Connection) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// Received delivers inbound packets in wire order. It is closed once the
// connection reaches CLOSED.
func (c *Connection) Received() <-chan ReceivedEvent { return c.received }

// Done is closed once the connection reaches CLOSED.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the error that closed the connection. It is nil while the
// connection is open and after a local Close or an orderly peer shutdown.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Pending returns the number of queued packets not yet written.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Length()
}

// Send queues p for writing. It never blocks; when the connection is not
// open the packet is dropped.
func (c *Connection) Send(p WritablePacket) {
	if err := c.enqueue(p, nil); err != nil {
		c.log.Debug().Uint16("id", p.ID()).Stringer("state", c.State()).Msg("send dropped")
	}
}

// TrySend queues p for writing and fails with ErrConnectionClosed when the
// connection is not open.
func (c *Connection) TrySend(p WritablePacket) error {
	return c.enqueue(p, nil)
}

// SendWithFeedback queues p and returns a channel that receives the result
// of writing it: nil once the frame is on the socket, an error otherwise.
func (c *Connection) SendWithFeedback(p WritablePacket) <-chan error {
	result := make(chan error, 1)
	if err := c.enqueue(p, result); err != nil {
		result <- err
	}
	return result
}

func (c *Connection) enqueue(p WritablePacket, result chan<- error) error {
	c.mu.Lock()
	if c.State() != StateOpen {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.queue.Add(outbound{packet: p, result: result})
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}

	return nil
}

func (c *Connection) next() (outbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue.Length() == 0 {
		return outbound{}, false
	}
	return c.queue.Remove().(outbound), true
}

// Close closes the connection and waits until it is CLOSED. Queued packets
// are given CloseGracePeriod to reach the socket. It is safe to call Close
// concurrently and more than once; every call returns after the single
// teardown has finished.
func (c *Connection) Close() error {
	c.beginClose(nil)
	<-c.done
	return nil
}

// beginClose moves the connection to CLOSING once and starts the teardown.
func (c *Connection) beginClose(cause error) {
	for {
		s := ConnState(c.state.Load())
		if s >= StateClosing {
			return
		}
		if c.state.CompareAndSwap(int32(s), int32(StateClosing)) {
			break
		}
	}

	if cause != nil {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		c.log.Warn().Err(cause).Msg("connection failed")
	}
	close(c.closing)
	c.log.Debug().Msg("connection closing")

	go c.teardown()
}

func (c *Connection) teardown() {
	c.mu.Lock()
	armed := c.armed
	conn := c.conn
	c.mu.Unlock()

	if armed {
		grace := time.NewTimer(c.network.cfg.CloseGracePeriod)
		select {
		case <-c.writerDone:
		case <-grace.C:
			c.log.Warn().Int("pending", c.Pending()).Msg("close grace period elapsed, dropping queued packets")
		}
		grace.Stop()
	}

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debug().Err(err).Msg("socket close")
	}

	<-c.settled
	if armed {
		<-c.writerDone
		<-c.readerDone
	}

	c.failPending()

	for _, buf := range []*Buffer{c.readBuf, c.writeBuf} {
		if buf == nil {
			continue
		}
		if err := c.network.pool.Give(buf); err != nil {
			c.log.Error().Err(err).Stringer("role", buf.Role()).Msg("buffer return failed")
		}
	}
	c.readBuf, c.writeBuf = nil, nil

	c.state.Store(int32(StateClosed))
	close(c.received)
	close(c.done)
	c.network.forget(c)

	c.log.Debug().Msg("connection closed")
}

// failPending resolves every packet still queued with ErrConnectionClosed.
func (c *Connection) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.queue.Length() > 0 {
		c.queue.Remove().(outbound).resolve(ErrConnectionClosed)
	}
}

func (c *Connection) readLoop() {
	defer close(c.readerDone)

	err := c.reader.Run(func(p ReadablePacket) bool {
		select {
		case c.received <- ReceivedEvent{Connection: c, Packet: p}:
			return true
		case <-c.closing:
			return false
		}
	})

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		c.log.Debug().Msg("peer closed connection")
		c.beginClose(nil)
	default:
		c.beginClose(err)
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	for {
		item, ok := c.next()
		if !ok {
			select {
			case <-c.signal:
				continue
			case <-c.closing:
				if c.Pending() == 0 {
					return
				}
				continue
			}
		}

		err := c.writer.WritePacket(item.packet)
		item.resolve(err)
		if err == nil {
			continue
		}

		if errors.Is(err, errEncode) {
			c.log.Warn().Err(err).Uint16("id", item.packet.ID()).Msg("packet dropped")
			continue
		}

		c.beginClose(err)
		return
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{id=%s, state=%s, remote=%s}", c.id, c.State(), c.raw.RemoteAddr())
}
