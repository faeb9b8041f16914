// Package server accepts framed connections and publishes them once they are open.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andrei-cloud/packnet"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// acceptBackoff is the pause after a temporary accept error.
const acceptBackoff = 100 * time.Millisecond

// Server accepts framed connections and publishes each one on Accepted once
// it is OPEN.
type Server struct {
	network  *packnet.Network
	cfg      packnet.NetworkConfig
	listener net.Listener
	accepted chan *packnet.Connection
	log      zerolog.Logger

	ctx    context.Context // canceled on shutdown, bounds handshakes.
	cancel context.CancelFunc

	mu         sync.Mutex // guards listener.
	started    atomic.Bool
	acceptDone chan struct{}
	connWG     sync.WaitGroup // tracks connections between accept and publication.
	opening    atomic.Int32   // accepted sockets not yet in the network table.
	stopChan   chan struct{}
	once       sync.Once
	err        error
}

// New creates a server network. A nil registry is replaced by
// packnet.DefaultRegistry.
func New(cfg packnet.NetworkConfig, registry *packnet.PacketRegistry) (*Server, error) {
	network, err := packnet.NewNetwork(cfg, registry)
	if err != nil {
		return nil, err
	}
	cfg = network.Config()

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		network:    network,
		cfg:        cfg,
		accepted:   make(chan *packnet.Connection, cfg.AcceptedBacklog),
		log:        network.Logger().With().Str("component", "server").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		acceptDone: make(chan struct{}),
		stopChan:   make(chan struct{}),
	}, nil
}

// Bind listens on addr. It fails with packnet.ErrBindFailed when the address
// cannot be used.
func (s *Server) Bind(addr string) error {
	if s.network.Closed() {
		return packnet.ErrNetworkClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("%w: already bound to %s", packnet.ErrBindFailed, s.listener.Addr())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", packnet.ErrBindFailed, addr, err)
	}
	s.listener = ln

	s.log.Info().Stringer("addr", ln.Addr()).Bool("tls", s.cfg.TLS != nil).Msg("bound")

	return nil
}

// Start begins accepting connections and returns the bound address.
func (s *Server) Start() (net.Addr, error) {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		return nil, fmt.Errorf("%w: start before bind", packnet.ErrBindFailed)
	}
	if s.network.Closed() {
		return nil, packnet.ErrNetworkClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ln.Addr(), nil
	}

	go s.acceptLoop(ln)

	return ln.Addr(), nil
}

// Addr returns the bound address, or nil before Bind.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Accepted delivers every connection that reached OPEN. It is closed when
// the server shuts down.
func (s *Server) Accepted() <-chan *packnet.Connection { return s.accepted }

// Network returns the network shared by the accepted connections.
func (s *Server) Network() *packnet.Network { return s.network }

func (s *Server) Stats() packnet.NetworkStats { return s.network.Stats() }

// Shutdown stops accepting, closes every connection and releases the buffer
// pool. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.once.Do(func() {
		s.err = s.shutdown()
	})
	return s.err
}

func (s *Server) shutdown() error {
	close(s.stopChan)
	s.cancel()

	var errs []error

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if s.started.Load() {
		<-s.acceptDone
	}

	if err := s.network.Shutdown(); err != nil {
		errs = append(errs, err)
	}

	s.connWG.Wait()
	close(s.accepted)

	s.log.Info().Msg("server shut down")

	return errors.Join(errs...)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer close(s.acceptDone)

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(acceptBackoff)
				continue
			}
			s.log.Error().Err(err).Msg("accept failed")
			time.Sleep(acceptBackoff)
			continue
		}

		if s.cfg.MaxConns > 0 && s.network.Len()+int(s.opening.Load()) >= s.cfg.MaxConns {
			s.log.Warn().Str("remote", conn.RemoteAddr().String()).Int("max_conns", s.cfg.MaxConns).Msg("connection refused")
			if err := conn.Close(); err != nil {
				s.log.Debug().Err(err).Msg("connection close error")
			}
			continue
		}

		s.connWG.Add(1)
		s.opening.Inc()
		go s.handleNewConnection(conn)
	}
}

// handleNewConnection brings an accepted socket to OPEN and publishes it.
func (s *Server) handleNewConnection(conn net.Conn) {
	defer s.connWG.Done()

	c, err := s.network.Open(s.ctx, conn, packnet.ServerSide)
	s.opening.Dec()
	if err != nil {
		s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection not opened")
		return
	}

	select {
	case s.accepted <- c:
		s.log.Debug().Stringer("conn", c.ID()).Msg("connection accepted")
	case <-s.stopChan:
		_ = c.Close()
	}
}
