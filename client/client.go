// Package client dials framed connections that share one network.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/andrei-cloud/packnet"
	"github.com/rs/zerolog"
)

// ConnectResult is the outcome of ConnectAsync.
type ConnectResult struct {
	Conn *packnet.Connection
	Err  error
}

// Client opens outbound connections. Every connection shares the client's
// buffer pool and packet registry.
type Client struct {
	network *packnet.Network
	dialer  net.Dialer
	log     zerolog.Logger
	pending sync.WaitGroup
}

// New creates a client network. A nil registry is replaced by
// packnet.DefaultRegistry.
func New(cfg packnet.NetworkConfig, registry *packnet.PacketRegistry) (*Client, error) {
	network, err := packnet.NewNetwork(cfg, registry)
	if err != nil {
		return nil, err
	}
	cfg = network.Config()

	return &Client{
		network: network,
		dialer:  net.Dialer{KeepAlive: cfg.KeepAlive},
		log:     network.Logger().With().Str("component", "client").Logger(),
	}, nil
}

// Network returns the network shared by the client's connections.
func (c *Client) Network() *packnet.Network { return c.network }

func (c *Client) Stats() packnet.NetworkStats { return c.network.Stats() }

// Connect dials addr and returns the connection once it is OPEN. Dial and
// handshake failures are reported as packnet.ErrConnectFailed.
func (c *Client) Connect(ctx context.Context, addr string) (*packnet.Connection, error) {
	if c.network.Closed() {
		return nil, packnet.ErrNetworkClosed
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", packnet.ErrConnectFailed, addr, err)
	}

	pc, err := c.network.Open(ctx, conn, packnet.ClientSide)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", packnet.ErrConnectFailed, addr, err)
	}

	c.log.Debug().Str("addr", addr).Stringer("conn", pc.ID()).Msg("connected")

	return pc, nil
}

// ConnectAsync runs Connect in the background. The returned channel receives
// exactly one result.
func (c *Client) ConnectAsync(ctx context.Context, addr string) <-chan ConnectResult {
	out := make(chan ConnectResult, 1)

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		conn, err := c.Connect(ctx, addr)
		out <- ConnectResult{Conn: conn, Err: err}
	}()

	return out
}

// Shutdown closes every connection and releases the buffer pool. Connects
// still in flight fail with packnet.ErrNetworkClosed.
func (c *Client) Shutdown() error {
	err := c.network.Shutdown()
	c.pending.Wait()
	return err
}
