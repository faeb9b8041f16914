package server

import (
	"context"
	"errors"
	"sync"

	"github.com/andrei-cloud/packnet"
)

// Serve hands every packet received on an accepted connection to h and sends
// back the packet h returns, if any. It returns nil once Accepted is closed
// and ctx.Err() when ctx ends first. Connections stay open when Serve returns.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("handler is required")
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-s.accepted:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.serveConn(ctx, c, h)
			}()
		}
	}
}

func (s *Server) serveConn(ctx context.Context, c *packnet.Connection, h Handler) {
	log := s.log.With().Stringer("conn", c.ID()).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.Received():
			if !ok {
				return
			}

			resp, err := h.HandlePacket(c, ev.Packet)
			if err != nil {
				log.Error().Err(err).Msg("handler error")
				continue
			}
			if resp != nil {
				c.Send(resp)
			}
		}
	}
}
