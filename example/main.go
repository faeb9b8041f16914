// Package main provides an example of using the packnet library.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andrei-cloud/packnet"
	"github.com/andrei-cloud/packnet/client"
	"github.com/andrei-cloud/packnet/server"
)

// startServer binds a server that replies with the reversed string.
func startServer(ctx context.Context, cfg packnet.NetworkConfig, addr string) (*server.Server, string, error) {
	srv, err := server.New(cfg, nil)
	if err != nil {
		return nil, "", fmt.Errorf("server setup failed: %w", err)
	}
	if err := srv.Bind(addr); err != nil {
		return nil, "", err
	}

	bound, err := srv.Start()
	if err != nil {
		return nil, "", fmt.Errorf("server failed to start: %w", err)
	}

	handler := server.HandlerFunc(func(_ *packnet.Connection, p packnet.ReadablePacket) (packnet.WritablePacket, error) {
		req, ok := p.(*packnet.StringPacket)
		if !ok {
			return nil, fmt.Errorf("unexpected packet %T", p)
		}

		// reverse request data.
		in := []rune(req.Data)
		out := make([]rune, len(in))
		for i := range in {
			out[len(in)-1-i] = in[i]
		}

		return packnet.NewStringPacket(string(out)), nil
	})
	go func() {
		_ = srv.Serve(ctx, handler)
	}()

	return srv, bound.String(), nil
}

// sendRequests sends every request on its own connection and prints the reply.
func sendRequests(ctx context.Context, cli *client.Client, addr string, requests []string) {
	var wg sync.WaitGroup
	for _, req := range requests {
		wg.Add(1)
		go func(payload string) {
			defer wg.Done()

			conn, err := cli.Connect(ctx, addr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "connect: %v\n", err)
				return
			}
			defer conn.Close()

			conn.Send(packnet.NewStringPacket(payload))

			select {
			case ev, ok := <-conn.Received():
				if !ok {
					fmt.Fprintf(os.Stderr, "connection closed before reply to %q\n", payload)
					return
				}
				fmt.Printf("%q -> %q\n", payload, ev.Packet.(*packnet.StringPacket).Data)
			case <-ctx.Done():
				fmt.Fprintf(os.Stderr, "no reply to %q: %v\n", payload, ctx.Err())
			}
		}(req)
	}
	wg.Wait()
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	cfg := packnet.NetworkConfig{Logger: &logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, addr, err := startServer(ctx, cfg, "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer srv.Shutdown()

	cli, err := client.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer cli.Shutdown()

	sendRequests(ctx, cli, addr, []string{"hello", "world", "packnet test", "concurrent", "request"})
}
