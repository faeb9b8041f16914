// Package main runs a packnet echo server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/packnet"
	"github.com/andrei-cloud/packnet/internal/render"
	"github.com/andrei-cloud/packnet/server"
)

// Exit codes.
const (
	Success        = 0 // success
	ErrConfig      = 1 // configuration could not be loaded
	ErrBind        = 2 // listen address unusable
	ErrServeFailed = 3 // server stopped with an error
)

// echoPrefix is prepended to every string packet sent back.
const echoPrefix = "Echo: "

func echo(_ *packnet.Connection, p packnet.ReadablePacket) (packnet.WritablePacket, error) {
	switch pkt := p.(type) {
	case *packnet.StringPacket:
		return packnet.NewStringPacket(echoPrefix + pkt.Data), nil
	case *packnet.RawPacket:
		return pkt, nil
	default:
		return nil, fmt.Errorf("unexpected packet %T", p)
	}
}

// configureLogging sets up zerolog for console output.
func configureLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

func loadConfig(path, cert, key string) (packnet.NetworkConfig, error) {
	var cfg packnet.NetworkConfig
	if path != "" {
		var err error
		if cfg, err = packnet.LoadConfig(path); err != nil {
			return cfg, err
		}
	}

	if cert != "" || key != "" {
		tc, err := packnet.TLSFiles{Cert: cert, Key: key}.Load()
		if err != nil {
			return cfg, err
		}
		cfg.TLS = tc
	}

	cfg.Logger = &log.Logger

	return cfg, nil
}

func main() {
	addr := flag.String("addr", "127.0.0.1:7411", "listen address")
	configPath := flag.String("c", "", "path to YAML configuration file")
	cert := flag.String("tls-cert", "", "PEM certificate, enables TLS with -tls-key")
	key := flag.String("tls-key", "", "PEM private key")
	statsEvery := flag.Duration("stats", 0, "print buffer pool statistics at this interval, 0 disables")
	debug := flag.Bool("v", false, "debug logging")
	flag.Parse()

	configureLogging(*debug)

	cfg, err := loadConfig(*configPath, *cert, *key)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(ErrConfig)
	}

	srv, err := server.New(cfg, packnet.DefaultRegistry())
	if err != nil {
		log.Error().Err(err).Msg("failed to create server")
		os.Exit(ErrConfig)
	}

	if err := srv.Bind(*addr); err != nil {
		log.Error().Err(err).Msg("failed to bind")
		os.Exit(ErrBind)
	}

	// Create context that can be cancelled with CTRL+C
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	bound, err := srv.Start()
	if err != nil {
		log.Error().Err(err).Msg("failed to start")
		os.Exit(ErrBind)
	}
	log.Info().Stringer("addr", bound).Msg("echo server listening")

	if *statsEvery > 0 {
		go printStats(ctx, srv, *statsEvery)
	}

	code := Success
	if err := srv.Serve(ctx, server.HandlerFunc(echo)); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("serve failed")
		code = ErrServeFailed
	}

	if err := srv.Shutdown(); err != nil {
		log.Error().Err(err).Msg("shutdown")
		code = ErrServeFailed
	}
	fmt.Println(render.StatsTable(srv.Stats()))

	os.Exit(code)
}

func printStats(ctx context.Context, srv *server.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Println(render.StatsTable(srv.Stats()))
		}
	}
}
