// Package main implements an interactive packnet client shell.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/desertbit/grumble"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/packnet"
	"github.com/andrei-cloud/packnet/client"
	"github.com/andrei-cloud/packnet/internal/render"
)

// Global state.
var (
	cli      *client.Client // client network, created on init
	selected uuid.UUID      // connection used by send
	mu       sync.Mutex     // guards selected
)

// AddCommands registers the shell commands.
func AddCommands(app *grumble.App) {
	app.AddCommand(&grumble.Command{
		Name:    "connect",
		Aliases: []string{"dial"},
		Help:    "open a connection and select it",
		Args: func(a *grumble.Args) {
			a.String("addr", "server address, host:port")
		},
		Flags: func(f *grumble.Flags) {
			f.Duration("t", "timeout", 5*time.Second, "connect timeout")
		},
		Run: func(c *grumble.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), c.Flags.Duration("timeout"))
			defer cancel()

			conn, err := cli.Connect(ctx, c.Args.String("addr"))
			if err != nil {
				log.Error().Err(err).Msg("Failed to connect")
				return nil
			}

			mu.Lock()
			selected = conn.ID()
			mu.Unlock()

			go printReceived(conn)

			log.Info().Stringer("conn", conn.ID()).Stringer("remote", conn.RemoteAddr()).Msg("Connected")
			c.App.SetPrompt(conn.RemoteAddr().String() + " » ")
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "send",
		Help: "send a string packet on the selected connection",
		Args: func(a *grumble.Args) {
			a.StringList("text", "text to send")
		},
		Run: func(c *grumble.Context) error {
			conn, ok := current()
			if !ok {
				log.Warn().Msg("No connection selected. Use 'connect <addr>' first")
				return nil
			}

			text := strings.Join(c.Args.StringList("text"), " ")
			if err := <-conn.SendWithFeedback(packnet.NewStringPacket(text)); err != nil {
				log.Error().Err(err).Msg("Failed to send")
			}
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name:    "close",
		Aliases: []string{"disconnect"},
		Help:    "close the selected connection",
		Run: func(c *grumble.Context) error {
			conn, ok := current()
			if !ok {
				log.Warn().Msg("No connection selected")
				return nil
			}

			_ = conn.Close()

			mu.Lock()
			selected = uuid.Nil
			mu.Unlock()

			log.Info().Stringer("conn", conn.ID()).Msg("Connection closed")
			c.App.SetPrompt("packnet » ")
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "stats",
		Help: "show connections and buffer pool statistics",
		Run: func(c *grumble.Context) error {
			if conns := cli.Network().Connections(); len(conns) > 0 {
				c.App.Println(render.ConnectionsTable(conns))
			}
			c.App.Println(render.StatsTable(cli.Stats()))
			return nil
		},
	})
}

func current() (*packnet.Connection, bool) {
	mu.Lock()
	id := selected
	mu.Unlock()

	if id == uuid.Nil {
		return nil, false
	}
	return cli.Network().Connection(id)
}

// printReceived logs every packet of conn until it closes.
func printReceived(conn *packnet.Connection) {
	for ev := range conn.Received() {
		switch p := ev.Packet.(type) {
		case *packnet.StringPacket:
			log.Info().Stringer("conn", conn.ID()).Str("text", p.Data).Msg("Received")
		default:
			log.Info().Stringer("conn", conn.ID()).Str("type", fmt.Sprintf("%T", p)).Msg("Received")
		}
	}

	if err := conn.Err(); err != nil {
		log.Warn().Err(err).Stringer("conn", conn.ID()).Msg("Connection lost")
		return
	}
	log.Info().Stringer("conn", conn.ID()).Msg("Connection ended")
}

// main is the entry point for the shell.
func main() {
	configureLogging()

	app := setupCLI()
	AddCommands(app)

	err := app.Run()
	if cli != nil {
		if serr := cli.Shutdown(); serr != nil {
			log.Error().Err(serr).Msg("shutdown")
		}
	}
	if err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// configureLogging sets up zerolog with a console writer for interactive use.
func configureLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// setupCLI creates the grumble app and builds the client network on init.
func setupCLI() *grumble.App {
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".packnet_history"
	} else {
		histFile = filepath.Join(home, ".packnet_history")
	}

	app := grumble.New(&grumble.Config{
		Name:        "packnet",
		Description: "interactive packnet client",
		HistoryFile: histFile,
		Prompt:      "packnet » ",
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "", "path to YAML configuration file")
			f.Bool("v", "verbose", false, "debug logging")
		},
	})

	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		if flags.Bool("verbose") {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}

		var cfg packnet.NetworkConfig
		if path := flags.String("config"); path != "" {
			var err error
			if cfg, err = packnet.LoadConfig(path); err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
		}
		cfg.Logger = &log.Logger

		var err error
		cli, err = client.New(cfg, packnet.DefaultRegistry())
		if err != nil {
			return fmt.Errorf("failed to initialize client: %w", err)
		}

		return nil
	})

	return app
}
