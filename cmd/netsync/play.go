package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/netsync/internal/config"
	"github.com/vovakirdan/netsync/internal/core"
	"github.com/vovakirdan/netsync/internal/platform/tui"
	"github.com/vovakirdan/netsync/internal/session"
	"github.com/vovakirdan/netsync/internal/simulation"
	"github.com/vovakirdan/netsync/internal/transport"
)

var (
	flagPlayName  string
	flagPlayRelay string
	flagPlayBots  int
	flagPlayFPS   int
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play in a local world or through a relay",
	Long: `Start the arena. Without --relay a local world is created with an
authority and bots over the simulated network, using the configured
network preset. With --relay the arena joins a running relay.

Controls:
  Arrows/WASD - Move
  Space       - Action (scores a point)
  B           - Boost
  X           - Stop
  G           - Toggle sync stats
  Q/Ctrl+C    - Quit

Remote entities are colored by how they are rendered: green when
interpolated, yellow when extrapolated, red when frozen.

Examples:
  netsync play
  netsync play --preset hostile --bots 5
  netsync play --relay ws://localhost:8080/ws --name alice`,
	RunE: runPlay,
}

func init() {
	playCmd.Flags().StringVar(&flagPlayName, "name", "", "Peer name (default: $USER)")
	playCmd.Flags().StringVar(&flagPlayRelay, "relay", "", "Relay websocket URL (ws://host:port/ws)")
	playCmd.Flags().IntVar(&flagPlayBots, "bots", -1, "Bots in the local world (default: simulation.bots)")
	playCmd.Flags().IntVar(&flagPlayFPS, "fps", tui.DefaultFrameRate, "Frame rate")
}

func playerName() core.PeerID {
	if flagPlayName != "" {
		return core.PeerID(flagPlayName)
	}
	if u := os.Getenv("USER"); u != "" {
		return core.PeerID(u)
	}
	return "player"
}

func runPlay(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog := fileLogger("play.log")
	defer closeLog()

	store := openStore(cfg, logger)
	if store != nil {
		defer store.Close()
	}

	width, height := terminalSize()
	arena := tui.ArenaConfig{
		FrameRate: flagPlayFPS,
		Speed:     float32(cfg.Input.Speed),
		Width:     float32(cfg.Simulation.WorldWidth),
		Height:    float32(cfg.Simulation.WorldHeight),
		Preset:    cfg.Network.Preset,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sess *session.Session
	if flagPlayRelay != "" {
		sess, err = joinRelay(ctx, cfg, logger)
		arena.Mode = "relay"
	} else {
		var world *tui.World
		world, sess, err = startWorld(ctx, cfg, logger)
		if world != nil {
			defer world.Close()
		}
		arena.Mode = "play"
	}
	if err != nil {
		return err
	}
	defer sess.Close()

	record, err := tui.RunArena(sess, store, arena, width, height)
	if err != nil {
		return fmt.Errorf("arena: %w", err)
	}
	fmt.Printf("%s: %d inputs, %d reconciliations, max correction %.3f over %s\n",
		record.Peer, record.Inputs, record.Reconciled, record.MaxCorrection, record.Duration.Round(time.Second))
	return nil
}

// startWorld creates a local world and joins it.
func startWorld(ctx context.Context, cfg config.Config, logger *log.Logger) (*tui.World, *session.Session, error) {
	bots := cfg.Simulation.Bots
	if flagPlayBots >= 0 {
		bots = flagPlayBots
	}
	world, err := tui.NewWorld(worldConfig(cfg, bots, logger))
	if err != nil {
		return nil, nil, err
	}
	sess, err := world.Join(playerName())
	if err != nil {
		world.Close()
		return nil, nil, err
	}
	world.Start(ctx)
	return world, sess, nil
}

// worldConfig maps the file configuration onto an in-process world.
func worldConfig(cfg config.Config, bots int, logger *log.Logger) tui.WorldConfig {
	return tui.WorldConfig{
		Bots:             bots,
		FrameRate:        flagPlayFPS,
		TickRate:         cfg.Simulation.TickRate,
		PositionInterval: cfg.Topics.PositionInterval(),
		Interpolation:    cfg.Interpolation.Buffer(),
		InputBufferCap:   cfg.Input.BufferCap,
		Link:             cfg.Network.Link(),
		Speed:            float32(cfg.Input.Speed),
		Width:            float32(cfg.Simulation.WorldWidth),
		Height:           float32(cfg.Simulation.WorldHeight),
		AuthorityID:      core.PeerID(cfg.Network.AuthorityID),
		Seed:             time.Now().UnixNano(),
		Logger:           logger,
	}
}

// joinRelay dials a relay and keeps the link up until ctx is done.
func joinRelay(ctx context.Context, cfg config.Config, logger *log.Logger) (*session.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	tr, err := transport.DialWebSocket(dialCtx, flagPlayRelay, transport.WebSocketOptions{
		PeerID: playerName(),
		Logger: logger.WithPrefix("ws"),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot reach relay: %w", err)
	}

	w, h := float32(cfg.Simulation.WorldWidth), float32(cfg.Simulation.WorldHeight)
	sess := session.New(tr, session.Options{
		Entity:           simulation.SpawnPoint(tr.LocalID(), w, h),
		Interpolation:    cfg.Interpolation.Buffer(),
		InputBufferCap:   cfg.Input.BufferCap,
		PositionInterval: cfg.Topics.PositionInterval(),
		Mover:            core.Bounded(core.Displace, w, h),
		Authority:        session.FixedAuthority(core.PeerID(cfg.Network.AuthorityID)),
		Logger:           logger.WithPrefix(string(tr.LocalID())),
	})

	lost := make(chan struct{}, 1)
	sess.OnLifecycle(func(ev session.LifecycleEvent) {
		if ev.Kind == session.LifecycleDisconnected {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})
	go keepConnected(ctx, tr, lost, logger)
	return sess, nil
}

// keepConnected redials with exponential backoff whenever the link drops.
func keepConnected(ctx context.Context, tr *transport.WebSocketTransport, lost <-chan struct{}, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-lost:
		}

		backoff := 250 * time.Millisecond
		for {
			err := tr.Reconnect(ctx)
			if err == nil {
				logger.Info("reconnected to relay")
				break
			}
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			logger.Warn("reconnect failed", "err", err, "retry", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
		}
	}
}
