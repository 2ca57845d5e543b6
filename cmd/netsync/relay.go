package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/netsync/internal/authority"
	"github.com/vovakirdan/netsync/internal/config"
	"github.com/vovakirdan/netsync/internal/core"
	"github.com/vovakirdan/netsync/internal/simulation"
	"github.com/vovakirdan/netsync/internal/storage"
	"github.com/vovakirdan/netsync/internal/transport"
)

// relayScope is the state scope the relay's authority persists into.
const relayScope = "relay"

var (
	flagRelayAddr        string
	flagRelayNoAuthority bool
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Start the websocket relay with an authority",
	Long: `Start a websocket relay on /ws. Every frame a peer sends is fanned out
to all other peers; joins and leaves are announced.

Unless --no-authority is given, an authority joins the relay in-process
under network.authority_id, simulates every peer's entity and persists
the replicated state, which is restored on the next start.

Examples:
  netsync relay
  netsync relay --addr :9000
  netsync relay --no-authority`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&flagRelayAddr, "addr", "", "Listen address (default: network.relay_addr)")
	relayCmd.Flags().BoolVar(&flagRelayNoAuthority, "no-authority", false, "Run the relay without an authority")
}

func runRelay(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	addr := cfg.Network.RelayAddr
	if flagRelayAddr != "" {
		addr = flagRelayAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := transport.NewRelay(transport.RelayOptions{Logger: logger.WithPrefix("relay")})
	mux := http.NewServeMux()
	mux.Handle("/ws", relay)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := relay.Stats()
		fmt.Fprintf(w, "peers %d\nforwarded %d\ndropped %d\nbad_frames %d\n",
			st.Peers, st.Forwarded, st.Dropped, st.BadFrames)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()
	logger.Info("relay listening", "addr", ln.Addr().String())

	if !flagRelayNoAuthority {
		store := openStore(cfg, logger)
		if store != nil {
			defer store.Close()
		}
		auth, err := startAuthority(ctx, cfg, ln.Addr(), store, logger)
		if err != nil {
			srv.Close()
			return err
		}
		defer auth.Close()
		go func() {
			if err := auth.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("authority stopped", "err", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down...")
	relay.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// startAuthority dials the relay as network.authority_id and restores the
// persisted state.
func startAuthority(ctx context.Context, cfg config.Config, addr net.Addr, store *storage.Store, logger *log.Logger) (*authority.Server, error) {
	url := "ws://" + loopback(addr) + "/ws"
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tr, err := transport.DialWebSocket(dialCtx, url, transport.WebSocketOptions{
		PeerID: core.PeerID(cfg.Network.AuthorityID),
		Logger: logger.WithPrefix("ws"),
	})
	if err != nil {
		return nil, fmt.Errorf("authority cannot join relay: %w", err)
	}

	w, h := float32(cfg.Simulation.WorldWidth), float32(cfg.Simulation.WorldHeight)
	opts := authority.Options{
		TickRate:         cfg.Simulation.TickRate,
		PositionInterval: cfg.Topics.PositionInterval(),
		Mover:            core.Bounded(core.Displace, w, h),
		Spawn:            func(p core.PeerID) core.Entity { return simulation.SpawnPoint(p, w, h) },
		Logger:           logger.WithPrefix("authority"),
	}
	if store != nil {
		opts.Persister = store.Persister(relayScope)
	}
	auth := authority.NewServer(tr, opts)

	if store != nil {
		entries, err := store.StateEntries(relayScope)
		if err != nil {
			logger.Warn("could not restore state", "err", err)
		} else if n := auth.State().Restore(entries); n > 0 {
			logger.Info("restored state", "entries", n)
		}
	}
	return auth, nil
}

// loopback rewrites a wildcard listen address to one the authority can dial.
func loopback(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok && (tcp.IP == nil || tcp.IP.IsUnspecified()) {
		return fmt.Sprintf("127.0.0.1:%d", tcp.Port)
	}
	return addr.String()
}
