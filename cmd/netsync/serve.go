package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/netsync/internal/platform/tui"
)

var (
	flagSSHAddr     string
	flagHostKey     string
	flagIdleTimeout int
	flagServeBots   int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the SSH arena server",
	Long: `Start an SSH server that drops every connection into one shared world.

Each SSH user becomes a peer named after their login; the world runs an
authority and bots over the simulated network with the configured preset.
Sessions are recorded in the history when users quit.

Host key handling:
  - If --host-key is provided, uses that key file
  - Otherwise, auto-generates a key at ~/.netsync/host_key

Examples:
  netsync serve                           # Listen on network.ssh_addr
  netsync serve --ssh :2222 --bots 0      # Humans only
  netsync serve --preset mobile           # Simulate a mobile link

Users can connect with:
  ssh localhost -p 2222`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagSSHAddr, "ssh", "", "SSH server address (default: network.ssh_addr)")
	serveCmd.Flags().StringVar(&flagHostKey, "host-key", "", "Path to host key file (auto-generated if not specified)")
	serveCmd.Flags().IntVar(&flagIdleTimeout, "idle-timeout", 30, "Idle timeout in minutes before disconnecting")
	serveCmd.Flags().IntVar(&flagServeBots, "bots", -1, "Bots in the shared world (default: simulation.bots)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	addr := cfg.Network.SSHAddr
	if flagSSHAddr != "" {
		addr = flagSSHAddr
	}
	bots := cfg.Simulation.Bots
	if flagServeBots >= 0 {
		bots = flagServeBots
	}

	store := openStore(cfg, logger)
	if store != nil {
		defer store.Close()
	}

	server, err := tui.NewSSHServer(tui.SSHServerConfig{
		Address:     addr,
		HostKeyPath: flagHostKey,
		IdleTimeout: time.Duration(flagIdleTimeout) * time.Minute,
		Preset:      cfg.Network.Preset,
		World:       worldConfig(cfg, bots, logger),
	}, store, logger)
	if err != nil {
		return fmt.Errorf("cannot create server: %w", err)
	}

	fmt.Printf("Starting netsync SSH server on %s\n", server.Addr())
	fmt.Println("Press Ctrl+C to stop")
	return server.ListenAndServe()
}
