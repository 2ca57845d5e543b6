// netsync synchronizes entity state between players: client prediction with
// reconciliation, interpolated remote entities and a last-writer-wins
// replicated key-value store, over a simulated network or a websocket relay.
//
// Usage:
//
//	netsync simulate         - Run the headless bot harness and report
//	netsync play             - Play in a local world or through a relay
//	netsync relay            - Start the websocket relay and authority
//	netsync serve            - Start the SSH arena server
//	netsync history          - Browse recorded sessions
//	netsync state [scope]    - Show persisted replicated state
//	netsync config           - Print the effective configuration
//
// Global flags:
//
//	--config <path>    - Config file (default: search order in internal/config)
//	--db <path>        - Database path (default: ~/.netsync/netsync.db)
//	--preset <name>    - Network preset: lan, wifi, mobile, hostile
//	--log-level <lvl>  - debug, info, warn or error
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vovakirdan/netsync/internal/config"
	"github.com/vovakirdan/netsync/internal/storage"
)

var (
	// Global flags
	flagConfig   string
	flagDBPath   string
	flagPreset   string
	flagLogLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "netsync",
	Short: "netsync - multiplayer entity state sync",
	Long: `netsync keeps players' views of a shared world consistent over lossy,
laggy links: local prediction with server reconciliation, interpolation
of remote entities and a replicated key-value store.

Available commands:
  simulate - Run bots over a simulated network and report sync quality
  play     - Play in a local world, or join a relay with --relay
  relay    - Start the websocket relay with an authority
  serve    - Start the SSH arena server
  history  - Browse recorded sessions
  state    - Show persisted replicated state
  config   - Print the effective configuration

Examples:
  netsync simulate --preset hostile --bots 8
  netsync play --bots 3
  netsync relay --addr :8080
  netsync play --relay ws://localhost:8080/ws --name alice
  netsync serve --ssh :2222`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config YAML")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "Path to database (overrides storage.db_path)")
	rootCmd.PersistentFlags().StringVar(&flagPreset, "preset", "", "Network preset: lan, wifi, mobile, hostile")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads the configuration and applies the global overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	if flagPreset != "" {
		preset, err := config.ParseConditionPreset(flagPreset)
		if err != nil {
			return cfg, err
		}
		config.ApplyConditionPreset(&cfg, preset)
	}
	if flagDBPath != "" {
		cfg.Storage.DBPath = flagDBPath
	}
	return cfg, cfg.Validate()
}

// newLogger returns the stderr logger at the requested level.
func newLogger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "netsync",
	})
	if level, err := log.ParseLevel(flagLogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warn("unknown log level, using info", "level", flagLogLevel)
	}
	return logger
}

// fileLogger returns a logger writing to ~/.netsync/<name>, for commands
// that own the terminal. The returned function closes the file.
func fileLogger(name string) (*log.Logger, func()) {
	logger := newLogger()
	home, err := os.UserHomeDir()
	if err != nil {
		return discardLogger(logger), func() {}
	}
	dir := filepath.Join(home, ".netsync")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return discardLogger(logger), func() {}
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return discardLogger(logger), func() {}
	}
	logger.SetOutput(f)
	return logger, func() { f.Close() }
}

func discardLogger(l *log.Logger) *log.Logger {
	l.SetLevel(log.FatalLevel)
	return l
}

// openStore opens the database, or returns nil with a warning.
func openStore(cfg config.Config, logger *log.Logger) *storage.Store {
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		logger.Warn("could not open database", "path", cfg.Storage.DBPath, "err", err)
		return nil
	}
	return store
}

// terminalSize returns the size of stdout, or 80x24.
func terminalSize() (int, int) {
	width, height := 80, 24
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		width, height = w, h
	}
	return width, height
}
