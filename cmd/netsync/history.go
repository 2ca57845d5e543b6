package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vovakirdan/netsync/internal/platform/tui"
	"github.com/vovakirdan/netsync/internal/storage"
)

var (
	flagHistoryPeer  string
	flagHistoryLimit int
	flagHistoryPlain bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse recorded sessions",
	Long: `Show recorded simulate, play and serve sessions with their sync
statistics. On a terminal an interactive table is shown; use --plain or
a pipe for text output.

Examples:
  netsync history
  netsync history --peer bot-1 --plain`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&flagHistoryPeer, "peer", "", "Only show sessions of this peer")
	historyCmd.Flags().IntVar(&flagHistoryLimit, "limit", 20, "Number of sessions to print")
	historyCmd.Flags().BoolVar(&flagHistoryPlain, "plain", false, "Print a plain table")
}

func runHistory(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}
	defer store.Close()

	if !flagHistoryPlain && flagHistoryPeer == "" && term.IsTerminal(int(os.Stdout.Fd())) {
		width, height := terminalSize()
		return tui.RunHistory(store, width, height)
	}

	records, err := store.RecentSessions(flagHistoryPeer, flagHistoryLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No sessions recorded yet.")
		fmt.Println()
		fmt.Println("Run 'netsync simulate' to record the first one.")
		return nil
	}

	fmt.Printf("  %-16s  %-10s  %-8s  %-7s  %7s  %7s  %7s  %7s  %8s\n",
		"Date", "Peer", "Mode", "Preset", "Time", "Inputs", "Recon", "Replay", "MaxCorr")
	fmt.Printf("  %-16s  %-10s  %-8s  %-7s  %7s  %7s  %7s  %7s  %8s\n",
		"----", "----", "----", "------", "----", "------", "-----", "------", "-------")
	for _, r := range records {
		fmt.Printf("  %-16s  %-10s  %-8s  %-7s  %7s  %7d  %7d  %7d  %8.3f\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Peer, r.Mode, r.Preset,
			r.Duration.Round(time.Second), r.Inputs, r.Reconciled, r.Replayed, r.MaxCorrection)
	}
	return nil
}
