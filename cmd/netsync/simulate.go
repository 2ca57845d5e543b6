package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/netsync/internal/config"
	"github.com/vovakirdan/netsync/internal/interp"
	"github.com/vovakirdan/netsync/internal/simulation"
	"github.com/vovakirdan/netsync/internal/storage"
)

var (
	flagSimBots     int
	flagSimDuration time.Duration
	flagSimSeed     int64
	flagSimNoSave   bool
	flagSimStrict   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run bots over a simulated network and report sync quality",
	Long: `Run an authority and a number of bots over the in-memory network on a
virtual clock. Bots wander and write replicated state; afterwards every
prediction and every replica is compared with the authority.

The run is deterministic for a given seed and configuration. One history
record per bot is saved unless --no-save is given.

Examples:
  netsync simulate
  netsync simulate --preset hostile --bots 8 --duration 30s
  netsync simulate --seed 42 --strict`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().IntVar(&flagSimBots, "bots", 0, "Number of bots (default: simulation.bots)")
	simulateCmd.Flags().DurationVar(&flagSimDuration, "duration", 0, "Movement time (default: simulation.duration_ms)")
	simulateCmd.Flags().Int64Var(&flagSimSeed, "seed", 0, "RNG seed (default: simulation.seed)")
	simulateCmd.Flags().BoolVar(&flagSimNoSave, "no-save", false, "Do not record the run in the history")
	simulateCmd.Flags().BoolVar(&flagSimStrict, "strict", false, "Exit with an error if the run did not converge")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	simCfg := simulationConfig(cfg)
	if flagSimBots > 0 {
		simCfg.Bots = flagSimBots
	}
	if flagSimDuration > 0 {
		simCfg.Duration = flagSimDuration
	}
	if cmd.Flags().Changed("seed") {
		simCfg.Seed = flagSimSeed
	}
	simCfg.Logger = logger.WithPrefix("simulate")

	var store *storage.Store
	if !flagSimNoSave {
		store = openStore(cfg, logger)
		if store != nil {
			defer store.Close()
			simCfg.Persister = store.Persister("simulate")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := simulation.Run(ctx, simCfg)
	if err != nil {
		return err
	}
	printReport(report, cfg.Network.Preset)

	if store != nil {
		for _, r := range recordsOf(report, cfg.Network.Preset) {
			if _, err := store.SaveSession(r); err != nil {
				logger.Warn("could not save session", "peer", r.Peer, "err", err)
			}
		}
	}

	if flagSimStrict && !report.Converged() {
		return errors.New("simulation did not converge")
	}
	return nil
}

// simulationConfig maps the file configuration onto a harness run.
func simulationConfig(cfg config.Config) simulation.Config {
	return simulation.Config{
		Bots:             cfg.Simulation.Bots,
		Duration:         cfg.Simulation.Duration(),
		TickRate:         cfg.Simulation.TickRate,
		PositionInterval: cfg.Topics.PositionInterval(),
		Interpolation:    cfg.Interpolation.Buffer(),
		InputBufferCap:   cfg.Input.BufferCap,
		Link:             cfg.Network.Link(),
		Speed:            float32(cfg.Input.Speed),
		WorldWidth:       float32(cfg.Simulation.WorldWidth),
		WorldHeight:      float32(cfg.Simulation.WorldHeight),
		Seed:             cfg.Simulation.Seed,
	}
}

// recordsOf converts a report to one history record per bot.
func recordsOf(report simulation.Report, preset string) []storage.SessionRecord {
	out := make([]storage.SessionRecord, 0, len(report.Peers))
	for _, p := range report.Peers {
		out = append(out, storage.SessionRecord{
			Peer:             string(p.Peer),
			Mode:             "simulate",
			Preset:           preset,
			Duration:         report.Elapsed,
			Inputs:           p.Inputs,
			Reconciled:       p.Reconciled,
			Replayed:         p.Replayed,
			MaxCorrection:    p.MaxCorrection,
			MeanCorrection:   p.MeanCorrection,
			SnapshotsDropped: p.SnapshotsDropped,
			Evicted:          p.Evicted,
		})
	}
	return out
}

func printReport(r simulation.Report, preset string) {
	if preset == "" {
		preset = "custom"
	}
	fmt.Printf("Simulation - %s link, %s, %d frames, %d ticks\n", preset, r.Elapsed, r.Frames, r.Ticks)
	fmt.Printf("Network: %d sent, %d delivered, %d lost, %d duplicated\n",
		r.Network.Sent, r.Network.Delivered, r.Network.Lost, r.Network.Duplicated)
	fmt.Printf("Authority: %d inputs applied, %d stale, %d snapshots sent\n",
		r.Authority.InputsApplied, r.Authority.InputsStale, r.Authority.SnapshotsSent)
	fmt.Println()

	fmt.Printf("  %-8s  %7s  %7s  %7s  %8s  %8s  %6s  %6s  %9s\n",
		"Peer", "Inputs", "Recon", "Replay", "MaxCorr", "MeanCorr", "Drops", "Smooth", "FinalErr")
	fmt.Printf("  %-8s  %7s  %7s  %7s  %8s  %8s  %6s  %6s  %9s\n",
		"----", "------", "-----", "------", "-------", "--------", "-----", "------", "--------")

	peers := append([]simulation.PeerReport(nil), r.Peers...)
	sort.Slice(peers, func(i, j int) bool { return peers[i].Peer < peers[j].Peer })
	for _, p := range peers {
		fmt.Printf("  %-8s  %7d  %7d  %7d  %8.3f  %8.3f  %6d  %5.0f%%  %9.4f\n",
			p.Peer, p.Inputs, p.Reconciled, p.Replayed, p.MaxCorrection, p.MeanCorrection,
			p.SnapshotsDropped, p.Smoothness()*100, p.FinalError)
	}

	fmt.Println()
	modes := make(map[interp.Mode]uint64)
	for _, p := range r.Peers {
		for m, n := range p.Samples {
			modes[m] += n
		}
	}
	fmt.Printf("Remote samples: %d interpolated, %d extrapolated, %d frozen, %d clamped\n",
		modes[interp.Interpolated], modes[interp.Extrapolated], modes[interp.Frozen], modes[interp.Clamped])
	fmt.Printf("State converged: %v\n", r.StateConverged)
	fmt.Printf("Positions converged: %v\n", r.PositionsConverged)
}
