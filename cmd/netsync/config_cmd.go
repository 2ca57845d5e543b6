package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/netsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after the config file, --preset and --db have
been applied, as YAML. Redirect it to ~/.netsync/netsync.yaml to start
a custom configuration.

Examples:
  netsync config
  netsync config --preset hostile > ~/.netsync/netsync.yaml
  netsync config presets`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List network presets",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("  %-8s  %8s  %7s  %6s  %9s  %6s\n", "Preset", "Latency", "Jitter", "Loss", "Duplicate", "Delay")
		fmt.Printf("  %-8s  %8s  %7s  %6s  %9s  %6s\n", "------", "-------", "------", "----", "---------", "-----")
		for _, p := range config.Presets {
			cfg := config.Default()
			config.ApplyConditionPreset(&cfg, p)
			n := cfg.Network
			fmt.Printf("  %-8s  %6dms  %5dms  %5.1f%%  %8.1f%%  %4dms\n",
				p, n.LatencyMS, n.JitterMS, n.Loss*100, n.Duplicate*100, cfg.Interpolation.DelayMS)
		}
	},
}

func init() {
	configCmd.AddCommand(presetsCmd)
}
