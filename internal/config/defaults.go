package config

import (
	_ "embed"
)

//go:embed defaults/netsync.yaml
var defaultYAML []byte

// Default returns the hardcoded configuration. It matches the embedded
// defaults/netsync.yaml.
func Default() Config {
	return Config{
		Topics: TopicsConfig{
			PositionIntervalMS: 50,
		},
		Interpolation: InterpolationConfig{
			Capacity:             4,
			DelayMS:              100,
			ExtrapolationLimitMS: 250,
		},
		Input: InputConfig{
			BufferCap: 256,
			Speed:     1.0,
		},
		Simulation: SimulationConfig{
			TickRate:    30,
			WorldWidth:  80,
			WorldHeight: 24,
			Bots:        3,
			DurationMS:  10000,
			Seed:        1,
		},
		Network: NetworkConfig{
			Preset:      string(PresetWifi),
			LatencyMS:   15,
			JitterMS:    10,
			Loss:        0.01,
			Duplicate:   0,
			RelayAddr:   ":8080",
			SSHAddr:     ":2222",
			AuthorityID: "authority",
		},
		Storage: StorageConfig{
			DBPath: "~/.netsync/netsync.db",
		},
	}
}
