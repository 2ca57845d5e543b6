// Package config provides YAML-based configuration loading and named
// network-condition presets for netsync hosts.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/vovakirdan/netsync/internal/interp"
	"github.com/vovakirdan/netsync/internal/transport"
)

// Config is the complete host configuration.
type Config struct {
	Topics        TopicsConfig        `yaml:"topics"`
	Interpolation InterpolationConfig `yaml:"interpolation"`
	Input         InputConfig         `yaml:"input"`
	Simulation    SimulationConfig    `yaml:"simulation"`
	Network       NetworkConfig       `yaml:"network"`
	Storage       StorageConfig       `yaml:"storage"`
}

// TopicsConfig tunes the channel multiplexer.
type TopicsConfig struct {
	PositionIntervalMS int `yaml:"position_interval_ms"` // Minimum gap between position sends; 0 disables the limit
}

// InterpolationConfig tunes remote entity rendering.
type InterpolationConfig struct {
	Capacity             int `yaml:"capacity"`
	DelayMS              int `yaml:"delay_ms"`
	ExtrapolationLimitMS int `yaml:"extrapolation_limit_ms"`
}

// InputConfig tunes local prediction.
type InputConfig struct {
	BufferCap int     `yaml:"buffer_cap"`
	Speed     float64 `yaml:"speed"` // World units per input
}

// SimulationConfig describes the authoritative world and the headless harness.
type SimulationConfig struct {
	TickRate    int     `yaml:"tick_rate"`
	WorldWidth  float64 `yaml:"world_width"`
	WorldHeight float64 `yaml:"world_height"`
	Bots        int     `yaml:"bots"`
	DurationMS  int     `yaml:"duration_ms"`
	Seed        int64   `yaml:"seed"`
}

// NetworkConfig describes the simulated link and the network endpoints.
type NetworkConfig struct {
	Preset      string  `yaml:"preset"` // "lan", "wifi", "mobile", "hostile" or "custom"
	LatencyMS   int     `yaml:"latency_ms"`
	JitterMS    int     `yaml:"jitter_ms"`
	Loss        float64 `yaml:"loss"`      // 0.0 - 1.0, unreliable channel only
	Duplicate   float64 `yaml:"duplicate"` // 0.0 - 1.0, unreliable channel only
	RelayAddr   string  `yaml:"relay_addr"`
	SSHAddr     string  `yaml:"ssh_addr"`
	AuthorityID string  `yaml:"authority_id"`
}

// StorageConfig locates the sqlite database.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// PositionInterval returns the multiplexer interval. Zero in the file means
// no limit, which the multiplexer spells as a negative interval.
func (c TopicsConfig) PositionInterval() time.Duration {
	if c.PositionIntervalMS <= 0 {
		return -1
	}
	return time.Duration(c.PositionIntervalMS) * time.Millisecond
}

// Buffer converts the section to an interpolation buffer configuration.
func (c InterpolationConfig) Buffer() interp.Config {
	return interp.Config{
		Capacity:           c.Capacity,
		Delay:              time.Duration(c.DelayMS) * time.Millisecond,
		ExtrapolationLimit: time.Duration(c.ExtrapolationLimitMS) * time.Millisecond,
	}
}

// Link converts the section to simulated link conditions.
func (c NetworkConfig) Link() transport.LinkConfig {
	return transport.LinkConfig{
		Latency:   time.Duration(c.LatencyMS) * time.Millisecond,
		Jitter:    time.Duration(c.JitterMS) * time.Millisecond,
		Loss:      c.Loss,
		Duplicate: c.Duplicate,
	}
}

// Duration returns the harness run time.
func (c SimulationConfig) Duration() time.Duration {
	return time.Duration(c.DurationMS) * time.Millisecond
}

// TickInterval returns the authority step interval.
func (c SimulationConfig) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.TickRate)
}

// Validate reports every out-of-range value.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(c.Topics.PositionIntervalMS >= 0, "topics.position_interval_ms must not be negative")
	check(c.Interpolation.Capacity >= 2, "interpolation.capacity must be at least 2, got %d", c.Interpolation.Capacity)
	check(c.Interpolation.DelayMS >= 0, "interpolation.delay_ms must not be negative")
	check(c.Interpolation.ExtrapolationLimitMS >= 0, "interpolation.extrapolation_limit_ms must not be negative")
	check(c.Input.BufferCap >= 1, "input.buffer_cap must be positive, got %d", c.Input.BufferCap)
	check(c.Input.Speed > 0, "input.speed must be positive")
	check(c.Simulation.TickRate >= 1 && c.Simulation.TickRate <= 1000, "simulation.tick_rate must be in 1..1000, got %d", c.Simulation.TickRate)
	check(c.Simulation.WorldWidth > 0 && c.Simulation.WorldHeight > 0, "simulation world size must be positive")
	check(c.Simulation.Bots >= 0, "simulation.bots must not be negative")
	check(c.Simulation.DurationMS >= 0, "simulation.duration_ms must not be negative")
	check(c.Network.LatencyMS >= 0 && c.Network.JitterMS >= 0, "network latency and jitter must not be negative")
	check(c.Network.Loss >= 0 && c.Network.Loss <= 1, "network.loss must be in [0, 1], got %v", c.Network.Loss)
	check(c.Network.Duplicate >= 0 && c.Network.Duplicate <= 1, "network.duplicate must be in [0, 1], got %v", c.Network.Duplicate)
	if c.Network.Preset != "" && c.Network.Preset != PresetCustom {
		_, err := ParseConditionPreset(c.Network.Preset)
		check(err == nil, "unknown network.preset %q", c.Network.Preset)
	}
	check(c.Network.AuthorityID != "", "network.authority_id must not be empty")

	return errors.Join(errs...)
}
