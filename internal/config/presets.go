package config

import "fmt"

// ConditionPreset names a typical set of link conditions.
type ConditionPreset string

const (
	PresetLAN     ConditionPreset = "lan"
	PresetWifi    ConditionPreset = "wifi"
	PresetMobile  ConditionPreset = "mobile"
	PresetHostile ConditionPreset = "hostile"
	PresetCustom                  = "custom"
)

// Presets lists the named presets from best to worst link.
var Presets = []ConditionPreset{PresetLAN, PresetWifi, PresetMobile, PresetHostile}

// ParseConditionPreset resolves a preset name.
func ParseConditionPreset(name string) (ConditionPreset, error) {
	for _, p := range Presets {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("config: unknown network preset %q", name)
}

// ApplyConditionPreset overwrites the simulated link of cfg with the preset's
// values.
func ApplyConditionPreset(cfg *Config, preset ConditionPreset) {
	n := &cfg.Network
	n.Preset = string(preset)

	switch preset {
	case PresetLAN:
		n.LatencyMS, n.JitterMS = 2, 1
		n.Loss, n.Duplicate = 0, 0
	case PresetWifi:
		n.LatencyMS, n.JitterMS = 15, 10
		n.Loss, n.Duplicate = 0.01, 0
	case PresetMobile:
		n.LatencyMS, n.JitterMS = 80, 40
		n.Loss, n.Duplicate = 0.03, 0.01
	case PresetHostile:
		n.LatencyMS, n.JitterMS = 200, 120
		n.Loss, n.Duplicate = 0.15, 0.05
	}

	// Bad links need a deeper interpolation buffer to stay smooth.
	switch preset {
	case PresetMobile:
		cfg.Interpolation.DelayMS = 150
	case PresetHostile:
		cfg.Interpolation.DelayMS = 300
		cfg.Interpolation.Capacity = 8
	}
}
