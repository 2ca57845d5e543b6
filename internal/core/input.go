package core

import "strings"

// ActionFlags is a bitset of discrete actions sampled alongside an input's
// displacement. The sync layer carries them verbatim; games interpret them.
type ActionFlags uint32

const (
	ActionPrimary   ActionFlags = 1 << iota // Fire, jump, hit
	ActionSecondary                         // Alternate action
	ActionBoost                             // Sprint / dash modifier
	ActionInteract                          // Use, pick up, talk

	ActionNone ActionFlags = 0
)

var actionNames = []struct {
	flag ActionFlags
	name string
}{
	{ActionPrimary, "Primary"},
	{ActionSecondary, "Secondary"},
	{ActionBoost, "Boost"},
	{ActionInteract, "Interact"},
}

// Has returns true if every bit of a is set.
func (f ActionFlags) Has(a ActionFlags) bool {
	return a != 0 && f&a == a
}

// Set marks the given actions as triggered.
func (f *ActionFlags) Set(a ActionFlags) {
	*f |= a
}

// Clear removes the given actions.
func (f *ActionFlags) Clear(a ActionFlags) {
	*f &^= a
}

// String returns a human-readable list of the set actions, e.g. "Primary|Boost".
func (f ActionFlags) String() string {
	if f == ActionNone {
		return "None"
	}
	var parts []string
	rest := f
	for _, an := range actionNames {
		if f.Has(an.flag) {
			parts = append(parts, an.name)
			rest &^= an.flag
		}
	}
	if rest != 0 {
		parts = append(parts, "Unknown")
	}
	return strings.Join(parts, "|")
}

// InputCommand is one sampled input from the local player.
// It is created by the host loop, sequenced by the prediction engine and never
// mutated afterwards.
type InputCommand struct {
	Sequence  uint32      // Monotonic per local player, starts at 1
	Timestamp uint64      // Sampling time in milliseconds
	DX        float32     // Displacement along X for this command
	DY        float32     // Displacement along Y for this command
	Actions   ActionFlags // Discrete actions held during the sample
}

// IsIdle returns true if the command carries neither movement nor actions.
func (c InputCommand) IsIdle() bool {
	return c.DX == 0 && c.DY == 0 && c.Actions == ActionNone
}
