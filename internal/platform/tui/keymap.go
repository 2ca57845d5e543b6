package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/vovakirdan/netsync/internal/core"
)

// ArenaKeyMap defines the arena key bindings.
type ArenaKeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Left    key.Binding
	Right   key.Binding
	Stop    key.Binding
	Primary key.Binding
	Boost   key.Binding
	Stats   key.Binding
	Help    key.Binding
	Quit    key.Binding
}

// ShortHelp returns bindings for the short help view.
func (k ArenaKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Left, k.Right, k.Primary, k.Help, k.Quit}
}

// FullHelp returns bindings for the full help view.
func (k ArenaKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Left, k.Right, k.Stop},
		{k.Primary, k.Boost, k.Stats},
		{k.Help, k.Quit},
	}
}

// DefaultArenaKeyMap returns the default arena bindings.
func DefaultArenaKeyMap() ArenaKeyMap {
	return ArenaKeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "w", "k"),
			key.WithHelp("up/w", "move up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "s", "j"),
			key.WithHelp("down/s", "move down"),
		),
		Left: key.NewBinding(
			key.WithKeys("left", "a", "h"),
			key.WithHelp("left/a", "move left"),
		),
		Right: key.NewBinding(
			key.WithKeys("right", "d", "l"),
			key.WithHelp("right/d", "move right"),
		),
		Stop: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "stop"),
		),
		Primary: key.NewBinding(
			key.WithKeys(" "),
			key.WithHelp("space", "action"),
		),
		Boost: key.NewBinding(
			key.WithKeys("b"),
			key.WithHelp("b", "boost"),
		),
		Stats: key.NewBinding(
			key.WithKeys("g"),
			key.WithHelp("g", "toggle stats"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c", "esc"),
			key.WithHelp("q", "quit"),
		),
	}
}

// Heading is the movement and action intent derived from key presses.
// Terminals report presses and auto-repeats but no releases, so a heading
// lasts for a number of frames after the last press.
type Heading struct {
	DX, DY  float32
	Actions core.ActionFlags
	ttl     int
}

// holdFrames is how long a press keeps steering without a repeat.
const holdFrames = 12

// Apply updates the heading for a key press. It reports whether the key was
// a movement or action key.
func (k ArenaKeyMap) Apply(msg tea.KeyMsg, h *Heading) bool {
	switch {
	case key.Matches(msg, k.Up):
		h.DX, h.DY = 0, -1
	case key.Matches(msg, k.Down):
		h.DX, h.DY = 0, 1
	case key.Matches(msg, k.Left):
		h.DX, h.DY = -1, 0
	case key.Matches(msg, k.Right):
		h.DX, h.DY = 1, 0
	case key.Matches(msg, k.Stop):
		h.DX, h.DY = 0, 0
	case key.Matches(msg, k.Primary):
		h.Actions.Set(core.ActionPrimary)
		return true
	case key.Matches(msg, k.Boost):
		h.Actions.Set(core.ActionBoost)
		return true
	default:
		return false
	}
	h.ttl = holdFrames
	return true
}

// Next returns the displacement and actions for one frame and ages the
// heading. Actions are one-shot.
func (h *Heading) Next(speed float32) (dx, dy float32, actions core.ActionFlags) {
	if h.ttl > 0 {
		h.ttl--
		dx, dy = h.DX*speed, h.DY*speed
		if h.Actions.Has(core.ActionBoost) {
			dx, dy = dx*2, dy*2
		}
	}
	actions = h.Actions
	h.Actions = core.ActionNone
	return dx, dy, actions
}
