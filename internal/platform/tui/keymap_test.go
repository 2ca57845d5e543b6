package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vovakirdan/netsync/internal/core"
)

func TestArenaKeyMapApply(t *testing.T) {
	keys := DefaultArenaKeyMap()

	tests := []struct {
		name    string
		msg     tea.KeyMsg
		handled bool
		dx, dy  float32
		actions core.ActionFlags
	}{
		{name: "arrow up", msg: tea.KeyMsg{Type: tea.KeyUp}, handled: true, dy: -1},
		{name: "arrow down", msg: tea.KeyMsg{Type: tea.KeyDown}, handled: true, dy: 1},
		{name: "wasd left", msg: tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'a'}}, handled: true, dx: -1},
		{name: "vim right", msg: tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'l'}}, handled: true, dx: 1},
		{name: "space", msg: tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}, handled: true, actions: core.ActionPrimary},
		{name: "unbound", msg: tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'z'}}, handled: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h Heading
			if got := keys.Apply(tt.msg, &h); got != tt.handled {
				t.Fatalf("Apply() = %v, expected %v", got, tt.handled)
			}
			dx, dy, actions := h.Next(1)
			if dx != tt.dx || dy != tt.dy || actions != tt.actions {
				t.Errorf("Next() = (%v, %v, %v), expected (%v, %v, %v)", dx, dy, actions, tt.dx, tt.dy, tt.actions)
			}
		})
	}
}

func TestHeadingExpires(t *testing.T) {
	keys := DefaultArenaKeyMap()
	var h Heading
	keys.Apply(tea.KeyMsg{Type: tea.KeyRight}, &h)

	moving := 0
	for range holdFrames + 5 {
		if dx, _, _ := h.Next(2); dx == 2 {
			moving++
		}
	}
	if moving != holdFrames {
		t.Errorf("moved for %d frames, expected %d", moving, holdFrames)
	}
}

func TestHeadingActionsAreOneShot(t *testing.T) {
	keys := DefaultArenaKeyMap()
	var h Heading
	keys.Apply(tea.KeyMsg{Type: tea.KeyRight}, &h)
	keys.Apply(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'b'}}, &h)

	dx, _, actions := h.Next(1)
	if dx != 2 || !actions.Has(core.ActionBoost) {
		t.Errorf("boosted frame = (%v, %v)", dx, actions)
	}
	dx, _, actions = h.Next(1)
	if dx != 1 || actions != core.ActionNone {
		t.Errorf("next frame = (%v, %v)", dx, actions)
	}
}
