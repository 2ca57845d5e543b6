// Package tui provides the Bubble Tea front end for netsync: an arena that
// renders a live session, a history browser and an SSH server via Wish.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// DefaultFrameRate is the number of arena frames per second.
const DefaultFrameRate = 60

// TickMsg is sent to advance the arena by one frame.
type TickMsg time.Time

// tickCmd returns a Bubble Tea command that sends tick messages at the specified rate.
func tickCmd(frameRate int) tea.Cmd {
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}
	interval := time.Second / time.Duration(frameRate)
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
