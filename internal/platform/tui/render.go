package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vovakirdan/netsync/internal/interp"
)

// Color is a canvas cell color.
type Color uint8

const (
	ColorDefault Color = iota
	ColorGray
	ColorRed
	ColorGreen
	ColorYellow
	ColorCyan
	ColorBrightCyan
	ColorMagenta
)

// colorStyles maps Color to lipgloss styles.
var colorStyles = map[Color]lipgloss.Style{
	ColorDefault:    lipgloss.NewStyle(),
	ColorGray:       lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	ColorRed:        lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	ColorGreen:      lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	ColorYellow:     lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	ColorCyan:       lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	ColorBrightCyan: lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true),
	ColorMagenta:    lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
}

// ModeColor returns the color a remote entity is drawn with for a sample
// mode.
func ModeColor(m interp.Mode) Color {
	switch m {
	case interp.Interpolated:
		return ColorGreen
	case interp.Extrapolated:
		return ColorYellow
	case interp.Frozen:
		return ColorRed
	default:
		return ColorGray
	}
}

type cell struct {
	r     rune
	color Color
}

// Canvas is a fixed-size character grid.
type Canvas struct {
	w, h  int
	cells []cell
}

// NewCanvas creates a blank canvas. Negative sizes are treated as zero.
func NewCanvas(w, h int) *Canvas {
	c := &Canvas{}
	c.Resize(w, h)
	return c
}

// Resize changes the canvas size and clears it.
func (c *Canvas) Resize(w, h int) {
	c.w, c.h = max(w, 0), max(h, 0)
	c.cells = make([]cell, c.w*c.h)
	c.Clear()
}

// Width returns the number of columns.
func (c *Canvas) Width() int { return c.w }

// Height returns the number of rows.
func (c *Canvas) Height() int { return c.h }

// Clear fills the canvas with blanks.
func (c *Canvas) Clear() {
	for i := range c.cells {
		c.cells[i] = cell{r: ' '}
	}
}

// Set writes one cell. Out of range writes are ignored.
func (c *Canvas) Set(x, y int, r rune, color Color) {
	if x < 0 || y < 0 || x >= c.w || y >= c.h {
		return
	}
	c.cells[y*c.w+x] = cell{r: r, color: color}
}

// Text writes s starting at (x, y), clipped to the canvas.
func (c *Canvas) Text(x, y int, s string, color Color) {
	for i, r := range []rune(s) {
		c.Set(x+i, y, r, color)
	}
}

// Border draws a box along the canvas edges.
func (c *Canvas) Border(color Color) {
	if c.w < 2 || c.h < 2 {
		return
	}
	for x := 1; x < c.w-1; x++ {
		c.Set(x, 0, '─', color)
		c.Set(x, c.h-1, '─', color)
	}
	for y := 1; y < c.h-1; y++ {
		c.Set(0, y, '│', color)
		c.Set(c.w-1, y, '│', color)
	}
	c.Set(0, 0, '┌', color)
	c.Set(c.w-1, 0, '┐', color)
	c.Set(0, c.h-1, '└', color)
	c.Set(c.w-1, c.h-1, '┘', color)
}

// Plain returns the canvas without styling, one line per row.
func (c *Canvas) Plain() string {
	var sb strings.Builder
	for y := range c.h {
		if y > 0 {
			sb.WriteRune('\n')
		}
		for x := range c.w {
			sb.WriteRune(c.cells[y*c.w+x].r)
		}
	}
	return sb.String()
}

// RenderCanvas converts a canvas to a styled string for display.
// Groups adjacent cells with the same color to minimize ANSI escape sequences.
func RenderCanvas(c *Canvas) string {
	var sb strings.Builder
	sb.Grow(c.w*c.h*2 + c.h)

	for y := range c.h {
		if y > 0 {
			sb.WriteRune('\n')
		}

		x := 0
		for x < c.w {
			start := c.cells[y*c.w+x].color

			var run strings.Builder
			for x < c.w {
				cl := c.cells[y*c.w+x]
				if cl.color != start {
					break
				}
				run.WriteRune(cl.r)
				x++
			}

			style, ok := colorStyles[start]
			if !ok {
				style = colorStyles[ColorDefault]
			}
			sb.WriteString(style.Render(run.String()))
		}
	}
	return sb.String()
}
