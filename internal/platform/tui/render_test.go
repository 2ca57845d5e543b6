package tui

import (
	"strings"
	"testing"

	"github.com/vovakirdan/netsync/internal/interp"
)

func TestCanvasPlain(t *testing.T) {
	c := NewCanvas(5, 3)
	c.Border(ColorGray)
	c.Set(2, 1, '@', ColorBrightCyan)
	c.Set(9, 9, 'x', ColorRed) // ignored

	want := "┌───┐\n│ @ │\n└───┘"
	if got := c.Plain(); got != want {
		t.Errorf("Plain() =\n%s\nexpected\n%s", got, want)
	}
}

func TestCanvasTextClips(t *testing.T) {
	c := NewCanvas(4, 1)
	c.Text(1, 0, "hello", ColorDefault)
	if got := c.Plain(); got != " hel" {
		t.Errorf("Plain() = %q", got)
	}
}

func TestCanvasResize(t *testing.T) {
	c := NewCanvas(2, 2)
	c.Set(0, 0, 'x', ColorDefault)
	c.Resize(3, 1)
	if c.Width() != 3 || c.Height() != 1 || c.Plain() != "   " {
		t.Errorf("after Resize: %dx%d %q", c.Width(), c.Height(), c.Plain())
	}
	c.Resize(-1, 4)
	if c.Width() != 0 || c.Plain() != "\n\n\n" {
		t.Errorf("negative width not clamped: %q", c.Plain())
	}
}

func TestRenderCanvasKeepsText(t *testing.T) {
	c := NewCanvas(6, 2)
	c.Text(0, 0, "ab", ColorRed)
	c.Text(2, 0, "cd", ColorGreen)
	c.Text(0, 1, "second", ColorDefault)

	out := RenderCanvas(c)
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	for _, s := range []string{"ab", "cd", "second"} {
		if !strings.Contains(out, s) {
			t.Errorf("output missing %q", s)
		}
	}
}

func TestModeColor(t *testing.T) {
	tests := []struct {
		mode interp.Mode
		want Color
	}{
		{interp.Interpolated, ColorGreen},
		{interp.Extrapolated, ColorYellow},
		{interp.Frozen, ColorRed},
		{interp.Clamped, ColorGray},
	}
	for _, tt := range tests {
		if got := ModeColor(tt.mode); got != tt.want {
			t.Errorf("ModeColor(%v) = %v, expected %v", tt.mode, got, tt.want)
		}
	}
}
