// Package interp renders remote entities slightly in the past by
// interpolating between buffered authoritative snapshots.
package interp

import (
	"time"

	"github.com/vovakirdan/netsync/internal/core"
)

// Defaults for Config.
const (
	DefaultCapacity           = 4
	DefaultDelay              = 100 * time.Millisecond
	DefaultExtrapolationLimit = 250 * time.Millisecond
)

// Config tunes a Buffer.
type Config struct {
	Capacity int           // Snapshots kept per entity, at least 2
	Delay    time.Duration // Render lag applied before sampling

	// ExtrapolationLimit bounds how far past the newest snapshot a sample may
	// be projected. Zero disables extrapolation.
	ExtrapolationLimit time.Duration
}

// DefaultConfig returns the default buffer configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:           DefaultCapacity,
		Delay:              DefaultDelay,
		ExtrapolationLimit: DefaultExtrapolationLimit,
	}
}

func (c Config) normalized() Config {
	if c.Capacity < 2 {
		c.Capacity = 2
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.ExtrapolationLimit < 0 {
		c.ExtrapolationLimit = 0
	}
	return c
}

// Mode tells how a sample was produced.
type Mode uint8

const (
	Clamped      Mode = iota // Before the oldest snapshot
	Interpolated             // Between two snapshots
	Extrapolated             // Projected past the newest snapshot
	Frozen                   // Past the extrapolation window, or a single snapshot
)

// String returns the mode's name.
func (m Mode) String() string {
	switch m {
	case Clamped:
		return "clamped"
	case Interpolated:
		return "interpolated"
	case Extrapolated:
		return "extrapolated"
	case Frozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// Sample is a render pose for one instant.
type Sample struct {
	Pose core.Pose
	Mode Mode
	Time uint64 // Instant sampled, after the delay was applied
}

// Buffer holds the most recent snapshots of one entity in strictly
// increasing timestamp order.
type Buffer struct {
	cfg     Config
	snaps   []core.Snapshot
	dropped uint64
}

// NewBuffer creates an empty buffer.
func NewBuffer(cfg Config) *Buffer {
	cfg = cfg.normalized()
	return &Buffer{
		cfg:   cfg,
		snaps: make([]core.Snapshot, 0, cfg.Capacity),
	}
}

// Insert adds a snapshot. Snapshots not newer than the newest buffered one,
// by timestamp or by sequence, are dropped and Insert reports false.
func (b *Buffer) Insert(s core.Snapshot) bool {
	if n := len(b.snaps); n > 0 {
		newest := b.snaps[n-1]
		if s.Timestamp <= newest.Timestamp || s.Sequence <= newest.Sequence {
			b.dropped++
			return false
		}
	}
	if len(b.snaps) == b.cfg.Capacity {
		b.snaps = append(b.snaps[:0], b.snaps[1:]...)
	}
	b.snaps = append(b.snaps, s)
	return true
}

// Sample returns the pose to render at renderTime, in milliseconds on the
// snapshot clock. It reports false when the buffer is empty.
func (b *Buffer) Sample(renderTime uint64) (Sample, bool) {
	n := len(b.snaps)
	if n == 0 {
		return Sample{}, false
	}

	t := renderTime
	delay := uint64(b.cfg.Delay.Milliseconds())
	if t > delay {
		t -= delay
	} else {
		t = 0
	}

	oldest, newest := b.snaps[0], b.snaps[n-1]
	if n == 1 {
		mode := Frozen
		if t < newest.Timestamp {
			mode = Clamped
		}
		return Sample{Pose: newest.Pose(), Mode: mode, Time: t}, true
	}
	if t <= oldest.Timestamp {
		return Sample{Pose: oldest.Pose(), Mode: Clamped, Time: t}, true
	}
	if t <= newest.Timestamp {
		for i := 1; i < n; i++ {
			from, to := b.snaps[i-1], b.snaps[i]
			if t <= to.Timestamp {
				f := float64(t-from.Timestamp) / float64(to.Timestamp-from.Timestamp)
				return Sample{Pose: lerpPose(from, to, f), Mode: Interpolated, Time: t}, true
			}
		}
	}

	// Past the newest snapshot.
	over := t - newest.Timestamp
	limit := uint64(b.cfg.ExtrapolationLimit.Milliseconds())
	if over > limit {
		return Sample{Pose: newest.Pose(), Mode: Frozen, Time: t}, true
	}
	prev := b.snaps[n-2]
	span := float64(newest.Timestamp - prev.Timestamp)
	vx := (float64(newest.X) - float64(prev.X)) / span
	vy := (float64(newest.Y) - float64(prev.Y)) / span
	pose := newest.Pose()
	pose.X = float32(float64(newest.X) + vx*float64(over))
	pose.Y = float32(float64(newest.Y) + vy*float64(over))
	return Sample{Pose: pose, Mode: Extrapolated, Time: t}, true
}

// Len returns the number of buffered snapshots.
func (b *Buffer) Len() int {
	return len(b.snaps)
}

// Newest returns the most recent snapshot.
func (b *Buffer) Newest() (core.Snapshot, bool) {
	if len(b.snaps) == 0 {
		return core.Snapshot{}, false
	}
	return b.snaps[len(b.snaps)-1], true
}

// Snapshots returns a copy of the buffered snapshots, oldest first.
func (b *Buffer) Snapshots() []core.Snapshot {
	out := make([]core.Snapshot, len(b.snaps))
	copy(out, b.snaps)
	return out
}

// Dropped returns how many snapshots Insert rejected.
func (b *Buffer) Dropped() uint64 {
	return b.dropped
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.snaps = b.snaps[:0]
}

func lerpPose(a, b core.Snapshot, f float64) core.Pose {
	return core.Pose{
		X:        float32(core.Lerp(float64(a.X), float64(b.X), f)),
		Y:        float32(core.Lerp(float64(a.Y), float64(b.Y), f)),
		Rotation: float32(core.LerpAngle(float64(a.Rotation), float64(b.Rotation), f)),
		VX:       float32(core.Lerp(float64(a.VX), float64(b.VX), f)),
		VY:       float32(core.Lerp(float64(a.VY), float64(b.VY), f)),
	}
}
