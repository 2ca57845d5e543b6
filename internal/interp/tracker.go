package interp

import (
	"sort"

	"github.com/vovakirdan/netsync/internal/core"
)

// Tracker keeps one Buffer per remote entity.
// Like Buffer it is owned by a single goroutine.
type Tracker struct {
	cfg     Config
	buffers map[core.EntityID]*Buffer
}

// NewTracker creates an empty tracker whose buffers use cfg.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:     cfg.normalized(),
		buffers: make(map[core.EntityID]*Buffer),
	}
}

// Insert routes a snapshot to its entity's buffer, creating it on first
// sight. It reports whether the snapshot was kept.
func (t *Tracker) Insert(s core.Snapshot) bool {
	b, ok := t.buffers[s.EntityID]
	if !ok {
		b = NewBuffer(t.cfg)
		t.buffers[s.EntityID] = b
	}
	return b.Insert(s)
}

// Sample samples one entity. It reports false for unknown entities.
func (t *Tracker) Sample(id core.EntityID, renderTime uint64) (Sample, bool) {
	b, ok := t.buffers[id]
	if !ok {
		return Sample{}, false
	}
	return b.Sample(renderTime)
}

// SampleAll samples every known entity.
func (t *Tracker) SampleAll(renderTime uint64) map[core.EntityID]Sample {
	out := make(map[core.EntityID]Sample, len(t.buffers))
	for id, b := range t.buffers {
		if s, ok := b.Sample(renderTime); ok {
			out[id] = s
		}
	}
	return out
}

// Buffer returns an entity's buffer.
func (t *Tracker) Buffer(id core.EntityID) (*Buffer, bool) {
	b, ok := t.buffers[id]
	return b, ok
}

// Entities returns the tracked entity ids in sorted order.
func (t *Tracker) Entities() []core.EntityID {
	ids := make([]core.EntityID, 0, len(t.buffers))
	for id := range t.buffers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Remove forgets an entity.
func (t *Tracker) Remove(id core.EntityID) bool {
	if _, ok := t.buffers[id]; !ok {
		return false
	}
	delete(t.buffers, id)
	return true
}

// Dropped returns the total number of rejected snapshots across live buffers.
func (t *Tracker) Dropped() uint64 {
	var n uint64
	for _, b := range t.buffers {
		n += b.Dropped()
	}
	return n
}

// Reset forgets every entity.
func (t *Tracker) Reset() {
	t.buffers = make(map[core.EntityID]*Buffer)
}
