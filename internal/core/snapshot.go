package core

// Snapshot is an authoritative statement about one entity at one instant.
// Produced by the authority, consumed once, never mutated.
type Snapshot struct {
	EntityID  EntityID
	Sequence  uint32 // Per-authority snapshot counter
	Timestamp uint64 // Authority clock, milliseconds
	X, Y      float32
	Rotation  float32
	VX, VY    float32

	// LastProcessedInput is the highest input sequence from the entity's owner
	// that the authority had applied when this snapshot was taken.
	LastProcessedInput uint32
}

// SnapshotOf captures an entity's state.
func SnapshotOf(e Entity, seq uint32, ts uint64, lastInput uint32) Snapshot {
	return Snapshot{
		EntityID:           e.ID,
		Sequence:           seq,
		Timestamp:          ts,
		X:                  e.X,
		Y:                  e.Y,
		Rotation:           e.Rotation,
		VX:                 e.VX,
		VY:                 e.VY,
		LastProcessedInput: lastInput,
	}
}

// Pose returns the snapshot's renderable pose.
func (s Snapshot) Pose() Pose {
	return Pose{X: s.X, Y: s.Y, Rotation: s.Rotation, VX: s.VX, VY: s.VY}
}

// StateEntry is one replicated key/value pair.
type StateEntry struct {
	Key       string
	Value     []byte
	Timestamp uint64 // Writer's clock, milliseconds
	Version   uint32
	Sender    PeerID
}

// Newer reports whether e supersedes other under the composite order
// (Version, Timestamp, Sender). Equal entries are not newer, which is what
// makes merging idempotent.
func (e StateEntry) Newer(other StateEntry) bool {
	if e.Version != other.Version {
		return e.Version > other.Version
	}
	if e.Timestamp != other.Timestamp {
		return e.Timestamp > other.Timestamp
	}
	return e.Sender > other.Sender
}

// Clone returns a copy that does not share the value buffer.
func (e StateEntry) Clone() StateEntry {
	c := e
	if e.Value != nil {
		c.Value = append([]byte(nil), e.Value...)
	}
	return c
}
