package core

import "math"

// PeerID identifies a participant on the transport.
type PeerID string

// EntityID identifies a networked entity for its whole lifetime.
// A player's entity uses the player's PeerID by convention.
type EntityID string

// EntityOf returns the conventional entity id owned by a peer.
func EntityOf(peer PeerID) EntityID {
	return EntityID(peer)
}

// Pose is the renderable part of an entity's state.
type Pose struct {
	X, Y     float32
	Rotation float32 // Radians
	VX, VY   float32 // Units per command / per second depending on the mover
}

// Entity is any simulated object with a networked position.
type Entity struct {
	ID       EntityID
	X, Y     float32
	Rotation float32
	VX, VY   float32

	// LastAuthoritativeSequence is the snapshot sequence this entity was last
	// corrected to. Zero means it has never been corrected.
	LastAuthoritativeSequence uint32
}

// Pose returns the entity's current pose.
func (e Entity) Pose() Pose {
	return Pose{X: e.X, Y: e.Y, Rotation: e.Rotation, VX: e.VX, VY: e.VY}
}

// Adopt hard-sets the entity to an authoritative snapshot.
func (e *Entity) Adopt(s Snapshot) {
	e.X = s.X
	e.Y = s.Y
	e.Rotation = s.Rotation
	e.VX = s.VX
	e.VY = s.VY
	e.LastAuthoritativeSequence = s.Sequence
}

// Mover applies one input command to an entity.
// The authority and every predicting client must use the same Mover,
// otherwise replay can never converge.
type Mover func(e *Entity, in InputCommand)

// Displace is the default Mover: the command's displacement is added to the
// position, velocity becomes the displacement and rotation follows heading.
func Displace(e *Entity, in InputCommand) {
	e.X += in.DX
	e.Y += in.DY
	e.VX = in.DX
	e.VY = in.DY
	if in.DX != 0 || in.DY != 0 {
		e.Rotation = float32(math.Atan2(float64(in.DY), float64(in.DX)))
	}
}

// Bounded wraps a Mover and clamps the result into [0,w]x[0,h].
func Bounded(inner Mover, w, h float32) Mover {
	return func(e *Entity, in InputCommand) {
		inner(e, in)
		e.X = float32(ClampF(float64(e.X), 0, float64(w)))
		e.Y = float32(ClampF(float64(e.Y), 0, float64(h)))
	}
}
