package codec

import (
	"fmt"

	"github.com/vovakirdan/netsync/internal/core"
)

// TopicID identifies a logical stream on the wire.
type TopicID uint32

// Built-in topics. Ids below TopicCustomBase are reserved.
const (
	TopicPosition     TopicID = 1
	TopicInput        TopicID = 2
	TopicState        TopicID = 3
	TopicStateRequest TopicID = 4
	TopicMatchEvent   TopicID = 5

	TopicCustomBase TopicID = 64
)

// String returns the topic's name.
func (t TopicID) String() string {
	switch t {
	case TopicPosition:
		return "position"
	case TopicInput:
		return "input"
	case TopicState:
		return "state"
	case TopicStateRequest:
		return "state_request"
	case TopicMatchEvent:
		return "match_event"
	default:
		return fmt.Sprintf("topic_%d", uint32(t))
	}
}

// Builtin reports whether the id belongs to a topic this package decodes.
func (t TopicID) Builtin() bool {
	return t >= TopicPosition && t <= TopicMatchEvent
}

// Message is a typed payload carried on one topic.
// The set is closed; custom topics travel as RawMessage.
type Message interface {
	Topic() TopicID
	encodePayload(w *writer)
}

// PositionMessage carries the snapshots produced by one authority tick.
type PositionMessage struct {
	Snapshots []core.Snapshot
}

// InputMessage carries one sequenced input command.
type InputMessage struct {
	Command core.InputCommand
}

// StateMessage carries one replicated state entry.
type StateMessage struct {
	Entry core.StateEntry
}

// StateRequestMessage asks every peer to re-send the keys it holds.
type StateRequestMessage struct {
	Requester core.PeerID
}

// EventKind classifies a match event.
type EventKind uint8

const (
	EventPeerJoined EventKind = iota + 1
	EventPeerLeft
	EventEntityRemoved
	EventPhase
	EventCustom
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventPeerJoined:
		return "PeerJoined"
	case EventPeerLeft:
		return "PeerLeft"
	case EventEntityRemoved:
		return "EntityRemoved"
	case EventPhase:
		return "Phase"
	case EventCustom:
		return "Custom"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// MatchEventMessage is a discrete, reliably delivered game event.
// Kinds this build does not know decode unchanged.
type MatchEventMessage struct {
	Kind      EventKind
	Peer      core.PeerID
	Entity    core.EntityID
	Timestamp uint64
	Payload   []byte
}

// RawMessage is a payload on a topic this package has no type for.
// Decoding an unknown topic yields a RawMessage so it can be forwarded or
// handed to a custom handler untouched.
type RawMessage struct {
	ID      TopicID
	Payload []byte
}

func (PositionMessage) Topic() TopicID     { return TopicPosition }
func (InputMessage) Topic() TopicID        { return TopicInput }
func (StateMessage) Topic() TopicID        { return TopicState }
func (StateRequestMessage) Topic() TopicID { return TopicStateRequest }
func (MatchEventMessage) Topic() TopicID   { return TopicMatchEvent }
func (m RawMessage) Topic() TopicID        { return m.ID }

// Each record is length-prefixed so newer senders can append fields.
func (m PositionMessage) encodePayload(w *writer) {
	w.uvarint(uint64(len(m.Snapshots)))
	for _, s := range m.Snapshots {
		var rec writer
		rec.u32(s.Sequence)
		rec.u64(s.Timestamp)
		rec.str(string(s.EntityID))
		rec.f32(s.X)
		rec.f32(s.Y)
		rec.f32(s.Rotation)
		rec.f32(s.VX)
		rec.f32(s.VY)
		rec.u32(s.LastProcessedInput)
		w.bytes(rec.buf)
	}
}

func (m InputMessage) encodePayload(w *writer) {
	c := m.Command
	w.u32(c.Sequence)
	w.u64(c.Timestamp)
	w.f32(c.DX)
	w.f32(c.DY)
	w.u32(uint32(c.Actions))
}

func (m StateMessage) encodePayload(w *writer) {
	e := m.Entry
	w.str(e.Key)
	w.bytes(e.Value)
	w.u64(e.Timestamp)
	w.u32(e.Version)
	w.str(string(e.Sender))
}

func (m StateRequestMessage) encodePayload(w *writer) {
	w.str(string(m.Requester))
}

func (m MatchEventMessage) encodePayload(w *writer) {
	w.u8(uint8(m.Kind))
	w.str(string(m.Peer))
	w.str(string(m.Entity))
	w.u64(m.Timestamp)
	w.bytes(m.Payload)
}

// RawMessage payloads are opaque and carry no version byte of ours.
func (m RawMessage) encodePayload(w *writer) {
	w.buf = append(w.buf, m.Payload...)
}

// minSnapshotRecord is the smallest encoded snapshot record (empty entity id).
const minSnapshotRecord = 4 + 8 + 1 + 5*4 + 4

func decodePosition(r *reader) PositionMessage {
	count := r.uvarint()
	if r.err != nil {
		return PositionMessage{}
	}
	if count > uint64(r.remaining()/(minSnapshotRecord+1)) {
		r.fail(ErrMalformed)
		return PositionMessage{}
	}
	if count == 0 {
		return PositionMessage{}
	}
	m := PositionMessage{Snapshots: make([]core.Snapshot, 0, count)}
	for i := uint64(0); i < count; i++ {
		rec := r.sub(r.length())
		s := core.Snapshot{
			Sequence:  rec.u32(),
			Timestamp: rec.u64(),
			EntityID:  core.EntityID(rec.str()),
			X:         rec.f32(),
			Y:         rec.f32(),
			Rotation:  rec.f32(),
			VX:        rec.f32(),
			VY:        rec.f32(),

			LastProcessedInput: rec.u32(),
		}
		if rec.err != nil {
			r.fail(rec.err)
			return PositionMessage{}
		}
		m.Snapshots = append(m.Snapshots, s)
	}
	return m
}

func decodeInput(r *reader) InputMessage {
	return InputMessage{Command: core.InputCommand{
		Sequence:  r.u32(),
		Timestamp: r.u64(),
		DX:        r.f32(),
		DY:        r.f32(),
		Actions:   core.ActionFlags(r.u32()),
	}}
}

func decodeState(r *reader) StateMessage {
	return StateMessage{Entry: core.StateEntry{
		Key:       r.str(),
		Value:     r.bytes(),
		Timestamp: r.u64(),
		Version:   r.u32(),
		Sender:    core.PeerID(r.str()),
	}}
}

func decodeStateRequest(r *reader) StateRequestMessage {
	return StateRequestMessage{Requester: core.PeerID(r.str())}
}

func decodeMatchEvent(r *reader) MatchEventMessage {
	return MatchEventMessage{
		Kind:      EventKind(r.u8()),
		Peer:      core.PeerID(r.str()),
		Entity:    core.EntityID(r.str()),
		Timestamp: r.u64(),
		Payload:   r.bytes(),
	}
}
