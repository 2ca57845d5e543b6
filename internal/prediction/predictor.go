// Package prediction applies local input immediately and reconciles the
// locally predicted entity against authoritative snapshots.
//
// A Predictor is not safe for concurrent use. It is owned by the host's
// update path.
package prediction

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/codec"
	"github.com/vovakirdan/netsync/internal/core"
)

// MessageSender publishes a message on its topic.
// *mux.Mux satisfies it.
type MessageSender interface {
	Send(msg codec.Message) (bool, error)
}

// Options configures a Predictor. Zero values select defaults.
type Options struct {
	BufferCap int
	Mover     core.Mover
	Clock     core.Clock
	Logger    *log.Logger
}

// Stats summarizes prediction and reconciliation activity.
type Stats struct {
	Submitted      uint64
	Pending        int
	Evicted        uint64
	Reconciled     uint64
	StaleSnapshots uint64
	Replayed       uint64
	LastCorrection float64 // Distance between predicted and reconciled position
	MaxCorrection  float64
}

// Predictor owns the local entity and its unacknowledged inputs.
type Predictor struct {
	entity  core.Entity
	mover   core.Mover
	buffer  *InputBuffer
	sender  MessageSender
	clock   core.Clock
	logger  *log.Logger
	nextSeq uint32

	haveSnapshot bool
	lastSnapshot uint32

	stats Stats
}

// NewPredictor creates a predictor for the local entity. sender may be nil,
// in which case inputs are predicted and buffered but not published.
func NewPredictor(entity core.Entity, sender MessageSender, opts Options) *Predictor {
	mover := opts.Mover
	if mover == nil {
		mover = core.Displace
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("prediction")
	}
	return &Predictor{
		entity:  entity,
		mover:   mover,
		buffer:  NewInputBuffer(opts.BufferCap, logger),
		sender:  sender,
		clock:   clock,
		logger:  logger,
		nextSeq: 1,
	}
}

// Submit sequences a new input, applies it to the local entity, buffers it
// and publishes it on the input topic. The input is kept even when publishing
// fails; the returned error is informational.
func (p *Predictor) Submit(dx, dy float32, actions core.ActionFlags) (core.InputCommand, error) {
	cmd := core.InputCommand{
		Sequence:  p.nextSeq,
		Timestamp: core.Millis(p.clock.Now()),
		DX:        dx,
		DY:        dy,
		Actions:   actions,
	}
	p.nextSeq++

	p.mover(&p.entity, cmd)
	if err := p.buffer.Push(cmd); err != nil {
		return cmd, err
	}
	p.stats.Submitted++

	if p.sender == nil {
		return cmd, nil
	}
	if _, err := p.sender.Send(codec.InputMessage{Command: cmd}); err != nil {
		return cmd, fmt.Errorf("prediction: cannot publish input %d: %w", cmd.Sequence, err)
	}
	return cmd, nil
}

// Entity returns the local entity's current predicted state.
func (p *Predictor) Entity() core.Entity {
	return p.entity
}

// Pending returns the unacknowledged inputs, oldest first.
func (p *Predictor) Pending() []core.InputCommand {
	return p.buffer.Pending()
}

// PendingSequences returns the sequence numbers of unacknowledged inputs.
func (p *Predictor) PendingSequences() []uint32 {
	return p.buffer.Sequences()
}

// NextSequence returns the sequence the next submitted input will carry.
func (p *Predictor) NextSequence() uint32 {
	return p.nextSeq
}

// Stats returns a copy of the counters.
func (p *Predictor) Stats() Stats {
	s := p.stats
	s.Pending = p.buffer.Len()
	s.Evicted = p.buffer.Evicted()
	return s
}

// Reset drops every buffered input and forgets the last applied snapshot.
// Sequence numbers keep increasing so inputs sent before the reset are never
// confused with new ones.
func (p *Predictor) Reset() {
	p.buffer.Reset()
	p.haveSnapshot = false
	p.lastSnapshot = 0
}
