package prediction

import "github.com/vovakirdan/netsync/internal/core"

// Reconciliation describes the effect of one authoritative snapshot.
type Reconciliation struct {
	Applied    bool    // False when the snapshot was stale and ignored
	Acked      int     // Inputs removed from the buffer
	Replayed   int     // Inputs re-applied after the correction
	Correction float64 // Distance between the predicted and reconciled position
}

// Reconcile corrects the local entity to an authoritative snapshot.
//
// Snapshots whose sequence is not newer than the last applied one are
// ignored. Otherwise the entity is hard-set to the snapshot, inputs up to
// s.LastProcessedInput are acknowledged and the remaining inputs are replayed
// in order.
func (p *Predictor) Reconcile(s core.Snapshot) Reconciliation {
	if p.haveSnapshot && s.Sequence <= p.lastSnapshot {
		p.stats.StaleSnapshots++
		return Reconciliation{}
	}
	p.haveSnapshot = true
	p.lastSnapshot = s.Sequence

	predicted := p.entity
	p.entity.Adopt(s)
	acked := p.buffer.Acknowledge(s.LastProcessedInput)

	replayed := 0
	p.buffer.each(func(in core.InputCommand) {
		p.mover(&p.entity, in)
		replayed++
	})

	correction := core.Distance(
		float64(predicted.X), float64(predicted.Y),
		float64(p.entity.X), float64(p.entity.Y),
	)

	p.stats.Reconciled++
	p.stats.Replayed += uint64(replayed)
	p.stats.LastCorrection = correction
	if correction > p.stats.MaxCorrection {
		p.stats.MaxCorrection = correction
	}
	if correction > 0 {
		p.logger.Debug("prediction corrected",
			"snapshot", s.Sequence, "acked", acked, "replayed", replayed, "error", correction)
	}

	return Reconciliation{
		Applied:    true,
		Acked:      acked,
		Replayed:   replayed,
		Correction: correction,
	}
}

// LastSnapshot returns the sequence of the last applied snapshot.
func (p *Predictor) LastSnapshot() (uint32, bool) {
	return p.lastSnapshot, p.haveSnapshot
}
