package interp

// OffsetEstimator maps the authority's snapshot clock onto the local clock.
//
// Every observation yields remote - local, which is the true clock offset
// minus that message's one-way delay. The largest value seen belongs to the
// fastest message and is kept as the estimate.
type OffsetEstimator struct {
	offset  int64
	samples uint64
}

// Observe records a snapshot stamped remote (ms) that arrived at local (ms).
func (o *OffsetEstimator) Observe(remote, local uint64) {
	d := int64(remote) - int64(local)
	if o.samples == 0 || d > o.offset {
		o.offset = d
	}
	o.samples++
}

// Offset returns the current estimate. It reports false before the first
// observation.
func (o *OffsetEstimator) Offset() (int64, bool) {
	return o.offset, o.samples > 0
}

// ToRemote converts a local time to the authority's clock. Without
// observations the time is returned unchanged.
func (o *OffsetEstimator) ToRemote(local uint64) uint64 {
	if o.samples == 0 {
		return local
	}
	r := int64(local) + o.offset
	if r < 0 {
		return 0
	}
	return uint64(r)
}

// Reset discards every observation.
func (o *OffsetEstimator) Reset() {
	o.offset = 0
	o.samples = 0
}
