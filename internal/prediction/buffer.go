package prediction

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/core"
)

// DefaultBufferCap bounds the number of unacknowledged inputs kept while the
// authority is unreachable. At 60 inputs per second it covers about four
// seconds of disconnection.
const DefaultBufferCap = 256

// ErrSequenceOrder is returned when an input is pushed out of order.
var ErrSequenceOrder = errors.New("prediction: input sequence must increase")

// InputBuffer holds unacknowledged inputs in ascending sequence order.
// When full, the oldest input is evicted; evictions are counted and logged
// because a lost input can no longer be replayed.
type InputBuffer struct {
	entries []core.InputCommand
	cap     int
	evicted uint64
	logger  *log.Logger
}

// NewInputBuffer creates a buffer holding at most capacity inputs.
// A non-positive capacity selects DefaultBufferCap.
func NewInputBuffer(capacity int, logger *log.Logger) *InputBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCap
	}
	if logger == nil {
		logger = log.Default().WithPrefix("prediction")
	}
	return &InputBuffer{
		entries: make([]core.InputCommand, 0, capacity),
		cap:     capacity,
		logger:  logger,
	}
}

// Push appends an input. Its sequence must exceed every buffered sequence.
func (b *InputBuffer) Push(cmd core.InputCommand) error {
	if n := len(b.entries); n > 0 && cmd.Sequence <= b.entries[n-1].Sequence {
		return fmt.Errorf("%w: %d after %d", ErrSequenceOrder, cmd.Sequence, b.entries[n-1].Sequence)
	}
	if len(b.entries) == b.cap {
		dropped := b.entries[0]
		b.entries = append(b.entries[:0], b.entries[1:]...)
		b.evicted++
		b.logger.Warn("input buffer full, evicting oldest unacknowledged input",
			"seq", dropped.Sequence, "cap", b.cap, "evicted_total", b.evicted)
	}
	b.entries = append(b.entries, cmd)
	return nil
}

// Acknowledge removes every input with sequence <= upto and returns how many
// were removed.
func (b *InputBuffer) Acknowledge(upto uint32) int {
	n := 0
	for n < len(b.entries) && b.entries[n].Sequence <= upto {
		n++
	}
	if n > 0 {
		b.entries = append(b.entries[:0], b.entries[n:]...)
	}
	return n
}

// Pending returns a copy of the unacknowledged inputs, oldest first.
func (b *InputBuffer) Pending() []core.InputCommand {
	out := make([]core.InputCommand, len(b.entries))
	copy(out, b.entries)
	return out
}

// Sequences returns the buffered sequence numbers, oldest first.
func (b *InputBuffer) Sequences() []uint32 {
	out := make([]uint32, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Sequence
	}
	return out
}

// Len returns the number of unacknowledged inputs.
func (b *InputBuffer) Len() int {
	return len(b.entries)
}

// Cap returns the buffer's capacity.
func (b *InputBuffer) Cap() int {
	return b.cap
}

// Evicted returns how many inputs were dropped for lack of space.
func (b *InputBuffer) Evicted() uint64 {
	return b.evicted
}

// Reset discards every buffered input. The eviction counter is kept.
func (b *InputBuffer) Reset() {
	b.entries = b.entries[:0]
}

func (b *InputBuffer) each(fn func(core.InputCommand)) {
	for _, e := range b.entries {
		fn(e)
	}
}
