package mux

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/codec"
	"github.com/vovakirdan/netsync/internal/core"
)

type recordingSender struct {
	reliable   [][]byte
	unreliable [][]byte
	err        error
}

func (s *recordingSender) SendReliable(data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.reliable = append(s.reliable, data)
	return nil
}

func (s *recordingSender) SendUnreliable(data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.unreliable = append(s.unreliable, data)
	return nil
}

func newTestMux(s Sender, clock core.Clock) *Mux {
	return New(s, Options{Clock: clock, Logger: log.New(io.Discard)})
}

func TestSendRoutesByChannel(t *testing.T) {
	s := &recordingSender{}
	m := newTestMux(s, core.NewManualClock(time.UnixMilli(0)))

	msgs := []codec.Message{
		codec.PositionMessage{Snapshots: []core.Snapshot{{EntityID: "a", Sequence: 1}}},
		codec.InputMessage{Command: core.InputCommand{Sequence: 1}},
		codec.StateMessage{Entry: core.StateEntry{Key: "k", Version: 1}},
		codec.StateRequestMessage{Requester: "me"},
		codec.MatchEventMessage{Kind: codec.EventPhase},
	}
	for _, msg := range msgs {
		if ok, err := m.Send(msg); err != nil || !ok {
			t.Fatalf("Send(%s) = %v, %v", msg.Topic(), ok, err)
		}
	}

	if len(s.unreliable) != 2 {
		t.Errorf("unreliable sends = %d, expected 2", len(s.unreliable))
	}
	if len(s.reliable) != 3 {
		t.Errorf("reliable sends = %d, expected 3", len(s.reliable))
	}
}

func TestSendRateLimitDrops(t *testing.T) {
	s := &recordingSender{}
	clock := core.NewManualClock(time.UnixMilli(1000))
	m := newTestMux(s, clock)
	pos := codec.PositionMessage{Snapshots: []core.Snapshot{{EntityID: "a"}}}

	steps := []struct {
		advance  time.Duration
		expected bool
	}{
		{0, true},
		{10 * time.Millisecond, false},
		{30 * time.Millisecond, false},
		{10 * time.Millisecond, true}, // 50ms after the first send
		{49 * time.Millisecond, false},
		{1 * time.Millisecond, true},
	}
	for i, step := range steps {
		clock.Advance(step.advance)
		ok, err := m.Send(pos)
		if err != nil {
			t.Fatalf("step %d: Send() failed: %v", i, err)
		}
		if ok != step.expected {
			t.Errorf("step %d: Send() = %v, expected %v", i, ok, step.expected)
		}
	}

	if len(s.unreliable) != 3 {
		t.Errorf("delivered = %d, expected 3", len(s.unreliable))
	}
	st := m.Stats()
	if st.Sent != 3 || st.Throttled != 3 {
		t.Errorf("Stats() = %+v, expected 3 sent / 3 throttled", st)
	}

	// Inputs are never throttled.
	for i := 0; i < 5; i++ {
		if ok, _ := m.Send(codec.InputMessage{Command: core.InputCommand{Sequence: uint32(i + 1)}}); !ok {
			t.Fatalf("input %d throttled", i+1)
		}
	}
}

func TestResetClearsLastSend(t *testing.T) {
	s := &recordingSender{}
	m := newTestMux(s, core.NewManualClock(time.UnixMilli(0)))
	pos := codec.PositionMessage{}

	m.Send(pos)
	if ok, _ := m.Send(pos); ok {
		t.Fatalf("second Send() not throttled")
	}
	m.Reset()
	if ok, _ := m.Send(pos); !ok {
		t.Errorf("Send() after Reset() throttled")
	}
}

func TestSendErrors(t *testing.T) {
	s := &recordingSender{err: errors.New("link down")}
	m := newTestMux(s, core.NewManualClock(time.UnixMilli(0)))

	if _, err := m.Send(codec.InputMessage{}); err == nil {
		t.Errorf("Send() with failing sender returned nil error")
	}
	if _, err := m.Send(codec.RawMessage{ID: codec.TopicCustomBase, Payload: []byte{1}}); !errors.Is(err, ErrUnboundTopic) {
		t.Errorf("Send() on unbound topic error = %v, expected ErrUnboundTopic", err)
	}

	// A failed send does not start the rate limit window.
	s.err = nil
	if ok, err := m.Send(codec.PositionMessage{}); !ok || err != nil {
		t.Fatalf("Send() = %v, %v", ok, err)
	}
}

func TestRegister(t *testing.T) {
	m := newTestMux(&recordingSender{}, nil)

	if err := m.Register(Binding{Topic: codec.TopicState}); !errors.Is(err, ErrReservedTopic) {
		t.Errorf("Register(reserved) error = %v", err)
	}
	custom := Binding{Topic: codec.TopicCustomBase + 2, Channel: Reliable}
	if err := m.Register(custom); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if err := m.Register(custom); !errors.Is(err, ErrTopicExists) {
		t.Errorf("Register(duplicate) error = %v", err)
	}
	if b, ok := m.Binding(custom.Topic); !ok || b.Channel != Reliable {
		t.Errorf("Binding() = %+v, %v", b, ok)
	}
}

func TestDispatch(t *testing.T) {
	m := newTestMux(&recordingSender{}, nil)

	var got []codec.Message
	var from []core.PeerID
	m.OnReceive(codec.TopicInput, func(msg codec.Message, peer core.PeerID) {
		got = append(got, msg)
		from = append(from, peer)
	})
	customTopic := codec.TopicCustomBase + 5
	if err := m.Register(Binding{Topic: customTopic, Channel: Reliable}); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	var raw []byte
	m.OnReceive(customTopic, func(msg codec.Message, _ core.PeerID) {
		raw = msg.(codec.RawMessage).Payload
	})

	m.Dispatch(codec.MustEncode(codec.InputMessage{Command: core.InputCommand{Sequence: 9}}), "p1")
	// Truncated input payload.
	m.Dispatch([]byte{0x02, 0x05, 0x01}, "p1")
	// Unknown topic.
	m.Dispatch(codec.MustEncode(codec.RawMessage{ID: codec.TopicCustomBase + 9, Payload: []byte{1}}), "p2")
	m.Dispatch(codec.MustEncode(codec.RawMessage{ID: customTopic, Payload: []byte{4, 2}}), "p2")
	m.Dispatch(codec.MustEncode(codec.StateRequestMessage{}), "p3") // bound, no handler

	if len(got) != 1 || from[0] != "p1" {
		t.Fatalf("input handler calls = %d, expected 1", len(got))
	}
	if in := got[0].(codec.InputMessage); in.Command.Sequence != 9 {
		t.Errorf("Sequence = %d, expected 9", in.Command.Sequence)
	}
	if len(raw) != 2 || raw[0] != 4 {
		t.Errorf("custom payload = %v", raw)
	}

	st := m.Stats()
	if st.Received != 3 || st.DecodeErrors != 1 || st.UnknownTopics != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}
