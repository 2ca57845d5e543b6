package statesync

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/codec"
	"github.com/vovakirdan/netsync/internal/core"
)

type outbox struct {
	sent []codec.Message
}

func (o *outbox) Send(msg codec.Message) (bool, error) {
	o.sent = append(o.sent, msg)
	return true, nil
}

func (o *outbox) stateEntries() []core.StateEntry {
	var out []core.StateEntry
	for _, m := range o.sent {
		if sm, ok := m.(codec.StateMessage); ok {
			out = append(out, sm.Entry)
		}
	}
	return out
}

type memPersister struct {
	saved []core.StateEntry
	err   error
}

func (p *memPersister) SaveStateEntry(e core.StateEntry) error {
	if p.err != nil {
		return p.err
	}
	p.saved = append(p.saved, e)
	return nil
}

func newTestStore(peer core.PeerID, clock core.Clock, sender MessageSender) *Store {
	return New(peer, sender, Options{Clock: clock, Logger: log.New(io.Discard)})
}

func TestSetPublishesAndVersions(t *testing.T) {
	clock := core.NewManualClock(time.UnixMilli(1000))
	out := &outbox{}
	s := newTestStore("alice", clock, out)

	e1, err := s.Set("phase", []byte("lobby"))
	if err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	clock.Advance(5 * time.Millisecond)
	e2, _ := s.Set("phase", []byte("playing"))

	if e1.Version != 1 || e2.Version != 2 {
		t.Errorf("versions = %d, %d, expected 1, 2", e1.Version, e2.Version)
	}
	if e2.Timestamp != 1005 || e2.Sender != "alice" {
		t.Errorf("entry = %+v", e2)
	}
	if got := out.stateEntries(); len(got) != 2 || string(got[1].Value) != "playing" {
		t.Errorf("published = %+v", got)
	}
	if _, err := s.Set("", nil); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Set(\"\") error = %v", err)
	}
}

func TestSetOutranksMergedEntry(t *testing.T) {
	s := newTestStore("alice", core.NewManualClock(time.UnixMilli(0)), nil)
	s.Merge(core.StateEntry{Key: "k", Value: []byte{1}, Version: 7, Timestamp: 99999, Sender: "zed"})

	e, _ := s.Set("k", []byte{2})
	if e.Version != 8 {
		t.Errorf("Version = %d, expected 8", e.Version)
	}
	got, _ := s.Get("k")
	if !bytes.Equal(got.Value, []byte{2}) {
		t.Errorf("Get() = %v", got.Value)
	}
}

func TestMergeOnlyStrictlyNewer(t *testing.T) {
	s := newTestStore("me", nil, nil)
	calls := 0
	s.OnChange("k", func(core.StateEntry) { calls++ })

	base := core.StateEntry{Key: "k", Value: []byte("a"), Version: 2, Timestamp: 100, Sender: "b"}

	tests := []struct {
		name     string
		entry    core.StateEntry
		expected bool
	}{
		{name: "first", entry: base, expected: true},
		{name: "duplicate", entry: base, expected: false},
		{name: "older version", entry: core.StateEntry{Key: "k", Version: 1, Timestamp: 500, Sender: "z"}, expected: false},
		{name: "same version smaller sender", entry: core.StateEntry{Key: "k", Version: 2, Timestamp: 100, Sender: "a"}, expected: false},
		{name: "same version later timestamp", entry: core.StateEntry{Key: "k", Value: []byte("c"), Version: 2, Timestamp: 101, Sender: "a"}, expected: true},
		{name: "empty key", entry: core.StateEntry{Version: 9}, expected: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.Merge(tc.entry); got != tc.expected {
				t.Errorf("Merge() = %v, expected %v", got, tc.expected)
			}
		})
	}

	if calls != 2 {
		t.Errorf("listener calls = %d, expected 2", calls)
	}
	st := s.Stats()
	if st.Applied != 2 || st.Discarded != 3 || st.Keys != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func permute(items []core.StateEntry, fn func([]core.StateEntry)) {
	var rec func(int)
	rec = func(k int) {
		if k == len(items) {
			fn(items)
			return
		}
		for i := k; i < len(items); i++ {
			items[k], items[i] = items[i], items[k]
			rec(k + 1)
			items[k], items[i] = items[i], items[k]
		}
	}
	rec(0)
}

func TestMergeCommutativeAndIdempotent(t *testing.T) {
	updates := []core.StateEntry{
		{Key: "score", Value: []byte{1}, Version: 1, Timestamp: 10, Sender: "a"},
		{Key: "score", Value: []byte{2}, Version: 2, Timestamp: 5, Sender: "b"},
		{Key: "score", Value: []byte{3}, Version: 2, Timestamp: 5, Sender: "c"},
		{Key: "phase", Value: []byte("x"), Version: 1, Timestamp: 1, Sender: "a"},
		{Key: "phase", Value: []byte("y"), Version: 1, Timestamp: 2, Sender: "a"},
		{Key: "score", Value: []byte{2}, Version: 2, Timestamp: 5, Sender: "b"}, // duplicate
	}

	permute(updates, func(order []core.StateEntry) {
		s := newTestStore("observer", nil, nil)
		for _, e := range order {
			s.Merge(e)
		}
		// Replaying everything again changes nothing.
		for _, e := range order {
			if s.Merge(e) {
				t.Fatalf("re-merge of %+v applied", e)
			}
		}

		score, _ := s.Get("score")
		phase, _ := s.Get("phase")
		if score.Sender != "c" || !bytes.Equal(score.Value, []byte{3}) {
			t.Fatalf("score = %+v, expected c's write", score)
		}
		if string(phase.Value) != "y" {
			t.Fatalf("phase = %q, expected y", phase.Value)
		}
	})
}

func TestConcurrentScoreWritersConverge(t *testing.T) {
	// Both peers share a clock reading, so the writes tie on version and
	// timestamp and only the sender breaks the tie.
	clock := core.NewManualClock(time.UnixMilli(5000))
	outA, outB := &outbox{}, &outbox{}
	a := newTestStore("peer-a", clock, outA)
	b := newTestStore("peer-b", clock, outB)

	a.Set("score", []byte("from-a"))
	b.Set("score", []byte("from-b"))

	for _, e := range outB.stateEntries() {
		a.Merge(e)
	}
	for _, e := range outA.stateEntries() {
		b.Merge(e)
	}

	ea, _ := a.Get("score")
	eb, _ := b.Get("score")
	if ea.Sender != "peer-b" || eb.Sender != "peer-b" {
		t.Errorf("winners = %s / %s, expected peer-b on both", ea.Sender, eb.Sender)
	}
	if !bytes.Equal(ea.Value, eb.Value) {
		t.Errorf("values diverged: %q vs %q", ea.Value, eb.Value)
	}
}

func TestFullStateRequest(t *testing.T) {
	outA, outB := &outbox{}, &outbox{}
	a := newTestStore("a", core.NewManualClock(time.UnixMilli(1)), outA)
	late := newTestStore("late", nil, outB)

	a.Set("phase", []byte("playing"))
	a.Set("score", []byte{4})
	outA.sent = nil

	if err := late.RequestFullState(); err != nil {
		t.Fatalf("RequestFullState() failed: %v", err)
	}
	req, ok := outB.sent[0].(codec.StateRequestMessage)
	if !ok || req.Requester != "late" {
		t.Fatalf("request = %+v", outB.sent[0])
	}

	n, err := a.HandleStateRequest(req.Requester)
	if err != nil || n != 2 {
		t.Fatalf("HandleStateRequest() = %d, %v", n, err)
	}
	for _, e := range outA.stateEntries() {
		late.Merge(e)
	}
	if got := late.Keys(); len(got) != 2 || got[0] != "phase" || got[1] != "score" {
		t.Errorf("Keys() = %v", got)
	}
	if a.Stats().Resent != 2 {
		t.Errorf("Resent = %d", a.Stats().Resent)
	}
}

func TestPersistAndRestore(t *testing.T) {
	p := &memPersister{}
	s := New("a", nil, Options{Persister: p, Logger: log.New(io.Discard)})
	s.Set("k", []byte{1})
	s.Merge(core.StateEntry{Key: "k", Value: []byte{2}, Version: 5, Sender: "b"})
	s.Merge(core.StateEntry{Key: "k", Value: []byte{0}, Version: 1, Sender: "b"})

	if len(p.saved) != 2 {
		t.Fatalf("saved = %d, expected 2", len(p.saved))
	}

	calls := 0
	fresh := newTestStore("a", nil, nil)
	fresh.OnAnyChange(func(core.StateEntry) { calls++ })
	if n := fresh.Restore(p.saved); n != 2 {
		t.Errorf("Restore() = %d, expected 2", n)
	}
	if calls != 0 {
		t.Errorf("Restore() notified listeners")
	}
	if e, _ := fresh.Get("k"); e.Version != 5 {
		t.Errorf("restored version = %d, expected 5", e.Version)
	}

	p.err = errors.New("disk full")
	if _, err := s.Set("k", []byte{3}); err != nil {
		t.Errorf("Set() surfaced persist error: %v", err)
	}
}

type scoreboard struct {
	Red  int `msgpack:"red"`
	Blue int `msgpack:"blue"`
}

func TestBindMsgpack(t *testing.T) {
	s := newTestStore("a", nil, nil)
	score := Bind[scoreboard](s, "score")

	if _, ok, _ := score.Get(); ok {
		t.Fatalf("Get() on unset key reported ok")
	}

	var seen []scoreboard
	score.OnChange(func(v scoreboard, _ core.StateEntry) { seen = append(seen, v) })

	if err := score.Set(scoreboard{Red: 2, Blue: 1}); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	got, ok, err := score.Get()
	if err != nil || !ok || got != (scoreboard{Red: 2, Blue: 1}) {
		t.Errorf("Get() = %+v, %v, %v", got, ok, err)
	}

	// A garbage remote value is skipped by typed listeners.
	s.Merge(core.StateEntry{Key: "score", Value: []byte{0xc1}, Version: 10, Sender: "x"})
	if len(seen) != 1 {
		t.Errorf("typed listener calls = %d, expected 1", len(seen))
	}
	if _, _, err := score.Get(); err == nil {
		t.Errorf("Get() on garbage value returned nil error")
	}
}
