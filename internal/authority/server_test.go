package authority

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/codec"
	"github.com/vovakirdan/netsync/internal/core"
	"github.com/vovakirdan/netsync/internal/transport"
)

// client is a raw endpoint that records decoded messages.
type client struct {
	ep *transport.MemoryEndpoint

	mu   sync.Mutex
	msgs []codec.Message
}

func (c *client) send(t *testing.T, msg codec.Message, reliable bool) {
	t.Helper()
	data, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if reliable {
		err = c.ep.SendReliable(data)
	} else {
		err = c.ep.SendUnreliable(data)
	}
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func (c *client) take() []codec.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.msgs
	c.msgs = nil
	return out
}

func setup(t *testing.T, opts Options) (*Server, *transport.MemoryNetwork, *core.ManualClock, *client) {
	t.Helper()
	clock := core.NewManualClock(time.UnixMilli(5000))
	n := transport.NewMemoryNetwork(clock, transport.LinkConfig{}, 1)

	ep, err := n.Join("authority")
	if err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	opts.Clock = clock
	opts.Logger = log.New(io.Discard)
	if opts.PositionInterval == 0 {
		opts.PositionInterval = -1
	}
	srv := NewServer(ep, opts)

	cep, err := n.Join("alice")
	if err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	c := &client{ep: cep}
	cep.SetHandler(transport.HandlerFuncs{
		Message: func(data []byte, _ core.PeerID) {
			msg, err := codec.Decode(data)
			if err != nil {
				t.Errorf("Decode() failed: %v", err)
				return
			}
			c.mu.Lock()
			c.msgs = append(c.msgs, msg)
			c.mu.Unlock()
		},
	})
	n.Pump()
	srv.Step()
	n.Pump()
	return srv, n, clock, c
}

func positions(msgs []codec.Message) []codec.PositionMessage {
	var out []codec.PositionMessage
	for _, m := range msgs {
		if pm, ok := m.(codec.PositionMessage); ok {
			out = append(out, pm)
		}
	}
	return out
}

func TestServerSpawnsAndAnnounces(t *testing.T) {
	srv, _, _, c := setup(t, Options{
		Spawn: func(p core.PeerID) core.Entity { return core.Entity{ID: "ignored", X: 10, Y: 20} },
	})

	e, ok := srv.Entity("alice")
	if !ok || e.X != 10 || e.Y != 20 {
		t.Fatalf("Entity(alice) = %+v, %v", e, ok)
	}

	msgs := c.take()
	var joined bool
	for _, m := range msgs {
		if ev, ok := m.(codec.MatchEventMessage); ok && ev.Kind == codec.EventPeerJoined && ev.Peer == "alice" && ev.Entity == "alice" {
			joined = true
		}
	}
	if !joined {
		t.Errorf("no PeerJoined event in %v", msgs)
	}
	ps := positions(msgs)
	if len(ps) != 1 || len(ps[0].Snapshots) != 1 || ps[0].Snapshots[0].Timestamp != 5000 {
		t.Errorf("positions = %+v", ps)
	}
}

func TestServerAppliesInputsInOrder(t *testing.T) {
	srv, n, clock, c := setup(t, Options{})

	send := func(seq uint32) {
		c.send(t, codec.InputMessage{Command: core.InputCommand{Sequence: seq, DX: 1}}, false)
	}
	send(1)
	send(2)
	send(2) // duplicate
	send(1) // reordered
	send(4)
	send(3) // older than 4, dropped

	clock.Advance(10 * time.Millisecond)
	n.Pump()
	srv.Step()
	n.Pump()

	e, _ := srv.Entity("alice")
	if e.X != 3 {
		t.Errorf("X = %v, expected 3 applied inputs", e.X)
	}
	if got := srv.LastInput("alice"); got != 4 {
		t.Errorf("LastInput = %d, expected 4", got)
	}
	st := srv.Stats()
	if st.InputsApplied != 3 || st.InputsStale != 3 {
		t.Errorf("applied=%d stale=%d", st.InputsApplied, st.InputsStale)
	}

	ps := positions(c.take())
	if len(ps) != 1 {
		t.Fatalf("got %d position batches", len(ps))
	}
	s := ps[0].Snapshots[0]
	if s.LastProcessedInput != 4 || s.X != 3 || s.Sequence != 2 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestServerPositionInterval(t *testing.T) {
	srv, n, clock, c := setup(t, Options{PositionInterval: 100 * time.Millisecond})
	c.take()

	for i := 0; i < 4; i++ {
		clock.Advance(40 * time.Millisecond)
		srv.Step()
		n.Pump()
	}
	// Only the batch 120ms after the first one passes the interval.
	if got := len(positions(c.take())); got != 1 {
		t.Errorf("sent %d batches in 160ms, expected 1", got)
	}
	if st := srv.Stats(); st.BatchesSkipped != 3 {
		t.Errorf("BatchesSkipped = %d", st.BatchesSkipped)
	}
}

func TestServerRemovesDepartedPeer(t *testing.T) {
	srv, n, _, c := setup(t, Options{})
	bob, _ := n.Join("bob")
	n.Pump()
	srv.Step()
	c.take()

	bob.Close()
	n.Pump()
	srv.Step()
	n.Pump()

	if _, ok := srv.Entity("bob"); ok {
		t.Errorf("bob still simulated")
	}
	var left bool
	for _, m := range c.take() {
		if ev, ok := m.(codec.MatchEventMessage); ok && ev.Kind == codec.EventPeerLeft && ev.Entity == "bob" {
			left = true
		}
	}
	if !left {
		t.Errorf("no PeerLeft event for bob")
	}

	if !srv.RemoveEntity("alice") || srv.RemoveEntity("alice") {
		t.Errorf("RemoveEntity() bookkeeping wrong")
	}
	n.Pump()
	var removed bool
	for _, m := range c.take() {
		if ev, ok := m.(codec.MatchEventMessage); ok && ev.Kind == codec.EventEntityRemoved {
			removed = true
		}
	}
	if !removed {
		t.Errorf("no EntityRemoved event")
	}
}

func TestServerAnswersStateRequests(t *testing.T) {
	srv, n, _, c := setup(t, Options{})
	if _, err := srv.State().Set("round", []byte{3}); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	n.Pump()
	c.take()

	c.send(t, codec.StateRequestMessage{Requester: "alice"}, true)
	n.Pump()
	srv.Step()
	n.Pump()

	var got []core.StateEntry
	for _, m := range c.take() {
		if sm, ok := m.(codec.StateMessage); ok {
			got = append(got, sm.Entry)
		}
	}
	if len(got) != 1 || got[0].Key != "round" || got[0].Sender != "authority" {
		t.Errorf("state reply = %+v", got)
	}
}

func TestServerRunStops(t *testing.T) {
	srv, _, _, _ := setup(t, Options{TickRate: 1000})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	srv.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v after Stop", err)
		}
	case <-ctx.Done():
		t.Fatalf("Run() did not return after Stop")
	}
}
