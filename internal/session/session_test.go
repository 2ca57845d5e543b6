package session

import (
	"io"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/authority"
	"github.com/vovakirdan/netsync/internal/codec"
	"github.com/vovakirdan/netsync/internal/core"
	"github.com/vovakirdan/netsync/internal/interp"
	"github.com/vovakirdan/netsync/internal/transport"
)

// world is an authority and two client sessions on one simulated network.
type world struct {
	t      *testing.T
	clock  *core.ManualClock
	net    *transport.MemoryNetwork
	server *authority.Server
	alice  *Session
	bob    *Session
}

func newWorld(t *testing.T) *world {
	t.Helper()
	quiet := log.New(io.Discard)
	clock := core.NewManualClock(time.UnixMilli(1_000_000))
	n := transport.NewMemoryNetwork(clock, transport.LinkConfig{}, 7)

	join := func(id core.PeerID) *transport.MemoryEndpoint {
		ep, err := n.Join(id)
		if err != nil {
			t.Fatalf("Join(%s) failed: %v", id, err)
		}
		return ep
	}

	w := &world{t: t, clock: clock, net: n}
	w.server = authority.NewServer(join(DefaultAuthorityID), authority.Options{
		PositionInterval: -1,
		Clock:            clock,
		Logger:           quiet,
	})
	opts := Options{PositionInterval: -1, Clock: clock, Logger: quiet}
	w.alice = New(join("alice"), opts)
	w.bob = New(join("bob"), opts)
	w.tick(0)
	return w
}

// tick advances time, lets the authority step once and updates both
// sessions at the current time.
func (w *world) tick(d time.Duration) {
	w.tickAt(d, 0)
}

// tickAt is tick with the sessions rendering lag before the current time.
func (w *world) tickAt(d, lag time.Duration) {
	w.clock.Advance(d)
	w.net.Pump()
	w.server.Step()
	w.net.Pump()
	now := w.clock.Now().Add(-lag)
	w.alice.Update(now)
	w.bob.Update(now)
}

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-4
}

func TestSessionSelectsAuthority(t *testing.T) {
	w := newWorld(t)
	for _, s := range []*Session{w.alice, w.bob} {
		got, ok := s.Authority()
		if !ok || got != DefaultAuthorityID {
			t.Errorf("%s: Authority() = %q, %v", s.LocalID(), got, ok)
		}
		if s.IsAuthority() {
			t.Errorf("%s: IsAuthority() = true", s.LocalID())
		}
	}
	if got := w.alice.Peers(); !reflect.DeepEqual(got, []core.PeerID{"authority", "bob"}) {
		t.Errorf("alice.Peers() = %v", got)
	}
}

func TestSessionPredictionSurvivesLatency(t *testing.T) {
	w := newWorld(t)
	w.net.SetLink(transport.LinkConfig{Latency: 50 * time.Millisecond})

	for i := 0; i < 3; i++ {
		if _, err := w.alice.SubmitInput(1, 0, core.ActionNone); err != nil {
			t.Fatalf("SubmitInput() failed: %v", err)
		}
	}
	if x := w.alice.LocalEntity().X; !approx(x, 3) {
		t.Fatalf("predicted X = %v, expected 3 before any reply", x)
	}

	// The authority applies 1..3; the snapshot is still in flight.
	w.tick(60 * time.Millisecond)
	for i := 0; i < 2; i++ {
		w.alice.SubmitInput(1, 0, core.ActionNone)
	}

	// The snapshot acknowledging 3 arrives; 4 and 5 are replayed on top.
	w.tick(60 * time.Millisecond)
	if x := w.alice.LocalEntity().X; !approx(x, 5) {
		t.Errorf("X after reconcile = %v, expected 5", x)
	}
	if got := w.alice.Stats().Prediction.Pending; got != 2 {
		t.Errorf("Pending = %d, expected 2", got)
	}

	w.tick(60 * time.Millisecond)
	st := w.alice.Stats().Prediction
	if st.Pending != 0 {
		t.Errorf("Pending = %d after full ack", st.Pending)
	}
	if st.MaxCorrection != 0 {
		t.Errorf("MaxCorrection = %v, expected no visible correction", st.MaxCorrection)
	}
	if x := w.alice.LocalEntity().X; !approx(x, 5) {
		t.Errorf("X = %v, expected 5", x)
	}
}

func TestSessionInterpolatesRemoteEntity(t *testing.T) {
	w := newWorld(t)

	var seen []uint32
	w.bob.OnRemoteSnapshot("alice", func(s core.Snapshot) {
		seen = append(seen, s.Sequence)
	})

	for i := 0; i < 4; i++ {
		w.alice.SubmitInput(10, 0, core.ActionNone)
		w.tickAt(50*time.Millisecond, 25*time.Millisecond)
	}

	// Render time is now-25ms, minus the 100ms delay: halfway between the
	// snapshots with X=10 and X=20.
	got, ok := w.bob.RemotePose("alice")
	if !ok {
		t.Fatalf("RemotePose(alice) missing, entities = %v", w.bob.RemoteEntities())
	}
	if got.Mode != interp.Interpolated || !approx(got.Pose.X, 15) {
		t.Errorf("RemotePose(alice) = %+v, expected interpolated X=15", got)
	}
	if len(seen) != 4 {
		t.Errorf("OnRemoteSnapshot fired %d times, expected 4", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("snapshot sequences not increasing: %v", seen)
		}
	}
	if _, ok := w.alice.RemotePose("alice"); ok {
		t.Errorf("local entity is tracked as remote")
	}
}

func TestSessionIgnoresCorrectionsFromNonAuthority(t *testing.T) {
	w := newWorld(t)
	w.alice.SubmitInput(1, 0, core.ActionNone)

	// bob pretends to be authoritative for alice's entity.
	forged := codec.PositionMessage{Snapshots: []core.Snapshot{{
		EntityID: "alice", Sequence: 999, Timestamp: core.Millis(w.clock.Now()), X: 500,
	}}}
	if _, err := w.bob.Mux().Send(forged); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	w.net.Pump()
	w.alice.Update(w.clock.Now())

	if x := w.alice.LocalEntity().X; !approx(x, 1) {
		t.Errorf("X = %v, forged correction was applied", x)
	}
	if got := w.alice.Stats().ForeignCorrections; got != 1 {
		t.Errorf("ForeignCorrections = %d", got)
	}
}

func TestSessionStateConverges(t *testing.T) {
	w := newWorld(t)

	var changes []string
	w.bob.OnStateChange("score", func(e core.StateEntry) {
		changes = append(changes, string(e.Value))
	})

	if _, err := w.alice.SetState("score", []byte("1")); err != nil {
		t.Fatalf("SetState() failed: %v", err)
	}
	w.tick(time.Millisecond)
	w.bob.SetState("score", []byte("2"))
	w.tick(time.Millisecond)

	for _, s := range []*Session{w.alice, w.bob} {
		e, ok := s.GetState("score")
		if !ok || string(e.Value) != "2" || e.Version != 2 {
			t.Errorf("%s: score = %+v, %v", s.LocalID(), e, ok)
		}
	}
	if e, ok := w.server.State().Get("score"); !ok || string(e.Value) != "2" {
		t.Errorf("authority score = %+v, %v", e, ok)
	}
	if !reflect.DeepEqual(changes, []string{"1", "2"}) {
		t.Errorf("bob saw changes %v", changes)
	}
}

func TestSessionLateJoinerReceivesFullState(t *testing.T) {
	w := newWorld(t)
	w.alice.SetState("phase", []byte("lobby"))
	w.alice.SetState("map", []byte("dunes"))
	w.tick(time.Millisecond)

	ep, err := w.net.Join("carol")
	if err != nil {
		t.Fatalf("Join(carol) failed: %v", err)
	}
	carol := New(ep, Options{Clock: w.clock, Logger: log.New(io.Discard)})
	w.tick(time.Millisecond)
	w.net.Pump()
	carol.Update(w.clock.Now())

	if got := carol.State().Keys(); !reflect.DeepEqual(got, []string{"map", "phase"}) {
		t.Errorf("carol keys = %v", got)
	}
}

func TestSessionForgetsDepartedPeer(t *testing.T) {
	w := newWorld(t)
	w.tick(50 * time.Millisecond)
	if _, ok := w.alice.RemotePose("bob"); !ok {
		t.Fatalf("alice does not track bob")
	}

	var events []LifecycleKind
	w.alice.OnLifecycle(func(e LifecycleEvent) { events = append(events, e.Kind) })
	var match []codec.EventKind
	w.alice.OnMatchEvent(func(m codec.MatchEventMessage) { match = append(match, m.Kind) })

	w.bob.Close()
	w.tick(50 * time.Millisecond)
	w.tick(50 * time.Millisecond)

	if _, ok := w.alice.RemotePose("bob"); ok {
		t.Errorf("bob is still rendered after leaving")
	}
	for _, id := range w.alice.RemoteEntities() {
		if id == "bob" {
			t.Errorf("bob still tracked")
		}
	}
	if !reflect.DeepEqual(events, []LifecycleKind{LifecyclePeerLeft}) {
		t.Errorf("lifecycle events = %v", events)
	}
	if !reflect.DeepEqual(match, []codec.EventKind{codec.EventPeerLeft}) {
		t.Errorf("match events = %v", match)
	}
}

func TestSessionReconnectResetsBuffers(t *testing.T) {
	w := newWorld(t)
	w.alice.SetState("k", []byte("v"))
	w.alice.SubmitInput(1, 0, core.ActionNone)
	w.tick(50 * time.Millisecond)

	var events []LifecycleKind
	w.bob.OnLifecycle(func(e LifecycleEvent) { events = append(events, e.Kind) })

	w.net.Disconnect("bob")
	w.tick(time.Millisecond)
	if w.bob.Connected() {
		t.Errorf("bob still connected")
	}
	if len(w.bob.RemoteEntities()) != 0 {
		t.Errorf("remote entities kept across disconnect: %v", w.bob.RemoteEntities())
	}
	if _, ok := w.bob.Authority(); ok {
		t.Errorf("authority kept while disconnected")
	}

	// Written while bob is away, so only a full-state request can bring it.
	w.alice.SetState("missed", []byte("m"))
	w.tick(time.Millisecond)
	if _, ok := w.bob.GetState("missed"); ok {
		t.Fatalf("bob received state while disconnected")
	}

	next := w.bob.predictor.NextSequence()
	w.net.Reconnect("bob")
	w.tick(time.Millisecond)
	w.tick(time.Millisecond)

	if !w.bob.Connected() {
		t.Errorf("bob not reconnected")
	}
	if got := w.bob.predictor.NextSequence(); got != next {
		t.Errorf("NextSequence() = %d after reconnect, expected %d", got, next)
	}
	if e, ok := w.bob.GetState("k"); !ok || string(e.Value) != "v" {
		t.Errorf("state after reconnect = %+v, %v", e, ok)
	}
	if e, ok := w.bob.GetState("missed"); !ok || string(e.Value) != "m" {
		t.Errorf("entry written during the outage = %+v, %v", e, ok)
	}
	if len(w.bob.RemoteEntities()) == 0 {
		t.Errorf("no remote entities after reconnect")
	}
	want := []LifecycleKind{LifecycleDisconnected, LifecycleAuthorityChanged, LifecycleReconnected}
	if len(events) < len(want) || !reflect.DeepEqual(events[:len(want)], want) {
		t.Errorf("lifecycle events = %v", events)
	}
}

func TestSessionFollowsRestartedAuthority(t *testing.T) {
	w := newWorld(t)
	for i := 0; i < 30; i++ {
		w.bob.SubmitInput(0, 1, core.ActionNone)
		w.tick(16 * time.Millisecond)
	}
	if _, ok := w.alice.RemotePose("bob"); !ok {
		t.Fatalf("RemotePose(bob) missing before restart")
	}

	// The replacement numbers its snapshots from 1 again and spawns bob at
	// the origin.
	if err := w.server.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	ep, err := w.net.Join(DefaultAuthorityID)
	if err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	w.server = authority.NewServer(ep, authority.Options{
		PositionInterval: -1,
		Clock:            w.clock,
		Logger:           log.New(io.Discard),
	})

	for i := 0; i < 10; i++ {
		w.bob.SubmitInput(0, 1, core.ActionNone)
		w.tick(16 * time.Millisecond)
	}
	for i := 0; i < 20; i++ {
		w.tick(16 * time.Millisecond)
	}

	truth, ok := w.server.Entity(core.EntityOf("bob"))
	if !ok || !approx(truth.Y, 10) {
		t.Fatalf("authority bob = %+v, %v", truth, ok)
	}
	got, ok := w.alice.RemotePose("bob")
	if !ok {
		t.Fatalf("RemotePose(bob) missing after restart")
	}
	if got.Mode != interp.Interpolated || !approx(got.Pose.Y, truth.Y) {
		t.Errorf("RemotePose(bob) = %+v, expected interpolated Y=%v", got, truth.Y)
	}
	if local := w.bob.LocalEntity(); !approx(local.Y, truth.Y) {
		t.Errorf("bob predicts Y=%v, authority has %v", local.Y, truth.Y)
	}
	if leader, ok := w.alice.Authority(); !ok || leader != DefaultAuthorityID {
		t.Errorf("Authority() = %q, %v", leader, ok)
	}
}

func TestLowestIDStrategy(t *testing.T) {
	s := LowestID()
	if got := s.Select("b", []core.PeerID{"a", "b", "c"}); got != "a" {
		t.Errorf("Select() = %q", got)
	}
	if got := s.Select("b", nil); got != "" {
		t.Errorf("Select(nil) = %q", got)
	}
	if got := FixedAuthority("x").Select("a", []core.PeerID{"a"}); got != "" {
		t.Errorf("FixedAuthority without the peer = %q", got)
	}
}

func TestLifecycleKindString(t *testing.T) {
	tests := []struct {
		kind LifecycleKind
		want string
	}{
		{LifecycleDisconnected, "Disconnected"},
		{LifecycleAuthorityChanged, "AuthorityChanged"},
		{LifecycleKind(42), "LifecycleKind(42)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("String() = %q, expected %q", got, tt.want)
		}
	}
}
