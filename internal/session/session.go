// Package session wires prediction, interpolation, state sync and the topic
// multiplexer to one transport, and exposes the host-facing API.
//
// Transport callbacks may fire on any goroutine. They are queued and applied
// on the host's goroutine by Update, so every other Session method must be
// called from that same goroutine.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/codec"
	"github.com/vovakirdan/netsync/internal/core"
	"github.com/vovakirdan/netsync/internal/interp"
	"github.com/vovakirdan/netsync/internal/mux"
	"github.com/vovakirdan/netsync/internal/prediction"
	"github.com/vovakirdan/netsync/internal/statesync"
	"github.com/vovakirdan/netsync/internal/transport"
)

// DefaultQueueSize bounds the number of transport events waiting for Update.
const DefaultQueueSize = 4096

// Options configures a Session. Zero values select defaults.
type Options struct {
	// Entity is the initial local entity. Its ID defaults to the entity of
	// the local peer.
	Entity core.Entity

	Interpolation    interp.Config
	InputBufferCap   int
	PositionInterval time.Duration
	QueueSize        int

	Mover     core.Mover
	Authority AuthorityStrategy // Defaults to FixedAuthority(DefaultAuthorityID)
	Persister statesync.Persister
	Clock     core.Clock
	Logger    *log.Logger
}

// Stats aggregates the counters of every component of a session.
type Stats struct {
	Updates        uint64
	Connected      bool
	Peers          int
	Authority      core.PeerID
	RemoteEntities int

	// ClockOffset is the estimated authority clock minus the local clock.
	ClockOffset time.Duration

	QueueDropped       uint64
	SnapshotsDropped   uint64 // Stale or out-of-order remote snapshots
	ForeignCorrections uint64 // Local entity snapshots from a non-authority peer

	Mux        mux.Stats
	Prediction prediction.Stats
	State      statesync.Stats
}

// Session is one peer's view of the shared world.
type Session struct {
	tr        transport.Transport
	local     core.PeerID
	entityID  core.EntityID
	clock     core.Clock
	logger    *log.Logger
	authority AuthorityStrategy

	mux       *mux.Mux
	predictor *prediction.Predictor
	tracker   *interp.Tracker
	offset    interp.OffsetEstimator
	store     *statesync.Store

	events       chan event
	queueDropped atomic.Uint64
	closeOnce    sync.Once
	closed       bool

	peers     *transport.PeerSet
	leader    core.PeerID
	connected bool

	renderTime uint64
	poses      map[core.EntityID]interp.Sample

	snapshotListeners map[core.EntityID][]func(core.Snapshot)
	anySnapshot       []func(core.Snapshot)
	matchListeners    []func(codec.MatchEventMessage)
	lifecycle         []func(LifecycleEvent)

	updates            uint64
	foreignCorrections uint64
}

// New creates a session on top of tr and installs itself as tr's handler.
// The session immediately asks connected peers for the full replicated state.
func New(tr transport.Transport, opts Options) *Session {
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	local := tr.LocalID()
	logger = logger.With("peer", local)

	strategy := opts.Authority
	if strategy == nil {
		strategy = FixedAuthority(DefaultAuthorityID)
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	icfg := opts.Interpolation
	if icfg == (interp.Config{}) {
		icfg = interp.DefaultConfig()
	}

	entity := opts.Entity
	if entity.ID == "" {
		entity.ID = core.EntityOf(local)
	}

	s := &Session{
		tr:                tr,
		local:             local,
		entityID:          entity.ID,
		clock:             clock,
		logger:            logger,
		authority:         strategy,
		tracker:           interp.NewTracker(icfg),
		events:            make(chan event, queueSize),
		peers:             transport.NewPeerSet(),
		connected:         true,
		poses:             make(map[core.EntityID]interp.Sample),
		snapshotListeners: make(map[core.EntityID][]func(core.Snapshot)),
	}
	s.mux = mux.New(tr, mux.Options{
		PositionInterval: opts.PositionInterval,
		Clock:            clock,
		Logger:           logger.WithPrefix("mux"),
	})
	s.predictor = prediction.NewPredictor(entity, s.mux, prediction.Options{
		BufferCap: opts.InputBufferCap,
		Mover:     opts.Mover,
		Clock:     clock,
		Logger:    logger.WithPrefix("prediction"),
	})
	s.store = statesync.New(local, s.mux, statesync.Options{
		Clock:     clock,
		Logger:    logger.WithPrefix("statesync"),
		Persister: opts.Persister,
	})

	s.mux.OnReceive(codec.TopicPosition, s.handlePositions)
	s.mux.OnReceive(codec.TopicState, s.handleState)
	s.mux.OnReceive(codec.TopicStateRequest, s.handleStateRequest)
	s.mux.OnReceive(codec.TopicMatchEvent, s.handleMatchEvent)

	s.selectAuthority()
	tr.SetHandler(inbox{s: s})

	if err := s.store.RequestFullState(); err != nil {
		logger.Debug("initial state request not sent", "err", err)
	}
	return s
}

// enqueue adds an event, dropping the oldest one when the queue is full.
func (s *Session) enqueue(evt event) {
	select {
	case s.events <- evt:
		return
	default:
	}
	select {
	case <-s.events:
		s.queueDropped.Add(1)
	default:
	}
	select {
	case s.events <- evt:
	default:
		s.queueDropped.Add(1)
	}
}

// Update applies every queued transport event and samples remote entities at
// renderTime. Callbacks registered on the session run inside Update.
func (s *Session) Update(renderTime time.Time) {
	if s.closed {
		return
	}
	s.updates++
drain:
	for {
		select {
		case evt := <-s.events:
			s.apply(evt)
		default:
			break drain
		}
	}

	s.renderTime = core.Millis(renderTime)
	s.poses = s.tracker.SampleAll(s.offset.ToRemote(s.renderTime))
}

func (s *Session) apply(evt event) {
	switch e := evt.(type) {
	case messageEvent:
		s.mux.Dispatch(e.data, e.from)
	case peerJoinEvent:
		if !s.peers.Add(e.id) {
			return
		}
		s.logger.Debug("peer joined", "id", e.id)
		s.emit(LifecycleEvent{Kind: LifecyclePeerJoined, Peer: e.id})
		s.selectAuthority()
	case peerLeaveEvent:
		if !s.peers.Remove(e.id) {
			return
		}
		s.logger.Debug("peer left", "id", e.id)
		s.forget(core.EntityOf(e.id))
		s.emit(LifecycleEvent{Kind: LifecyclePeerLeft, Peer: e.id})
		s.selectAuthority()
	case disconnectEvent:
		s.logger.Warn("transport disconnected", "err", e.err)
		s.connected = false
		s.peers.Clear()
		s.resetBuffers()
		s.emit(LifecycleEvent{Kind: LifecycleDisconnected, Err: e.err})
		s.selectAuthority()
	case reconnectEvent:
		s.logger.Info("transport reconnected")
		s.connected = true
		s.resetBuffers()
		s.emit(LifecycleEvent{Kind: LifecycleReconnected})
		if err := s.store.RequestFullState(); err != nil {
			s.logger.Warn("cannot request full state", "err", err)
		}
	}
}

// resetBuffers drops everything derived from the old connection. The local
// entity keeps its predicted pose and input sequences keep counting.
func (s *Session) resetBuffers() {
	s.predictor.Reset()
	s.mux.Reset()
	s.resetRemote()
}

// resetRemote forgets every remote snapshot and the clock offset.
func (s *Session) resetRemote() {
	s.tracker.Reset()
	s.offset.Reset()
	s.poses = make(map[core.EntityID]interp.Sample)
}

func (s *Session) selectAuthority() {
	candidates := transport.NewPeerSet()
	for _, id := range s.peers.List() {
		candidates.Add(id)
	}
	candidates.Add(s.local)

	next := s.authority.Select(s.local, candidates.List())
	if next == s.leader {
		return
	}
	s.logger.Info("authority changed", "from", s.leader, "to", next)
	s.leader = next
	// Sequences and timestamps from a different authority are not comparable.
	s.predictor.Reset()
	s.resetRemote()
	s.emit(LifecycleEvent{Kind: LifecycleAuthorityChanged, Peer: next})
}

func (s *Session) forget(id core.EntityID) {
	if id == s.entityID {
		return
	}
	s.tracker.Remove(id)
	delete(s.poses, id)
}

func (s *Session) emit(e LifecycleEvent) {
	for _, fn := range s.lifecycle {
		fn(e)
	}
}

func (s *Session) handlePositions(msg codec.Message, from core.PeerID) {
	pm, ok := msg.(codec.PositionMessage)
	if !ok {
		return
	}
	fromAuthority := s.leader != "" && from == s.leader
	now := core.Millis(s.clock.Now())

	for _, snap := range pm.Snapshots {
		if fromAuthority || s.leader == "" {
			s.offset.Observe(snap.Timestamp, now)
		}
		if snap.EntityID == s.entityID {
			if !fromAuthority {
				s.foreignCorrections++
				continue
			}
			s.predictor.Reconcile(snap)
			continue
		}
		if !s.tracker.Insert(snap) {
			continue
		}
		for _, fn := range s.snapshotListeners[snap.EntityID] {
			fn(snap)
		}
		for _, fn := range s.anySnapshot {
			fn(snap)
		}
	}
}

func (s *Session) handleState(msg codec.Message, _ core.PeerID) {
	if sm, ok := msg.(codec.StateMessage); ok {
		s.store.Merge(sm.Entry)
	}
}

func (s *Session) handleStateRequest(msg codec.Message, from core.PeerID) {
	rm, ok := msg.(codec.StateRequestMessage)
	if !ok || rm.Requester == s.local {
		return
	}
	n, err := s.store.HandleStateRequest(from)
	if err != nil {
		s.logger.Warn("cannot answer state request", "requester", rm.Requester, "err", err)
		return
	}
	s.logger.Debug("answered state request", "requester", rm.Requester, "entries", n)
}

func (s *Session) handleMatchEvent(msg codec.Message, _ core.PeerID) {
	ev, ok := msg.(codec.MatchEventMessage)
	if !ok {
		return
	}
	switch ev.Kind {
	case codec.EventEntityRemoved:
		s.forget(ev.Entity)
	case codec.EventPeerLeft:
		if ev.Entity != "" {
			s.forget(ev.Entity)
		} else {
			s.forget(core.EntityOf(ev.Peer))
		}
	}
	for _, fn := range s.matchListeners {
		fn(ev)
	}
}

// SubmitInput predicts the input locally and sends it to the authority. The
// input is kept for replay even when sending fails.
func (s *Session) SubmitInput(dx, dy float32, actions core.ActionFlags) (core.InputCommand, error) {
	return s.predictor.Submit(dx, dy, actions)
}

// SetState writes a replicated key.
func (s *Session) SetState(key string, value []byte) (core.StateEntry, error) {
	return s.store.Set(key, value)
}

// GetState reads a replicated key.
func (s *Session) GetState(key string) (core.StateEntry, bool) {
	return s.store.Get(key)
}

// OnStateChange registers fn for every applied change of key.
func (s *Session) OnStateChange(key string, fn func(core.StateEntry)) {
	s.store.OnChange(key, statesync.Listener(fn))
}

// OnRemoteSnapshot registers fn for every accepted snapshot of a remote
// entity. An empty id matches every entity.
func (s *Session) OnRemoteSnapshot(id core.EntityID, fn func(core.Snapshot)) {
	if id == "" {
		s.anySnapshot = append(s.anySnapshot, fn)
		return
	}
	s.snapshotListeners[id] = append(s.snapshotListeners[id], fn)
}

// OnMatchEvent registers fn for every received match event.
func (s *Session) OnMatchEvent(fn func(codec.MatchEventMessage)) {
	s.matchListeners = append(s.matchListeners, fn)
}

// OnLifecycle registers fn for connection, membership and authority changes.
func (s *Session) OnLifecycle(fn func(LifecycleEvent)) {
	s.lifecycle = append(s.lifecycle, fn)
}

// LocalEntity returns the predicted local entity.
func (s *Session) LocalEntity() core.Entity {
	return s.predictor.Entity()
}

// RemotePose returns the pose of a remote entity as sampled by the last
// Update.
func (s *Session) RemotePose(id core.EntityID) (interp.Sample, bool) {
	sample, ok := s.poses[id]
	return sample, ok
}

// RemoteEntities lists the tracked remote entities in sorted order.
func (s *Session) RemoteEntities() []core.EntityID {
	return s.tracker.Entities()
}

// LocalID returns the local peer id.
func (s *Session) LocalID() core.PeerID {
	return s.local
}

// Peers lists the currently known remote peers.
func (s *Session) Peers() []core.PeerID {
	return s.peers.List()
}

// Authority returns the current authoritative peer.
func (s *Session) Authority() (core.PeerID, bool) {
	return s.leader, s.leader != ""
}

// IsAuthority reports whether the local peer is the authority. The host is
// then expected to run the authoritative simulation itself.
func (s *Session) IsAuthority() bool {
	return s.leader == s.local
}

// Connected reports whether the transport link is up.
func (s *Session) Connected() bool {
	return s.connected
}

// State exposes the replicated store, for typed bindings.
func (s *Session) State() *statesync.Store {
	return s.store
}

// Mux exposes the multiplexer, for custom topics.
func (s *Session) Mux() *mux.Mux {
	return s.mux
}

// Stats returns a snapshot of every counter.
func (s *Session) Stats() Stats {
	st := Stats{
		Updates:            s.updates,
		Connected:          s.connected,
		Peers:              s.peers.Count(),
		Authority:          s.leader,
		RemoteEntities:     len(s.tracker.Entities()),
		QueueDropped:       s.queueDropped.Load(),
		SnapshotsDropped:   s.tracker.Dropped(),
		ForeignCorrections: s.foreignCorrections,
		Mux:                s.mux.Stats(),
		Prediction:         s.predictor.Stats(),
		State:              s.store.Stats(),
	}
	if off, ok := s.offset.Offset(); ok {
		st.ClockOffset = time.Duration(off) * time.Millisecond
	}
	return st
}

// Close closes the transport. Later Updates do nothing.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed = true
		err = s.tr.Close()
	})
	return err
}
