// Package authority runs the authoritative simulation: it applies peer
// inputs in sequence order, owns the canonical entity state and broadcasts
// position snapshots on a fixed tick.
package authority

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/codec"
	"github.com/vovakirdan/netsync/internal/core"
	"github.com/vovakirdan/netsync/internal/mux"
	"github.com/vovakirdan/netsync/internal/statesync"
	"github.com/vovakirdan/netsync/internal/transport"
)

// DefaultTickRate is the number of simulation steps per second.
const DefaultTickRate = 30

// queueSize bounds transport events waiting for the next tick.
const queueSize = 4096

// Options configures a Server. Zero values select defaults.
type Options struct {
	TickRate int
	// PositionInterval is passed to the multiplexer. Negative sends a
	// snapshot batch on every tick.
	PositionInterval time.Duration

	Mover core.Mover
	// Spawn creates the entity of a newly joined peer. The default places it
	// at the origin. The entity id is always the peer's entity id.
	Spawn func(peer core.PeerID) core.Entity

	Persister statesync.Persister
	Clock     core.Clock
	Logger    *log.Logger
}

// Stats counts authority activity.
type Stats struct {
	Ticks          uint64
	Entities       int
	InputsApplied  uint64
	InputsStale    uint64 // Duplicate or reordered inputs that were ignored
	SnapshotsSent  uint64
	BatchesSkipped uint64 // Batches held back by the position interval
	QueueDropped   uint64
	State          statesync.Stats
	Mux            mux.Stats
}

type tracked struct {
	entity    core.Entity
	owner     core.PeerID
	lastInput uint32
}

type inbound struct {
	data  []byte
	from  core.PeerID
	join  bool
	leave bool
}

// Server is the authoritative peer. Step must be called from one goroutine,
// either directly or through Run.
type Server struct {
	tr     transport.Transport
	mux    *mux.Mux
	store  *statesync.Store
	clock  core.Clock
	logger *log.Logger
	mover  core.Mover
	spawn  func(core.PeerID) core.Entity
	tick   time.Duration

	events  chan inbound
	dropped atomic.Uint64

	mu       sync.RWMutex
	entities map[core.EntityID]*tracked
	seq      uint32
	stats    Stats

	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates an authority on tr and installs itself as tr's handler.
func NewServer(tr transport.Transport, opts Options) *Server {
	tickRate := opts.TickRate
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("authority")
	}
	mover := opts.Mover
	if mover == nil {
		mover = core.Displace
	}
	spawn := opts.Spawn
	if spawn == nil {
		spawn = func(p core.PeerID) core.Entity { return core.Entity{ID: core.EntityOf(p)} }
	}

	s := &Server{
		tr:       tr,
		clock:    clock,
		logger:   logger,
		mover:    mover,
		spawn:    spawn,
		tick:     time.Second / time.Duration(tickRate),
		events:   make(chan inbound, queueSize),
		entities: make(map[core.EntityID]*tracked),
		done:     make(chan struct{}),
	}
	s.mux = mux.New(tr, mux.Options{
		PositionInterval: opts.PositionInterval,
		Clock:            clock,
		Logger:           logger.WithPrefix("mux"),
	})
	s.store = statesync.New(tr.LocalID(), s.mux, statesync.Options{
		Clock:     clock,
		Logger:    logger.WithPrefix("statesync"),
		Persister: opts.Persister,
	})

	s.mux.OnReceive(codec.TopicInput, s.handleInput)
	s.mux.OnReceive(codec.TopicState, func(msg codec.Message, _ core.PeerID) {
		if sm, ok := msg.(codec.StateMessage); ok {
			s.store.Merge(sm.Entry)
		}
	})
	s.mux.OnReceive(codec.TopicStateRequest, func(msg codec.Message, from core.PeerID) {
		if _, err := s.store.HandleStateRequest(from); err != nil {
			s.logger.Warn("cannot answer state request", "requester", from, "err", err)
		}
	})

	tr.SetHandler(transport.HandlerFuncs{
		Message:   func(data []byte, from core.PeerID) { s.enqueue(inbound{data: data, from: from}) },
		PeerJoin:  func(id core.PeerID) { s.enqueue(inbound{from: id, join: true}) },
		PeerLeave: func(id core.PeerID) { s.enqueue(inbound{from: id, leave: true}) },
		Disconnect: func(err error) {
			s.logger.Warn("authority transport disconnected", "err", err)
		},
	})
	return s
}

func (s *Server) enqueue(in inbound) {
	select {
	case s.events <- in:
	default:
		// Same policy as the client sessions: drop the oldest.
		select {
		case <-s.events:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.events <- in:
		default:
			s.dropped.Add(1)
		}
	}
}

// Run steps the simulation at the configured tick rate until ctx is done or
// Stop is called.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("authority running", "peer", s.tr.LocalID(), "tick", s.tick)
	for {
		select {
		case <-ticker.C:
			s.Step()
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		}
	}
}

// Step drains queued events, applying inputs and membership changes, then
// publishes one snapshot batch of every entity.
func (s *Server) Step() {
drain:
	for {
		select {
		case in := <-s.events:
			switch {
			case in.join:
				s.addPeer(in.from)
			case in.leave:
				s.removePeer(in.from)
			default:
				s.mux.Dispatch(in.data, in.from)
			}
		default:
			break drain
		}
	}

	s.mu.Lock()
	s.stats.Ticks++
	if len(s.entities) == 0 {
		s.mu.Unlock()
		return
	}
	s.seq++
	now := core.Millis(s.clock.Now())
	batch := codec.PositionMessage{Snapshots: make([]core.Snapshot, 0, len(s.entities))}
	for _, t := range s.sortedLocked() {
		t.entity.LastAuthoritativeSequence = s.seq
		batch.Snapshots = append(batch.Snapshots, core.SnapshotOf(t.entity, s.seq, now, t.lastInput))
	}
	s.mu.Unlock()

	sent, err := s.mux.Send(batch)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err != nil:
		s.logger.Warn("cannot broadcast positions", "err", err)
	case !sent:
		s.stats.BatchesSkipped++
	default:
		s.stats.SnapshotsSent += uint64(len(batch.Snapshots))
	}
}

func (s *Server) sortedLocked() []*tracked {
	out := make([]*tracked, 0, len(s.entities))
	for _, t := range s.entities {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entity.ID < out[j].entity.ID })
	return out
}

func (s *Server) addPeer(p core.PeerID) {
	s.mu.Lock()
	id := core.EntityOf(p)
	if _, ok := s.entities[id]; ok {
		s.mu.Unlock()
		return
	}
	e := s.spawn(p)
	e.ID = id
	s.entities[e.ID] = &tracked{entity: e, owner: p}
	s.mu.Unlock()

	s.logger.Info("peer joined", "peer", p, "entity", e.ID)
	s.announce(codec.MatchEventMessage{Kind: codec.EventPeerJoined, Peer: p, Entity: e.ID})
}

func (s *Server) removePeer(p core.PeerID) {
	s.mu.Lock()
	var removed []core.EntityID
	for id, t := range s.entities {
		if t.owner == p {
			delete(s.entities, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	s.logger.Info("peer left", "peer", p, "entities", len(removed))
	if len(removed) == 0 {
		s.announce(codec.MatchEventMessage{Kind: codec.EventPeerLeft, Peer: p})
		return
	}
	for _, id := range removed {
		s.announce(codec.MatchEventMessage{Kind: codec.EventPeerLeft, Peer: p, Entity: id})
	}
}

func (s *Server) handleInput(msg codec.Message, from core.PeerID) {
	im, ok := msg.(codec.InputMessage)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.entities[core.EntityOf(from)]
	if !ok {
		// Input raced ahead of the join notification.
		e := s.spawn(from)
		e.ID = core.EntityOf(from)
		t = &tracked{entity: e, owner: from}
		s.entities[e.ID] = t
	}
	if im.Command.Sequence <= t.lastInput {
		s.stats.InputsStale++
		return
	}
	s.mover(&t.entity, im.Command)
	t.lastInput = im.Command.Sequence
	s.stats.InputsApplied++
}

// RemoveEntity deletes an entity and tells every peer to forget it.
func (s *Server) RemoveEntity(id core.EntityID) bool {
	s.mu.Lock()
	_, ok := s.entities[id]
	delete(s.entities, id)
	s.mu.Unlock()
	if ok {
		s.announce(codec.MatchEventMessage{Kind: codec.EventEntityRemoved, Entity: id})
	}
	return ok
}

// Announce broadcasts a phase or custom match event.
func (s *Server) Announce(kind codec.EventKind, payload []byte) error {
	_, err := s.mux.Send(codec.MatchEventMessage{
		Kind:      kind,
		Timestamp: core.Millis(s.clock.Now()),
		Payload:   payload,
	})
	return err
}

func (s *Server) announce(ev codec.MatchEventMessage) {
	ev.Timestamp = core.Millis(s.clock.Now())
	if _, err := s.mux.Send(ev); err != nil {
		s.logger.Warn("cannot send match event", "kind", ev.Kind, "err", err)
	}
}

// Entity returns the authoritative state of one entity.
func (s *Server) Entity(id core.EntityID) (core.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.entities[id]
	if !ok {
		return core.Entity{}, false
	}
	return t.entity, true
}

// Entities returns every entity sorted by id.
func (s *Server) Entities() []core.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Entity, 0, len(s.entities))
	for _, t := range s.sortedLocked() {
		out = append(out, t.entity)
	}
	return out
}

// LastInput returns the last input sequence applied for an entity.
func (s *Server) LastInput(id core.EntityID) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.entities[id]; ok {
		return t.lastInput
	}
	return 0
}

// State exposes the authority's replicated store.
func (s *Server) State() *statesync.Store {
	return s.store
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	st := s.stats
	st.Entities = len(s.entities)
	s.mu.RUnlock()
	st.QueueDropped = s.dropped.Load()
	st.State = s.store.Stats()
	st.Mux = s.mux.Stats()
	return st
}

// Stop ends Run.
func (s *Server) Stop() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

// Close stops the server and closes its transport.
func (s *Server) Close() error {
	s.Stop()
	return s.tr.Close()
}
