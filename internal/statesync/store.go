// Package statesync replicates a small key/value state (scores, phase,
// flags) over the reliable channel with last-writer-wins merging.
//
// Entries are ordered by (Version, Timestamp, Sender). Merging keeps the
// greater entry, so applying any set of updates in any order, duplicates
// included, converges to the same value on every peer.
package statesync

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/codec"
	"github.com/vovakirdan/netsync/internal/core"
)

// ErrEmptyKey is returned by Set for an empty key.
var ErrEmptyKey = errors.New("statesync: empty key")

// MessageSender publishes a message on its topic.
type MessageSender interface {
	Send(msg codec.Message) (bool, error)
}

// Persister stores applied entries so state survives restarts.
type Persister interface {
	SaveStateEntry(e core.StateEntry) error
}

// Listener is called once for every applied entry.
type Listener func(e core.StateEntry)

// Options configures a Store.
type Options struct {
	Clock     core.Clock
	Logger    *log.Logger
	Persister Persister
}

// Stats counts store activity.
type Stats struct {
	Keys      int
	LocalSets uint64
	Applied   uint64 // Remote entries that won the merge
	Discarded uint64 // Remote entries that were not newer
	Resent    uint64 // Entries re-sent for full-state requests
}

// Store holds the replicated entries of one peer.
type Store struct {
	local     core.PeerID
	sender    MessageSender
	clock     core.Clock
	logger    *log.Logger
	persister Persister

	mu        sync.Mutex
	entries   map[string]core.StateEntry
	listeners map[string][]Listener
	any       []Listener
	stats     Stats
}

// New creates an empty store for the local peer. sender may be nil for a
// store that only merges.
func New(local core.PeerID, sender MessageSender, opts Options) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("statesync")
	}
	return &Store{
		local:     local,
		sender:    sender,
		clock:     clock,
		logger:    logger,
		persister: opts.Persister,
		entries:   make(map[string]core.StateEntry),
		listeners: make(map[string][]Listener),
	}
}

// Set writes a value locally and publishes it. The new entry's version is one
// above the stored version, so it wins over everything this peer has seen.
func (s *Store) Set(key string, value []byte) (core.StateEntry, error) {
	if key == "" {
		return core.StateEntry{}, ErrEmptyKey
	}

	s.mu.Lock()
	prev := s.entries[key]
	e := core.StateEntry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Timestamp: core.Millis(s.clock.Now()),
		Version:   prev.Version + 1,
		Sender:    s.local,
	}
	s.entries[key] = e
	s.stats.LocalSets++
	listeners := s.listenersFor(key)
	s.mu.Unlock()

	s.persist(e)
	notify(listeners, e)

	if s.sender == nil {
		return e, nil
	}
	if _, err := s.sender.Send(codec.StateMessage{Entry: e}); err != nil {
		return e, fmt.Errorf("statesync: cannot publish %q: %w", key, err)
	}
	return e, nil
}

// Merge applies an incoming entry if it is strictly newer than the stored one
// and reports whether it did. Listeners run once per applied entry.
func (s *Store) Merge(e core.StateEntry) bool {
	if e.Key == "" {
		return false
	}

	s.mu.Lock()
	if cur, ok := s.entries[e.Key]; ok && !e.Newer(cur) {
		s.stats.Discarded++
		s.mu.Unlock()
		return false
	}
	e = e.Clone()
	s.entries[e.Key] = e
	s.stats.Applied++
	listeners := s.listenersFor(e.Key)
	s.mu.Unlock()

	s.persist(e)
	notify(listeners, e)
	return true
}

// Get returns the stored entry for key.
func (s *Store) Get(key string) (core.StateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return core.StateEntry{}, false
	}
	return e.Clone(), true
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns a copy of every stored entry, sorted by key.
func (s *Store) Entries() []core.StateEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.StateEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// OnChange registers a listener for one key.
func (s *Store) OnChange(key string, fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[key] = append(s.listeners[key], fn)
}

// OnAnyChange registers a listener for every key.
func (s *Store) OnAnyChange(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.any = append(s.any, fn)
}

// RequestFullState asks every peer to re-send the keys it holds.
func (s *Store) RequestFullState() error {
	if s.sender == nil {
		return nil
	}
	if _, err := s.sender.Send(codec.StateRequestMessage{Requester: s.local}); err != nil {
		return fmt.Errorf("statesync: cannot request full state: %w", err)
	}
	return nil
}

// HandleStateRequest re-sends every stored entry. It returns the number of
// entries sent.
func (s *Store) HandleStateRequest(from core.PeerID) (int, error) {
	if s.sender == nil {
		return 0, nil
	}
	entries := s.Entries()
	for i, e := range entries {
		if _, err := s.sender.Send(codec.StateMessage{Entry: e}); err != nil {
			return i, fmt.Errorf("statesync: cannot answer state request from %s: %w", from, err)
		}
	}
	s.mu.Lock()
	s.stats.Resent += uint64(len(entries))
	s.mu.Unlock()
	s.logger.Debug("answered full state request", "from", from, "keys", len(entries))
	return len(entries), nil
}

// Restore loads previously persisted entries without notifying listeners or
// re-persisting them. Entries merge as usual.
func (s *Store) Restore(entries []core.StateEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range entries {
		if cur, ok := s.entries[e.Key]; ok && !e.Newer(cur) {
			continue
		}
		s.entries[e.Key] = e.Clone()
		n++
	}
	return n
}

// Stats returns a copy of the counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Keys = len(s.entries)
	return st
}

// listenersFor must be called with mu held.
func (s *Store) listenersFor(key string) []Listener {
	keyed := s.listeners[key]
	out := make([]Listener, 0, len(keyed)+len(s.any))
	out = append(out, keyed...)
	return append(out, s.any...)
}

func (s *Store) persist(e core.StateEntry) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveStateEntry(e); err != nil {
		s.logger.Warn("cannot persist state entry", "key", e.Key, "err", err)
	}
}

func notify(listeners []Listener, e core.StateEntry) {
	for _, fn := range listeners {
		fn(e.Clone())
	}
}
