// Package transport defines the message transport the sync core consumes and
// ships three implementations: an in-memory network with link simulation, a
// websocket client and the websocket relay it talks to.
//
// Connection establishment is not the core's concern: a Transport is handed
// to the session already connected.
package transport

import (
	"errors"
	"sort"
	"sync"

	"github.com/vovakirdan/netsync/internal/core"
)

var (
	// ErrClosed is returned when sending on a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrDisconnected is returned when sending while the link is down.
	ErrDisconnected = errors.New("transport: disconnected")
)

// Handler receives transport events. Implementations must not block; they
// may be called from any goroutine.
type Handler interface {
	OnMessage(data []byte, from core.PeerID)
	OnPeerJoin(id core.PeerID)
	OnPeerLeave(id core.PeerID)
	OnDisconnect(err error)
	OnReconnect()
}

// Transport is a connected endpoint with one reliable ordered channel and one
// unreliable unordered channel, both broadcasting to every other peer.
type Transport interface {
	LocalID() core.PeerID
	SendReliable(data []byte) error
	SendUnreliable(data []byte) error
	SetHandler(h Handler)
	Peers() []core.PeerID
	Close() error
}

// HandlerFuncs adapts optional functions to the Handler interface.
type HandlerFuncs struct {
	Message    func(data []byte, from core.PeerID)
	PeerJoin   func(id core.PeerID)
	PeerLeave  func(id core.PeerID)
	Disconnect func(err error)
	Reconnect  func()
}

func (h HandlerFuncs) OnMessage(data []byte, from core.PeerID) {
	if h.Message != nil {
		h.Message(data, from)
	}
}

func (h HandlerFuncs) OnPeerJoin(id core.PeerID) {
	if h.PeerJoin != nil {
		h.PeerJoin(id)
	}
}

func (h HandlerFuncs) OnPeerLeave(id core.PeerID) {
	if h.PeerLeave != nil {
		h.PeerLeave(id)
	}
}

func (h HandlerFuncs) OnDisconnect(err error) {
	if h.Disconnect != nil {
		h.Disconnect(err)
	}
}

func (h HandlerFuncs) OnReconnect() {
	if h.Reconnect != nil {
		h.Reconnect()
	}
}

// maxPendingEvents bounds the events kept for a handler that is not set yet.
const maxPendingEvents = 1024

// handlerSlot holds a swappable handler. Events arriving before the first
// handler is set are kept and replayed to it.
type handlerSlot struct {
	mu      sync.Mutex
	h       Handler
	pending []func(Handler)
}

func (s *handlerSlot) set(h Handler) {
	s.mu.Lock()
	s.h = h
	if h == nil {
		s.mu.Unlock()
		return
	}
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, fn := range pending {
		fn(h)
	}
}

func (s *handlerSlot) dispatch(fn func(Handler)) {
	s.mu.Lock()
	h := s.h
	if h == nil {
		if len(s.pending) < maxPendingEvents {
			s.pending = append(s.pending, fn)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(h)
}

// PeerSet tracks connected peers.
// Thread-safe for concurrent access.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[core.PeerID]struct{}
}

// NewPeerSet creates an empty set.
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[core.PeerID]struct{})}
}

// Add inserts a peer and reports whether it was new.
func (s *PeerSet) Add(id core.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; ok {
		return false
	}
	s.peers[id] = struct{}{}
	return true
}

// Remove deletes a peer and reports whether it was present.
func (s *PeerSet) Remove(id core.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return false
	}
	delete(s.peers, id)
	return true
}

// Has reports whether a peer is present.
func (s *PeerSet) Has(id core.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[id]
	return ok
}

// List returns the peers in sorted order.
func (s *PeerSet) List() []core.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.PeerID, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clear removes every peer.
func (s *PeerSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = make(map[core.PeerID]struct{})
}

// Count returns the number of peers.
func (s *PeerSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
