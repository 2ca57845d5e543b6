package transport

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vovakirdan/netsync/internal/core"
)

// RelayOptions configures a Relay.
type RelayOptions struct {
	Logger *log.Logger
	// CheckOrigin is passed to the websocket upgrader. Nil accepts every
	// origin.
	CheckOrigin func(r *http.Request) bool
}

// RelayStats counts relay traffic.
type RelayStats struct {
	Peers     int
	Forwarded uint64
	Dropped   uint64
	BadFrames uint64
}

// Relay is a websocket hub that fans every data frame out to all other
// connected peers and announces joins and leaves. It never inspects
// payloads.
type Relay struct {
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.RWMutex
	clients map[core.PeerID]*wsLink

	forwarded atomic.Uint64
	badFrames atomic.Uint64
}

// NewRelay creates a relay with no peers.
func NewRelay(opts RelayOptions) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("relay")
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger:  logger,
		clients: make(map[core.PeerID]*wsLink),
	}
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	id := core.PeerID(req.URL.Query().Get(PeerQueryParam))
	if id == "" {
		id = core.PeerID("peer-" + uuid.NewString()[:8])
	}

	r.mu.RLock()
	_, taken := r.clients[id]
	r.mu.RUnlock()
	if taken {
		http.Error(w, "peer id already connected", http.StatusConflict)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "err", err)
		return
	}
	link := newWSLink(conn)

	r.mu.Lock()
	if _, ok := r.clients[id]; ok {
		r.mu.Unlock()
		link.close()
		return
	}
	peers := make([]core.PeerID, 0, len(r.clients))
	for p := range r.clients {
		peers = append(peers, p)
	}
	// The welcome frame goes first, before any broadcast can reach the link.
	welcome, err := EncodeFrame(Frame{Kind: FrameWelcome, Peer: id, Peers: peers})
	if err != nil {
		r.mu.Unlock()
		r.logger.Error("cannot encode welcome frame", "peer", id, "err", err)
		link.close()
		return
	}
	link.enqueue(welcome, false)
	r.clients[id] = link
	r.mu.Unlock()

	r.broadcast(id, Frame{Kind: FramePeerJoin, Peer: id}, false)
	r.logger.Info("peer connected", "peer", id, "remote", req.RemoteAddr, "peers", len(peers)+1)

	go link.writePump()
	err = link.readPump(func(msg []byte) {
		f, err := DecodeFrame(msg)
		if err != nil || (f.Kind != FrameReliable && f.Kind != FrameUnreliable) {
			r.badFrames.Add(1)
			return
		}
		r.broadcast(id, Frame{Kind: f.Kind, Peer: id, Data: f.Data}, f.Kind == FrameUnreliable)
	})

	r.mu.Lock()
	if r.clients[id] == link {
		delete(r.clients, id)
	}
	r.mu.Unlock()
	r.broadcast(id, Frame{Kind: FramePeerLeave, Peer: id}, false)

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		r.logger.Warn("peer connection error", "peer", id, "err", err)
	}
	r.logger.Info("peer disconnected", "peer", id)
}

// Peers returns the connected peers in sorted order.
func (r *Relay) Peers() []core.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := NewPeerSet()
	for id := range r.clients {
		set.Add(id)
	}
	return set.List()
}

// Stats returns a snapshot of the counters.
func (r *Relay) Stats() RelayStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := RelayStats{
		Peers:     len(r.clients),
		Forwarded: r.forwarded.Load(),
		BadFrames: r.badFrames.Load(),
	}
	for _, l := range r.clients {
		st.Dropped += l.dropped.Load()
	}
	return st
}

// Close disconnects every peer.
func (r *Relay) Close() {
	r.mu.Lock()
	links := make([]*wsLink, 0, len(r.clients))
	for _, l := range r.clients {
		links = append(links, l)
	}
	r.mu.Unlock()
	for _, l := range links {
		l.close()
	}
}

func (r *Relay) broadcast(from core.PeerID, f Frame, droppable bool) {
	data, err := EncodeFrame(f)
	if err != nil {
		r.logger.Error("cannot encode frame", "kind", f.Kind, "err", err)
		return
	}

	r.mu.RLock()
	targets := make([]*wsLink, 0, len(r.clients))
	for id, l := range r.clients {
		if id != from {
			targets = append(targets, l)
		}
	}
	r.mu.RUnlock()

	for _, l := range targets {
		// A closing link reports ErrClosed; its own read pump cleans it up.
		if err := l.enqueue(data, droppable); err == nil && (f.Kind == FrameReliable || f.Kind == FrameUnreliable) {
			r.forwarded.Add(1)
		}
	}
}
