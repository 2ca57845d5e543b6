package transport

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/vovakirdan/netsync/internal/core"
)

// ErrPeerExists is returned by Join for an id already on the network.
var ErrPeerExists = errors.New("transport: peer already joined")

// LinkConfig describes simulated link conditions, applied to every pair of
// peers. Loss and duplication only affect the unreliable channel; the
// reliable channel is lossless and keeps send order per sender.
type LinkConfig struct {
	Latency   time.Duration
	Jitter    time.Duration // Uniform extra delay in [0, Jitter]
	Loss      float64       // Probability in [0,1]
	Duplicate float64       // Probability in [0,1]
}

// NetworkStats counts simulated traffic.
type NetworkStats struct {
	Sent       uint64
	Delivered  uint64
	Lost       uint64
	Duplicated uint64
}

type deliveryKind uint8

const (
	deliverMessage deliveryKind = iota
	deliverJoin
	deliverLeave
	deliverDisconnect
	deliverReconnect
)

type delivery struct {
	at   time.Time
	seq  uint64
	to   core.PeerID
	kind deliveryKind
	from core.PeerID
	data []byte
}

type deliveryQueue []*delivery

func (q deliveryQueue) Len() int { return len(q) }
func (q deliveryQueue) Less(i, j int) bool {
	if !q[i].at.Equal(q[j].at) {
		return q[i].at.Before(q[j].at)
	}
	return q[i].seq < q[j].seq
}
func (q deliveryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *deliveryQueue) Push(x any)   { *q = append(*q, x.(*delivery)) }
func (q *deliveryQueue) Pop() any {
	old := *q
	n := len(old)
	d := old[n-1]
	*q = old[:n-1]
	return d
}

type linkKey struct {
	from, to core.PeerID
}

// MemoryNetwork connects in-process endpoints through simulated links.
// Deliveries happen when Pump is called, at or after their due time on the
// network's clock, so tests driving a ManualClock are deterministic.
type MemoryNetwork struct {
	clock core.Clock

	mu           sync.Mutex
	link         LinkConfig
	rng          *rand.Rand
	endpoints    map[core.PeerID]*MemoryEndpoint
	queue        deliveryQueue
	seq          uint64
	lastReliable map[linkKey]time.Time
	stats        NetworkStats
}

// NewMemoryNetwork creates an empty network. seed makes loss, jitter and
// duplication reproducible.
func NewMemoryNetwork(clock core.Clock, link LinkConfig, seed int64) *MemoryNetwork {
	if clock == nil {
		clock = core.SystemClock
	}
	return &MemoryNetwork{
		clock:        clock,
		link:         link,
		rng:          rand.New(rand.NewSource(seed)),
		endpoints:    make(map[core.PeerID]*MemoryEndpoint),
		lastReliable: make(map[linkKey]time.Time),
	}
}

// Clock returns the network's time source.
func (n *MemoryNetwork) Clock() core.Clock {
	return n.clock
}

// SetLink changes link conditions for messages sent from now on.
func (n *MemoryNetwork) SetLink(link LinkConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.link = link
}

// Link returns the current link conditions.
func (n *MemoryNetwork) Link() LinkConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.link
}

// Join adds a connected endpoint. Existing peers learn about it, and it
// learns about them, after one reliable link delay.
func (n *MemoryNetwork) Join(id core.PeerID) (*MemoryEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerExists, id)
	}
	ep := &MemoryEndpoint{net: n, id: id, connected: true}
	n.endpoints[id] = ep
	n.announceLocked(id, deliverJoin)
	return ep, nil
}

// Disconnect takes a peer's link down. The peer is told immediately; the
// others see it leave.
func (n *MemoryNetwork) Disconnect(id core.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[id]
	if !ok || !ep.connected {
		return
	}
	ep.connected = false
	n.pushLocked(&delivery{at: n.clock.Now(), to: id, kind: deliverDisconnect})
	n.announceLocked(id, deliverLeave)
}

// Reconnect brings a peer's link back up.
func (n *MemoryNetwork) Reconnect(id core.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[id]
	if !ok || ep.connected || ep.closed {
		return
	}
	ep.connected = true
	n.pushLocked(&delivery{at: n.clock.Now(), to: id, kind: deliverReconnect})
	n.announceLocked(id, deliverJoin)
}

// Pump delivers every event due at the current time and returns how many
// were delivered.
func (n *MemoryNetwork) Pump() int {
	now := n.clock.Now()

	n.mu.Lock()
	var due []*delivery
	for len(n.queue) > 0 && !n.queue[0].at.After(now) {
		due = append(due, heap.Pop(&n.queue).(*delivery))
	}
	n.mu.Unlock()

	delivered := 0
	for _, d := range due {
		n.mu.Lock()
		ep, ok := n.endpoints[d.to]
		live := ok && !ep.closed && (ep.connected || d.kind == deliverDisconnect)
		if live && d.kind == deliverMessage {
			n.stats.Delivered++
		}
		n.mu.Unlock()
		if !live {
			continue
		}

		switch d.kind {
		case deliverMessage:
			ep.slot.dispatch(func(h Handler) { h.OnMessage(d.data, d.from) })
		case deliverJoin:
			ep.slot.dispatch(func(h Handler) { h.OnPeerJoin(d.from) })
		case deliverLeave:
			ep.slot.dispatch(func(h Handler) { h.OnPeerLeave(d.from) })
		case deliverDisconnect:
			ep.slot.dispatch(func(h Handler) { h.OnDisconnect(ErrDisconnected) })
		case deliverReconnect:
			ep.slot.dispatch(func(h Handler) { h.OnReconnect() })
		}
		delivered++
	}
	return delivered
}

// Run pumps the network every interval until ctx is done.
func (n *MemoryNetwork) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Pump()
		}
	}
}

// Pending returns the number of scheduled deliveries.
func (n *MemoryNetwork) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Stats returns a copy of the traffic counters.
func (n *MemoryNetwork) Stats() NetworkStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Peers returns the connected peers.
func (n *MemoryNetwork) Peers() []core.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := NewPeerSet()
	for id, ep := range n.endpoints {
		if ep.connected && !ep.closed {
			set.Add(id)
		}
	}
	return set.List()
}

func (n *MemoryNetwork) send(from core.PeerID, data []byte, reliable bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	src, ok := n.endpoints[from]
	switch {
	case !ok || src.closed:
		return ErrClosed
	case !src.connected:
		return ErrDisconnected
	}

	now := n.clock.Now()
	for _, id := range n.targetsLocked(from) {
		n.stats.Sent++
		payload := append([]byte(nil), data...)

		if reliable {
			n.pushLocked(&delivery{at: n.reliableAtLocked(from, id, now), to: id, kind: deliverMessage, from: from, data: payload})
			continue
		}
		if n.link.Loss > 0 && n.rng.Float64() < n.link.Loss {
			n.stats.Lost++
			continue
		}
		n.pushLocked(&delivery{at: now.Add(n.delayLocked()), to: id, kind: deliverMessage, from: from, data: payload})
		if n.link.Duplicate > 0 && n.rng.Float64() < n.link.Duplicate {
			n.stats.Duplicated++
			n.pushLocked(&delivery{at: now.Add(n.delayLocked()), to: id, kind: deliverMessage, from: from, data: payload})
		}
	}
	return nil
}

// announceLocked tells every other connected peer about id, and tells id
// about them when it joins.
func (n *MemoryNetwork) announceLocked(id core.PeerID, kind deliveryKind) {
	now := n.clock.Now()
	for _, other := range n.targetsLocked(id) {
		n.pushLocked(&delivery{at: n.reliableAtLocked(id, other, now), to: other, kind: kind, from: id})
		if kind == deliverJoin {
			n.pushLocked(&delivery{at: n.reliableAtLocked(other, id, now), to: id, kind: deliverJoin, from: other})
		}
	}
}

// targetsLocked lists the live endpoints other than except, sorted so that
// random draws happen in the same order for the same seed.
func (n *MemoryNetwork) targetsLocked(except core.PeerID) []core.PeerID {
	set := NewPeerSet()
	for id, ep := range n.endpoints {
		if id != except && ep.connected && !ep.closed {
			set.Add(id)
		}
	}
	return set.List()
}

// reliableAtLocked picks a delivery time that never precedes an earlier
// reliable delivery on the same link.
func (n *MemoryNetwork) reliableAtLocked(from, to core.PeerID, now time.Time) time.Time {
	at := now.Add(n.delayLocked())
	key := linkKey{from: from, to: to}
	if last, ok := n.lastReliable[key]; ok && at.Before(last) {
		at = last
	}
	n.lastReliable[key] = at
	return at
}

func (n *MemoryNetwork) delayLocked() time.Duration {
	d := n.link.Latency
	if n.link.Jitter > 0 {
		d += time.Duration(n.rng.Int63n(int64(n.link.Jitter) + 1))
	}
	return d
}

func (n *MemoryNetwork) pushLocked(d *delivery) {
	n.seq++
	d.seq = n.seq
	heap.Push(&n.queue, d)
}

func (n *MemoryNetwork) closeEndpoint(id core.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[id]
	if !ok || ep.closed {
		return
	}
	if ep.connected {
		n.announceLocked(id, deliverLeave)
	}
	ep.closed = true
	ep.connected = false
	delete(n.endpoints, id)
}

// MemoryEndpoint is one peer's Transport on a MemoryNetwork.
type MemoryEndpoint struct {
	net  *MemoryNetwork
	id   core.PeerID
	slot handlerSlot

	// Guarded by net.mu.
	connected bool
	closed    bool
}

// LocalID returns the endpoint's peer id.
func (e *MemoryEndpoint) LocalID() core.PeerID {
	return e.id
}

// SendReliable broadcasts data on the lossless ordered channel.
func (e *MemoryEndpoint) SendReliable(data []byte) error {
	return e.net.send(e.id, data, true)
}

// SendUnreliable broadcasts data on the lossy channel.
func (e *MemoryEndpoint) SendUnreliable(data []byte) error {
	return e.net.send(e.id, data, false)
}

// SetHandler installs the event handler.
func (e *MemoryEndpoint) SetHandler(h Handler) {
	e.slot.set(h)
}

// Peers returns the other connected peers.
func (e *MemoryEndpoint) Peers() []core.PeerID {
	all := e.net.Peers()
	out := all[:0]
	for _, id := range all {
		if id != e.id {
			out = append(out, id)
		}
	}
	return out
}

// Close leaves the network. Safe to call multiple times.
func (e *MemoryEndpoint) Close() error {
	e.net.closeEndpoint(e.id)
	return nil
}
