package session

import (
	"fmt"

	"github.com/vovakirdan/netsync/internal/core"
)

// event is a transport notification waiting for the next Update.
type event interface {
	sessionEvent()
}

type messageEvent struct {
	data []byte
	from core.PeerID
}

func (messageEvent) sessionEvent() {}

type peerJoinEvent struct {
	id core.PeerID
}

func (peerJoinEvent) sessionEvent() {}

type peerLeaveEvent struct {
	id core.PeerID
}

func (peerLeaveEvent) sessionEvent() {}

type disconnectEvent struct {
	err error
}

func (disconnectEvent) sessionEvent() {}

type reconnectEvent struct{}

func (reconnectEvent) sessionEvent() {}

// LifecycleKind classifies a LifecycleEvent.
type LifecycleKind int

const (
	LifecycleDisconnected     LifecycleKind = iota // Transport link went down
	LifecycleReconnected                           // Transport link is back; buffers were reset
	LifecyclePeerJoined                            // A peer appeared
	LifecyclePeerLeft                              // A peer went away
	LifecycleAuthorityChanged                      // The authority strategy picked another peer
)

func (k LifecycleKind) String() string {
	switch k {
	case LifecycleDisconnected:
		return "Disconnected"
	case LifecycleReconnected:
		return "Reconnected"
	case LifecyclePeerJoined:
		return "PeerJoined"
	case LifecyclePeerLeft:
		return "PeerLeft"
	case LifecycleAuthorityChanged:
		return "AuthorityChanged"
	default:
		return fmt.Sprintf("LifecycleKind(%d)", int(k))
	}
}

// LifecycleEvent is reported to the host through OnLifecycle.
type LifecycleEvent struct {
	Kind LifecycleKind
	Peer core.PeerID // Peer joined or left, or the new authority
	Err  error       // Cause of a disconnect, if known
}

// inbox is the transport.Handler of a session. It only queues; the queue is
// drained by Update.
type inbox struct {
	s *Session
}

func (in inbox) OnMessage(data []byte, from core.PeerID) {
	in.s.enqueue(messageEvent{data: data, from: from})
}

func (in inbox) OnPeerJoin(id core.PeerID) {
	in.s.enqueue(peerJoinEvent{id: id})
}

func (in inbox) OnPeerLeave(id core.PeerID) {
	in.s.enqueue(peerLeaveEvent{id: id})
}

func (in inbox) OnDisconnect(err error) {
	in.s.enqueue(disconnectEvent{err: err})
}

func (in inbox) OnReconnect() {
	in.s.enqueue(reconnectEvent{})
}
