package transport

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vovakirdan/netsync/internal/core"
)

// FrameKind identifies a relay frame.
type FrameKind uint8

const (
	FrameReliable   FrameKind = iota + 1 // Data on the reliable channel
	FrameUnreliable                      // Data on the unreliable channel
	FrameWelcome                         // Relay -> client: assigned id and current peers
	FramePeerJoin                        // Relay -> client: Peer joined
	FramePeerLeave                       // Relay -> client: Peer left
)

// String returns the kind's name.
func (k FrameKind) String() string {
	switch k {
	case FrameReliable:
		return "reliable"
	case FrameUnreliable:
		return "unreliable"
	case FrameWelcome:
		return "welcome"
	case FramePeerJoin:
		return "peer_join"
	case FramePeerLeave:
		return "peer_leave"
	default:
		return fmt.Sprintf("FrameKind(%d)", uint8(k))
	}
}

// Frame is one websocket message between a client and the relay.
// Data frames from the relay carry the original sender in Peer.
type Frame struct {
	Kind  FrameKind     `msgpack:"k"`
	Peer  core.PeerID   `msgpack:"p,omitempty"`
	Peers []core.PeerID `msgpack:"ps,omitempty"`
	Data  []byte        `msgpack:"d,omitempty"`
}

// EncodeFrame serializes a frame.
func EncodeFrame(f Frame) ([]byte, error) {
	b, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("transport: cannot encode %s frame: %w", f.Kind, err)
	}
	return b, nil
}

// DecodeFrame parses a frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("transport: cannot decode frame: %w", err)
	}
	if f.Kind < FrameReliable || f.Kind > FramePeerLeave {
		return Frame{}, fmt.Errorf("transport: unknown frame kind %d", f.Kind)
	}
	return f, nil
}
