package mux

import (
	"fmt"
	"time"

	"github.com/vovakirdan/netsync/internal/codec"
)

// Channel is a physical delivery channel.
type Channel uint8

const (
	// Unreliable channels may drop, duplicate and reorder.
	Unreliable Channel = iota
	// Reliable channels deliver every message once, in send order.
	Reliable
)

// String returns the channel's name.
func (c Channel) String() string {
	switch c {
	case Unreliable:
		return "unreliable"
	case Reliable:
		return "reliable"
	default:
		return fmt.Sprintf("Channel(%d)", uint8(c))
	}
}

// DefaultPositionInterval is the minimum send interval of the position topic (20Hz).
const DefaultPositionInterval = 50 * time.Millisecond

// Binding ties a topic to a channel and a minimum send interval.
// A zero interval disables rate limiting for the topic.
type Binding struct {
	Topic       codec.TopicID
	Channel     Channel
	MinInterval time.Duration
}

// DefaultBindings returns the bindings of the built-in topics.
// Positions are rate limited; inputs are not, since every command must reach
// the authority for replay to converge.
func DefaultBindings(positionInterval time.Duration) []Binding {
	return []Binding{
		{Topic: codec.TopicPosition, Channel: Unreliable, MinInterval: positionInterval},
		{Topic: codec.TopicInput, Channel: Unreliable},
		{Topic: codec.TopicState, Channel: Reliable},
		{Topic: codec.TopicStateRequest, Channel: Reliable},
		{Topic: codec.TopicMatchEvent, Channel: Reliable},
	}
}
