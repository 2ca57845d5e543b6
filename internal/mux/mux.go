// Package mux multiplexes logical topics over one reliable and one unreliable
// channel, applying a per-topic minimum send interval.
package mux

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/codec"
	"github.com/vovakirdan/netsync/internal/core"
)

var (
	// ErrUnboundTopic is returned by Send for topics with no binding.
	ErrUnboundTopic = errors.New("mux: topic is not bound")
	// ErrReservedTopic is returned by Register for ids below codec.TopicCustomBase.
	ErrReservedTopic = errors.New("mux: topic id is reserved")
	// ErrTopicExists is returned by Register for an id that is already bound.
	ErrTopicExists = errors.New("mux: topic already registered")
)

// Sender is the outbound half of a transport.
type Sender interface {
	SendReliable(data []byte) error
	SendUnreliable(data []byte) error
}

// Handler receives a decoded inbound message.
type Handler func(msg codec.Message, from core.PeerID)

// Stats counts multiplexer activity since creation.
type Stats struct {
	Sent          uint64
	Throttled     uint64
	Received      uint64
	DecodeErrors  uint64
	UnknownTopics uint64
}

// Options configures a Mux. Zero values select defaults.
type Options struct {
	// PositionInterval overrides DefaultPositionInterval. Negative disables
	// rate limiting of positions.
	PositionInterval time.Duration
	Clock            core.Clock
	Logger           *log.Logger
}

// Mux routes messages between topics and physical channels.
type Mux struct {
	sender Sender
	clock  core.Clock
	logger *log.Logger

	mu       sync.Mutex
	bindings map[codec.TopicID]Binding
	handlers map[codec.TopicID][]Handler
	lastSend map[codec.TopicID]time.Time
	stats    Stats
}

// New creates a multiplexer with the built-in topics bound.
func New(sender Sender, opts Options) *Mux {
	interval := opts.PositionInterval
	switch {
	case interval == 0:
		interval = DefaultPositionInterval
	case interval < 0:
		interval = 0
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("mux")
	}

	m := &Mux{
		sender:   sender,
		clock:    clock,
		logger:   logger,
		bindings: make(map[codec.TopicID]Binding),
		handlers: make(map[codec.TopicID][]Handler),
		lastSend: make(map[codec.TopicID]time.Time),
	}
	for _, b := range DefaultBindings(interval) {
		m.bindings[b.Topic] = b
	}
	return m
}

// Register binds a custom topic. Bindings are meant to be set up once at
// startup, before traffic flows.
func (m *Mux) Register(b Binding) error {
	if b.Topic < codec.TopicCustomBase {
		return fmt.Errorf("%w: %d", ErrReservedTopic, b.Topic)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[b.Topic]; ok {
		return fmt.Errorf("%w: %s", ErrTopicExists, b.Topic)
	}
	m.bindings[b.Topic] = b
	return nil
}

// Binding returns the binding of a topic.
func (m *Mux) Binding(topic codec.TopicID) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[topic]
	return b, ok
}

// OnReceive registers a handler for inbound messages on a topic.
// Handlers run in registration order on the goroutine calling Dispatch.
func (m *Mux) OnReceive(topic codec.TopicID, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = append(m.handlers[topic], h)
}

// Send encodes msg and writes it to its topic's channel.
// It reports false without error when the topic's minimum interval has not
// elapsed since the last successful send; such messages are dropped, not
// queued.
func (m *Mux) Send(msg codec.Message) (bool, error) {
	data, err := codec.Encode(msg)
	if err != nil {
		return false, err
	}
	topic := msg.Topic()
	now := m.clock.Now()

	m.mu.Lock()
	b, ok := m.bindings[topic]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnboundTopic, topic)
	}
	if last, sent := m.lastSend[topic]; sent && b.MinInterval > 0 && now.Sub(last) < b.MinInterval {
		m.stats.Throttled++
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	if b.Channel == Reliable {
		err = m.sender.SendReliable(data)
	} else {
		err = m.sender.SendUnreliable(data)
	}
	if err != nil {
		return false, fmt.Errorf("mux: cannot send %s: %w", topic, err)
	}

	m.mu.Lock()
	m.lastSend[topic] = now
	m.stats.Sent++
	m.mu.Unlock()
	return true, nil
}

// Dispatch decodes one inbound buffer and invokes the topic's handlers.
// Undecodable buffers are logged and dropped. Topics with no binding are
// ignored.
func (m *Mux) Dispatch(data []byte, from core.PeerID) {
	msg, err := codec.Decode(data)
	if err != nil {
		m.mu.Lock()
		m.stats.DecodeErrors++
		m.mu.Unlock()
		m.logger.Warn("dropping undecodable message", "from", from, "bytes", len(data), "err", err)
		return
	}
	topic := msg.Topic()

	m.mu.Lock()
	if _, ok := m.bindings[topic]; !ok {
		m.stats.UnknownTopics++
		m.mu.Unlock()
		m.logger.Debug("ignoring unknown topic", "topic", topic, "from", from)
		return
	}
	m.stats.Received++
	handlers := m.handlers[topic]
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg, from)
	}
}

// Reset forgets every topic's last send time. Called when the connection is
// re-established.
func (m *Mux) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSend = make(map[codec.TopicID]time.Time)
}

// Stats returns a copy of the counters.
func (m *Mux) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
