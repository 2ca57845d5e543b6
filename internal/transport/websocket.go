package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/vovakirdan/netsync/internal/core"
)

// PeerQueryParam is the query parameter a client uses to request a peer id.
const PeerQueryParam = "peer"

const welcomeTimeout = 5 * time.Second

// WebSocketOptions configures DialWebSocket.
type WebSocketOptions struct {
	// PeerID requests an id from the relay. Empty lets the relay assign one.
	PeerID core.PeerID
	Dialer *websocket.Dialer
	Logger *log.Logger
}

// WebSocketTransport is a Transport over a websocket connection to a Relay.
// Both channels share the TCP stream, so unreliable frames are only
// "unreliable" in that they are dropped when the send queue is full.
type WebSocketTransport struct {
	rawURL string
	opts   WebSocketOptions
	logger *log.Logger
	slot   handlerSlot
	peers  *PeerSet

	mu     sync.Mutex
	id     core.PeerID
	link   *wsLink
	closed bool
}

// DialWebSocket connects to a relay and waits for its welcome frame.
func DialWebSocket(ctx context.Context, rawURL string, opts WebSocketOptions) (*WebSocketTransport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("ws")
	}
	t := &WebSocketTransport{
		rawURL: rawURL,
		opts:   opts,
		logger: logger,
		peers:  NewPeerSet(),
		id:     opts.PeerID,
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// LocalID returns the id assigned by the relay.
func (t *WebSocketTransport) LocalID() core.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// SendReliable queues data for every other peer, waiting for queue room.
func (t *WebSocketTransport) SendReliable(data []byte) error {
	return t.sendFrame(FrameReliable, data)
}

// SendUnreliable queues data for every other peer, dropping it if the queue
// is full.
func (t *WebSocketTransport) SendUnreliable(data []byte) error {
	return t.sendFrame(FrameUnreliable, data)
}

// SetHandler installs the event handler.
func (t *WebSocketTransport) SetHandler(h Handler) {
	t.slot.set(h)
}

// Peers returns the other peers connected to the relay.
func (t *WebSocketTransport) Peers() []core.PeerID {
	return t.peers.List()
}

// Dropped returns the number of unreliable frames dropped on the current
// connection.
func (t *WebSocketTransport) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link == nil {
		return 0
	}
	return t.link.dropped.Load()
}

// Reconnect dials the relay again after a disconnect, keeping the peer id.
// The handler sees OnReconnect followed by a join for every present peer.
func (t *WebSocketTransport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.link != nil && !t.link.closed() {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.connect(ctx); err != nil {
		return err
	}
	t.slot.dispatch(func(h Handler) { h.OnReconnect() })
	return nil
}

// Close disconnects from the relay. Safe to call multiple times.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	link := t.link
	t.mu.Unlock()
	if link != nil {
		link.close()
	}
	return nil
}

func (t *WebSocketTransport) sendFrame(kind FrameKind, data []byte) error {
	t.mu.Lock()
	link, closed := t.link, t.closed
	t.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case link == nil || link.closed():
		return ErrDisconnected
	}

	frame, err := EncodeFrame(Frame{Kind: kind, Data: data})
	if err != nil {
		return err
	}
	return link.enqueue(frame, kind == FrameUnreliable)
}

func (t *WebSocketTransport) connect(ctx context.Context) error {
	u, err := url.Parse(t.rawURL)
	if err != nil {
		return fmt.Errorf("transport: invalid relay url %q: %w", t.rawURL, err)
	}
	t.mu.Lock()
	if t.id != "" {
		q := u.Query()
		q.Set(PeerQueryParam, string(t.id))
		u.RawQuery = q.Encode()
	}
	t.mu.Unlock()

	dialer := t.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("transport: cannot dial relay %s: %w", u.Host, err)
	}

	conn.SetReadDeadline(time.Now().Add(welcomeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("transport: no welcome from relay: %w", err)
	}
	welcome, err := DecodeFrame(msg)
	if err != nil || welcome.Kind != FrameWelcome || welcome.Peer == "" {
		conn.Close()
		return fmt.Errorf("transport: unexpected first frame from relay")
	}

	link := newWSLink(conn)
	t.mu.Lock()
	t.id = welcome.Peer
	t.link = link
	t.mu.Unlock()

	t.peers.Clear()
	for _, p := range welcome.Peers {
		if p == welcome.Peer {
			continue
		}
		t.peers.Add(p)
		peer := p
		t.slot.dispatch(func(h Handler) { h.OnPeerJoin(peer) })
	}
	t.logger.Info("connected to relay", "url", u.Host, "peer", welcome.Peer, "peers", len(welcome.Peers))

	go link.writePump()
	go t.read(link)
	return nil
}

func (t *WebSocketTransport) read(link *wsLink) {
	err := link.readPump(func(msg []byte) {
		f, err := DecodeFrame(msg)
		if err != nil {
			t.logger.Warn("dropping bad relay frame", "err", err)
			return
		}
		switch f.Kind {
		case FrameReliable, FrameUnreliable:
			t.slot.dispatch(func(h Handler) { h.OnMessage(f.Data, f.Peer) })
		case FramePeerJoin:
			if t.peers.Add(f.Peer) {
				t.slot.dispatch(func(h Handler) { h.OnPeerJoin(f.Peer) })
			}
		case FramePeerLeave:
			if t.peers.Remove(f.Peer) {
				t.slot.dispatch(func(h Handler) { h.OnPeerLeave(f.Peer) })
			}
		}
	})

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		t.logger.Warn("relay connection lost", "err", err)
	}
	if err == nil {
		err = errors.New("connection closed")
	}
	t.peers.Clear()
	t.slot.dispatch(func(h Handler) { h.OnDisconnect(err) })
}
