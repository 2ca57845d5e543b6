package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

// wsLink owns one websocket connection: a write pump fed by a buffered
// queue and a read pump delivering frames to a callback.
type wsLink struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newWSLink(conn *websocket.Conn) *wsLink {
	return &wsLink{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// enqueue queues a frame. Droppable frames are discarded when the queue is
// full; others wait for room.
func (l *wsLink) enqueue(data []byte, droppable bool) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	if droppable {
		select {
		case l.send <- data:
		default:
			l.dropped.Add(1)
		}
		return nil
	}

	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// close stops both pumps. Safe to call multiple times.
func (l *wsLink) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.conn.Close()
	})
}

func (l *wsLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *wsLink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer l.close()

	for {
		select {
		case <-l.done:
			return

		case msg := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump blocks until the connection fails or is closed and returns the
// read error.
func (l *wsLink) readPump(onFrame func([]byte)) error {
	defer l.close()

	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			return err
		}
		onFrame(msg)
	}
}
