package transport

import (
	"errors"
	"sync"

	"github.com/i5heu/ephemeral/pkg/interfaces"
	"github.com/quic-go/quic-go"
)

const sendQueueSize = 256

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// quicConn is one peer stream. Sends are queued and
// written by a dedicated goroutine so Send never blocks.
type quicConn struct { // A
	t      *QUIC
	peerID string
	out    chan []byte
	done   chan struct{}

	mu     sync.Mutex
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
}

var _ interfaces.Conn = (*quicConn)(nil)

func newQuicConn(t *QUIC, peerID string) *quicConn { // A
	return &quicConn{
		t:      t,
		peerID: peerID,
		out:    make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

func (c *quicConn) PeerID() string { // A
	return c.peerID
}

// Send queues data for delivery. Data sent before the
// stream opens is delivered once it does.
func (c *quicConn) Send(data []byte) error { // A
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *quicConn) Close() error { // A
	c.shutdown()
	return nil
}

// attach binds the established stream and starts the
// writer. It fails if the handle was closed meanwhile.
func (c *quicConn) attach(conn *quic.Conn, stream *quic.Stream) bool { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		_ = conn.CloseWithError(0, "closed")
		return false
	default:
	}
	c.conn = conn
	c.stream = stream
	c.t.wg.Add(1)
	go c.writeLoop()
	return true
}

func (c *quicConn) writeLoop() { // A
	defer c.t.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := writeFrame(c.stream, frameData, data); err != nil {
				c.t.log.Debug("write failed",
					logKeyPeerID, c.peerID,
					logKeyError, err.Error(),
				)
				c.shutdown()
				return
			}
		}
	}
}

// readLoop delivers data frames until the stream fails,
// then reports the connection closed.
func (c *quicConn) readLoop() { // A
	for {
		typ, payload, err := readFrame(c.stream)
		if err != nil {
			c.shutdown()
			c.t.emit(interfaces.TransportEvent{
				Kind: interfaces.EventClosed,
				Conn: c,
			})
			return
		}
		if typ != frameData {
			continue
		}
		c.t.emit(interfaces.TransportEvent{
			Kind: interfaces.EventData,
			Conn: c,
			Data: payload,
		})
	}
}

func (c *quicConn) shutdown() { // A
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.CloseWithError(0, "closed")
		}
		c.t.untrack(c)
	})
}
