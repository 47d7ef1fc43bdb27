package transport

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/i5heu/ephemeral/pkg/interfaces"
)

var errUnknownPeer = errors.New("no such peer on the network")

// Network is an in-process stand-in for the directory and
// the peer links between Memory transports. It implements
// interfaces.Directory.
type Network struct { // A
	mu    sync.Mutex
	nodes map[string]*Memory
}

var _ interfaces.Directory = (*Network)(nil)

func NewNetwork() *Network { // A
	return &Network{nodes: make(map[string]*Memory)}
}

// Peers lists the started transports in sorted order.
func (n *Network) Peers(context.Context) ([]string, error) { // A
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// NewTransport returns an unstarted transport on n.
func (n *Network) NewTransport() *Memory { // A
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{
		net:    n,
		events: make(chan interfaces.TransportEvent, defaultEventBuffer),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*memConn]struct{}),
	}
}

func (n *Network) lookup(id string) *Memory { // A
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}

// Memory is a Transport whose peers live in the same
// process.
type Memory struct { // A
	net    *Network
	id     string
	events chan interfaces.TransportEvent
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*memConn]struct{}
}

var _ interfaces.Transport = (*Memory)(nil)

func (m *Memory) Start(context.Context) error { // A
	m.id = uuid.NewString()
	m.net.mu.Lock()
	m.net.nodes[m.id] = m
	m.net.mu.Unlock()
	return nil
}

func (m *Memory) SessionID() string { // A
	return m.id
}

func (m *Memory) Events() <-chan interfaces.TransportEvent { // A
	return m.events
}

// Connect links to peerID in the background. Unknown
// peers yield a peer-unavailable error.
func (m *Memory) Connect(peerID string) interfaces.Conn { // A
	c := m.newConn(peerID)
	go func() {
		remote := m.net.lookup(peerID)
		if remote == nil || remote == m {
			c.shutdown()
			m.emit(interfaces.TransportEvent{
				Kind: interfaces.EventErrored,
				Conn: c,
				Err: &interfaces.TransportError{
					Kind: interfaces.ErrKindPeerUnavailable,
					Err:  errUnknownPeer,
				},
			})
			m.emit(interfaces.TransportEvent{Kind: interfaces.EventClosed, Conn: c})
			return
		}

		rc := remote.newConn(m.id)
		rc.setPeer(c)
		if !c.setPeer(rc) {
			rc.shutdown()
			return
		}
		remote.emit(interfaces.TransportEvent{Kind: interfaces.EventIncoming, Conn: rc})
		remote.emit(interfaces.TransportEvent{Kind: interfaces.EventOpened, Conn: rc})
		go rc.pump()
		m.emit(interfaces.TransportEvent{Kind: interfaces.EventOpened, Conn: c})
		go c.pump()
	}()
	return c
}

// Fail injects a transport-wide error event.
func (m *Memory) Fail(kind interfaces.ErrorKind, err error) { // A
	m.emit(interfaces.TransportEvent{
		Kind: interfaces.EventErrored,
		Err:  &interfaces.TransportError{Kind: kind, Err: err},
	})
}

func (m *Memory) Close() error { // A
	m.net.mu.Lock()
	if m.net.nodes[m.id] == m {
		delete(m.net.nodes, m.id)
	}
	m.net.mu.Unlock()

	m.mu.Lock()
	conns := make([]*memConn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	m.cancel()
	return nil
}

func (m *Memory) newConn(peerID string) *memConn { // A
	c := &memConn{
		local:  m,
		peerID: peerID,
		out:    make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()
	return c
}

func (m *Memory) emit(ev interfaces.TransportEvent) { // A
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

type memConn struct { // A
	local  *Memory
	peerID string
	out    chan []byte
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	peer *memConn
}

func (c *memConn) PeerID() string { // A
	return c.peerID
}

// setPeer links c to its remote side unless c was closed
// first.
func (c *memConn) setPeer(p *memConn) bool { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	c.peer = p
	return true
}

func (c *memConn) remote() *memConn { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *memConn) Send(data []byte) error { // A
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- append([]byte(nil), data...):
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close ends both sides; the remote side observes a
// Closed event.
func (c *memConn) Close() error { // A
	c.shutdown()
	if p := c.remote(); p != nil {
		p.shutdown()
		go p.local.emit(interfaces.TransportEvent{
			Kind: interfaces.EventClosed,
			Conn: p,
		})
	}
	return nil
}

func (c *memConn) shutdown() { // A
	c.once.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()
		c.local.mu.Lock()
		delete(c.local.conns, c)
		c.local.mu.Unlock()
	})
}

// pump forwards queued sends to the remote side in order.
func (c *memConn) pump() { // A
	peer := c.remote()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			select {
			case <-peer.done:
				return
			default:
			}
			peer.local.emit(interfaces.TransportEvent{
				Kind: interfaces.EventData,
				Conn: peer,
				Data: data,
			})
		}
	}
}
