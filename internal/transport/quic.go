// Package transport provides the peer-to-peer transports:
// a QUIC transport that resolves session IDs through the
// directory, and an in-process network for tests.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/i5heu/ephemeral/internal/directory"
	"github.com/i5heu/ephemeral/pkg/interfaces"
	"github.com/quic-go/quic-go"
)

const (
	logKeyPeerID  = "peerId"
	logKeyAddress = "address"
	logKeyError   = "error"
)

const (
	defaultHeartbeat   = 30 * time.Second
	defaultEventBuffer = 256
	unregisterTimeout  = 5 * time.Second
)

var ErrNotStarted = errors.New("transport not started")

// Registry publishes and resolves session addresses.
// *directory.Client implements it.
type Registry interface { // A
	Register(ctx context.Context, id, address string) error
	Unregister(ctx context.Context, id string) error
	Lookup(ctx context.Context, id string) (directory.Registration, error)
}

type QUICConfig struct { // A
	ListenAddr string
	// AdvertiseAddr is published to the directory. It
	// defaults to the bound listen address.
	AdvertiseAddr string
	Registry      Registry
	// Heartbeat is the registration refresh period. It
	// must be shorter than the directory's registration
	// TTL.
	Heartbeat   time.Duration
	EventBuffer int
	Logger      *slog.Logger
}

// QUIC is a Transport over QUIC streams. Each peer
// connection is one bidirectional stream that starts with
// a hello frame naming the dialer's session.
type QUIC struct { // A
	cfg       QUICConfig
	log       *slog.Logger
	tlsCert   tls.Certificate
	listener  *quic.Listener
	sessionID string
	events    chan interfaces.TransportEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[*quicConn]struct{}

	closeOnce sync.Once
}

var _ interfaces.Transport = (*QUIC)(nil)

func NewQUIC(cfg QUICConfig) (*QUIC, error) { // A
	if cfg.Registry == nil {
		return nil, errors.New("quic transport needs a registry")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &QUIC{
		cfg:     cfg,
		log:     cfg.Logger,
		tlsCert: cert,
		events:  make(chan interfaces.TransportEvent, cfg.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*quicConn]struct{}),
	}, nil
}

// Start listens, picks a fresh session ID and registers
// it with the directory.
func (t *QUIC) Start(ctx context.Context) error { // A
	listener, err := quic.ListenAddr(
		t.cfg.ListenAddr,
		serverTLSConfig(t.tlsCert),
		quicConfig(),
	)
	if err != nil {
		return &interfaces.TransportError{
			Kind: interfaces.ErrKindNetwork,
			Err:  fmt.Errorf("listen %s: %w", t.cfg.ListenAddr, err),
		}
	}
	t.listener = listener
	t.sessionID = uuid.NewString()

	if err := t.cfg.Registry.Register(
		ctx, t.sessionID, t.advertise(),
	); err != nil {
		_ = listener.Close()
		return &interfaces.TransportError{
			Kind: interfaces.ErrKindServerError,
			Err:  err,
		}
	}
	t.log.Info("transport started",
		logKeyPeerID, t.sessionID,
		logKeyAddress, t.advertise(),
	)

	t.wg.Add(2)
	go t.acceptLoop()
	go t.heartbeatLoop()
	return nil
}

// Addr returns the bound listen address.
func (t *QUIC) Addr() string { // A
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *QUIC) advertise() string { // A
	if t.cfg.AdvertiseAddr != "" {
		return t.cfg.AdvertiseAddr
	}
	return t.Addr()
}

func (t *QUIC) SessionID() string { // A
	return t.sessionID
}

func (t *QUIC) Events() <-chan interfaces.TransportEvent { // A
	return t.events
}

// Connect returns a pending handle at once and dials in
// the background. The outcome arrives as an Opened event,
// or Errored followed by Closed.
func (t *QUIC) Connect(peerID string) interfaces.Conn { // A
	c := newQuicConn(t, peerID)
	if !t.track(c, true) {
		c.shutdown()
		return c
	}
	go t.dial(c)
	return c
}

func (t *QUIC) dial(c *quicConn) { // A
	defer t.wg.Done()

	// A failed lookup only concerns this peer; the next
	// refresh pass picks another.
	reg, err := t.cfg.Registry.Lookup(t.ctx, c.peerID)
	if err != nil {
		t.fail(c, interfaces.ErrKindPeerUnavailable,
			fmt.Errorf("lookup %s: %w", c.peerID, err))
		return
	}

	conn, err := quic.DialAddr(
		t.ctx,
		reg.Address,
		clientTLSConfig(),
		quicConfig(),
	)
	if err != nil {
		t.fail(c, interfaces.ErrKindPeerUnavailable,
			fmt.Errorf("dial %s: %w", reg.Address, err))
		return
	}

	stream, err := conn.OpenStreamSync(t.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		t.fail(c, interfaces.ErrKindPeerUnavailable,
			fmt.Errorf("open stream: %w", err))
		return
	}
	if err := writeFrame(stream, frameHello, []byte(t.sessionID)); err != nil {
		_ = conn.CloseWithError(0, "hello failed")
		t.fail(c, interfaces.ErrKindPeerUnavailable, err)
		return
	}

	if !c.attach(conn, stream) {
		return
	}
	t.emit(interfaces.TransportEvent{Kind: interfaces.EventOpened, Conn: c})
	c.readLoop()
}

func (t *QUIC) acceptLoop() { // A
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.emit(interfaces.TransportEvent{
				Kind: interfaces.EventErrored,
				Err: &interfaces.TransportError{
					Kind: interfaces.ErrKindSocketClosed,
					Err:  fmt.Errorf("accept: %w", err),
				},
			})
			return
		}
		t.wg.Add(1)
		go t.handshake(conn)
	}
}

// handshake reads the hello frame of an inbound
// connection and hands it to the owner.
func (t *QUIC) handshake(conn *quic.Conn) { // A
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(t.ctx, handshakeTimeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	typ, payload, err := readFrame(stream)
	if err != nil || typ != frameHello || len(payload) == 0 {
		t.log.Debug("dropping inbound connection",
			logKeyAddress, conn.RemoteAddr().String(),
		)
		_ = conn.CloseWithError(0, "bad hello")
		return
	}

	c := newQuicConn(t, string(payload))
	if !t.track(c, false) || !c.attach(conn, stream) {
		_ = conn.CloseWithError(0, "transport closed")
		return
	}
	t.emit(interfaces.TransportEvent{Kind: interfaces.EventIncoming, Conn: c})
	t.emit(interfaces.TransportEvent{Kind: interfaces.EventOpened, Conn: c})
	c.readLoop()
}

func (t *QUIC) heartbeatLoop() { // A
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			err := t.cfg.Registry.Register(t.ctx, t.sessionID, t.advertise())
			if err == nil || t.ctx.Err() != nil {
				continue
			}
			t.emit(interfaces.TransportEvent{
				Kind: interfaces.EventErrored,
				Err: &interfaces.TransportError{
					Kind: interfaces.ErrKindDisconnected,
					Err:  err,
				},
			})
		}
	}
}

// fail reports a connect failure for c and then its
// closure.
func (t *QUIC) fail( // A
	c *quicConn,
	kind interfaces.ErrorKind,
	err error,
) {
	t.log.Debug("connect failed",
		logKeyPeerID, c.peerID,
		logKeyError, err.Error(),
	)
	c.shutdown()
	t.emit(interfaces.TransportEvent{
		Kind: interfaces.EventErrored,
		Conn: c,
		Err:  &interfaces.TransportError{Kind: kind, Err: err},
	})
	t.emit(interfaces.TransportEvent{Kind: interfaces.EventClosed, Conn: c})
}

// emit delivers ev unless the transport is closing.
func (t *QUIC) emit(ev interfaces.TransportEvent) { // A
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// track records c. With spawn set it also accounts for
// the goroutine the caller is about to start.
func (t *QUIC) track(c *quicConn, spawn bool) bool { // A
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return false
	}
	t.conns[c] = struct{}{}
	if spawn {
		t.wg.Add(1)
	}
	return true
}

func (t *QUIC) untrack(c *quicConn) { // A
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

// Close unregisters the session and closes every
// connection. Events still queued are dropped; the events
// channel is never closed.
func (t *QUIC) Close() error { // A
	var err error
	t.closeOnce.Do(func() {
		if t.listener != nil {
			ctx, cancel := context.WithTimeout(
				context.Background(), unregisterTimeout,
			)
			if uerr := t.cfg.Registry.Unregister(ctx, t.sessionID); uerr != nil {
				t.log.Debug("unregister failed", logKeyError, uerr.Error())
			}
			cancel()
		}

		t.mu.Lock()
		t.cancel()
		conns := make([]*quicConn, 0, len(t.conns))
		for c := range t.conns {
			conns = append(conns, c)
		}
		t.conns = make(map[*quicConn]struct{})
		t.mu.Unlock()

		for _, c := range conns {
			c.shutdown()
		}
		if t.listener != nil {
			err = t.listener.Close()
		}
		t.wg.Wait()
	})
	return err
}
