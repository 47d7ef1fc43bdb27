// Package client is the composition root of a node. It
// bootstraps the identity and the stores, then runs every
// protocol component on one event loop.
package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"

	"github.com/i5heu/ephemeral/internal/config"
	"github.com/i5heu/ephemeral/internal/connmgr"
	"github.com/i5heu/ephemeral/internal/gossip"
	"github.com/i5heu/ephemeral/internal/health"
	"github.com/i5heu/ephemeral/internal/metrics"
	"github.com/i5heu/ephemeral/internal/scheduler"
	"github.com/i5heu/ephemeral/pkg/clock"
	"github.com/i5heu/ephemeral/pkg/crypt"
	"github.com/i5heu/ephemeral/pkg/identity"
	"github.com/i5heu/ephemeral/pkg/interfaces"
	"github.com/i5heu/ephemeral/pkg/post"
)

const (
	logKeyPeerID = "peerId"
	logKeyName   = "name"
	logKeyMode   = "mode"
	logKeyKind   = "kind"
	logKeyEvent  = "event"
	logKeyError  = "error"
)

const workQueueSize = 64

var (
	ErrInvalidConfig = errors.New("invalid client config")
	ErrClosed        = errors.New("client closed")
	ErrNotStarted    = errors.New("client not started")
	ErrStarted       = errors.New("client already started")
)

// BackendOpener opens the durable backend of one identity
// namespace.
type BackendOpener func(namespace string) (interfaces.Backend, error)

// Config wires a Client. Transport, Directory, UI and
// Crypt are required.
type Config struct { // A
	Settings config.Settings
	Name     string
	Mode     identity.Mode

	Transport interfaces.Transport
	Directory interfaces.Directory
	UI        interfaces.UI
	Crypt     crypt.Provider
	// OpenDurable opens the backend of non-guest
	// identities. When nil they get an in-memory backend
	// that is lost on Close.
	OpenDurable BackendOpener

	Clock   clock.Clock
	Rand    *rand.Rand
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Client is one node. Its protocol state is owned by the
// loop goroutine; public methods hand work to that loop.
type Client struct { // A
	cfg Config
	log *slog.Logger

	work  chan func()
	ready chan struct{}
	done  chan struct{}

	// Set during Start and read-only afterwards.
	mode      identity.Mode
	self      identity.Identity
	publicKey []byte
	priv      *rsa.PrivateKey
	backend   interfaces.Backend
	conns     *connmgr.Manager
	engine    *gossip.Engine
	sched     *scheduler.Scheduler
	cancel    context.CancelFunc

	errMu sync.Mutex
	err   error

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
}

func New(cfg Config) (*Client, error) { // A
	if cfg.Transport == nil || cfg.Directory == nil ||
		cfg.UI == nil || cfg.Crypt == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.Mode == "" {
		cfg.Mode = identity.ModeGuest
	}
	if cfg.Mode != identity.ModeGuest && cfg.Name == "" {
		return nil, fmt.Errorf("%w: mode %s needs a name", ErrInvalidConfig, cfg.Mode)
	}
	if cfg.Settings.MaxConnections <= 0 {
		cfg.Settings = config.Default().Settings
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Client{
		cfg:   cfg,
		log:   cfg.Logger,
		work:  make(chan func(), workQueueSize),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Start bootstraps the session and launches the event
// loop. Ready is closed once the first connection refresh
// has run.
func (c *Client) Start(ctx context.Context) error { // A
	err := ErrStarted
	c.startOnce.Do(func() {
		err = c.start(ctx)
	})
	return err
}

func (c *Client) start(ctx context.Context) error { // A
	if err := c.cfg.Transport.Start(ctx); err != nil {
		c.alertTransport(ctx, err)
		return fmt.Errorf("start transport: %w", err)
	}

	if err := c.setupIdentity(ctx); err != nil {
		_ = c.cfg.Transport.Close()
		return err
	}

	if err := c.wire(); err != nil {
		_ = c.backend.Close()
		_ = c.cfg.Transport.Close()
		return err
	}

	rendered := c.engine.RenderCache()
	c.cfg.UI.UpdateIdentityDisplay(
		c.self.Name, c.self.ID, c.cfg.Transport.SessionID(),
	)
	c.log.Info("session ready",
		logKeyName, c.self.Name,
		logKeyMode, string(c.mode),
		logKeyPeerID, c.cfg.Transport.SessionID(),
		"cachedPosts", rendered,
	)

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started.Store(true)

	c.work <- func() {
		c.conns.Refresh(loopCtx)
		close(c.ready)
	}
	c.schedule()
	c.sched.Start(loopCtx)
	go c.run(loopCtx)
	return nil
}

// wire builds the connection manager and the gossip
// engine over the bootstrapped backend.
func (c *Client) wire() error { // A
	s := c.cfg.Settings
	conns, err := connmgr.New(connmgr.Config{
		SelfID:            c.cfg.Transport.SessionID(),
		MaxConnections:    s.MaxConnections,
		RefreshInterval:   s.Intervals.RefreshConnections,
		ConnectionTimeout: s.ConnectionTimeout,
		Transport:         c.cfg.Transport,
		Directory:         c.cfg.Directory,
		UI:                c.cfg.UI,
		Submit:            c.submit,
		Rand:              c.cfg.Rand,
		Clock:             c.cfg.Clock,
		Metrics:           c.cfg.Metrics,
		Logger:            c.log,
	})
	if err != nil {
		return fmt.Errorf("create connection manager: %w", err)
	}

	engine, err := gossip.NewEngine(gossip.Config{
		Self:              c.self,
		PublicKey:         c.publicKey,
		Backend:           c.backend,
		Conns:             conns,
		UI:                c.cfg.UI,
		Crypt:             c.cfg.Crypt,
		ConnectionTimeout: s.ConnectionTimeout,
		Clock:             c.cfg.Clock,
		Metrics:           c.cfg.Metrics,
		Logger:            c.log,
	})
	if err != nil {
		return fmt.Errorf("create gossip engine: %w", err)
	}

	c.conns = conns
	c.engine = engine
	return nil
}

func (c *Client) schedule() { // A
	iv := c.cfg.Settings.Intervals
	c.sched = scheduler.New(c.submit, c.log)
	c.sched.Every("refreshConnections", iv.RefreshConnections,
		func(ctx context.Context) { c.conns.Refresh(ctx) })
	c.sched.Every("queryPosts", iv.QueryPosts,
		func(context.Context) { c.engine.QueryPosts() })
	c.sched.Every("queryIdents", iv.QueryIdents,
		func(context.Context) { c.engine.QueryIdents() })
	c.sched.Every("pruneCache", iv.PruneCache,
		func(context.Context) { c.engine.Prune(c.cfg.Settings.PostTTL) })
	if c.self.IsGuest() {
		return
	}
	// Posts and identities live in one backend, so a
	// single flush saves both.
	c.sched.Every("saveCaches", iv.SavePosts,
		func(ctx context.Context) { c.flush(ctx) })
}

func (c *Client) flush(ctx context.Context) { // A
	if err := c.engine.Flush(ctx); err != nil {
		c.log.Error("save caches", logKeyError, err.Error())
	}
}

// submit queues fn on the loop. It drops fn once the loop
// has stopped.
func (c *Client) submit(fn func()) { // A
	select {
	case c.work <- fn:
	case <-c.done:
	}
}

func (c *Client) run(ctx context.Context) { // A
	defer close(c.done)
	events := c.cfg.Transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.work:
			fn()
		case ev := <-events:
			if err := c.handleEvent(ctx, ev); err != nil {
				c.setErr(err)
				c.log.Error("stopping client", logKeyError, err.Error())
				return
			}
		}
	}
}

func (c *Client) handleEvent( // A
	ctx context.Context,
	ev interfaces.TransportEvent,
) error {
	switch ev.Kind {
	case interfaces.EventIncoming:
		c.conns.Accept(ev.Conn)
	case interfaces.EventOpened:
		c.conns.Opened(ev.Conn)
	case interfaces.EventClosed:
		c.conns.Closed(ev.Conn)
	case interfaces.EventData:
		if !c.conns.IsOpen(ev.Conn) {
			c.log.Debug("data on unmapped connection",
				logKeyPeerID, ev.Conn.PeerID(),
			)
			return nil
		}
		c.engine.Dispatch(ev.Conn, ev.Data)
	case interfaces.EventErrored:
		return c.transportError(ctx, ev)
	default:
		c.log.Debug("unknown transport event", logKeyEvent, ev.Kind.String())
	}
	return nil
}

func (c *Client) transportError( // A
	ctx context.Context,
	ev interfaces.TransportEvent,
) error {
	if ev.Err == nil {
		return nil
	}
	if !ev.Err.Kind.Fatal() {
		peer := ""
		if ev.Conn != nil {
			peer = ev.Conn.PeerID()
		}
		c.log.Debug("transport error ignored",
			logKeyKind, string(ev.Err.Kind),
			logKeyPeerID, peer,
		)
		return nil
	}
	c.alertTransport(ctx, ev.Err)
	return fmt.Errorf("transport: %w", ev.Err)
}

// alertTransport tells the user about a fatal transport
// error.
func (c *Client) alertTransport(ctx context.Context, err error) { // A
	var terr *interfaces.TransportError
	text := interfaces.ErrKindNetwork.Alert()
	if errors.As(err, &terr) {
		if !terr.Kind.Fatal() {
			return
		}
		text = terr.Kind.Alert()
	}
	if aerr := c.cfg.UI.RaiseAlert(ctx, text); aerr != nil {
		c.log.Warn("raise alert", logKeyError, aerr.Error())
	}
}

func (c *Client) setErr(err error) { // A
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the error that stopped the loop, if any.
func (c *Client) Err() error { // A
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Ready is closed when bootstrap has completed.
func (c *Client) Ready() <-chan struct{} { // A
	return c.ready
}

// Done is closed when the event loop has stopped.
func (c *Client) Done() <-chan struct{} { // A
	return c.done
}

// Mode is the identity mode to use for the next session.
// It is ReuseId after a successful CreateId.
func (c *Client) Mode() identity.Mode { // A
	return c.mode
}

func (c *Client) Self() identity.Identity { // A
	return c.self
}

func (c *Client) SessionID() string { // A
	return c.cfg.Transport.SessionID()
}

// Do runs fn on the event loop and waits for it.
func (c *Client) Do(ctx context.Context, fn func()) error { // A
	if !c.started.Load() {
		return ErrNotStarted
	}
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.work <- wrapped:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the node's connection and cache sizes.
func (c *Client) Status(ctx context.Context) (health.Status, error) { // A
	st := health.Status{
		Name:      c.self.Name,
		ID:        c.self.ID,
		SessionID: c.SessionID(),
		Mode:      string(c.mode),
	}
	err := c.Do(ctx, func() {
		st.OpenConnections, st.MappedConnections = c.conns.Counts()
		st.PotentialPeers = c.conns.PotentialPeers()
		st.Posts = c.backend.Posts().Len()
		st.UnverifiedPosts = c.backend.Unverified().Len()
		st.KnownIdentities = len(c.backend.Identities().All())
		st.PendingIdentities = len(c.engine.Unknown())
	})
	return st, err
}

// Post publishes a post by the local identity. A
// non-empty parent makes it a reply.
func (c *Client) Post( // A
	ctx context.Context,
	contents string,
	parent string,
) (*post.Post, error) {
	var (
		p   *post.Post
		err error
	)
	derr := c.Do(ctx, func() {
		p, err = post.New(
			c.self, contents, parent,
			c.cfg.Clock.Now(), c.cfg.Crypt, c.priv,
		)
		if err != nil {
			return
		}
		c.engine.Publish(p)
	})
	if derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return p, nil
}

// Close stops the scheduler and the loop, saves the
// caches and closes every connection and the transport.
func (c *Client) Close() error { // A
	var err error
	c.closeOnce.Do(func() {
		if !c.started.Load() {
			return
		}
		c.cancel()
		<-c.done
		c.sched.Stop()

		if !c.self.IsGuest() {
			if ferr := c.engine.Flush(context.Background()); ferr != nil {
				err = fmt.Errorf("final flush: %w", ferr)
			}
		}
		c.conns.Close()
		if terr := c.cfg.Transport.Close(); terr != nil && err == nil {
			err = fmt.Errorf("close transport: %w", terr)
		}
		if berr := c.backend.Close(); berr != nil && err == nil {
			err = fmt.Errorf("close backend: %w", berr)
		}
	})
	return err
}
