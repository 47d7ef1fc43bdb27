// Package connmgr keeps the bounded map of peer
// connections: admission, random eviction and
// directory-driven refill.
package connmgr

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"sort"
	"time"

	"github.com/i5heu/ephemeral/internal/metrics"
	"github.com/i5heu/ephemeral/pkg/clock"
	"github.com/i5heu/ephemeral/pkg/interfaces"
)

const (
	logKeyPeerID = "peerId"
	logKeyError  = "error"
	logKeySize   = "size"
	logKeyAdded  = "added"
)

var ErrInvalidConfig = errors.New("invalid connection manager config")

// Connection is one mapped peer connection.
type Connection struct { // A
	PeerID        string
	Handle        interfaces.Conn
	Open          bool
	EstablishedAt time.Time
}

// Config wires a Manager to its collaborators.
type Config struct { // A
	SelfID            string
	MaxConnections    int
	RefreshInterval   time.Duration
	ConnectionTimeout time.Duration

	Transport interfaces.Transport
	Directory interfaces.Directory
	UI        interfaces.UI

	// Submit schedules fn on the owning event loop. It is
	// used to resume after a directory fetch.
	Submit func(fn func())

	Rand    *rand.Rand
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Manager owns the connection map. All methods must be
// called from the owning event loop.
type Manager struct { // A
	cfg       Config
	log       *slog.Logger
	conns     map[string]*Connection
	potential map[string]struct{}
	fetching  bool
}

func New(cfg Config) (*Manager, error) { // A
	if cfg.MaxConnections <= 0 || cfg.Transport == nil ||
		cfg.Directory == nil || cfg.Submit == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	return &Manager{
		cfg:       cfg,
		log:       cfg.Logger,
		conns:     make(map[string]*Connection),
		potential: make(map[string]struct{}),
	}, nil
}

func defaultLogger() *slog.Logger { // A
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// Accept registers h as a pending connection. It closes h
// and returns false when the map is full or the peer is
// already mapped.
func (m *Manager) Accept(h interfaces.Conn) bool { // A
	if h == nil {
		return false
	}
	peer := h.PeerID()
	_, mapped := m.conns[peer]
	if len(m.conns)+1 > m.cfg.MaxConnections || mapped {
		m.log.Debug("rejecting connection",
			logKeyPeerID, peer,
			logKeySize, len(m.conns),
		)
		_ = h.Close()
		return false
	}

	m.conns[peer] = &Connection{
		PeerID:        peer,
		Handle:        h,
		EstablishedAt: m.cfg.Clock.Now(),
	}
	m.log.Debug("accepted connection", logKeyPeerID, peer)
	m.notify()
	return true
}

// lookup returns the mapped connection for h, ignoring
// handles that lost the race for their peer slot.
func (m *Manager) lookup(h interfaces.Conn) (*Connection, bool) { // A
	if h == nil {
		return nil, false
	}
	c, ok := m.conns[h.PeerID()]
	if !ok || c.Handle != h {
		return nil, false
	}
	return c, true
}

// Opened flips the connection of h to open.
func (m *Manager) Opened(h interfaces.Conn) bool { // A
	c, ok := m.lookup(h)
	if !ok {
		return false
	}
	c.Open = true
	m.log.Debug("channel opened", logKeyPeerID, c.PeerID)
	m.notify()
	return true
}

// Closed forgets the connection of h.
func (m *Manager) Closed(h interfaces.Conn) { // A
	c, ok := m.lookup(h)
	if !ok {
		return
	}
	delete(m.conns, c.PeerID)
	m.log.Debug("connection closed", logKeyPeerID, c.PeerID)
	m.notify()
}

// IsOpen reports whether h is a mapped, open connection.
func (m *Manager) IsOpen(h interfaces.Conn) bool { // A
	c, ok := m.lookup(h)
	return ok && c.Open
}

// Purge closes and forgets the connection to peerID.
func (m *Manager) Purge(peerID string) { // A
	c, ok := m.conns[peerID]
	if !ok {
		return
	}
	delete(m.conns, peerID)
	_ = c.Handle.Close()
	m.cfg.Metrics.Evicted()
	m.log.Debug("purged connection", logKeyPeerID, peerID)
	m.notify()
}

// Connections returns the mapped connections ordered by
// peer ID.
func (m *Manager) Connections() []*Connection { // A
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Counts returns the open and total connection counts.
func (m *Manager) Counts() (active, total int) { // A
	for _, c := range m.conns {
		if c.Open {
			active++
		}
	}
	return active, len(m.conns)
}

func (m *Manager) Len() int { // A
	return len(m.conns)
}

// PotentialPeers returns the number of known peers not
// yet dialed.
func (m *Manager) PotentialPeers() int { // A
	return len(m.potential)
}

// AddPotential records peers learned outside the
// directory, skipping self and mapped peers.
func (m *Manager) AddPotential(peers ...string) int { // A
	added := 0
	for _, p := range peers {
		if p == "" || p == m.cfg.SelfID {
			continue
		}
		if _, ok := m.conns[p]; ok {
			continue
		}
		if _, ok := m.potential[p]; ok {
			continue
		}
		m.potential[p] = struct{}{}
		added++
	}
	m.cfg.Metrics.SetPotentialPeers(len(m.potential))
	return added
}

// Refresh runs one refresh pass. At capacity it may evict
// one random connection; below capacity it dials one
// potential peer, fetching the directory first when none
// are known.
func (m *Manager) Refresh(ctx context.Context) { // A
	if len(m.conns) >= m.cfg.MaxConnections {
		m.maybeEvict()
		return
	}
	m.fill(ctx)
}

func (m *Manager) maybeEvict() { // A
	if m.cfg.Rand.Float64() >= 0.5 || len(m.conns) == 0 {
		return
	}
	conns := m.Connections()
	c := conns[m.cfg.Rand.IntN(len(conns))]

	age := m.cfg.Clock.Now().Sub(c.EstablishedAt)
	if !c.Open || age <= m.cfg.RefreshInterval {
		return
	}
	m.log.Debug("evicting connection", logKeyPeerID, c.PeerID)
	m.Purge(c.PeerID)
}

func (m *Manager) fill(ctx context.Context) { // A
	if len(m.conns) >= m.cfg.MaxConnections {
		return
	}
	if len(m.potential) > 0 {
		peer := m.popPotential()
		m.log.Debug("connecting to potential peer", logKeyPeerID, peer)
		m.Accept(m.cfg.Transport.Connect(peer))
		return
	}
	if m.fetching {
		return
	}
	m.fetching = true
	dir := m.cfg.Directory
	go func() {
		peers, err := dir.Peers(ctx)
		m.cfg.Submit(func() {
			m.onDirectory(ctx, peers, err)
		})
	}()
}

func (m *Manager) onDirectory( // A
	ctx context.Context,
	peers []string,
	err error,
) {
	m.fetching = false
	if err != nil {
		m.log.WarnContext(ctx, "directory fetch failed",
			logKeyError, err.Error(),
		)
		return
	}
	added := m.AddPotential(peers...)
	m.log.Debug("directory fetched", logKeyAdded, added)
	if added == 0 {
		return
	}
	m.fill(ctx)
}

func (m *Manager) popPotential() string { // A
	peers := make([]string, 0, len(m.potential))
	for p := range m.potential {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	peer := peers[m.cfg.Rand.IntN(len(peers))]
	delete(m.potential, peer)
	m.cfg.Metrics.SetPotentialPeers(len(m.potential))
	return peer
}

// Close closes every mapped connection.
func (m *Manager) Close() { // A
	for id, c := range m.conns {
		_ = c.Handle.Close()
		delete(m.conns, id)
	}
	clear(m.potential)
}

func (m *Manager) notify() { // A
	active, total := m.Counts()
	if m.cfg.UI != nil {
		m.cfg.UI.UpdateConnectionCounts(active, total)
	}
	m.cfg.Metrics.SetConnections(total, active)
}
