package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/ephemeral/pkg/clock"
	"github.com/i5heu/ephemeral/pkg/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type mockConn struct {
	peer   string
	mu     sync.Mutex
	closed bool
}

func (c *mockConn) PeerID() string     { return c.peer }
func (c *mockConn) Send([]byte) error { return nil }
func (c *mockConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type mockTransport struct {
	mu        sync.Mutex
	connected []string
}

func (t *mockTransport) Start(context.Context) error { return nil }
func (t *mockTransport) SessionID() string           { return "self" }
func (t *mockTransport) Connect(peer string) interfaces.Conn {
	t.mu.Lock()
	t.connected = append(t.connected, peer)
	t.mu.Unlock()
	return &mockConn{peer: peer}
}
func (t *mockTransport) Events() <-chan interfaces.TransportEvent { return nil }
func (t *mockTransport) Close() error                             { return nil }

type mockDirectory struct {
	mu    sync.Mutex
	peers []string
	err   error
	calls int
}

func (d *mockDirectory) Peers(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return append([]string(nil), d.peers...), d.err
}

type countingUI struct {
	interfaces.UI
	active, total int
	updates       int
}

func (u *countingUI) UpdateConnectionCounts(active, total int) {
	u.active, u.total = active, total
	u.updates++
}

type harness struct {
	m     *Manager
	tr    *mockTransport
	dir   *mockDirectory
	ui    *countingUI
	clk   *clock.Manual
	queue chan func()
}

func newHarness(t *testing.T, max int, seed uint64) *harness {
	t.Helper()
	h := &harness{
		tr:    &mockTransport{},
		dir:   &mockDirectory{},
		ui:    &countingUI{},
		clk:   clock.NewManual(time.Unix(0, 0)),
		queue: make(chan func(), 16),
	}
	m, err := New(Config{
		SelfID:            "self",
		MaxConnections:    max,
		RefreshInterval:   10 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		Transport:         h.tr,
		Directory:         h.dir,
		UI:                h.ui,
		Submit:            func(fn func()) { h.queue <- fn },
		Rand:              rand.New(rand.NewPCG(seed, seed)),
		Clock:             h.clk,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	return h
}

// drain runs one resumed task from the directory fetch.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	select {
	case fn := <-h.queue:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatalf("directory fetch never resumed")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAdmissionBound(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		max := rapid.IntRange(1, 8).Draw(rt, "max")
		h := newHarness(t, max, 1)
		peers := rapid.SliceOf(rapid.IntRange(0, 15)).Draw(rt, "peers")

		for _, p := range peers {
			conn := &mockConn{peer: fmt.Sprintf("peer-%d", p)}
			_, wasMapped := h.m.conns[conn.peer]
			before := h.m.Len()

			ok := h.m.Accept(conn)
			if h.m.Len() > max {
				rt.Fatalf("map size %d exceeds max %d", h.m.Len(), max)
			}
			if wasMapped && (ok || h.m.Len() != before) {
				rt.Fatalf("duplicate peer %s changed the map", conn.peer)
			}
			if !ok && !conn.isClosed() {
				rt.Fatalf("rejected handle for %s was not closed", conn.peer)
			}
			if rapid.Bool().Draw(rt, "close") {
				h.m.Closed(conn)
			}
		}
	})
}

func TestDuplicatePeerKeepsFirstHandle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4, 1)
	first := &mockConn{peer: "a"}
	second := &mockConn{peer: "a"}

	require.True(t, h.m.Accept(first))
	assert.False(t, h.m.Accept(second))
	assert.True(t, second.isClosed())

	// events of the losing handle must not touch the slot
	assert.False(t, h.m.Opened(second))
	h.m.Closed(second)
	assert.Equal(t, 1, h.m.Len())

	require.True(t, h.m.Opened(first))
	assert.True(t, h.m.IsOpen(first))
	assert.Equal(t, 1, h.ui.active)
	assert.Equal(t, 1, h.ui.total)

	h.m.Closed(first)
	assert.Equal(t, 0, h.m.Len())
	assert.Equal(t, 0, h.ui.total)
}

func TestRefreshFetchesDirectoryAndDialsOnePeer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4, 7)
	h.dir.peers = []string{"self", "a", "b", "c"}

	h.m.Refresh(context.Background())
	h.drain(t)

	require.Len(t, h.tr.connected, 1)
	assert.NotEqual(t, "self", h.tr.connected[0])
	assert.Equal(t, 1, h.m.Len())
	assert.Equal(t, 2, h.m.PotentialPeers())

	// the next pass dials from the potential set without a fetch
	h.m.Refresh(context.Background())
	assert.Len(t, h.tr.connected, 2)
	assert.Equal(t, 1, h.dir.calls)
}

func TestRefreshStopsWhenDirectoryHasNothingNew(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4, 3)
	h.dir.peers = []string{"self"}

	h.m.Refresh(context.Background())
	h.drain(t)

	assert.Empty(t, h.tr.connected)
	assert.Equal(t, 0, h.m.Len())
	select {
	case <-h.queue:
		t.Fatalf("refresh kept looping against an unchanged directory")
	default:
	}
}

func TestRefreshDirectoryErrorIsLocalToPass(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4, 3)
	h.dir.err = errors.New("boom")

	h.m.Refresh(context.Background())
	h.drain(t)
	assert.Empty(t, h.tr.connected)

	h.dir.mu.Lock()
	h.dir.err = nil
	h.dir.peers = []string{"a"}
	h.dir.mu.Unlock()

	h.m.Refresh(context.Background())
	h.drain(t)
	assert.Equal(t, []string{"a"}, h.tr.connected)
}

func TestEvictionSparesPendingAndYoungConnections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 11)
	a := &mockConn{peer: "a"}
	b := &mockConn{peer: "b"}
	require.True(t, h.m.Accept(a))
	require.True(t, h.m.Accept(b))
	h.m.Opened(a)

	h.clk.Advance(5 * time.Second)
	for i := 0; i < 50; i++ {
		h.m.Refresh(context.Background())
	}
	assert.Equal(t, 2, h.m.Len(), "young or pending connections were evicted")

	h.clk.Advance(time.Minute)
	for i := 0; i < 200 && h.m.Len() == 2; i++ {
		h.m.Refresh(context.Background())
	}
	require.Equal(t, 1, h.m.Len())
	assert.True(t, a.isClosed(), "only the open, old connection may go")
	assert.False(t, b.isClosed())
}

func TestPurgeClosesHandle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 1)
	a := &mockConn{peer: "a"}
	require.True(t, h.m.Accept(a))

	h.m.Purge("a")
	assert.True(t, a.isClosed())
	assert.Equal(t, 0, h.m.Len())
	h.m.Purge("missing")
}
