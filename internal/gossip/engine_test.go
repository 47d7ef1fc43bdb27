package gossip

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/ephemeral/internal/connmgr"
	"github.com/i5heu/ephemeral/internal/store"
	"github.com/i5heu/ephemeral/internal/testutil"
	"github.com/i5heu/ephemeral/pkg/clock"
	"github.com/i5heu/ephemeral/pkg/crypt"
	"github.com/i5heu/ephemeral/pkg/identity"
	"github.com/i5heu/ephemeral/pkg/interfaces"
	"github.com/i5heu/ephemeral/pkg/post"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce sync.Once
	keys    [2]*crypt.KeyPair
	keyErr  error
)

func testKeys(t *testing.T) (*crypt.RSA, *crypt.KeyPair, *crypt.KeyPair) {
	t.Helper()
	c := &crypt.RSA{Bits: 1024}
	keyOnce.Do(func() {
		for i := range keys {
			keys[i], keyErr = c.GenerateKeyPair()
			if keyErr != nil {
				return
			}
		}
	})
	if keyErr != nil {
		t.Fatalf("GenerateKeyPair: %v", keyErr)
	}
	return c, keys[0], keys[1]
}

type mockConn struct {
	peer string
	mu   sync.Mutex
	sent []Message
}

func (c *mockConn) PeerID() string { return c.peer }
func (c *mockConn) Close() error   { return nil }
func (c *mockConn) Send(data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *mockConn) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

func (c *mockConn) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

type noTransport struct{ interfaces.Transport }

type noDirectory struct{}

func (noDirectory) Peers(context.Context) ([]string, error) { return nil, nil }

type fixture struct {
	engine  *Engine
	conns   *connmgr.Manager
	backend *store.Ephemeral
	ui      *testutil.RecordingUI
	clk     *clock.Manual
	crypt   *crypt.RSA
	self    identity.Identity
	selfKey *crypt.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, selfKey, _ := testKeys(t)
	clk := clock.NewManual(time.Unix(1700000000, 0))
	ui := &testutil.RecordingUI{}
	backend := store.NewEphemeral(clk, c)

	conns, err := connmgr.New(connmgr.Config{
		SelfID:          "self-session",
		MaxConnections:  8,
		RefreshInterval: time.Minute,
		Transport:       noTransport{},
		Directory:       noDirectory{},
		Submit:          func(fn func()) {},
		Rand:            rand.New(rand.NewPCG(1, 1)),
		Clock:           clk,
		Logger:          testutil.DiscardLogger(),
	})
	require.NoError(t, err)

	pubJWK, err := c.ExportPublic(selfKey.Public)
	require.NoError(t, err)
	self := identity.Identity{Name: "me", ID: c.GlobalID(selfKey.Public)}

	e, err := NewEngine(Config{
		Self:              self,
		PublicKey:         pubJWK,
		Backend:           backend,
		Conns:             conns,
		UI:                ui,
		Crypt:             c,
		ConnectionTimeout: 10 * time.Second,
		Clock:             clk,
		Logger:            testutil.DiscardLogger(),
	})
	require.NoError(t, err)

	return &fixture{
		engine: e, conns: conns, backend: backend, ui: ui,
		clk: clk, crypt: c, self: self, selfKey: selfKey,
	}
}

func (f *fixture) open(t *testing.T, peer string) *mockConn {
	t.Helper()
	c := &mockConn{peer: peer}
	require.True(t, f.conns.Accept(c))
	require.True(t, f.conns.Opened(c))
	return c
}

func (f *fixture) deliver(t *testing.T, from *mockConn, msg Message) {
	t.Helper()
	data, err := Encode(msg)
	require.NoError(t, err)
	f.engine.Dispatch(from, data)
}

func TestNewEngineValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestGuestPostIsRenderedOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	guest := identity.Guest("visitor", "abc")
	p, err := post.New(guest, "hi", "", f.clk.Now(), f.crypt, nil)
	require.NoError(t, err)

	peer := f.open(t, "peer")
	f.deliver(t, peer, PostMessage{Post: p})
	f.deliver(t, peer, PostMessage{Post: p})

	renders := f.ui.Renders()
	require.Len(t, renders, 1)
	assert.True(t, identity.IsGuestID(renders[0].Post.Author.ID))
	assert.Equal(t, "hi", renders[0].Post.Contents)
	assert.False(t, renders[0].Editable)
}

func TestPublishRendersEditableAndBroadcasts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	peer := f.open(t, "peer")
	p, err := post.New(f.self, "mine", "", f.clk.Now(), f.crypt, f.selfKey.Private)
	require.NoError(t, err)

	f.engine.Publish(p)

	renders := f.ui.RendersOf(p.ID)
	require.Len(t, renders, 1)
	assert.True(t, renders[0].Editable)

	msgs := peer.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, p.ID, msgs[0].(PostMessage).Post.ID)
}

func TestUnknownMessageIsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	peer := f.open(t, "peer")

	f.engine.Dispatch(peer, []byte{0x08, 0x63}) // type 99
	f.engine.Dispatch(peer, []byte{0xff, 0xff, 0xff})

	assert.Empty(t, peer.messages())
	assert.Empty(t, f.ui.Renders())
}

func TestQueryIdentIsLoopSuppressed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	requester := f.open(t, "a")
	b := f.open(t, "b")
	c := f.open(t, "c")

	f.deliver(t, requester, QueryIdentMessage{ID: "unknown-id"})

	assert.Empty(t, requester.messages(), "requester got its own query back")
	for _, conn := range []*mockConn{b, c} {
		msgs := conn.messages()
		require.Len(t, msgs, 1, conn.peer)
		assert.Equal(t, QueryIdentMessage{ID: "unknown-id"}, msgs[0])
	}
	assert.Equal(t, []string{"unknown-id"}, f.engine.Unknown())

	// a second ask for a pending id is not forwarded again
	b.reset()
	c.reset()
	f.deliver(t, b, QueryIdentMessage{ID: "unknown-id"})
	assert.Empty(t, c.messages())
	assert.Empty(t, requester.messages())
}

func TestQueryIdentForGuestIsNotForwarded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	requester := f.open(t, "a")
	other := f.open(t, "b")

	f.deliver(t, requester, QueryIdentMessage{ID: identity.GuestPrefix + "sess"})

	assert.Empty(t, requester.messages())
	assert.Empty(t, other.messages())
	assert.Empty(t, f.engine.Unknown())
}

func TestForgedPostClaimingSelfIsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	peer := f.open(t, "peer")

	unsigned, err := post.New(f.self, "not me", "", f.clk.Now(), f.crypt, nil)
	require.NoError(t, err)
	f.deliver(t, peer, PostMessage{Post: unsigned})

	_, _, other := testKeys(t)
	wrongKey, err := post.New(f.self, "also not me", "", f.clk.Now(), f.crypt, other.Private)
	require.NoError(t, err)
	f.deliver(t, peer, PostMessage{Post: wrongKey})

	assert.Empty(t, f.ui.Renders())
	assert.Equal(t, 0, f.backend.Posts().Len())
	assert.Equal(t, 0, f.backend.Unverified().Len())

	signed, err := post.New(f.self, "really me", "", f.clk.Now(), f.crypt, f.selfKey.Private)
	require.NoError(t, err)
	f.deliver(t, peer, PostMessage{Post: signed})
	renders := f.ui.RendersOf(signed.ID)
	require.Len(t, renders, 1)
	assert.True(t, renders[0].Editable)
}

func TestQueryIdentAnswersForSelfAndKnown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, _, other := testKeys(t)
	peer := f.open(t, "peer")

	f.deliver(t, peer, QueryIdentMessage{ID: f.self.ID})
	msgs := peer.messages()
	require.Len(t, msgs, 1)
	resp := msgs[0].(QueryIdentRespMessage)
	assert.Equal(t, f.self, resp.Identity)

	otherJWK, err := f.crypt.ExportPublic(other.Public)
	require.NoError(t, err)
	bob := identity.Identity{Name: "bob", ID: f.crypt.GlobalID(other.Public)}
	require.True(t, f.engine.AcceptIdentity(bob, otherJWK))

	peer.reset()
	f.deliver(t, peer, QueryIdentMessage{ID: bob.ID})
	msgs = peer.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, bob, msgs[0].(QueryIdentRespMessage).Identity)
}

func TestVerificationTransition(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, _, other := testKeys(t)
	peer := f.open(t, "peer")

	bob := identity.Identity{Name: "bob", ID: f.crypt.GlobalID(other.Public)}
	p, err := post.New(bob, "signed by bob", "", f.clk.Now(), f.crypt, other.Private)
	require.NoError(t, err)

	f.deliver(t, peer, PostMessage{Post: p})

	_, verified := f.backend.Posts().Has(p.ID)
	_, pending := f.backend.Unverified().Has(p.ID)
	assert.False(t, verified)
	assert.True(t, pending)
	assert.Empty(t, f.ui.Renders())
	assert.Contains(t, peer.messages(), Message(QueryIdentMessage{ID: bob.ID}))

	// a response whose id is not the key's hash is dropped
	selfJWK, err := f.crypt.ExportPublic(f.selfKey.Public)
	require.NoError(t, err)
	f.deliver(t, peer, QueryIdentRespMessage{Identity: bob, PublicKey: selfJWK})
	_, pending = f.backend.Unverified().Has(p.ID)
	assert.True(t, pending)

	bobJWK, err := f.crypt.ExportPublic(other.Public)
	require.NoError(t, err)
	f.deliver(t, peer, QueryIdentRespMessage{Identity: bob, PublicKey: bobJWK})

	_, verified = f.backend.Posts().Has(p.ID)
	_, pending = f.backend.Unverified().Has(p.ID)
	assert.True(t, verified)
	assert.False(t, pending)
	assert.Len(t, f.ui.RendersOf(p.ID), 1)
	assert.Empty(t, f.engine.Unknown())

	// repeated responses do not re-render
	f.deliver(t, peer, QueryIdentRespMessage{Identity: bob, PublicKey: bobJWK})
	assert.Len(t, f.ui.RendersOf(p.ID), 1)
}

func TestForgedPostFailsOnResolution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, _, other := testKeys(t)
	peer := f.open(t, "peer")

	bob := identity.Identity{Name: "bob", ID: f.crypt.GlobalID(other.Public)}
	// signed with the wrong key
	p, err := post.New(bob, "forged", "", f.clk.Now(), f.crypt, f.selfKey.Private)
	require.NoError(t, err)

	assert.Equal(t, post.Pending, f.engine.AddPost(p, false, false))

	bobJWK, err := f.crypt.ExportPublic(other.Public)
	require.NoError(t, err)
	require.True(t, f.engine.AcceptIdentity(bob, bobJWK))

	_, verified := f.backend.Posts().Has(p.ID)
	_, pending := f.backend.Unverified().Has(p.ID)
	assert.False(t, verified)
	assert.False(t, pending)
	assert.Empty(t, f.ui.Renders())

	unsigned := p.Clone()
	unsigned.Signature = nil
	assert.Equal(t, post.Failure, f.engine.AddPost(unsigned, false, false))
	_ = peer
}

func TestQueryPostsExchange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	peer := f.open(t, "peer")
	held, err := post.New(f.self, "held", "", f.clk.Now(), f.crypt, f.selfKey.Private)
	require.NoError(t, err)
	f.engine.AddPost(held, true, false)

	f.deliver(t, peer, QueryPostsMessage{})
	msgs := peer.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t,
		QueryPostsRespMessage{Posts: []post.Descriptor{held.Descriptor()}},
		msgs[0],
	)

	peer.reset()
	f.deliver(t, peer, QueryPostsRespMessage{Posts: []post.Descriptor{
		held.Descriptor(),
		{ID: "other@x:[1]y", Timestamp: 1},
	}})
	assert.Equal(t,
		[]Message{RequestPostMessage{PostID: "other@x:[1]y"}},
		peer.messages(),
	)

	peer.reset()
	f.deliver(t, peer, RequestPostMessage{PostID: held.ID})
	f.deliver(t, peer, RequestPostMessage{PostID: "missing"})
	msgs = peer.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, held.ID, msgs[0].(PostMessage).Post.ID)
}

func TestTamperedPostIDIsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	peer := f.open(t, "peer")
	p, err := post.New(identity.Guest("g", "s"), "original", "", f.clk.Now(), f.crypt, nil)
	require.NoError(t, err)
	p.Contents = "changed"

	f.deliver(t, peer, PostMessage{Post: p})
	assert.Empty(t, f.ui.Renders())
}

func TestBroadcastPurgesStalePendingConnections(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	open := f.open(t, "open")
	stale := &mockConn{peer: "stale"}
	require.True(t, f.conns.Accept(stale))

	assert.Equal(t, 1, f.engine.Broadcast(QueryPostsMessage{}))
	assert.Equal(t, 2, f.conns.Len(), "young pending connection kept")

	f.clk.Advance(11 * time.Second)
	assert.Equal(t, 1, f.engine.Broadcast(QueryPostsMessage{}, "nobody"))
	assert.Equal(t, 1, f.conns.Len())
	assert.Empty(t, stale.messages())
	assert.Len(t, open.messages(), 2)

	assert.Equal(t, 0, f.engine.Broadcast(QueryPostsMessage{}, "open"))
}

func TestUpdateRerendersExistingPost(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p, err := post.New(f.self, "v1", "", f.clk.Now(), f.crypt, nil)
	require.NoError(t, err)

	f.engine.AddPost(p, true, false)
	f.engine.AddPost(p, true, false)
	require.Len(t, f.ui.RendersOf(p.ID), 1)

	f.engine.AddPost(p, true, true)
	renders := f.ui.RendersOf(p.ID)
	require.Len(t, renders, 2)
	assert.True(t, renders[1].Update)
}

func TestStoreCommitsEvenWhenUIRejects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ui.Reject = true
	reply, err := post.New(f.self, "orphan reply", "missing-parent", f.clk.Now(), f.crypt, nil)
	require.NoError(t, err)

	f.engine.AddPost(reply, true, false)
	_, ok := f.backend.Posts().Has(reply.ID)
	assert.True(t, ok)
}

func TestPruneAndRenderCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	old, err := post.New(f.self, "old", "", f.clk.Now(), f.crypt, nil)
	require.NoError(t, err)
	f.engine.AddPost(old, true, false)

	f.clk.Advance(2 * time.Hour)
	fresh, err := post.New(f.self, "fresh", "", f.clk.Now(), f.crypt, nil)
	require.NoError(t, err)
	f.engine.AddPost(fresh, true, false)

	assert.Equal(t, 1, f.engine.Prune(time.Hour))
	assert.Equal(t, []post.Descriptor{fresh.Descriptor()}, f.backend.Posts().Descriptors())

	assert.Equal(t, 1, f.engine.RenderCache())
}
