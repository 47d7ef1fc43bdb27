package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/ephemeral/pkg/clock"
	"github.com/i5heu/ephemeral/pkg/crypt"
	"github.com/i5heu/ephemeral/pkg/identity"
	"github.com/i5heu/ephemeral/pkg/interfaces"
	"github.com/i5heu/ephemeral/pkg/post"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	keyOnce sync.Once
	keyPair *crypt.KeyPair
	keyErr  error
)

func testKey(t *testing.T) (*crypt.RSA, *crypt.KeyPair) {
	t.Helper()
	c := &crypt.RSA{Bits: 1024}
	keyOnce.Do(func() { keyPair, keyErr = c.GenerateKeyPair() })
	if keyErr != nil {
		t.Fatalf("GenerateKeyPair: %v", keyErr)
	}
	return c, keyPair
}

func mkPost(t testing.TB, author identity.Identity, contents string, ts int64) *post.Post {
	t.Helper()
	p, err := post.New(author, contents, "", time.UnixMilli(ts), crypt.New(), nil)
	if err != nil {
		t.Fatalf("post.New: %v", err)
	}
	return p
}

func TestAddIsIdempotent(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		tbl := newPostTable(clock.Real(), true)
		author := identity.Guest("g", "s")
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		ids := rapid.SliceOfN(rapid.IntRange(0, n-1), 1, 50).Draw(rt, "adds")

		seen := map[int]bool{}
		for _, i := range ids {
			p := mkPost(t, author, fmt.Sprintf("post %d", i), int64(i))
			added := tbl.Add(p)
			if added == seen[i] {
				rt.Fatalf("Add(%d) = %v, already seen %v", i, added, seen[i])
			}
			seen[i] = true
			if tbl.Len() != len(seen) {
				rt.Fatalf("Len = %d, want %d", tbl.Len(), len(seen))
			}
		}
	})
}

func TestPruneRemovesOldRows(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1000, 0))
	tbl := newPostTable(clk, false)
	author := identity.Guest("g", "s")

	old := mkPost(t, author, "old", 1)
	require.True(t, tbl.Add(old))

	clk.Advance(2 * time.Hour)
	fresh := mkPost(t, author, "fresh", 2)
	require.True(t, tbl.Add(fresh))

	assert.Equal(t, 1, tbl.Prune(time.Hour))

	descs := tbl.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, fresh.ID, descs[0].ID)
	_, ok := tbl.Has(old.ID)
	assert.False(t, ok)
}

func TestReplaceKeepsAddedTime(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1000, 0))
	tbl := newPostTable(clk, false)
	p := mkPost(t, identity.Guest("g", "s"), "x", 1)

	assert.False(t, tbl.Replace(p))
	require.True(t, tbl.Add(p))

	clk.Advance(50 * time.Minute)
	updated := p.Clone()
	updated.Tags = []string{"edited"}
	require.True(t, tbl.Replace(updated))

	clk.Advance(20 * time.Minute)
	assert.Equal(t, 1, tbl.Prune(time.Hour))
}

func TestByAuthorFilters(t *testing.T) {
	t.Parallel()

	tbl := newPostTable(clock.Real(), false)
	a := identity.Identity{Name: "a", ID: "aaaa"}
	b := identity.Identity{Name: "b", ID: "bbbb"}
	tbl.Add(mkPost(t, a, "a2", 2))
	tbl.Add(mkPost(t, b, "b1", 1))
	tbl.Add(mkPost(t, a, "a1", 1))

	got := tbl.ByAuthor("aaaa")
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].Contents)
	assert.Equal(t, "a2", got[1].Contents)
}

func TestIdentityStore(t *testing.T) {
	t.Parallel()

	c, kp := testKey(t)
	pubJWK, err := c.ExportPublic(kp.Public)
	require.NoError(t, err)

	s := newIdentityStore(c, false)
	bob := identity.Identity{Name: "bob", ID: c.GlobalID(kp.Public)}

	_, ok := s.PubKey(bob.ID)
	assert.False(t, ok)

	assert.True(t, s.Add(interfaces.IdentityRecord{Identity: bob, PublicKey: pubJWK}))
	assert.False(t, s.Add(interfaces.IdentityRecord{Identity: bob, PublicKey: pubJWK}))

	pub, ok := s.PubKey(bob.ID)
	require.True(t, ok)
	assert.Equal(t, 0, pub.N.Cmp(kp.Public.N))

	_, ok = s.Self()
	assert.False(t, ok)

	me := identity.Identity{Name: "me", ID: "me-id"}
	s.SetSelf(interfaces.SelfRecord{Identity: me, PublicKey: pubJWK})
	assert.True(t, s.Has(me.ID))
	self, ok := s.Self()
	require.True(t, ok)
	assert.Equal(t, me, self.Identity)
	assert.Len(t, s.All(), 1, "self is not part of the cache listing")
}

func TestDurableFlushAndReload(t *testing.T) {
	t.Parallel()

	c, kp := testKey(t)
	pubJWK, err := c.ExportPublic(kp.Public)
	require.NoError(t, err)
	privJWK, err := c.ExportPrivate(kp.Private)
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := DurableConfig{Path: dir, Namespace: "alice", Importer: c}
	ctx := context.Background()

	d, err := OpenDurable(cfg)
	require.NoError(t, err)

	me := identity.Identity{Name: "alice", ID: c.GlobalID(kp.Public)}
	d.Identities().SetSelf(interfaces.SelfRecord{
		Identity: me, PublicKey: pubJWK, PrivateKey: privJWK,
	})
	kept := mkPost(t, me, "kept %tag", 10)
	gone := mkPost(t, me, "gone", 11)
	pending := mkPost(t, identity.Identity{Name: "x", ID: "xxxx"}, "pending", 12)
	require.True(t, d.Posts().Add(kept))
	require.True(t, d.Posts().Add(gone))
	require.True(t, d.Unverified().Add(pending))
	require.NoError(t, d.Flush(ctx))

	d.Posts().Remove(gone.ID)
	require.NoError(t, d.Flush(ctx))
	require.NoError(t, d.Close())

	d, err = OpenDurable(cfg)
	require.NoError(t, err)

	self, ok := d.Identities().Self()
	require.True(t, ok)
	assert.Equal(t, me, self.Identity)
	assert.Equal(t, privJWK, self.PrivateKey)

	got, ok := d.Posts().Get(kept.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"tag"}, got.Tags)
	_, ok = d.Posts().Has(gone.ID)
	assert.False(t, ok)
	_, ok = d.Unverified().Has(pending.ID)
	assert.True(t, ok)

	require.NoError(t, d.Close())

	other := cfg
	other.Namespace = "bob"
	d, err = OpenDurable(other)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Posts().Len(), "namespaces are isolated")
	require.NoError(t, d.Close())

	d, err = OpenDurable(cfg)
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.Clear(ctx))
	_, ok = d.Identities().Self()
	assert.False(t, ok)
	assert.Equal(t, 0, d.Posts().Len())
}

func TestClearLeavesNestedNamespace(t *testing.T) {
	t.Parallel()

	c, kp := testKey(t)
	pubJWK, err := c.ExportPublic(kp.Public)
	require.NoError(t, err)
	privJWK, err := c.ExportPrivate(kp.Private)
	require.NoError(t, err)

	dir := t.TempDir()
	ctx := context.Background()
	nested := DurableConfig{Path: dir, Namespace: "a/b", Importer: c}

	d, err := OpenDurable(nested)
	require.NoError(t, err)
	me := identity.Identity{Name: "a/b", ID: c.GlobalID(kp.Public)}
	d.Identities().SetSelf(interfaces.SelfRecord{
		Identity: me, PublicKey: pubJWK, PrivateKey: privJWK,
	})
	require.True(t, d.Posts().Add(mkPost(t, me, "mine", 1)))
	require.NoError(t, d.Flush(ctx))
	require.NoError(t, d.Close())

	parent := nested
	parent.Namespace = "a"
	d, err = OpenDurable(parent)
	require.NoError(t, err)
	_, ok := d.Identities().Self()
	assert.False(t, ok, "a must not see rows of a/b")
	assert.Equal(t, 0, d.Posts().Len())
	require.NoError(t, d.Clear(ctx))
	require.NoError(t, d.Close())

	d, err = OpenDurable(nested)
	require.NoError(t, err)
	defer d.Close()
	self, ok := d.Identities().Self()
	require.True(t, ok)
	assert.Equal(t, privJWK, self.PrivateKey)
	assert.Equal(t, 1, d.Posts().Len())
}

func TestNamespacePrefixIsPrefixFree(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		a := rapid.StringMatching(`[a-z/%]{1,6}`).Draw(t, "a")
		b := rapid.StringMatching(`[a-z/%]{1,6}`).Draw(t, "b")
		if a == b {
			return
		}
		if bytes.HasPrefix(namespacePrefix(b), namespacePrefix(a)) {
			t.Fatalf("namespace %q overlaps %q", a, b)
		}
	})
}

func TestOpenDurableRequiresNamespace(t *testing.T) {
	t.Parallel()

	_, err := OpenDurable(DurableConfig{InMemory: true})
	assert.ErrorIs(t, err, ErrEmptyNamespace)
}

func TestEphemeralClear(t *testing.T) {
	t.Parallel()

	e := NewEphemeral(nil, crypt.New())
	e.Posts().Add(mkPost(t, identity.Guest("g", "s"), "hi", 1))
	require.NoError(t, e.Flush(context.Background()))
	require.NoError(t, e.Clear(context.Background()))
	assert.Equal(t, 0, e.Posts().Len())
	assert.False(t, e.Durable())
}
