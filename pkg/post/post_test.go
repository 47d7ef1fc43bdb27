package post

import (
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/ephemeral/pkg/crypt"
	"github.com/i5heu/ephemeral/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	keyOnce sync.Once
	keyPair *crypt.KeyPair
	keyErr  error
)

func testCrypt(t *testing.T) (*crypt.RSA, *crypt.KeyPair) {
	t.Helper()
	p := &crypt.RSA{Bits: 1024}
	keyOnce.Do(func() {
		keyPair, keyErr = p.GenerateKeyPair()
	})
	if keyErr != nil {
		t.Fatalf("GenerateKeyPair: %v", keyErr)
	}
	return p, keyPair
}

type keyMap map[string]*rsa.PublicKey

func (k keyMap) PubKey(id string) (*rsa.PublicKey, bool) {
	pub, ok := k[id]
	return pub, ok
}

func TestNewComputesContentAddress(t *testing.T) {
	t.Parallel()

	c, _ := testCrypt(t)
	author := identity.Identity{Name: "alice", ID: "abc"}
	now := time.UnixMilli(1700000000123)

	p, err := New(author, "hello %go and %go %net", "", now, c, nil)
	require.NoError(t, err)

	assert.Equal(t,
		"alice@abc:[1700000000123]"+c.Hash("hello %go and %go %net"),
		p.ID,
	)
	assert.Equal(t, []string{"go", "net"}, p.Tags)
	assert.Nil(t, p.Signature)
	assert.False(t, p.IsReply())
	assert.NoError(t, p.ValidateID(c))
}

func TestNewRejectsEmptyContents(t *testing.T) {
	t.Parallel()

	c, _ := testCrypt(t)
	_, err := New(identity.Identity{Name: "a", ID: "b"}, "", "", time.Now(), c, nil)
	assert.ErrorIs(t, err, ErrEmptyContents)
}

func TestIDIsPureFunctionOfFields(t *testing.T) {
	t.Parallel()

	c := crypt.New()
	rapid.Check(t, func(t *rapid.T) {
		author := identity.Identity{
			Name: rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "name"),
			ID:   rapid.StringMatching(`[0-9a-v]{4,16}`).Draw(t, "id"),
		}
		contents := rapid.StringMatching(`.{1,64}`).Draw(t, "contents")
		ts := rapid.Int64Range(0, 1<<42).Draw(t, "ts")

		a, err := New(author, contents, "", time.UnixMilli(ts), c, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		b, err := New(author, contents, "parent", time.UnixMilli(ts), c, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if a.ID != b.ID {
			t.Fatalf("parent changed id: %q vs %q", a.ID, b.ID)
		}
		clone := a.Clone()
		if err := clone.ValidateID(c); err != nil {
			t.Fatalf("ValidateID: %v", err)
		}
	})
}

func TestValidateIDDetectsTampering(t *testing.T) {
	t.Parallel()

	c, _ := testCrypt(t)
	p, err := New(identity.Identity{Name: "a", ID: "b"}, "x", "", time.Now(), c, nil)
	require.NoError(t, err)

	p.Contents = "y"
	assert.ErrorIs(t, p.ValidateID(c), ErrIDMismatch)
}

func TestVerifierStates(t *testing.T) {
	t.Parallel()

	c, kp := testCrypt(t)
	self := identity.Identity{Name: "me", ID: "self-id"}
	author := identity.Identity{Name: "bob", ID: c.GlobalID(kp.Public)}
	now := time.Now()

	signed, err := New(author, "signed", "", now, c, kp.Private)
	require.NoError(t, err)
	unsigned, err := New(author, "unsigned", "", now, c, nil)
	require.NoError(t, err)
	guest, err := New(identity.Guest("g", "sess"), "hi", "", now, c, nil)
	require.NoError(t, err)
	unknown := NewVerifier(self, nil, keyMap{}, c)
	known := NewVerifier(self, nil, keyMap{author.ID: kp.Public}, c)

	assert.Equal(t, Success, unknown.Verify(guest))
	assert.Equal(t, Failure, unknown.Verify(unsigned))
	assert.Equal(t, Pending, unknown.Verify(signed))
	assert.Equal(t, Success, known.Verify(signed))

	forged := signed.Clone()
	forged.Contents = "forged"
	assert.Equal(t, Failure, known.Verify(forged))
}

func TestVerifierChecksPostsClaimingSelf(t *testing.T) {
	t.Parallel()

	c, kp := testCrypt(t)
	self := identity.Identity{Name: "me", ID: c.GlobalID(kp.Public)}
	v := NewVerifier(self, kp.Public, keyMap{}, c)
	now := time.Now()

	mine, err := New(self, "mine", "", now, c, kp.Private)
	require.NoError(t, err)
	assert.Equal(t, Success, v.Verify(mine))

	unsigned, err := New(self, "unsigned", "", now, c, nil)
	require.NoError(t, err)
	assert.Equal(t, Failure, v.Verify(unsigned))

	forged := mine.Clone()
	forged.Contents = "forged"
	forged.Signature = []byte("junk")
	assert.Equal(t, Failure, v.Verify(forged))
}

func TestVerificationStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "unknown", VerificationState(42).String())
}
