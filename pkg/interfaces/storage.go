package interfaces

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/i5heu/ephemeral/pkg/identity"
	"github.com/i5heu/ephemeral/pkg/post"
)

// PostTable is one keyed table of posts. Implementations
// are owned by a single event loop and are not safe for
// concurrent use.
type PostTable interface { // A
	// Add inserts p and reports false if the ID exists.
	Add(p *post.Post) bool
	// Replace overwrites an existing row, keeping its
	// added time.
	Replace(p *post.Post) bool
	Remove(id string)
	Has(id string) (post.Descriptor, bool)
	Get(id string) (*post.Post, bool)
	Descriptors() []post.Descriptor
	// ByAuthor lists the posts authored by id.
	ByAuthor(id string) []*post.Post
	// Prune removes rows added more than ttl ago.
	Prune(ttl time.Duration) int
	Len() int
}

// IdentityRecord is one row of the trust cache.
type IdentityRecord struct { // A
	Identity  identity.Identity
	PublicKey []byte // JWK
}

// SelfRecord is the local identity with its key pair.
type SelfRecord struct { // A
	Identity   identity.Identity
	PublicKey  []byte // JWK
	PrivateKey []byte // JWK
}

// IdentityStore is the web-of-trust cache.
type IdentityStore interface { // A
	Has(id string) bool
	Get(id string) (IdentityRecord, bool)
	// Add inserts a row and reports false if id is known.
	Add(rec IdentityRecord) bool
	PubKey(id string) (*rsa.PublicKey, bool)
	Self() (SelfRecord, bool)
	SetSelf(rec SelfRecord)
	All() []IdentityRecord
}

// Backend bundles the tables of one identity namespace.
// The ephemeral and durable variants are chosen once at
// bootstrap.
type Backend interface { // A
	Posts() PostTable
	Unverified() PostTable
	Identities() IdentityStore
	Durable() bool
	// Flush persists pending changes.
	Flush(ctx context.Context) error
	// Clear drops every row of the namespace.
	Clear(ctx context.Context) error
	Close() error
}
