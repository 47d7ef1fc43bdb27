package store

import (
	"crypto/rsa"
	"sort"
	"time"

	"github.com/i5heu/ephemeral/pkg/interfaces"
	"github.com/jellydator/ttlcache/v3"
)

const (
	keyCacheTTL      = 15 * time.Minute
	keyCacheCapacity = 4096
	selfRowID        = "self"
)

// KeyImporter parses exported public keys.
type KeyImporter interface { // A
	ImportPublic(jwk []byte) (*rsa.PublicKey, error)
}

// identityStore is the in-memory IdentityStore. Parsed
// public keys are kept in a bounded TTL cache so hot
// authors are not re-imported on every verification.
type identityStore struct { // A
	importer KeyImporter
	rows     map[string]interfaces.IdentityRecord
	self     *interfaces.SelfRecord
	keys     *ttlcache.Cache[string, *rsa.PublicKey]
	changes  *changes
}

func newIdentityStore( // A
	importer KeyImporter,
	track bool,
) *identityStore {
	s := &identityStore{
		importer: importer,
		rows:     make(map[string]interfaces.IdentityRecord),
		keys: ttlcache.New[string, *rsa.PublicKey](
			ttlcache.WithTTL[string, *rsa.PublicKey](keyCacheTTL),
			ttlcache.WithCapacity[string, *rsa.PublicKey](keyCacheCapacity),
		),
	}
	if track {
		s.changes = newChanges()
	}
	return s
}

func (s *identityStore) Has(id string) bool { // A
	_, ok := s.Get(id)
	return ok
}

func (s *identityStore) Get(id string) (interfaces.IdentityRecord, bool) { // A
	if s.self != nil && s.self.Identity.ID == id {
		return interfaces.IdentityRecord{
			Identity:  s.self.Identity,
			PublicKey: s.self.PublicKey,
		}, true
	}
	rec, ok := s.rows[id]
	return rec, ok
}

func (s *identityStore) Add(rec interfaces.IdentityRecord) bool { // A
	if s.Has(rec.Identity.ID) {
		return false
	}
	s.rows[rec.Identity.ID] = rec
	s.changes.touch(rec.Identity.ID)
	return true
}

func (s *identityStore) load(rec interfaces.IdentityRecord) { // A
	s.rows[rec.Identity.ID] = rec
}

func (s *identityStore) PubKey(id string) (*rsa.PublicKey, bool) { // A
	if item := s.keys.Get(id); item != nil {
		return item.Value(), true
	}
	rec, ok := s.Get(id)
	if !ok {
		return nil, false
	}
	pub, err := s.importer.ImportPublic(rec.PublicKey)
	if err != nil {
		return nil, false
	}
	s.keys.Set(id, pub, ttlcache.DefaultTTL)
	return pub, true
}

func (s *identityStore) Self() (interfaces.SelfRecord, bool) { // A
	if s.self == nil {
		return interfaces.SelfRecord{}, false
	}
	return *s.self, true
}

func (s *identityStore) SetSelf(rec interfaces.SelfRecord) { // A
	s.self = &rec
	s.keys.Delete(rec.Identity.ID)
	s.changes.touch(selfRowID)
}

func (s *identityStore) loadSelf(rec interfaces.SelfRecord) { // A
	s.self = &rec
}

// All lists the cache rows by ID, excluding self.
func (s *identityStore) All() []interfaces.IdentityRecord { // A
	out := make([]interfaces.IdentityRecord, 0, len(s.rows))
	for _, rec := range s.rows {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.ID < out[j].Identity.ID
	})
	return out
}

func (s *identityStore) reset() { // A
	clear(s.rows)
	s.self = nil
	s.keys.DeleteAll()
	s.changes.reset()
}
