package post

import (
	"crypto/rsa"

	"github.com/i5heu/ephemeral/pkg/identity"
)

// VerificationState is the outcome of checking a post's
// authorship claim.
type VerificationState uint8 // A

const (
	Success VerificationState = iota
	Failure
	Pending
)

var verificationStateNames = map[VerificationState]string{
	Success: "success",
	Failure: "failure",
	Pending: "pending",
}

func (s VerificationState) String() string { // A
	if name, ok := verificationStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// KeySource resolves known identity IDs to public keys.
type KeySource interface { // A
	PubKey(id string) (*rsa.PublicKey, bool)
}

// SignatureChecker verifies a signature over data.
type SignatureChecker interface { // A
	Verify(data string, sig []byte, pub *rsa.PublicKey) bool
}

// Verifier decides SUCCESS, FAILURE or PENDING for a
// post's authorship claim.
type Verifier struct { // A
	self    identity.Identity
	selfKey *rsa.PublicKey
	keys    KeySource
	check   SignatureChecker
}

// NewVerifier builds a Verifier. selfKey is nil for guest
// sessions.
func NewVerifier( // A
	self identity.Identity,
	selfKey *rsa.PublicKey,
	keys KeySource,
	check SignatureChecker,
) *Verifier {
	return &Verifier{self: self, selfKey: selfKey, keys: keys, check: check}
}

// Verify never blocks; an unknown durable author yields
// Pending until their identity is resolved. Posts claiming
// the local identity are checked against the local key.
func (v *Verifier) Verify(p *Post) VerificationState { // A
	switch {
	case p.Author.IsGuest():
		return Success
	case len(p.Signature) == 0:
		return Failure
	}

	pub, ok := v.key(p.Author.ID)
	if !ok {
		return Pending
	}
	if v.check.Verify(p.Contents, p.Signature, pub) {
		return Success
	}
	return Failure
}

func (v *Verifier) key(id string) (*rsa.PublicKey, bool) { // A
	if v.selfKey != nil && id == v.self.ID {
		return v.selfKey, true
	}
	return v.keys.PubKey(id)
}
