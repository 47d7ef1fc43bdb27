// Package crypt provides the hashing, key management and
// signature primitives the protocol is built on. Keys are
// RSASSA-PKCS1-v1_5 with SHA-256 and travel as JWK.
package crypt

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
)

// DefaultKeyBits is the modulus length of generated
// identity keys.
const DefaultKeyBits = 4096

var (
	ErrNotRSAPublic  = errors.New("jwk does not hold an RSA public key")
	ErrNotRSAPrivate = errors.New("jwk does not hold an RSA private key")
)

// Provider is the crypto capability consumed by the
// post, identity and gossip layers.
type Provider interface { // A
	Hash(data string) string
	GenerateKeyPair() (*KeyPair, error)
	ExportPublic(pub *rsa.PublicKey) ([]byte, error)
	ExportPrivate(priv *rsa.PrivateKey) ([]byte, error)
	ImportPublic(jwk []byte) (*rsa.PublicKey, error)
	ImportPrivate(jwk []byte) (*rsa.PrivateKey, error)
	Sign(data string, priv *rsa.PrivateKey) ([]byte, error)
	Verify(data string, sig []byte, pub *rsa.PublicKey) bool
	GlobalID(pub *rsa.PublicKey) string
}

// KeyPair is a freshly generated identity key.
type KeyPair struct { // A
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// RSA implements Provider with crypto/rsa.
type RSA struct { // A
	// Bits overrides DefaultKeyBits when non-zero.
	Bits int
}

// New returns a Provider generating DefaultKeyBits keys.
func New() *RSA { // A
	return &RSA{Bits: DefaultKeyBits}
}

// Hash returns the SHA-256 digest of data rendered as
// base-32 pairs. Each big-endian byte pair becomes one
// base-32 number padded to at least two characters.
func (r *RSA) Hash(data string) string { // A
	sum := sha256.Sum256([]byte(data))
	return encodePairs(sum[:])
}

func encodePairs(b []byte) string { // A
	var sb strings.Builder
	for i := 0; i < len(b); i += 2 {
		v := uint64(b[i]) << 8
		if i+1 < len(b) {
			v |= uint64(b[i+1])
		}
		s := strconv.FormatUint(v, 32)
		if len(s) < 2 {
			sb.WriteByte('0')
		}
		sb.WriteString(s)
	}
	return sb.String()
}

func (r *RSA) GenerateKeyPair() (*KeyPair, error) { // A
	bits := r.Bits
	if bits == 0 {
		bits = DefaultKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &KeyPair{Public: &priv.PublicKey, Private: priv}, nil
}

func (r *RSA) ExportPublic( // A
	pub *rsa.PublicKey,
) ([]byte, error) {
	jwk := jose.JSONWebKey{
		Key:       pub,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
	out, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export public key: %w", err)
	}
	return out, nil
}

func (r *RSA) ExportPrivate( // A
	priv *rsa.PrivateKey,
) ([]byte, error) {
	jwk := jose.JSONWebKey{
		Key:       priv,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
	out, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export private key: %w", err)
	}
	return out, nil
}

func (r *RSA) ImportPublic( // A
	data []byte,
) (*rsa.PublicKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("import public key: %w", err)
	}
	pub, ok := jwk.Key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSAPublic
	}
	return pub, nil
}

func (r *RSA) ImportPrivate( // A
	data []byte,
) (*rsa.PrivateKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("import private key: %w", err)
	}
	priv, ok := jwk.Key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAPrivate
	}
	return priv, nil
}

func (r *RSA) Sign( // A
	data string,
	priv *rsa.PrivateKey,
) ([]byte, error) {
	digest := sha256.Sum256([]byte(data))
	sig, err := rsa.SignPKCS1v15(
		rand.Reader, priv, crypto.SHA256, digest[:],
	)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

func (r *RSA) Verify( // A
	data string,
	sig []byte,
	pub *rsa.PublicKey,
) bool {
	if pub == nil || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256([]byte(data))
	return rsa.VerifyPKCS1v15(
		pub, crypto.SHA256, digest[:], sig,
	) == nil
}

// GlobalID derives the durable identity ID of a key: the
// hash of the JWK "n" member (base64url modulus).
func (r *RSA) GlobalID(pub *rsa.PublicKey) string { // A
	return r.Hash(Modulus(pub))
}

// Modulus renders the public modulus exactly as the JWK
// "n" member does.
func Modulus(pub *rsa.PublicKey) string { // A
	return base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
}
