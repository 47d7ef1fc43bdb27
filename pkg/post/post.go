// Package post defines the content-addressed Post value,
// its gossip descriptor and authorship verification.
package post

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/i5heu/ephemeral/pkg/identity"
)

var (
	ErrEmptyContents = errors.New("post contents are empty")
	ErrIDMismatch    = errors.New("post id does not match its content address")
)

var tagPattern = regexp.MustCompile(`%(\w+)`)

// Hasher is the subset of the crypto capability needed to
// address a post.
type Hasher interface { // A
	Hash(data string) string
}

// Signer signs post contents with a private key.
type Signer interface { // A
	Hasher
	Sign(data string, priv *rsa.PrivateKey) ([]byte, error)
}

// Post is a short authored message. The ID is derived from
// author, timestamp and contents; the signature covers the
// contents only.
type Post struct { // A
	Author    identity.Identity
	Contents  string
	Tags      []string
	Timestamp int64 // unix milliseconds
	ID        string
	Parent    string
	Signature []byte
}

// Descriptor is the {id, timestamp} summary exchanged
// during gossip.
type Descriptor struct { // A
	ID        string
	Timestamp int64
}

// New creates a post authored by author at now. When priv
// is non-nil the contents are signed with it.
func New( // A
	author identity.Identity,
	contents string,
	parent string,
	now time.Time,
	signer Signer,
	priv *rsa.PrivateKey,
) (*Post, error) {
	if contents == "" {
		return nil, ErrEmptyContents
	}
	p := &Post{
		Author:    author,
		Contents:  contents,
		Tags:      ExtractTags(contents),
		Timestamp: now.UnixMilli(),
		Parent:    parent,
	}
	p.ID = ComputeID(author, p.Timestamp, signer.Hash(contents))

	if priv != nil {
		sig, err := signer.Sign(contents, priv)
		if err != nil {
			return nil, fmt.Errorf("sign post: %w", err)
		}
		p.Signature = sig
	}
	return p, nil
}

// ComputeID renders "{name}@{id}:[{timestamp}]{hash}".
func ComputeID( // A
	author identity.Identity,
	timestamp int64,
	contentHash string,
) string {
	return fmt.Sprintf(
		"%s@%s:[%d]%s",
		author.Name, author.ID, timestamp, contentHash,
	)
}

// ExtractTags returns the distinct %word tokens of
// contents in order of first occurrence, without the
// leading marker.
func ExtractTags(contents string) []string { // A
	matches := tagPattern.FindAllStringSubmatch(contents, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	tags := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		tags = append(tags, m[1])
	}
	return tags
}

// ValidateID checks that the ID matches the post's own
// author, timestamp and contents.
func (p *Post) ValidateID(h Hasher) error { // A
	want := ComputeID(p.Author, p.Timestamp, h.Hash(p.Contents))
	if p.ID != want {
		return ErrIDMismatch
	}
	return nil
}

func (p *Post) Descriptor() Descriptor { // A
	return Descriptor{ID: p.ID, Timestamp: p.Timestamp}
}

// IsOwnedBy reports whether id authored the post.
func (p *Post) IsOwnedBy(id identity.Identity) bool { // A
	return p.Author.Equal(id)
}

// IsReply reports whether the post references a parent.
func (p *Post) IsReply() bool { // A
	return p.Parent != ""
}

// Clone returns a deep copy.
func (p *Post) Clone() *Post { // A
	c := *p
	if p.Tags != nil {
		c.Tags = append([]string(nil), p.Tags...)
	}
	if p.Signature != nil {
		c.Signature = append([]byte(nil), p.Signature...)
	}
	return &c
}
