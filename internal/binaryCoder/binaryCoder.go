// Package binaryCoder encodes posts, descriptors and
// identity rows in protobuf wire format. It is shared by
// the gossip codec, the durable store and snapshots.
package binaryCoder

import (
	"fmt"

	"github.com/i5heu/ephemeral/pkg/identity"
	"github.com/i5heu/ephemeral/pkg/post"
	"google.golang.org/protobuf/encoding/protowire"
)

// Post fields.
const (
	postAuthorName protowire.Number = 1
	postAuthorID   protowire.Number = 2
	postContents   protowire.Number = 3
	postTags       protowire.Number = 4
	postTimestamp  protowire.Number = 5
	postID         protowire.Number = 6
	postParent     protowire.Number = 7
	postSignature  protowire.Number = 8
)

// Descriptor fields.
const (
	descID        protowire.Number = 1
	descTimestamp protowire.Number = 2
)

// Identity row fields.
const (
	identName       protowire.Number = 1
	identID         protowire.Number = 2
	identPublicKey  protowire.Number = 3
	identPrivateKey protowire.Number = 4
	identIsSelf     protowire.Number = 5
)

// IdentityRow is the persisted and exchanged form of an
// identity with its key material.
type IdentityRow struct { // A
	Identity   identity.Identity
	PublicKey  []byte
	PrivateKey []byte
	IsSelf     bool
}

// FieldFunc decodes one field starting at b and returns
// the number of bytes consumed or a negative protowire
// error code.
type FieldFunc func( // A
	num protowire.Number,
	typ protowire.Type,
	b []byte,
) int

// ConsumeFields walks every field of a message. Unknown
// fields must be skipped by fn via SkipField.
func ConsumeFields(b []byte, fn FieldFunc) error { // A
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("read tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m < 0 {
			return fmt.Errorf(
				"read field %d: %w", num, protowire.ParseError(m),
			)
		}
		b = b[m:]
	}
	return nil
}

// SkipField consumes a field the caller does not know.
func SkipField( // A
	num protowire.Number,
	typ protowire.Type,
	b []byte,
) int {
	return protowire.ConsumeFieldValue(num, typ, b)
}

// AppendString writes a non-empty string field.
func AppendString( // A
	b []byte,
	num protowire.Number,
	s string,
) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendBytes writes a non-empty bytes field.
func AppendBytes( // A
	b []byte,
	num protowire.Number,
	v []byte,
) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendVarint writes a non-zero varint field.
func AppendVarint( // A
	b []byte,
	num protowire.Number,
	v uint64,
) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendPost appends the wire form of p to b.
func AppendPost(b []byte, p *post.Post) []byte { // A
	b = AppendString(b, postAuthorName, p.Author.Name)
	b = AppendString(b, postAuthorID, p.Author.ID)
	b = AppendString(b, postContents, p.Contents)
	for _, tag := range p.Tags {
		b = protowire.AppendTag(b, postTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	b = AppendVarint(
		b, postTimestamp, protowire.EncodeZigZag(p.Timestamp),
	)
	b = AppendString(b, postID, p.ID)
	b = AppendString(b, postParent, p.Parent)
	b = AppendBytes(b, postSignature, p.Signature)
	return b
}

func PostToByte(p *post.Post) []byte { // A
	return AppendPost(nil, p)
}

// ByteToPost decodes a post. The result does not alias b.
func ByteToPost(b []byte) (*post.Post, error) { // A
	p := &post.Post{}
	err := ConsumeFields(b, func(
		num protowire.Number,
		typ protowire.Type,
		b []byte,
	) int {
		if num == postTimestamp && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			p.Timestamp = protowire.DecodeZigZag(v)
			return n
		}
		if typ != protowire.BytesType {
			return SkipField(num, typ, b)
		}
		switch num {
		case postAuthorName:
			v, n := protowire.ConsumeString(b)
			p.Author.Name = v
			return n
		case postAuthorID:
			v, n := protowire.ConsumeString(b)
			p.Author.ID = v
			return n
		case postContents:
			v, n := protowire.ConsumeString(b)
			p.Contents = v
			return n
		case postTags:
			v, n := protowire.ConsumeString(b)
			p.Tags = append(p.Tags, v)
			return n
		case postID:
			v, n := protowire.ConsumeString(b)
			p.ID = v
			return n
		case postParent:
			v, n := protowire.ConsumeString(b)
			p.Parent = v
			return n
		case postSignature:
			v, n := protowire.ConsumeBytes(b)
			p.Signature = append([]byte(nil), v...)
			return n
		default:
			return SkipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("decode post: %w", err)
	}
	return p, nil
}

// AppendDescriptor appends the wire form of d to b.
func AppendDescriptor( // A
	b []byte,
	d post.Descriptor,
) []byte {
	b = AppendString(b, descID, d.ID)
	b = AppendVarint(
		b, descTimestamp, protowire.EncodeZigZag(d.Timestamp),
	)
	return b
}

func ByteToDescriptor(b []byte) (post.Descriptor, error) { // A
	var d post.Descriptor
	err := ConsumeFields(b, func(
		num protowire.Number,
		typ protowire.Type,
		b []byte,
	) int {
		switch {
		case num == descID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			d.ID = v
			return n
		case num == descTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			d.Timestamp = protowire.DecodeZigZag(v)
			return n
		default:
			return SkipField(num, typ, b)
		}
	})
	if err != nil {
		return post.Descriptor{}, fmt.Errorf(
			"decode descriptor: %w", err,
		)
	}
	return d, nil
}

// AppendIdentity appends the wire form of row to b.
func AppendIdentity(b []byte, row IdentityRow) []byte { // A
	b = AppendString(b, identName, row.Identity.Name)
	b = AppendString(b, identID, row.Identity.ID)
	b = AppendBytes(b, identPublicKey, row.PublicKey)
	b = AppendBytes(b, identPrivateKey, row.PrivateKey)
	if row.IsSelf {
		b = AppendVarint(b, identIsSelf, 1)
	}
	return b
}

func IdentityToByte(row IdentityRow) []byte { // A
	return AppendIdentity(nil, row)
}

func ByteToIdentity(b []byte) (IdentityRow, error) { // A
	var row IdentityRow
	err := ConsumeFields(b, func(
		num protowire.Number,
		typ protowire.Type,
		b []byte,
	) int {
		if num == identIsSelf && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			row.IsSelf = v != 0
			return n
		}
		if typ != protowire.BytesType {
			return SkipField(num, typ, b)
		}
		switch num {
		case identName:
			v, n := protowire.ConsumeString(b)
			row.Identity.Name = v
			return n
		case identID:
			v, n := protowire.ConsumeString(b)
			row.Identity.ID = v
			return n
		case identPublicKey:
			v, n := protowire.ConsumeBytes(b)
			row.PublicKey = append([]byte(nil), v...)
			return n
		case identPrivateKey:
			v, n := protowire.ConsumeBytes(b)
			row.PrivateKey = append([]byte(nil), v...)
			return n
		default:
			return SkipField(num, typ, b)
		}
	})
	if err != nil {
		return IdentityRow{}, fmt.Errorf("decode identity: %w", err)
	}
	return row, nil
}
