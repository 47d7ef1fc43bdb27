package gossip

import (
	"errors"
	"fmt"

	"github.com/i5heu/ephemeral/internal/binaryCoder"
	"github.com/i5heu/ephemeral/pkg/post"
	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope fields.
const (
	envType protowire.Number = 1
	envBody protowire.Number = 2
)

// Body fields shared by the single-field messages.
const (
	bodyID         protowire.Number = 1
	bodyDescriptor protowire.Number = 1
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingPost        = errors.New("post message without post")
)

// Encode serializes msg as a protobuf-wire envelope
// {1: type, 2: body}.
func Encode(msg Message) ([]byte, error) { // A
	var body []byte
	switch m := msg.(type) {
	case PostMessage:
		if m.Post == nil {
			return nil, ErrMissingPost
		}
		body = binaryCoder.PostToByte(m.Post)
	case QueryPostsMessage:
	case QueryPostsRespMessage:
		for _, d := range m.Posts {
			body = protowire.AppendTag(body, bodyDescriptor, protowire.BytesType)
			body = protowire.AppendBytes(body, binaryCoder.AppendDescriptor(nil, d))
		}
	case RequestPostMessage:
		body = binaryCoder.AppendString(body, bodyID, m.PostID)
	case QueryIdentMessage:
		body = binaryCoder.AppendString(body, bodyID, m.ID)
	case QueryIdentRespMessage:
		body = binaryCoder.IdentityToByte(binaryCoder.IdentityRow{
			Identity:  m.Identity,
			PublicKey: m.PublicKey,
		})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}

	out := protowire.AppendTag(nil, envType, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(msg.Type()))
	out = binaryCoder.AppendBytes(out, envBody, body)
	return out, nil
}

// Decode parses an envelope. Unknown types yield an error
// wrapping ErrUnknownMessageType.
func Decode(data []byte) (Message, error) { // A
	var (
		typ  MessageType
		body []byte
	)
	err := binaryCoder.ConsumeFields(data, func(
		num protowire.Number,
		wt protowire.Type,
		b []byte,
	) int {
		switch {
		case num == envType && wt == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			typ = MessageType(v)
			return n
		case num == envBody && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			body = v
			return n
		default:
			return binaryCoder.SkipField(num, wt, b)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return decodeBody(typ, body)
}

func decodeBody(typ MessageType, body []byte) (Message, error) { // A
	switch typ {
	case MessageTypePost:
		if len(body) == 0 {
			return nil, ErrMissingPost
		}
		p, err := binaryCoder.ByteToPost(body)
		if err != nil {
			return nil, err
		}
		return PostMessage{Post: p}, nil
	case MessageTypeQueryPosts:
		return QueryPostsMessage{}, nil
	case MessageTypeQueryPostsResp:
		descs, err := decodeDescriptors(body)
		if err != nil {
			return nil, err
		}
		return QueryPostsRespMessage{Posts: descs}, nil
	case MessageTypeRequestPost:
		id, err := decodeID(body)
		if err != nil {
			return nil, err
		}
		return RequestPostMessage{PostID: id}, nil
	case MessageTypeQueryIdent:
		id, err := decodeID(body)
		if err != nil {
			return nil, err
		}
		return QueryIdentMessage{ID: id}, nil
	case MessageTypeQueryIdentResp:
		row, err := binaryCoder.ByteToIdentity(body)
		if err != nil {
			return nil, err
		}
		return QueryIdentRespMessage{
			Identity:  row.Identity,
			PublicKey: row.PublicKey,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, typ)
	}
}

func decodeDescriptors(body []byte) ([]post.Descriptor, error) { // A
	var (
		out  []post.Descriptor
		derr error
	)
	err := binaryCoder.ConsumeFields(body, func(
		num protowire.Number,
		wt protowire.Type,
		b []byte,
	) int {
		if num != bodyDescriptor || wt != protowire.BytesType {
			return binaryCoder.SkipField(num, wt, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		d, err := binaryCoder.ByteToDescriptor(v)
		if err != nil {
			derr = err
			return n
		}
		out = append(out, d)
		return n
	})
	if err != nil {
		return nil, err
	}
	return out, derr
}

func decodeID(body []byte) (string, error) { // A
	var id string
	err := binaryCoder.ConsumeFields(body, func(
		num protowire.Number,
		wt protowire.Type,
		b []byte,
	) int {
		if num == bodyID && wt == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			id = v
			return n
		}
		return binaryCoder.SkipField(num, wt, b)
	})
	return id, err
}
