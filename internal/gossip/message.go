package gossip

import (
	"fmt"

	"github.com/i5heu/ephemeral/pkg/identity"
	"github.com/i5heu/ephemeral/pkg/post"
)

// MessageType tags a gossip message on the wire.
type MessageType uint8 // A

const (
	MessageTypePost MessageType = iota + 1
	MessageTypeQueryPosts
	MessageTypeQueryPostsResp
	MessageTypeRequestPost
	MessageTypeQueryIdent
	MessageTypeQueryIdentResp
)

var messageTypeNames = map[MessageType]string{
	MessageTypePost:           "Post",
	MessageTypeQueryPosts:     "QueryPosts",
	MessageTypeQueryPostsResp: "QueryPostsResp",
	MessageTypeRequestPost:    "RequestPost",
	MessageTypeQueryIdent:     "QueryIdent",
	MessageTypeQueryIdentResp: "QueryIdentResp",
}

func (t MessageType) String() string { // A
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", t)
}

// Message is the closed set of gossip messages.
type Message interface { // A
	Type() MessageType
	isMessage()
}

// PostMessage carries a full post.
type PostMessage struct { // A
	Post *post.Post
}

// QueryPostsMessage asks which posts a peer holds.
type QueryPostsMessage struct{} // A

// QueryPostsRespMessage lists the posts a peer holds.
type QueryPostsRespMessage struct { // A
	Posts []post.Descriptor
}

// RequestPostMessage asks for one post body.
type RequestPostMessage struct { // A
	PostID string
}

// QueryIdentMessage asks who owns an identity ID.
type QueryIdentMessage struct { // A
	ID string
}

// QueryIdentRespMessage answers a QueryIdent with the
// identity and its exported public key.
type QueryIdentRespMessage struct { // A
	Identity  identity.Identity
	PublicKey []byte
}

func (PostMessage) Type() MessageType           { return MessageTypePost }           // A
func (QueryPostsMessage) Type() MessageType     { return MessageTypeQueryPosts }     // A
func (QueryPostsRespMessage) Type() MessageType { return MessageTypeQueryPostsResp } // A
func (RequestPostMessage) Type() MessageType    { return MessageTypeRequestPost }    // A
func (QueryIdentMessage) Type() MessageType     { return MessageTypeQueryIdent }     // A
func (QueryIdentRespMessage) Type() MessageType { return MessageTypeQueryIdentResp } // A

func (PostMessage) isMessage()           {}
func (QueryPostsMessage) isMessage()     {}
func (QueryPostsRespMessage) isMessage() {}
func (RequestPostMessage) isMessage()    {}
func (QueryIdentMessage) isMessage()     {}
func (QueryIdentRespMessage) isMessage() {}
