// Package gossip implements the message protocol: typed
// dispatch, broadcast, and the query/response exchanges
// for posts and identities.
package gossip

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/i5heu/ephemeral/internal/connmgr"
	"github.com/i5heu/ephemeral/internal/metrics"
	"github.com/i5heu/ephemeral/pkg/clock"
	"github.com/i5heu/ephemeral/pkg/crypt"
	"github.com/i5heu/ephemeral/pkg/identity"
	"github.com/i5heu/ephemeral/pkg/interfaces"
	"github.com/i5heu/ephemeral/pkg/post"
)

const (
	logKeyPeerID     = "peerId"
	logKeyPostID     = "postId"
	logKeyIdentityID = "identityId"
	logKeyType       = "type"
	logKeyState      = "state"
	logKeyError      = "error"
)

var ErrInvalidConfig = errors.New("invalid gossip engine config")

// Config wires an Engine to the node's state.
type Config struct { // A
	Self identity.Identity
	// PublicKey is the exported key of Self; nil for
	// guests.
	PublicKey []byte

	Backend interfaces.Backend
	Conns   *connmgr.Manager
	UI      interfaces.UI
	Crypt   crypt.Provider

	ConnectionTimeout time.Duration

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Engine is the gossip state machine. It is owned by a
// single event loop and never locks.
type Engine struct { // A
	cfg      Config
	log      *slog.Logger
	verifier *post.Verifier
	posts    interfaces.PostTable
	pending  interfaces.PostTable
	idents   interfaces.IdentityStore
	// unknown holds identity IDs awaiting a QueryIdentResp.
	unknown map[string]struct{}
}

func NewEngine(cfg Config) (*Engine, error) { // A
	if cfg.Backend == nil || cfg.Conns == nil ||
		cfg.UI == nil || cfg.Crypt == nil || cfg.Self.ID == "" {
		return nil, ErrInvalidConfig
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	var selfKey *rsa.PublicKey
	if cfg.PublicKey != nil {
		pub, err := cfg.Crypt.ImportPublic(cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("import self key: %w", err)
		}
		selfKey = pub
	}
	idents := cfg.Backend.Identities()
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		verifier: post.NewVerifier(cfg.Self, selfKey, idents, cfg.Crypt),
		posts:    cfg.Backend.Posts(),
		pending:  cfg.Backend.Unverified(),
		idents:   idents,
		unknown:  make(map[string]struct{}),
	}, nil
}

// Self returns the local identity.
func (e *Engine) Self() identity.Identity { // A
	return e.cfg.Self
}

// Dispatch decodes one inbound payload from conn and
// routes it by type. Malformed and unknown messages are
// logged and dropped.
func (e *Engine) Dispatch(conn interfaces.Conn, data []byte) { // A
	msg, err := Decode(data)
	if err != nil {
		e.cfg.Metrics.Malformed()
		e.log.Debug("dropping message",
			logKeyPeerID, conn.PeerID(),
			logKeyError, err.Error(),
		)
		return
	}
	e.cfg.Metrics.MessageReceived(msg.Type().String())

	switch m := msg.(type) {
	case PostMessage:
		e.recvPost(m)
	case QueryPostsMessage:
		e.recvQueryPosts(conn)
	case QueryPostsRespMessage:
		e.recvQueryPostsResp(conn, m)
	case RequestPostMessage:
		e.recvRequestPost(conn, m)
	case QueryIdentMessage:
		e.recvQueryIdent(conn, m)
	case QueryIdentRespMessage:
		e.AcceptIdentity(m.Identity, m.PublicKey)
	default:
		e.log.Debug("unhandled message", logKeyType, msg.Type().String())
	}
}

func (e *Engine) recvPost(m PostMessage) { // A
	if err := m.Post.ValidateID(e.cfg.Crypt); err != nil {
		e.cfg.Metrics.Malformed()
		e.log.Debug("dropping post",
			logKeyPostID, m.Post.ID,
			logKeyError, err.Error(),
		)
		return
	}
	e.AddPost(m.Post, false, false)
}

func (e *Engine) recvQueryPosts(conn interfaces.Conn) { // A
	e.send(conn, QueryPostsRespMessage{Posts: e.posts.Descriptors()})
}

func (e *Engine) recvQueryPostsResp( // A
	conn interfaces.Conn,
	m QueryPostsRespMessage,
) {
	for _, d := range m.Posts {
		if _, ok := e.posts.Has(d.ID); ok {
			continue
		}
		if _, ok := e.pending.Has(d.ID); ok {
			continue
		}
		e.send(conn, RequestPostMessage{PostID: d.ID})
	}
}

func (e *Engine) recvRequestPost( // A
	conn interfaces.Conn,
	m RequestPostMessage,
) {
	p, ok := e.posts.Get(m.PostID)
	if !ok {
		return
	}
	e.send(conn, PostMessage{Post: p})
}

func (e *Engine) recvQueryIdent( // A
	conn interfaces.Conn,
	m QueryIdentMessage,
) {
	if m.ID == e.cfg.Self.ID {
		if e.cfg.PublicKey == nil {
			return
		}
		e.send(conn, QueryIdentRespMessage{
			Identity:  e.cfg.Self,
			PublicKey: e.cfg.PublicKey,
		})
		return
	}
	if rec, ok := e.idents.Get(m.ID); ok {
		e.send(conn, QueryIdentRespMessage{
			Identity:  rec.Identity,
			PublicKey: rec.PublicKey,
		})
		return
	}
	if identity.IsGuestID(m.ID) {
		return
	}
	if _, asked := e.unknown[m.ID]; asked {
		return
	}
	e.unknown[m.ID] = struct{}{}
	e.Broadcast(QueryIdentMessage{ID: m.ID}, conn.PeerID())
}

// AcceptIdentity caches an identity claim if its ID is the
// hash of the key's modulus, then re-verifies the
// author's pending posts. The first accepted claim wins.
func (e *Engine) AcceptIdentity( // A
	ident identity.Identity,
	publicKey []byte,
) bool {
	if e.idents.Has(ident.ID) {
		return false
	}
	pub, err := e.cfg.Crypt.ImportPublic(publicKey)
	if err != nil {
		e.log.Debug("dropping identity",
			logKeyIdentityID, ident.ID,
			logKeyError, err.Error(),
		)
		return false
	}
	if e.cfg.Crypt.GlobalID(pub) != ident.ID {
		e.log.Debug("identity does not match key",
			logKeyIdentityID, ident.ID,
		)
		return false
	}

	e.idents.Add(interfaces.IdentityRecord{
		Identity:  ident,
		PublicKey: publicKey,
	})
	delete(e.unknown, ident.ID)
	e.log.Debug("identity resolved", logKeyIdentityID, ident.ID)

	for _, p := range e.pending.ByAuthor(ident.ID) {
		e.AddPost(p, false, false)
	}
	return true
}

// AddPost verifies p and files it. Verified posts are
// rendered; pending posts wait for their author's
// identity. With update set, an already verified post is
// replaced and re-rendered.
func (e *Engine) AddPost( // A
	p *post.Post,
	trusted bool,
	update bool,
) post.VerificationState {
	if _, ok := e.posts.Has(p.ID); ok {
		if update {
			e.posts.Replace(p)
			e.cfg.UI.RenderPost(p, p.IsOwnedBy(e.cfg.Self), true)
		}
		return post.Success
	}

	state := post.Success
	if !trusted && !p.Author.IsGuest() {
		state = e.verifier.Verify(p)
	}
	e.cfg.Metrics.PostAdded(state.String())

	if state == post.Pending {
		e.pending.Add(p)
		e.unknown[p.Author.ID] = struct{}{}
		e.Broadcast(QueryIdentMessage{ID: p.Author.ID})
		return state
	}
	e.pending.Remove(p.ID)

	if state != post.Success {
		e.log.Debug("dropping unverifiable post",
			logKeyPostID, p.ID,
			logKeyState, state.String(),
		)
		return state
	}

	e.posts.Add(p)
	if !e.cfg.UI.RenderPost(p, p.IsOwnedBy(e.cfg.Self), false) {
		e.log.Debug("post stored but not placed", logKeyPostID, p.ID)
	}
	return state
}

// Publish files a locally authored post and announces it.
func (e *Engine) Publish(p *post.Post) { // A
	e.AddPost(p, true, false)
	e.Broadcast(PostMessage{Post: p})
}

// Broadcast sends msg to every open connection whose peer
// is not excluded. Connections that stayed pending past
// the connection timeout are purged on the way. It
// returns the number of peers sent to.
func (e *Engine) Broadcast(msg Message, exclude ...string) int { // A
	data, err := Encode(msg)
	if err != nil {
		e.log.Error("encode broadcast",
			logKeyType, msg.Type().String(),
			logKeyError, err.Error(),
		)
		return 0
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	now := e.cfg.Clock.Now()
	sent := 0
	for _, c := range e.cfg.Conns.Connections() {
		if _, ok := skip[c.PeerID]; ok {
			continue
		}
		if !c.Open {
			if now.Sub(c.EstablishedAt) > e.cfg.ConnectionTimeout {
				e.log.Debug("purging stale connection",
					logKeyPeerID, c.PeerID,
				)
				e.cfg.Conns.Purge(c.PeerID)
			}
			continue
		}
		if err := c.Handle.Send(data); err != nil {
			e.log.Debug("send failed",
				logKeyPeerID, c.PeerID,
				logKeyError, err.Error(),
			)
			continue
		}
		e.cfg.Metrics.MessageSent(msg.Type().String())
		sent++
	}
	return sent
}

func (e *Engine) send(conn interfaces.Conn, msg Message) { // A
	data, err := Encode(msg)
	if err != nil {
		e.log.Error("encode reply",
			logKeyType, msg.Type().String(),
			logKeyError, err.Error(),
		)
		return
	}
	if err := conn.Send(data); err != nil {
		e.log.Debug("reply failed",
			logKeyPeerID, conn.PeerID(),
			logKeyError, err.Error(),
		)
		return
	}
	e.cfg.Metrics.MessageSent(msg.Type().String())
}

// QueryPosts asks every neighbor for its descriptors.
func (e *Engine) QueryPosts() { // A
	e.Broadcast(QueryPostsMessage{})
}

// QueryIdents re-asks for every unresolved identity.
func (e *Engine) QueryIdents() { // A
	for _, id := range e.Unknown() {
		e.Broadcast(QueryIdentMessage{ID: id})
	}
}

// Unknown lists the identity IDs still awaiting
// resolution.
func (e *Engine) Unknown() []string { // A
	out := make([]string, 0, len(e.unknown))
	for id := range e.unknown {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Prune drops posts from both tables that were added more
// than ttl ago.
func (e *Engine) Prune(ttl time.Duration) int { // A
	n := e.pending.Prune(ttl) + e.posts.Prune(ttl)
	if n > 0 {
		e.log.Debug("pruned posts", "count", n)
	}
	return n
}

// RenderCache renders every verified post, oldest first.
func (e *Engine) RenderCache() int { // A
	rendered := 0
	for _, d := range e.posts.Descriptors() {
		p, ok := e.posts.Get(d.ID)
		if !ok {
			continue
		}
		e.cfg.UI.RenderPost(p, p.IsOwnedBy(e.cfg.Self), false)
		rendered++
	}
	return rendered
}

// Flush persists the backend's pending changes.
func (e *Engine) Flush(ctx context.Context) error { // A
	return e.cfg.Backend.Flush(ctx)
}
