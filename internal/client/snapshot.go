package client

import (
	"context"
	"fmt"
	"io"

	"github.com/i5heu/ephemeral/internal/backup"
	"github.com/i5heu/ephemeral/pkg/interfaces"
	"github.com/i5heu/ephemeral/pkg/post"
)

// ImportResult counts what an Import accepted.
type ImportResult struct { // A
	Identities int
	Verified   int
	Pending    int
	Rejected   int
}

// Export writes the verified posts and known identities
// to w. The local identity is included with its public
// key only.
func (c *Client) Export(ctx context.Context, w io.Writer) (int, error) { // A
	var snap backup.Snapshot
	err := c.Do(ctx, func() {
		posts := c.backend.Posts()
		for _, d := range posts.Descriptors() {
			if p, ok := posts.Get(d.ID); ok {
				snap.Posts = append(snap.Posts, p)
			}
		}
		snap.Identities = c.backend.Identities().All()
		if c.publicKey != nil {
			snap.Identities = append(snap.Identities, interfaces.IdentityRecord{
				Identity:  c.self,
				PublicKey: c.publicKey,
			})
		}
	})
	if err != nil {
		return 0, err
	}
	n, err := backup.Export(w, snap)
	if err != nil {
		return n, fmt.Errorf("export snapshot: %w", err)
	}
	return n, nil
}

// Import reads a snapshot and feeds it through the same
// checks as gossip: identities must match their keys and
// posts are verified against them.
func (c *Client) Import(ctx context.Context, r io.Reader) (ImportResult, error) { // A
	snap, err := backup.Import(r)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import snapshot: %w", err)
	}

	var res ImportResult
	err = c.Do(ctx, func() {
		for _, rec := range snap.Identities {
			if c.engine.AcceptIdentity(rec.Identity, rec.PublicKey) {
				res.Identities++
			}
		}
		for _, p := range snap.Posts {
			if p.ValidateID(c.cfg.Crypt) != nil {
				res.Rejected++
				continue
			}
			switch c.engine.AddPost(p, false, false) {
			case post.Success:
				res.Verified++
			case post.Pending:
				res.Pending++
			default:
				res.Rejected++
			}
		}
	})
	return res, err
}
