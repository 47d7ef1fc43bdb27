package interfaces

import (
	"context"

	"github.com/i5heu/ephemeral/pkg/post"
)

// UI is the rendering collaborator. All calls are made
// from the client's event loop.
type UI interface { // A
	// RenderPost places a post. The return value reports
	// whether the UI could place it; the store commits
	// either way.
	RenderPost(p *post.Post, editable, isUpdate bool) bool
	UpdateConnectionCounts(active, total int)
	UpdateIdentityDisplay(name, id, peerID string)
	RaiseAlert(ctx context.Context, text string) error
	// ConfirmDestructive asks before clearing the stored
	// identity called name.
	ConfirmDestructive(ctx context.Context, name string) (cancelled bool, err error)
}
