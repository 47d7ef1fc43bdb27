// Package testutil holds helpers shared by the package
// tests: a recording UI, a quiet logger and the -long
// switch for tests that open real sockets.
package testutil

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/i5heu/ephemeral/pkg/post"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

func IsLongEnabled() bool {
	return *RunLong
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Render is one recorded RenderPost call.
type Render struct {
	Post     *post.Post
	Editable bool
	Update   bool
}

// RecordingUI records every UI call. It is safe for use
// from the event loop and the test goroutine at once.
type RecordingUI struct {
	mu sync.Mutex

	renders  []Render
	alerts   []string
	confirms []string
	active   int
	total    int
	identity [3]string

	// Cancel is returned from ConfirmDestructive.
	Cancel bool
	// Reject makes RenderPost report that the post could
	// not be placed.
	Reject bool
}

func (u *RecordingUI) RenderPost(p *post.Post, editable, isUpdate bool) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.renders = append(u.renders, Render{Post: p.Clone(), Editable: editable, Update: isUpdate})
	return !u.Reject
}

func (u *RecordingUI) UpdateConnectionCounts(active, total int) {
	u.mu.Lock()
	u.active, u.total = active, total
	u.mu.Unlock()
}

func (u *RecordingUI) UpdateIdentityDisplay(name, id, peerID string) {
	u.mu.Lock()
	u.identity = [3]string{name, id, peerID}
	u.mu.Unlock()
}

func (u *RecordingUI) RaiseAlert(_ context.Context, text string) error {
	u.mu.Lock()
	u.alerts = append(u.alerts, text)
	u.mu.Unlock()
	return nil
}

func (u *RecordingUI) ConfirmDestructive(_ context.Context, name string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.confirms = append(u.confirms, name)
	return u.Cancel, nil
}

func (u *RecordingUI) Renders() []Render {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Render(nil), u.renders...)
}

// RendersOf returns the renders of postID.
func (u *RecordingUI) RendersOf(postID string) []Render {
	var out []Render
	for _, r := range u.Renders() {
		if r.Post.ID == postID {
			out = append(out, r)
		}
	}
	return out
}

func (u *RecordingUI) Alerts() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.alerts...)
}

func (u *RecordingUI) Confirms() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.confirms...)
}

func (u *RecordingUI) Counts() (active, total int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active, u.total
}

func (u *RecordingUI) Identity() (name, id, peerID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.identity[0], u.identity[1], u.identity[2]
}
