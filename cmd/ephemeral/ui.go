package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/i5heu/ephemeral/internal/client"
	"github.com/i5heu/ephemeral/pkg/post"
)

const replyCommand = "/reply "

// consoleUI renders the feed as lines on a terminal and
// reads new posts from stdin.
type consoleUI struct { // A
	mu        sync.Mutex
	in        *bufio.Scanner
	out       io.Writer
	assumeYes bool
}

func newConsoleUI(in io.Reader, out io.Writer, assumeYes bool) *consoleUI { // A
	return &consoleUI{
		in:        bufio.NewScanner(in),
		out:       out,
		assumeYes: assumeYes,
	}
}

func (u *consoleUI) printf(format string, args ...any) { // A
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format, args...)
}

func (u *consoleUI) RenderPost(p *post.Post, editable, isUpdate bool) bool { // A
	marker := " "
	switch {
	case isUpdate:
		marker = "~"
	case editable:
		marker = "*"
	}
	ts := time.UnixMilli(p.Timestamp).Format(time.DateTime)
	if p.IsReply() {
		u.printf("%s [%s] %s (re %s): %s\n    id %s\n",
			marker, ts, p.Author.Name, p.Parent, p.Contents, p.ID)
		return true
	}
	u.printf("%s [%s] %s: %s\n    id %s\n",
		marker, ts, p.Author.Name, p.Contents, p.ID)
	return true
}

func (u *consoleUI) UpdateConnectionCounts(active, total int) { // A
	u.printf("-- connections: %d open of %d\n", active, total)
}

func (u *consoleUI) UpdateIdentityDisplay(name, id, peerID string) { // A
	u.printf("-- you are %s (%s), session %s\n", name, id, peerID)
}

func (u *consoleUI) RaiseAlert(_ context.Context, text string) error { // A
	u.printf("!! %s\n", text)
	return nil
}

func (u *consoleUI) ConfirmDestructive( // A
	_ context.Context,
	name string,
) (bool, error) {
	if u.assumeYes {
		return false, nil
	}
	u.printf("An identity named %q already exists. Replace it? [y/N] ", name)
	if !u.in.Scan() {
		if err := u.in.Err(); err != nil {
			return true, fmt.Errorf("read answer: %w", err)
		}
		return true, nil
	}
	answer := strings.ToLower(strings.TrimSpace(u.in.Text()))
	return answer != "y" && answer != "yes", nil
}

// readPosts publishes every stdin line. "/reply <id> text"
// posts a reply.
func (u *consoleUI) readPosts( // A
	ctx context.Context,
	c *client.Client,
	logger *slog.Logger,
) {
	for u.in.Scan() {
		line := strings.TrimSpace(u.in.Text())
		if line == "" {
			continue
		}
		parent := ""
		if strings.HasPrefix(line, replyCommand) {
			rest := strings.TrimSpace(strings.TrimPrefix(line, replyCommand))
			parent, line, _ = strings.Cut(rest, " ")
		}
		if _, err := c.Post(ctx, line, parent); err != nil {
			if errors.Is(err, client.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Warn("post failed", logKeyError, err.Error())
		}
	}
}
