package store

import (
	"context"

	"github.com/i5heu/ephemeral/pkg/clock"
	"github.com/i5heu/ephemeral/pkg/interfaces"
)

// Ephemeral is the in-memory Backend of guest sessions.
// Nothing survives Close.
type Ephemeral struct { // A
	posts      *postTable
	unverified *postTable
	idents     *identityStore
}

func NewEphemeral( // A
	c clock.Clock,
	importer KeyImporter,
) *Ephemeral {
	if c == nil {
		c = clock.Real()
	}
	return &Ephemeral{
		posts:      newPostTable(c, false),
		unverified: newPostTable(c, false),
		idents:     newIdentityStore(importer, false),
	}
}

func (e *Ephemeral) Posts() interfaces.PostTable { return e.posts } // A

func (e *Ephemeral) Unverified() interfaces.PostTable { return e.unverified } // A

func (e *Ephemeral) Identities() interfaces.IdentityStore { return e.idents } // A

func (e *Ephemeral) Durable() bool { return false } // A

func (e *Ephemeral) Flush(context.Context) error { return nil } // A

func (e *Ephemeral) Clear(context.Context) error { // A
	e.posts.reset()
	e.unverified.reset()
	e.idents.reset()
	return nil
}

func (e *Ephemeral) Close() error { return nil } // A
