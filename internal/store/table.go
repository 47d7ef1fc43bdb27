// Package store holds the post tables and the identity
// trust cache. Tables live in memory; the durable backend
// tracks changes and flushes them to badger.
package store

import (
	"sort"
	"time"

	"github.com/i5heu/ephemeral/pkg/clock"
	"github.com/i5heu/ephemeral/pkg/post"
)

// changes records rows touched since the last flush. A nil
// *changes tracks nothing.
type changes struct { // A
	dirty   map[string]struct{}
	removed map[string]struct{}
}

func newChanges() *changes { // A
	return &changes{
		dirty:   make(map[string]struct{}),
		removed: make(map[string]struct{}),
	}
}

func (c *changes) touch(id string) { // A
	if c == nil {
		return
	}
	c.dirty[id] = struct{}{}
	delete(c.removed, id)
}

func (c *changes) drop(id string) { // A
	if c == nil {
		return
	}
	delete(c.dirty, id)
	c.removed[id] = struct{}{}
}

func (c *changes) reset() { // A
	if c == nil {
		return
	}
	clear(c.dirty)
	clear(c.removed)
}

func (c *changes) empty() bool { // A
	return c == nil || len(c.dirty) == 0 && len(c.removed) == 0
}

type postRow struct { // A
	post  *post.Post
	added time.Time
}

// postTable is the in-memory PostTable.
type postTable struct { // A
	clock   clock.Clock
	rows    map[string]postRow
	changes *changes
}

func newPostTable(c clock.Clock, track bool) *postTable { // A
	t := &postTable{
		clock: c,
		rows:  make(map[string]postRow),
	}
	if track {
		t.changes = newChanges()
	}
	return t
}

func (t *postTable) Add(p *post.Post) bool { // A
	if _, ok := t.rows[p.ID]; ok {
		return false
	}
	t.rows[p.ID] = postRow{post: p.Clone(), added: t.clock.Now()}
	t.changes.touch(p.ID)
	return true
}

// load inserts a persisted row without marking it dirty.
func (t *postTable) load(p *post.Post, added time.Time) { // A
	t.rows[p.ID] = postRow{post: p, added: added}
}

func (t *postTable) Replace(p *post.Post) bool { // A
	row, ok := t.rows[p.ID]
	if !ok {
		return false
	}
	row.post = p.Clone()
	t.rows[p.ID] = row
	t.changes.touch(p.ID)
	return true
}

func (t *postTable) Remove(id string) { // A
	if _, ok := t.rows[id]; !ok {
		return
	}
	delete(t.rows, id)
	t.changes.drop(id)
}

func (t *postTable) Has(id string) (post.Descriptor, bool) { // A
	row, ok := t.rows[id]
	if !ok {
		return post.Descriptor{}, false
	}
	return row.post.Descriptor(), true
}

func (t *postTable) Get(id string) (*post.Post, bool) { // A
	row, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	return row.post.Clone(), true
}

// Descriptors lists every row ordered by timestamp.
func (t *postTable) Descriptors() []post.Descriptor { // A
	out := make([]post.Descriptor, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, row.post.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *postTable) ByAuthor(id string) []*post.Post { // A
	var out []*post.Post
	for _, row := range t.rows {
		if row.post.Author.ID == id {
			out = append(out, row.post.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// Prune deletes rows added more than ttl ago.
func (t *postTable) Prune(ttl time.Duration) int { // A
	now := t.clock.Now()
	removed := 0
	for id, row := range t.rows {
		if now.Sub(row.added) > ttl {
			delete(t.rows, id)
			t.changes.drop(id)
			removed++
		}
	}
	return removed
}

func (t *postTable) Len() int { // A
	return len(t.rows)
}

func (t *postTable) reset() { // A
	clear(t.rows)
	t.changes.reset()
}
