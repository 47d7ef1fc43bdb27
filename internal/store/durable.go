package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ephemeral/internal/binaryCoder"
	"github.com/i5heu/ephemeral/pkg/clock"
	"github.com/i5heu/ephemeral/pkg/interfaces"
	"github.com/i5heu/ephemeral/pkg/post"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	tablePosts      = "posts"
	tableUnverified = "unverified"
	tableIdents     = "idents"

	rowPost  protowire.Number = 1
	rowAdded protowire.Number = 2
)

var ErrEmptyNamespace = errors.New("durable store needs a namespace")

// DurableConfig configures a badger-backed Backend.
type DurableConfig struct { // A
	// Path is the badger directory. Ignored when InMemory.
	Path     string
	InMemory bool
	// Namespace separates identities sharing one database,
	// normally the local display name.
	Namespace string
	// MinimumFreeMB refuses to open below this much free
	// disk space. Zero disables the check.
	MinimumFreeMB uint64
	Clock         clock.Clock
	Importer      KeyImporter
	Logger        *logrus.Logger
}

// Durable is the persistent Backend. Rows are served from
// memory and written back by Flush.
type Durable struct { // A
	db         *badger.DB
	ns         []byte
	log        *logrus.Logger
	posts      *postTable
	unverified *postTable
	idents     *identityStore
	enc        *zstd.Encoder
	dec        *zstd.Decoder
}

// OpenDurable opens the database and loads the namespace.
func OpenDurable(cfg DurableConfig) (*Durable, error) { // A
	if cfg.Namespace == "" {
		return nil, ErrEmptyNamespace
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetLevel(logrus.WarnLevel)
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		if err := checkFreeSpace(cfg.Path, cfg.MinimumFreeMB); err != nil {
			return nil, err
		}
	}
	opts = opts.WithLogger(cfg.Logger)
	opts.ValueLogFileSize = 1024 * 1024 * 64
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	d := &Durable{
		db:         db,
		ns:         namespacePrefix(cfg.Namespace),
		log:        cfg.Logger,
		posts:      newPostTable(cfg.Clock, true),
		unverified: newPostTable(cfg.Clock, true),
		idents:     newIdentityStore(cfg.Importer, true),
		enc:        enc,
		dec:        dec,
	}
	if err := d.load(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Durable) Posts() interfaces.PostTable { return d.posts } // A

func (d *Durable) Unverified() interfaces.PostTable { return d.unverified } // A

func (d *Durable) Identities() interfaces.IdentityStore { return d.idents } // A

func (d *Durable) Durable() bool { return true } // A

// namespacePrefix escapes name so that no namespace is a
// key prefix of another ("a/" must not match "a/b/...").
func namespacePrefix(name string) []byte { // A
	return []byte(url.PathEscape(name) + "/")
}

func (d *Durable) key(table, id string) []byte { // A
	k := make([]byte, 0, len(d.ns)+len(table)+len(id)+1)
	k = append(k, d.ns...)
	k = append(k, table...)
	if id != "" {
		k = append(k, '/')
		k = append(k, id...)
	}
	return k
}

// load reads every row of the namespace into memory.
func (d *Durable) load() error { // A
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(d.ns); it.ValidForPrefix(d.ns); it.Next() {
			item := it.Item()
			rest := bytes.TrimPrefix(item.Key(), d.ns)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %q: %w", item.Key(), err)
			}
			if err := d.loadRow(rest, value); err != nil {
				d.log.WithField("key", string(item.Key())).
					Warnf("skipping unreadable row: %v", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load namespace: %w", err)
	}
	return nil
}

func (d *Durable) loadRow(rest, value []byte) error { // A
	table, _, _ := bytes.Cut(rest, []byte("/"))
	switch string(table) {
	case tablePosts, tableUnverified:
		p, added, err := d.decodePostRow(value)
		if err != nil {
			return err
		}
		if string(table) == tablePosts {
			d.posts.load(p, added)
		} else {
			d.unverified.load(p, added)
		}
	case tableIdents:
		row, err := binaryCoder.ByteToIdentity(value)
		if err != nil {
			return err
		}
		d.idents.load(interfaces.IdentityRecord{
			Identity:  row.Identity,
			PublicKey: row.PublicKey,
		})
	case selfRowID:
		row, err := binaryCoder.ByteToIdentity(value)
		if err != nil {
			return err
		}
		d.idents.loadSelf(interfaces.SelfRecord{
			Identity:   row.Identity,
			PublicKey:  row.PublicKey,
			PrivateKey: row.PrivateKey,
		})
	default:
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

func (d *Durable) encodePostRow(row postRow) []byte { // A
	var b []byte
	b = binaryCoder.AppendBytes(b, rowPost, binaryCoder.PostToByte(row.post))
	b = binaryCoder.AppendVarint(b, rowAdded, uint64(row.added.UnixMilli()))
	return d.enc.EncodeAll(b, nil)
}

func (d *Durable) decodePostRow( // A
	value []byte,
) (*post.Post, time.Time, error) {
	raw, err := d.dec.DecodeAll(value, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("decompress post row: %w", err)
	}
	var (
		p     *post.Post
		added time.Time
		perr  error
	)
	err = binaryCoder.ConsumeFields(raw, func(
		num protowire.Number,
		typ protowire.Type,
		b []byte,
	) int {
		switch {
		case num == rowPost && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				p, perr = binaryCoder.ByteToPost(v)
			}
			return n
		case num == rowAdded && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			added = time.UnixMilli(int64(v))
			return n
		default:
			return binaryCoder.SkipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	if perr != nil {
		return nil, time.Time{}, perr
	}
	if p == nil {
		return nil, time.Time{}, errors.New("post row without post")
	}
	return p, added, nil
}

// Flush writes every row changed since the last flush in
// one badger write batch.
func (d *Durable) Flush(ctx context.Context) error { // A
	if d.posts.changes.empty() &&
		d.unverified.changes.empty() &&
		d.idents.changes.empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()

	if err := d.flushPosts(wb, tablePosts, d.posts); err != nil {
		return err
	}
	if err := d.flushPosts(wb, tableUnverified, d.unverified); err != nil {
		return err
	}
	if err := d.flushIdents(wb); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush write batch: %w", err)
	}

	d.posts.changes.reset()
	d.unverified.changes.reset()
	d.idents.changes.reset()
	return nil
}

func (d *Durable) flushPosts( // A
	wb *badger.WriteBatch,
	table string,
	t *postTable,
) error {
	for id := range t.changes.dirty {
		row, ok := t.rows[id]
		if !ok {
			continue
		}
		if err := wb.Set(d.key(table, id), d.encodePostRow(row)); err != nil {
			return fmt.Errorf("write %s row: %w", table, err)
		}
	}
	for id := range t.changes.removed {
		if err := wb.Delete(d.key(table, id)); err != nil {
			return fmt.Errorf("delete %s row: %w", table, err)
		}
	}
	return nil
}

func (d *Durable) flushIdents(wb *badger.WriteBatch) error { // A
	s := d.idents
	for id := range s.changes.dirty {
		if id == selfRowID {
			if s.self == nil {
				continue
			}
			row := binaryCoder.IdentityRow{
				Identity:   s.self.Identity,
				PublicKey:  s.self.PublicKey,
				PrivateKey: s.self.PrivateKey,
				IsSelf:     true,
			}
			err := wb.Set(d.key(selfRowID, ""), binaryCoder.IdentityToByte(row))
			if err != nil {
				return fmt.Errorf("write self row: %w", err)
			}
			continue
		}
		rec, ok := s.rows[id]
		if !ok {
			continue
		}
		row := binaryCoder.IdentityRow{
			Identity:  rec.Identity,
			PublicKey: rec.PublicKey,
		}
		err := wb.Set(d.key(tableIdents, id), binaryCoder.IdentityToByte(row))
		if err != nil {
			return fmt.Errorf("write identity row: %w", err)
		}
	}
	return nil
}

// Clear drops every row of the namespace, on disk and in
// memory.
func (d *Durable) Clear(ctx context.Context) error { // A
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.db.DropPrefix(d.ns); err != nil {
		return fmt.Errorf("drop namespace: %w", err)
	}
	d.posts.reset()
	d.unverified.reset()
	d.idents.reset()
	return nil
}

func (d *Durable) Close() error { // A
	d.enc.Close()
	d.dec.Close()
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}
