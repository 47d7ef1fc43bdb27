// Package backup writes and reads cache snapshots: an xz
// stream of length-prefixed records holding verified posts
// and known identities.
package backup

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/i5heu/ephemeral/internal/binaryCoder"
	"github.com/i5heu/ephemeral/pkg/interfaces"
	"github.com/i5heu/ephemeral/pkg/post"
	"github.com/ulikunitz/xz"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	magic   = "EPHSNAP"
	version = 1

	maxRecordSize = 1 << 20
)

// recordKind tags one snapshot record.
type recordKind uint8 // A

const (
	recordPost recordKind = iota + 1
	recordIdentity
)

var (
	ErrBadMagic       = errors.New("not a snapshot")
	ErrBadVersion     = errors.New("unsupported snapshot version")
	ErrRecordTooLarge = errors.New("snapshot record too large")
)

// Snapshot is the exportable part of a node's caches.
// Private keys are never part of it.
type Snapshot struct { // A
	Posts      []*post.Post
	Identities []interfaces.IdentityRecord
}

// Len is the number of records in s.
func (s Snapshot) Len() int { // A
	return len(s.Posts) + len(s.Identities)
}

// Export writes s to w and returns the record count.
func Export(w io.Writer, s Snapshot) (int, error) { // A
	zw, err := xz.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create xz writer: %w", err)
	}

	hdr := append([]byte(magic), version)
	if _, err := zw.Write(hdr); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	n := 0
	for _, rec := range s.Identities {
		row := binaryCoder.IdentityRow{
			Identity:  rec.Identity,
			PublicKey: rec.PublicKey,
		}
		if err := writeRecord(zw, recordIdentity, binaryCoder.IdentityToByte(row)); err != nil {
			return n, err
		}
		n++
	}
	for _, p := range s.Posts {
		if err := writeRecord(zw, recordPost, binaryCoder.PostToByte(p)); err != nil {
			return n, err
		}
		n++
	}

	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("close xz writer: %w", err)
	}
	return n, nil
}

func writeRecord(w io.Writer, kind recordKind, body []byte) error { // A
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(body))
	buf = append(buf, byte(kind))
	buf = protowire.AppendVarint(buf, uint64(len(body)))
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Import reads a snapshot written by Export. Records of
// unknown kinds are skipped.
func Import(r io.Reader) (Snapshot, error) { // A
	zr, err := xz.NewReader(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open xz stream: %w", err)
	}
	br := bufio.NewReader(zr)

	hdr := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return Snapshot{}, fmt.Errorf("read header: %w", err)
	}
	if string(hdr[:len(magic)]) != magic {
		return Snapshot{}, ErrBadMagic
	}
	if hdr[len(magic)] != version {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrBadVersion, hdr[len(magic)])
	}

	var s Snapshot
	for {
		kind, body, err := readRecord(br)
		if errors.Is(err, io.EOF) {
			return s, nil
		}
		if err != nil {
			return Snapshot{}, err
		}
		switch kind {
		case recordPost:
			p, err := binaryCoder.ByteToPost(body)
			if err != nil {
				return Snapshot{}, err
			}
			s.Posts = append(s.Posts, p)
		case recordIdentity:
			row, err := binaryCoder.ByteToIdentity(body)
			if err != nil {
				return Snapshot{}, err
			}
			s.Identities = append(s.Identities, interfaces.IdentityRecord{
				Identity:  row.Identity,
				PublicKey: row.PublicKey,
			})
		}
	}
}

// readRecord returns io.EOF only at a record boundary.
func readRecord(br *bufio.Reader) (recordKind, []byte, error) { // A
	kind, err := br.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	size, err := binary.ReadUvarint(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read record size: %w", noEOF(err))
	}
	if size > maxRecordSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(br, body); err != nil {
		return 0, nil, fmt.Errorf("read record: %w", noEOF(err))
	}
	return recordKind(kind), body, nil
}

func noEOF(err error) error { // A
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
