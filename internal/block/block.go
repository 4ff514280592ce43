// Package block stripes file content across fixed-size BLOB rows in
// value_data, with read-modify-write on the boundary blocks of any
// write or truncate.
package block

import (
	"context"
	"database/sql"
	"errors"

	"github.com/guardianproject/sqlitefs/internal/meta"
	"github.com/guardianproject/sqlitefs/internal/store"
)

// BlockSize is the fixed stripe width, chosen at build time.
const BlockSize = 8192

// Layer stripes file content into BlockSize BLOBs. It assumes the
// meta_data row for key already exists — creating that row is the
// metadata layer's and, above it, the engine's responsibility.
type Layer struct {
	s    *store.Store
	meta *meta.Layer
}

func New(s *store.Store, m *meta.Layer) *Layer {
	return &Layer{s: s, meta: m}
}

// Read copies up to length bytes starting at offset into a fresh buffer.
// Reads past EOF return an empty (not nil) slice and no error; missing
// block rows read as zeros.
func (l *Layer) Read(ctx context.Context, key string, offset int64, length int) ([]byte, error) {
	present, size, err := l.meta.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, meta.ErrNotFound
	}
	if offset >= size || length <= 0 {
		return []byte{}, nil
	}

	end := offset + int64(length)
	if end > size {
		end = size
	}

	buf := make([]byte, end-offset)
	first := offset / BlockSize
	last := (end - 1) / BlockSize

	for bn := first; bn <= last; bn++ {
		blockStart := bn * BlockSize
		lo, hi := overlap(offset, end, blockStart, blockStart+BlockSize)
		if lo >= hi {
			continue
		}

		stored, err := l.readBlock(ctx, key, bn)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			continue // missing block reads as zeros, already the buffer's zero value
		}

		srcOff := lo - blockStart
		dstOff := lo - offset
		n := hi - lo
		if srcOff >= int64(len(stored)) {
			continue
		}
		if srcOff+n > int64(len(stored)) {
			n = int64(len(stored)) - srcOff
		}
		copy(buf[dstOff:dstOff+n], stored[srcOff:srcOff+n])
	}

	return buf, nil
}

// Write overlays data onto key's content starting at offset, growing
// meta_data.size to max(previous size, offset+len(data)) and never
// shrinking a block's previously-written tail. A gap between the previous
// size and offset reads back as zeros: the first touched block is padded
// with zeros, and blocks wholly inside the gap have no row. It returns
// len(data), never counting the gap.
func (l *Layer) Write(ctx context.Context, key string, data []byte, offset int64) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	_, oldSize, err := l.meta.Exists(ctx, key)
	if err != nil {
		return 0, err
	}

	end := offset + int64(len(data))
	first := offset / BlockSize
	last := (end - 1) / BlockSize

	for bn := first; bn <= last; bn++ {
		blockStart := bn * BlockSize

		existing, err := l.readBlock(ctx, key, bn)
		if err != nil {
			return 0, err
		}

		scratch := make([]byte, BlockSize)
		existingLen := 0
		if existing != nil {
			existingLen = len(existing)
			copy(scratch, existing)
		}

		lo, hi := overlap(offset, end, blockStart, blockStart+BlockSize)
		srcOff := lo - offset
		dstOff := lo - blockStart
		copy(scratch[dstOff:dstOff+(hi-lo)], data[srcOff:srcOff+(hi-lo)])

		writeLen := int(hi - blockStart) // bytes of this block touched by the write
		if existingLen > writeLen {
			writeLen = existingLen // never shrink an existing tail
		}
		if err := l.writeBlock(ctx, key, bn, scratch[:writeLen]); err != nil {
			return 0, err
		}
	}

	newSize := oldSize
	if end > newSize {
		newSize = end
	}
	if err := l.meta.SetSize(ctx, key, newSize); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Truncate implements the shrink/grow/no-op truncate algorithm.
func (l *Layer) Truncate(ctx context.Context, key string, newSize int64) error {
	present, oldSize, err := l.meta.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !present {
		return meta.ErrNotFound
	}

	switch {
	case newSize == oldSize:
		return l.meta.TouchModify(ctx, key)

	case newSize < oldSize:
		b := newSize / BlockSize
		keepLen := newSize % BlockSize

		existing, err := l.readBlock(ctx, key, b)
		if err != nil {
			return err
		}
		var trimmed []byte
		if keepLen > 0 {
			trimmed = make([]byte, keepLen)
			if existing != nil {
				n := int64(len(existing))
				if n > keepLen {
					n = keepLen
				}
				copy(trimmed, existing[:n])
			}
		}
		if err := l.writeBlock(ctx, key, b, trimmed); err != nil {
			return err
		}
		if err := l.deleteBlocksAfter(ctx, key, b); err != nil {
			return err
		}
		return l.meta.SetSize(ctx, key, newSize)

	default: // newSize > oldSize: zero-fill the gap
		gap := make([]byte, newSize-oldSize)
		_, err := l.Write(ctx, key, gap, oldSize)
		return err
	}
}

func (l *Layer) readBlock(ctx context.Context, key string, blockNo int64) ([]byte, error) {
	var data []byte
	query := "SELECT data_block FROM value_data WHERE key = ? AND block_no = ?"
	err := l.s.WithStmt(ctx, query, func(stmt *sql.Stmt) error {
		return stmt.QueryRowContext(ctx, key, blockNo).Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// writeBlock upserts blockNo's content, or deletes the row when data is
// empty: writing zero-length content to a block deletes its value_data row.
func (l *Layer) writeBlock(ctx context.Context, key string, blockNo int64, data []byte) error {
	if len(data) == 0 {
		return l.s.WithStmt(ctx, "DELETE FROM value_data WHERE key = ? AND block_no = ?", func(stmt *sql.Stmt) error {
			_, err := stmt.ExecContext(ctx, key, blockNo)
			return err
		})
	}

	query := `INSERT INTO value_data (key, block_no, data_block) VALUES (?, ?, ?)
		ON CONFLICT(key, block_no) DO UPDATE SET data_block = excluded.data_block`
	return l.s.WithStmt(ctx, query, func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, key, blockNo, data)
		return err
	})
}

func (l *Layer) deleteBlocksAfter(ctx context.Context, key string, blockNo int64) error {
	return l.s.WithStmt(ctx, "DELETE FROM value_data WHERE key = ? AND block_no > ?", func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, key, blockNo)
		return err
	})
}

// overlap returns the intersection of [aLo, aHi) and [bLo, bHi), or
// lo >= hi if they don't intersect.
func overlap(aLo, aHi, bLo, bHi int64) (lo, hi int64) {
	lo = aLo
	if bLo > lo {
		lo = bLo
	}
	hi = aHi
	if bHi < hi {
		hi = bHi
	}
	return lo, hi
}
