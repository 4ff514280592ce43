// Package meta is the metadata layer: CRUD on the meta_data row keyed by
// full path, with the file-type bits of mode composed from Type on every
// write and timestamps maintained on each read/write side effect.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/guardianproject/sqlitefs/internal/store"
)

// Entry types stored in meta_data.type. Device nodes are refused before
// they ever reach this layer; FIFOs and sockets are accepted but, like
// regular files, are recorded generically as TypeBlob.
const (
	TypeDir     = "dir"
	TypeSymlink = "sym link"
	TypeBlob    = "blob"
)

// ErrNotFound is returned by lookups for a key with no meta_data row.
var ErrNotFound = errors.New("meta: not found")

// Attr is the full meta_data row for one key.
type Attr struct {
	Key       string
	Type      string
	Inode     int32
	Uid       uint32
	Gid       uint32
	Mode      uint32 // permission bits only; see FileMode for the stored value
	Size      int64
	BlockSize int
	Atime     int64
	Mtime     int64
	Ctime     int64
	Acl       string
	Attribute string
}

// FileTypeBit returns the POSIX file-type bit corresponding to typ.
func FileTypeBit(typ string) uint32 {
	switch typ {
	case TypeDir:
		return unix.S_IFDIR
	case TypeSymlink:
		return unix.S_IFLNK
	default:
		return unix.S_IFREG
	}
}

// FileMode is the value persisted to meta_data.mode: the caller-supplied
// permission bits OR'd with the file-type bit derived from typ.
func (a Attr) FileMode() uint32 {
	return (a.Mode &^ unix.S_IFMT) | FileTypeBit(a.Type)
}

// Layer is the metadata CRUD surface. It issues raw statements against the
// store's single connection; callers are expected to have already opened
// a txn.Manager frame so these composite reads/writes land in one
// transaction.
type Layer struct {
	s     *store.Store
	clock timeutil.Clock
}

func New(s *store.Store, clock timeutil.Clock) *Layer {
	return &Layer{s: s, clock: clock}
}

func (l *Layer) now() int64 { return l.clock.Now().Unix() }

// Now exposes the layer's clock to callers that stamp attrs themselves
// (the engine assigning atime/mtime/ctime on newly created entries).
func (l *Layer) Now() int64 { return l.now() }

// Exists reports whether key has a meta_data row, and its size if so.
func (l *Layer) Exists(ctx context.Context, key string) (present bool, size int64, err error) {
	err = l.s.WithStmt(ctx, "SELECT size FROM meta_data WHERE key = ?", func(stmt *sql.Stmt) error {
		return stmt.QueryRowContext(ctx, key).Scan(&size)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, size, nil
}

// IsDir reports whether key exists and is a directory.
func (l *Layer) IsDir(ctx context.Context, key string) (bool, error) {
	attr, err := l.GetAttr(ctx, key)
	if err != nil {
		return false, err
	}
	return attr.Type == TypeDir, nil
}

// GetAttr reads the full row and refreshes atime as a side effect — a
// deliberate departure from strict noatime semantics.
func (l *Layer) GetAttr(ctx context.Context, key string) (Attr, error) {
	var a Attr
	var acl, attribute sql.NullString
	query := `SELECT key, type, inode, uid, gid, mode, size, block_size,
		atime, mtime, ctime, acl, attribute FROM meta_data WHERE key = ?`
	err := l.s.WithStmt(ctx, query, func(stmt *sql.Stmt) error {
		return stmt.QueryRowContext(ctx, key).Scan(
			&a.Key, &a.Type, &a.Inode, &a.Uid, &a.Gid, &a.Mode, &a.Size, &a.BlockSize,
			&a.Atime, &a.Mtime, &a.Ctime, &acl, &attribute)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Attr{}, ErrNotFound
	}
	if err != nil {
		return Attr{}, err
	}
	a.Mode &^= unix.S_IFMT
	a.Acl = acl.String
	a.Attribute = attribute.String

	if err := l.touch(ctx, key, "atime", l.now()); err != nil {
		return Attr{}, err
	}
	return a, nil
}

// SetAttr upserts attr: INSERT OR IGNORE the key (assigning inode only on
// first insertion), then UPDATE every column. mtime/ctime are stamped to
// now unless the caller has already set them (utime passes explicit
// values through this same path).
func (l *Layer) SetAttr(ctx context.Context, attr Attr) error {
	now := l.now()
	if attr.Mtime == 0 {
		attr.Mtime = now
	}
	if attr.Ctime == 0 {
		attr.Ctime = now
	}

	insertQuery := `INSERT OR IGNORE INTO meta_data
		(key, type, inode, uid, gid, mode, size, block_size, atime, mtime, ctime, acl, attribute)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	err := l.s.WithStmt(ctx, insertQuery, func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, attr.Key, attr.Type, attr.Inode, attr.Uid, attr.Gid,
			attr.FileMode(), attr.Size, attr.BlockSize, attr.Atime, attr.Mtime, attr.Ctime, attr.Acl, attr.Attribute)
		return err
	})
	if err != nil {
		return err
	}

	updateQuery := `UPDATE meta_data SET type=?, uid=?, gid=?, mode=?, size=?,
		block_size=?, atime=?, mtime=?, ctime=?, acl=?, attribute=? WHERE key=?`
	return l.s.WithStmt(ctx, updateQuery, func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, attr.Type, attr.Uid, attr.Gid, attr.FileMode(), attr.Size,
			attr.BlockSize, attr.Atime, attr.Mtime, attr.Ctime, attr.Acl, attr.Attribute, attr.Key)
		return err
	})
}

// AssignInode returns the inode already stored for key, creating an empty
// placeholder row with nextInode if key does not yet exist. The bool
// reports whether the placeholder row was created by this call.
func (l *Layer) AssignInode(ctx context.Context, key string, nextInode int32) (int32, bool, error) {
	insertQuery := `INSERT OR IGNORE INTO meta_data
		(key, type, inode, uid, gid, mode, size, block_size, atime, mtime, ctime)
		VALUES (?, '', ?, 0, 0, 0, 0, 0, 0, 0, 0)`
	var n int64
	err := l.s.WithStmt(ctx, insertQuery, func(stmt *sql.Stmt) error {
		res, err := stmt.ExecContext(ctx, key, nextInode)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, false, err
	}
	if n == 1 {
		return nextInode, true, nil
	}

	var existing int32
	err = l.s.WithStmt(ctx, "SELECT inode FROM meta_data WHERE key = ?", func(stmt *sql.Stmt) error {
		return stmt.QueryRowContext(ctx, key).Scan(&existing)
	})
	if err != nil {
		return 0, false, err
	}
	return existing, false, nil
}

func (l *Layer) touch(ctx context.Context, key, column string, value int64) error {
	if column != "atime" && column != "mtime" && column != "ctime" {
		return fmt.Errorf("meta: invalid touch column %q", column)
	}
	query := fmt.Sprintf("UPDATE meta_data SET %s = ? WHERE key = ?", column)
	return l.s.WithStmt(ctx, query, func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, value, key)
		return err
	})
}

// TouchAccess refreshes atime only.
func (l *Layer) TouchAccess(ctx context.Context, key string) error {
	return l.touch(ctx, key, "atime", l.now())
}

// TouchModify refreshes atime, mtime, and ctime, per any set_attr call.
func (l *Layer) TouchModify(ctx context.Context, key string) error {
	now := l.now()
	return l.s.WithStmt(ctx, "UPDATE meta_data SET atime=?, mtime=?, ctime=? WHERE key=?", func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, now, now, now, key)
		return err
	})
}

// SetSize updates only size and touches mtime/ctime; used by the block
// I/O layer after a write/truncate.
func (l *Layer) SetSize(ctx context.Context, key string, size int64) error {
	now := l.now()
	return l.s.WithStmt(ctx, "UPDATE meta_data SET size=?, mtime=?, ctime=? WHERE key=?", func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, size, now, now, key)
		return err
	})
}

// Remove deletes key's rows from both tables in one statement pair.
func (l *Layer) Remove(ctx context.Context, key string) error {
	err := l.s.WithStmt(ctx, "DELETE FROM value_data WHERE key = ?", func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, key)
		return err
	})
	if err != nil {
		return err
	}
	return l.s.WithStmt(ctx, "DELETE FROM meta_data WHERE key = ?", func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, key)
		return err
	})
}

// Rename updates the key column in both tables from oldKey to newKey.
// Callers resolved all pre-conditions (parent access, EISDIR/ENOTEMPTY,
// destination removal) before calling in.
func (l *Layer) Rename(ctx context.Context, oldKey, newKey string) error {
	err := l.s.WithStmt(ctx, "UPDATE meta_data SET key = ? WHERE key = ?", func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, newKey, oldKey)
		return err
	})
	if err != nil {
		return err
	}
	return l.s.WithStmt(ctx, "UPDATE value_data SET key = ? WHERE key = ?", func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, newKey, oldKey)
		return err
	})
}

// ListChildren returns the direct (non-grandchild) children of dir.
func (l *Layer) ListChildren(ctx context.Context, dir string) ([]string, error) {
	prefix := childGlobPrefix(dir)
	var children []string
	err := l.s.WithStmt(ctx, "SELECT key FROM meta_data WHERE key GLOB ?", func(stmt *sql.Stmt) error {
		rows, err := stmt.QueryContext(ctx, prefix+"*")
		if err != nil {
			return err
		}
		defer rows.Close()

		children = nil
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return err
			}
			remainder := strings.TrimPrefix(key, prefix)
			if remainder == "" {
				continue // the root's own key matches "/*"; it is not its own child
			}
			if strings.Contains(remainder, "/") {
				continue // grandchild, not a direct child
			}
			children = append(children, remainder)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

// CountChildren is ListChildren's count-only sibling, used by rmdir's
// ENOTEMPTY check without materializing names.
func (l *Layer) CountChildren(ctx context.Context, dir string) (int, error) {
	children, err := l.ListChildren(ctx, dir)
	if err != nil {
		return 0, err
	}
	return len(children), nil
}

// MaxInode returns the highest inode currently stored, or 0 if meta_data
// is empty. Used at session open to seed the process-wide counter, and by
// statfs for its synthetic inode count.
func (l *Layer) MaxInode(ctx context.Context) (int32, error) {
	var max sql.NullInt64
	row := l.s.DB().QueryRowContext(ctx, "SELECT max(inode) FROM meta_data")
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return int32(max.Int64), nil
}

// RenameTree moves every descendant of fromDir (at any depth) to the
// corresponding path under toDir. Because the store is pinned to a single
// connection, the matching key set must be fully read before any rename
// statement executes — a second query could not share the connection
// with an open result set — so this buffers keys rather than streaming
// them; callers should expect O(descendant count) memory for very large
// subtrees.
func (l *Layer) RenameTree(ctx context.Context, fromDir, toDir string) error {
	prefix := childGlobPrefix(fromDir)
	var keys []string
	err := l.s.WithStmt(ctx, "SELECT key FROM meta_data WHERE key GLOB ?", func(stmt *sql.Stmt) error {
		rows, err := stmt.QueryContext(ctx, prefix+"*")
		if err != nil {
			return err
		}
		defer rows.Close()

		keys = nil
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}

	for _, key := range keys {
		newKey := toDir + strings.TrimPrefix(key, fromDir)
		if err := l.Rename(ctx, key, newKey); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTree bulk-deletes every descendant of dir (at any depth) from
// both tables. When excludeGlob is non-empty, rows matching it are
// spared; survivors is the count of meta_data rows still present under
// dir afterward, letting the caller decide whether dir itself should
// also be removed.
func (l *Layer) DeleteTree(ctx context.Context, dir, excludeGlob string) (survivors int, err error) {
	pattern := childGlobPrefix(dir) + "*"

	if excludeGlob == "" {
		err := l.s.WithStmt(ctx, "DELETE FROM value_data WHERE key GLOB ?", func(stmt *sql.Stmt) error {
			_, err := stmt.ExecContext(ctx, pattern)
			return err
		})
		if err != nil {
			return 0, err
		}
		err = l.s.WithStmt(ctx, "DELETE FROM meta_data WHERE key GLOB ?", func(stmt *sql.Stmt) error {
			_, err := stmt.ExecContext(ctx, pattern)
			return err
		})
		return 0, err
	}

	err = l.s.WithStmt(ctx, "DELETE FROM value_data WHERE key GLOB ? AND key NOT GLOB ?", func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, pattern, excludeGlob)
		return err
	})
	if err != nil {
		return 0, err
	}

	err = l.s.WithStmt(ctx, "DELETE FROM meta_data WHERE key GLOB ? AND key NOT GLOB ?", func(stmt *sql.Stmt) error {
		_, err := stmt.ExecContext(ctx, pattern, excludeGlob)
		return err
	})
	if err != nil {
		return 0, err
	}

	var n int
	err = l.s.WithStmt(ctx, "SELECT count(*) FROM meta_data WHERE key GLOB ?", func(stmt *sql.Stmt) error {
		return stmt.QueryRowContext(ctx, pattern).Scan(&n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func childGlobPrefix(dir string) string {
	if dir == "/" {
		return "/"
	}
	return dir + "/"
}
