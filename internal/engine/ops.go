package engine

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/guardianproject/sqlitefs/internal/meta"
	"github.com/guardianproject/sqlitefs/internal/pathperm"
)

// NodeKind distinguishes the entry kinds mknod may be asked to create.
// Character and block devices are always refused.
type NodeKind int

const (
	KindRegular NodeKind = iota
	KindFIFO
	KindSocket
	KindCharDevice
	KindBlockDevice
)

// OpenFlags is the subset of open(2) flags the engine's open/create
// operations need.
type OpenFlags struct {
	Create bool
	Excl   bool
	Trunc  bool
	Append bool
	Write  bool // O_WRONLY or O_RDWR
}

// GetAttr checks ancestor search permission plus read on the target
// itself, then materializes a Stat.
func (s *Session) GetAttr(ctx context.Context, path string, id pathperm.Identity) (Stat, error) {
	var out Stat
	err := s.withTxn(ctx, func() error {
		if err := pathperm.CheckParentAccess(ctx, s.meta, path, id); err != nil {
			return err
		}
		if err := pathperm.Access(ctx, s.meta, path, id, unix.R_OK); err != nil {
			return err
		}
		attr, err := s.meta.GetAttr(ctx, path)
		if err != nil {
			return err
		}
		out = attrToStat(attr)
		return nil
	})
	return out, err
}

// Access runs the (path, mask) check with no further side effects beyond
// the atime refresh GetAttr performs internally.
func (s *Session) Access(ctx context.Context, path string, id pathperm.Identity, mask int) error {
	return s.withTxn(ctx, func() error {
		return pathperm.Access(ctx, s.meta, path, id, mask)
	})
}

// Readlink returns a symlink's target, read from its content.
func (s *Session) Readlink(ctx context.Context, path string, id pathperm.Identity) (string, error) {
	var target string
	err := s.withTxn(ctx, func() error {
		attr, err := s.meta.GetAttr(ctx, path)
		if err != nil {
			return err
		}
		if attr.Type != meta.TypeSymlink {
			return ErrInvalid
		}
		data, err := s.block.Read(ctx, path, 0, int(attr.Size))
		if err != nil {
			return err
		}
		target = strings.TrimRight(string(data), "\x00")
		return nil
	})
	return target, err
}

// Readdir requires read+execute on dir and yields ".", "..", then each
// direct child name.
func (s *Session) Readdir(ctx context.Context, dir string, id pathperm.Identity) ([]string, error) {
	var names []string
	err := s.withTxn(ctx, func() error {
		if err := pathperm.Access(ctx, s.meta, dir, id, unix.R_OK|unix.X_OK); err != nil {
			return err
		}
		children, err := s.meta.ListChildren(ctx, dir)
		if err != nil {
			return err
		}
		names = append([]string{".", ".."}, children...)
		return nil
	})
	return names, err
}

// Mknod refuses device nodes; regular files, FIFOs, and sockets are all
// recorded generically as blobs.
func (s *Session) Mknod(ctx context.Context, path string, kind NodeKind, mode uint32, id pathperm.Identity) error {
	return s.withTxn(ctx, func() error {
		if kind == KindCharDevice || kind == KindBlockDevice {
			return pathperm.ErrPermission
		}
		if err := pathperm.CheckParentWrite(ctx, s.meta, path, id, s.ensureAncestor(id)); err != nil {
			return err
		}
		present, _, err := s.meta.Exists(ctx, path)
		if err != nil {
			return err
		}
		if present {
			return ErrExist
		}
		now := s.meta.Now()
		return s.meta.SetAttr(ctx, meta.Attr{
			Key: path, Type: meta.TypeBlob, Inode: s.engineCtx.nextInode(),
			Uid: id.Uid, Gid: id.Gid, Mode: mode,
			Atime: now, Mtime: now, Ctime: now,
		})
	})
}

// Mkdir creates a directory entry.
func (s *Session) Mkdir(ctx context.Context, path string, mode uint32, id pathperm.Identity) error {
	return s.withTxn(ctx, func() error {
		if err := pathperm.CheckParentWrite(ctx, s.meta, path, id, s.ensureAncestor(id)); err != nil {
			return err
		}
		present, _, err := s.meta.Exists(ctx, path)
		if err != nil {
			return err
		}
		if present {
			return ErrExist
		}
		now := s.meta.Now()
		return s.meta.SetAttr(ctx, meta.Attr{
			Key: path, Type: meta.TypeDir, Inode: s.engineCtx.nextInode(),
			Uid: id.Uid, Gid: id.Gid, Mode: mode,
			Atime: now, Mtime: now, Ctime: now,
		})
	})
}

// Unlink removes a non-directory entry.
func (s *Session) Unlink(ctx context.Context, path string, id pathperm.Identity) error {
	return s.withTxn(ctx, func() error {
		if err := pathperm.CheckParentWrite(ctx, s.meta, path, id, nil); err != nil {
			return err
		}
		attr, err := s.meta.GetAttr(ctx, path)
		if err != nil {
			return err
		}
		if attr.Type == meta.TypeDir {
			return ErrIsDir
		}
		return s.meta.Remove(ctx, path)
	})
}

// Rmdir removes an empty directory.
func (s *Session) Rmdir(ctx context.Context, path string, id pathperm.Identity) error {
	return s.withTxn(ctx, func() error {
		if err := pathperm.CheckParentWrite(ctx, s.meta, path, id, nil); err != nil {
			return err
		}
		attr, err := s.meta.GetAttr(ctx, path)
		if err != nil {
			return err
		}
		if attr.Type != meta.TypeDir {
			return ErrNotDir
		}
		n, err := s.meta.CountChildren(ctx, path)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrNotEmpty
		}
		return s.meta.Remove(ctx, path)
	})
}

// Symlink creates a symlink entry whose content is its null-terminated
// target string.
func (s *Session) Symlink(ctx context.Context, target, linkpath string, id pathperm.Identity) error {
	return s.withTxn(ctx, func() error {
		if err := pathperm.CheckParentWrite(ctx, s.meta, linkpath, id, s.ensureAncestor(id)); err != nil {
			return err
		}
		present, _, err := s.meta.Exists(ctx, linkpath)
		if err != nil {
			return err
		}
		if present {
			return ErrExist
		}
		now := s.meta.Now()
		if err := s.meta.SetAttr(ctx, meta.Attr{
			Key: linkpath, Type: meta.TypeSymlink, Inode: s.engineCtx.nextInode(),
			Uid: id.Uid, Gid: id.Gid, Mode: 0777,
			Atime: now, Mtime: now, Ctime: now,
		}); err != nil {
			return err
		}
		content := append([]byte(target), 0)
		_, err = s.block.Write(ctx, linkpath, content, 0)
		return err
	})
}

// Link always refuses: hard links are unsupported.
func (s *Session) Link(ctx context.Context, oldpath, newpath string, id pathperm.Identity) error {
	return pathperm.ErrPermission
}

// Rename implements the full from/to rule set: EISDIR when to is an
// existing directory and from isn't, ENOTEMPTY when
// overwriting a non-empty directory, descendant-key rewriting for
// directory renames, and destination replacement otherwise.
func (s *Session) Rename(ctx context.Context, from, to string, id pathperm.Identity) error {
	return s.withTxn(ctx, func() error {
		if err := pathperm.CheckParentWrite(ctx, s.meta, from, id, nil); err != nil {
			return err
		}
		if err := pathperm.CheckParentWrite(ctx, s.meta, to, id, nil); err != nil {
			return err
		}

		fromAttr, err := s.meta.GetAttr(ctx, from)
		if err != nil {
			return err
		}

		toAttr, toErr := s.meta.GetAttr(ctx, to)
		toExists := toErr == nil
		if toErr != nil && !errors.Is(toErr, meta.ErrNotFound) {
			return toErr
		}

		if toExists && toAttr.Type == meta.TypeDir && fromAttr.Type != meta.TypeDir {
			return ErrIsDir
		}
		if fromAttr.Type == meta.TypeDir && toExists {
			if toAttr.Type != meta.TypeDir {
				return ErrNotDir
			}
			n, err := s.meta.CountChildren(ctx, to)
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrNotEmpty
			}
		}

		if toExists {
			if err := s.meta.Remove(ctx, to); err != nil {
				return err
			}
		}

		if fromAttr.Type == meta.TypeDir {
			if err := s.meta.RenameTree(ctx, from, to); err != nil {
				return err
			}
		}
		return s.meta.Rename(ctx, from, to)
	})
}

// Chmod only the owner or uid 0 may invoke; only permission bits are
// settable, file-type bits are always preserved by Attr.FileMode.
func (s *Session) Chmod(ctx context.Context, path string, mode uint32, id pathperm.Identity) error {
	return s.withTxn(ctx, func() error {
		attr, err := s.meta.GetAttr(ctx, path)
		if err != nil {
			return err
		}
		if id.Uid != 0 && id.Uid != attr.Uid {
			return pathperm.ErrPermission
		}
		attr.Mode = mode &^ unix.S_IFMT
		attr.Ctime = s.meta.Now()
		return s.meta.SetAttr(ctx, attr)
	})
}

// Chown: uid 0 may change to any uid/gid; the owner may change only the
// gid and must keep uid stable. Pass -1 for either field to leave it
// unchanged.
func (s *Session) Chown(ctx context.Context, path string, uid, gid int64, id pathperm.Identity) error {
	return s.withTxn(ctx, func() error {
		attr, err := s.meta.GetAttr(ctx, path)
		if err != nil {
			return err
		}
		if id.Uid == 0 {
			if uid >= 0 {
				attr.Uid = uint32(uid)
			}
			if gid >= 0 {
				attr.Gid = uint32(gid)
			}
		} else {
			if attr.Uid != id.Uid {
				return pathperm.ErrPermission
			}
			if uid >= 0 && uint32(uid) != attr.Uid {
				return pathperm.ErrPermission
			}
			if gid >= 0 {
				attr.Gid = uint32(gid)
			}
		}
		attr.Ctime = s.meta.Now()
		return s.meta.SetAttr(ctx, attr)
	})
}

// Truncate resizes a regular file's content.
func (s *Session) Truncate(ctx context.Context, path string, size int64, id pathperm.Identity) error {
	return s.withTxn(ctx, func() error {
		if err := pathperm.Access(ctx, s.meta, path, id, unix.W_OK); err != nil {
			return err
		}
		attr, err := s.meta.GetAttr(ctx, path)
		if err != nil {
			return err
		}
		if attr.Type == meta.TypeDir {
			return ErrIsDir
		}
		return s.block.Truncate(ctx, path, size)
	})
}

// Utime sets atime/mtime to the supplied values, or now when nil. Only
// W_OK is enforced; ownership is deliberately not required.
func (s *Session) Utime(ctx context.Context, path string, atime, mtime *int64, id pathperm.Identity) error {
	return s.withTxn(ctx, func() error {
		if err := pathperm.Access(ctx, s.meta, path, id, unix.W_OK); err != nil {
			return err
		}
		attr, err := s.meta.GetAttr(ctx, path)
		if err != nil {
			return err
		}
		now := s.meta.Now()
		if atime != nil {
			attr.Atime = *atime
		} else {
			attr.Atime = now
		}
		if mtime != nil {
			attr.Mtime = *mtime
		} else {
			attr.Mtime = now
		}
		attr.Ctime = now
		return s.meta.SetAttr(ctx, attr)
	})
}

// Create implements O_CREAT|O_WRONLY|O_TRUNC: excl reports EEXIST against
// an existing entry instead of truncating it.
func (s *Session) Create(ctx context.Context, path string, mode uint32, excl bool, id pathperm.Identity) (Stat, error) {
	var out Stat
	err := s.withTxn(ctx, func() error {
		present, _, err := s.meta.Exists(ctx, path)
		if err != nil {
			return err
		}

		if present {
			if excl {
				return ErrExist
			}
			attr, err := s.meta.GetAttr(ctx, path)
			if err != nil {
				return err
			}
			if attr.Type == meta.TypeDir {
				return ErrIsDir
			}
			if err := pathperm.Access(ctx, s.meta, path, id, unix.W_OK); err != nil {
				return err
			}
			if err := s.block.Truncate(ctx, path, 0); err != nil {
				return err
			}
			attr, err = s.meta.GetAttr(ctx, path)
			if err != nil {
				return err
			}
			out = attrToStat(attr)
			return nil
		}

		if err := pathperm.CheckParentWrite(ctx, s.meta, path, id, s.ensureAncestor(id)); err != nil {
			return err
		}
		now := s.meta.Now()
		attr := meta.Attr{
			Key: path, Type: meta.TypeBlob, Inode: s.engineCtx.nextInode(),
			Uid: id.Uid, Gid: id.Gid, Mode: mode,
			Atime: now, Mtime: now, Ctime: now,
		}
		if err := s.meta.SetAttr(ctx, attr); err != nil {
			return err
		}
		out = attrToStat(attr)
		return nil
	})
	return out, err
}

// Open validates and, for O_CREAT, creates the target; O_TRUNC on an
// existing writable file truncates it to zero.
func (s *Session) Open(ctx context.Context, path string, flags OpenFlags, mode uint32, id pathperm.Identity) (Stat, error) {
	var out Stat
	err := s.withTxn(ctx, func() error {
		present, _, err := s.meta.Exists(ctx, path)
		if err != nil {
			return err
		}

		if !present {
			if !flags.Create {
				return pathperm.ErrNotExist
			}
			if err := pathperm.CheckParentWrite(ctx, s.meta, path, id, s.ensureAncestor(id)); err != nil {
				return err
			}
			now := s.meta.Now()
			attr := meta.Attr{
				Key: path, Type: meta.TypeBlob, Inode: s.engineCtx.nextInode(),
				Uid: id.Uid, Gid: id.Gid, Mode: mode,
				Atime: now, Mtime: now, Ctime: now,
			}
			if err := s.meta.SetAttr(ctx, attr); err != nil {
				return err
			}
			out = attrToStat(attr)
			return nil
		}

		if flags.Create && flags.Excl {
			return ErrExist
		}

		if flags.Create {
			if err := pathperm.CheckParentWrite(ctx, s.meta, path, id, nil); err != nil {
				return err
			}
		} else if err := pathperm.CheckParentAccess(ctx, s.meta, path, id); err != nil {
			return err
		}

		attr, err := s.meta.GetAttr(ctx, path)
		if err != nil {
			return err
		}
		if attr.Type == meta.TypeDir && flags.Write {
			return ErrIsDir
		}

		mask := unix.R_OK
		if flags.Write {
			mask |= unix.W_OK
		}
		if err := pathperm.Access(ctx, s.meta, path, id, mask); err != nil {
			return err
		}

		if flags.Trunc && flags.Write {
			if err := s.block.Truncate(ctx, path, 0); err != nil {
				return err
			}
			attr, err = s.meta.GetAttr(ctx, path)
			if err != nil {
				return err
			}
		}
		out = attrToStat(attr)
		return nil
	})
	return out, err
}

// Read shortens reads that run past EOF; EISDIR on directories.
func (s *Session) Read(ctx context.Context, path string, offset int64, length int, id pathperm.Identity) ([]byte, error) {
	var data []byte
	err := s.withTxn(ctx, func() error {
		attr, err := s.meta.GetAttr(ctx, path)
		if err != nil {
			return err
		}
		if attr.Type == meta.TypeDir {
			return ErrIsDir
		}
		data, err = s.block.Read(ctx, path, offset, length)
		return err
	})
	return data, err
}

// Write creates the file if absent (checking parent-write first). When
// append is set the caller's offset is ignored and the write lands at
// the file's current size. A gap between the current size and offset is
// zero-filled by block.Write's read-modify-write; the return value
// reports only len(data), never the gap.
func (s *Session) Write(ctx context.Context, path string, data []byte, offset int64, append bool, id pathperm.Identity) (int, error) {
	var n int
	err := s.withTxn(ctx, func() error {
		present, size, err := s.meta.Exists(ctx, path)
		if err != nil {
			return err
		}
		if !present {
			if err := pathperm.CheckParentWrite(ctx, s.meta, path, id, s.ensureAncestor(id)); err != nil {
				return err
			}
			now := s.meta.Now()
			if err := s.meta.SetAttr(ctx, meta.Attr{
				Key: path, Type: meta.TypeBlob, Inode: s.engineCtx.nextInode(),
				Uid: id.Uid, Gid: id.Gid, Mode: DefaultFileMode,
				Atime: now, Mtime: now, Ctime: now,
			}); err != nil {
				return err
			}
			size = 0
		}

		writeOffset := offset
		if append {
			writeOffset = size
		}
		n, err = s.block.Write(ctx, path, data, writeOffset)
		return err
	})
	return n, err
}

// Statfs reports the host filesystem's free/block info for the
// database's own partition, plus a synthetic inode count, and marks the
// mount ST_NOSUID.
func (s *Session) Statfs(ctx context.Context) (StatfsResult, error) {
	var out StatfsResult
	err := s.withTxn(ctx, func() error {
		var sf unix.Statfs_t
		if err := unix.Statfs(s.store.Path(), &sf); err != nil {
			return err
		}
		maxInode, err := s.meta.MaxInode(ctx)
		if err != nil {
			return err
		}
		out = StatfsResult{
			BlockSize:   uint32(sf.Bsize),
			Blocks:      sf.Blocks,
			BlocksFree:  sf.Bfree,
			BlocksAvail: sf.Bavail,
			Files:       uint64(maxInode),
			FilesFree:   ^uint64(0),
			NoSuid:      true,
		}
		return nil
	})
	return out, err
}

// Fsync and Release are no-ops: WAL plus commit-per-operation already
// provide durability.
func (s *Session) Fsync(ctx context.Context, path string) error   { return nil }
func (s *Session) Release(ctx context.Context, path string) error { return nil }

// GetXattr, SetXattr, ListXattr, and RemoveXattr carry the original's
// stub behavior forward unchanged: extended attributes are a non-goal,
// and every entry point reports ENOSYS rather than pretending to store
// anything.
func (s *Session) GetXattr(ctx context.Context, path, name string, id pathperm.Identity) ([]byte, error) {
	return nil, ErrNotSupported
}

func (s *Session) SetXattr(ctx context.Context, path, name string, value []byte, flags int, id pathperm.Identity) error {
	return ErrNotSupported
}

func (s *Session) ListXattr(ctx context.Context, path string, id pathperm.Identity) ([]string, error) {
	return nil, ErrNotSupported
}

func (s *Session) RemoveXattr(ctx context.Context, path, name string, id pathperm.Identity) error {
	return ErrNotSupported
}
