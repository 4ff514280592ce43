package bridge

import (
	"github.com/jacobsa/fuse/fuseops"

	"github.com/guardianproject/sqlitefs/internal/pathperm"
)

func (fsys *FileSystem) StatFS(op *fuseops.StatFSOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	res, err := sess.Statfs(op.Context())
	if err != nil {
		return errno(err)
	}
	op.BlockSize = res.BlockSize
	op.Blocks = res.Blocks
	op.BlocksFree = res.BlocksFree
	op.BlocksAvailable = res.BlocksAvail
	op.IoSize = res.BlockSize
	op.Inodes = res.Files
	op.InodesFree = res.FilesFree
	return nil
}

func (fsys *FileSystem) LookUpInode(op *fuseops.LookUpInodeOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	parent, ok := fsys.pathOf(op.Parent)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	path := childPath(parent, op.Name)

	stat, err := sess.GetAttr(op.Context(), path, fsys.identity)
	if err != nil {
		return errno(err)
	}
	fsys.remember(fuseops.InodeID(stat.Inode), path)
	op.Entry = toEntry(stat)
	return nil
}

func (fsys *FileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	path, ok := fsys.pathOf(op.Inode)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	stat, err := sess.GetAttr(op.Context(), path, fsys.identity)
	if err != nil {
		return errno(err)
	}
	op.Attributes = toAttributes(stat)
	return nil
}

func (fsys *FileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	path, ok := fsys.pathOf(op.Inode)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}

	if op.Mode != nil {
		if err := sess.Chmod(op.Context(), path, fileModeToMode(*op.Mode), fsys.identity); err != nil {
			return errno(err)
		}
	}
	if op.Size != nil {
		if err := sess.Truncate(op.Context(), path, int64(*op.Size), fsys.identity); err != nil {
			return errno(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		var atime, mtime *int64
		if op.Atime != nil {
			a := op.Atime.Unix()
			atime = &a
		}
		if op.Mtime != nil {
			m := op.Mtime.Unix()
			mtime = &m
		}
		if err := sess.Utime(op.Context(), path, atime, mtime, fsys.identity); err != nil {
			return errno(err)
		}
	}

	stat, err := sess.GetAttr(op.Context(), path, fsys.identity)
	if err != nil {
		return errno(err)
	}
	op.Attributes = toAttributes(stat)
	return nil
}

func (fsys *FileSystem) ForgetInode(op *fuseops.ForgetInodeOp) error {
	fsys.mu.Lock()
	delete(fsys.paths, op.Inode)
	fsys.mu.Unlock()
	return nil
}
