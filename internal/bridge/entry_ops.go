package bridge

import (
	"github.com/jacobsa/fuse/fuseops"

	"github.com/guardianproject/sqlitefs/internal/engine"
	"github.com/guardianproject/sqlitefs/internal/pathperm"
)

func (fsys *FileSystem) MkDir(op *fuseops.MkDirOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	parent, ok := fsys.pathOf(op.Parent)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	path := childPath(parent, op.Name)
	if err := sess.Mkdir(op.Context(), path, fileModeToMode(op.Mode), fsys.identity); err != nil {
		return errno(err)
	}
	stat, err := sess.GetAttr(op.Context(), path, fsys.identity)
	if err != nil {
		return errno(err)
	}
	fsys.remember(fuseops.InodeID(stat.Inode), path)
	op.Entry = toEntry(stat)
	return nil
}

func (fsys *FileSystem) MkNode(op *fuseops.MkNodeOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	parent, ok := fsys.pathOf(op.Parent)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	path := childPath(parent, op.Name)
	if err := sess.Mknod(op.Context(), path, engine.KindRegular, fileModeToMode(op.Mode), fsys.identity); err != nil {
		return errno(err)
	}
	stat, err := sess.GetAttr(op.Context(), path, fsys.identity)
	if err != nil {
		return errno(err)
	}
	fsys.remember(fuseops.InodeID(stat.Inode), path)
	op.Entry = toEntry(stat)
	return nil
}

func (fsys *FileSystem) CreateFile(op *fuseops.CreateFileOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	parent, ok := fsys.pathOf(op.Parent)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	path := childPath(parent, op.Name)
	stat, err := sess.Create(op.Context(), path, fileModeToMode(op.Mode), true, fsys.identity)
	if err != nil {
		return errno(err)
	}
	fsys.remember(fuseops.InodeID(stat.Inode), path)
	op.Entry = toEntry(stat)
	return nil
}

func (fsys *FileSystem) CreateSymlink(op *fuseops.CreateSymlinkOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	parent, ok := fsys.pathOf(op.Parent)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	path := childPath(parent, op.Name)
	if err := sess.Symlink(op.Context(), op.Target, path, fsys.identity); err != nil {
		return errno(err)
	}
	stat, err := sess.GetAttr(op.Context(), path, fsys.identity)
	if err != nil {
		return errno(err)
	}
	fsys.remember(fuseops.InodeID(stat.Inode), path)
	op.Entry = toEntry(stat)
	return nil
}

// CreateLink always fails: hard links are unsupported, the same as the
// engine's own Link operation.
func (fsys *FileSystem) CreateLink(op *fuseops.CreateLinkOp) error {
	return errno(pathperm.ErrPermission)
}

func (fsys *FileSystem) ReadSymlink(op *fuseops.ReadSymlinkOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	path, ok := fsys.pathOf(op.Inode)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	target, err := sess.Readlink(op.Context(), path, fsys.identity)
	if err != nil {
		return errno(err)
	}
	op.Target = target
	return nil
}

func (fsys *FileSystem) RmDir(op *fuseops.RmDirOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	parent, ok := fsys.pathOf(op.Parent)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	return errno(sess.Rmdir(op.Context(), childPath(parent, op.Name), fsys.identity))
}

func (fsys *FileSystem) Unlink(op *fuseops.UnlinkOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	parent, ok := fsys.pathOf(op.Parent)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	return errno(sess.Unlink(op.Context(), childPath(parent, op.Name), fsys.identity))
}

func (fsys *FileSystem) Rename(op *fuseops.RenameOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	oldParent, ok := fsys.pathOf(op.OldParent)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	newParent, ok := fsys.pathOf(op.NewParent)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	from := childPath(oldParent, op.OldName)
	to := childPath(newParent, op.NewName)
	return errno(sess.Rename(op.Context(), from, to, fsys.identity))
}
