package bridge

import (
	"github.com/jacobsa/fuse/fuseops"

	"github.com/guardianproject/sqlitefs/internal/pathperm"
)

// Extended attributes are a non-goal carried over from the original
// library's own stubs: every entry point below resolves its inode the
// same way every other method does and then lets engine.Session's stub
// report ENOSYS, rather than falling through to fuseutil's generic
// not-implemented handling.

func (fsys *FileSystem) GetXattr(op *fuseops.GetXattrOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	path, ok := fsys.pathOf(op.Inode)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	_, err = sess.GetXattr(op.Context(), path, op.Name, fsys.identity)
	return errno(err)
}

func (fsys *FileSystem) SetXattr(op *fuseops.SetXattrOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	path, ok := fsys.pathOf(op.Inode)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	return errno(sess.SetXattr(op.Context(), path, op.Name, op.Value, int(op.Flags), fsys.identity))
}

func (fsys *FileSystem) ListXattr(op *fuseops.ListXattrOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	path, ok := fsys.pathOf(op.Inode)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	_, err = sess.ListXattr(op.Context(), path, fsys.identity)
	return errno(err)
}

func (fsys *FileSystem) RemoveXattr(op *fuseops.RemoveXattrOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	path, ok := fsys.pathOf(op.Inode)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	return errno(sess.RemoveXattr(op.Context(), path, op.Name, fsys.identity))
}
