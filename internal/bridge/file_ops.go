package bridge

import (
	"github.com/jacobsa/fuse/fuseops"

	"github.com/guardianproject/sqlitefs/internal/pathperm"
)

func (fsys *FileSystem) OpenFile(op *fuseops.OpenFileOp) error {
	path, ok := fsys.pathOf(op.Inode)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}

	fsys.mu.Lock()
	fsys.nextHandle++
	handle := fsys.nextHandle
	fsys.fileHandles[handle] = path
	fsys.mu.Unlock()

	op.Handle = handle
	return nil
}

func (fsys *FileSystem) ReadFile(op *fuseops.ReadFileOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	fsys.mu.Lock()
	path, ok := fsys.fileHandles[op.Handle]
	fsys.mu.Unlock()
	if !ok {
		return errno(pathperm.ErrNotExist)
	}

	data, err := sess.Read(op.Context(), path, op.Offset, len(op.Dst), fsys.identity)
	if err != nil {
		return errno(err)
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (fsys *FileSystem) WriteFile(op *fuseops.WriteFileOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	fsys.mu.Lock()
	path, ok := fsys.fileHandles[op.Handle]
	fsys.mu.Unlock()
	if !ok {
		return errno(pathperm.ErrNotExist)
	}

	_, err = sess.Write(op.Context(), path, op.Data, op.Offset, false, fsys.identity)
	return errno(err)
}

func (fsys *FileSystem) SyncFile(op *fuseops.SyncFileOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	path, ok := fsys.pathOf(op.Inode)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	return errno(sess.Fsync(op.Context(), path))
}

func (fsys *FileSystem) FlushFile(op *fuseops.FlushFileOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	path, ok := fsys.pathOf(op.Inode)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}
	return errno(sess.Fsync(op.Context(), path))
}

func (fsys *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	fsys.mu.Lock()
	delete(fsys.fileHandles, op.Handle)
	fsys.mu.Unlock()
	return nil
}
