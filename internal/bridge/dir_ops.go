package bridge

import (
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/guardianproject/sqlitefs/internal/pathperm"
)

func (fsys *FileSystem) OpenDir(op *fuseops.OpenDirOp) error {
	path, ok := fsys.pathOf(op.Inode)
	if !ok {
		return errno(pathperm.ErrNotExist)
	}

	fsys.mu.Lock()
	fsys.nextHandle++
	handle := fsys.nextHandle
	fsys.dirHandles[handle] = path
	fsys.mu.Unlock()

	op.Handle = handle
	return nil
}

// ReadDir serves the listing a single page at a time: every call re-reads
// the whole directory and writes entries from op.Offset onward, and
// entries past what fit in op.Dst are simply left for the kernel's next
// call at a later offset. A child whose attributes cannot be read is
// skipped.
func (fsys *FileSystem) ReadDir(op *fuseops.ReadDirOp) error {
	sess, err := fsys.session(op.Context())
	if err != nil {
		return err
	}
	fsys.mu.Lock()
	path, ok := fsys.dirHandles[op.Handle]
	fsys.mu.Unlock()
	if !ok {
		return errno(pathperm.ErrNotExist)
	}

	names, err := sess.Readdir(op.Context(), path, fsys.identity)
	if err != nil {
		return errno(err)
	}

	var written int
	for i := int(op.Offset); i < len(names); i++ {
		name := names[i]
		dt := fuseutil.DT_Dir
		inode := op.Inode
		if name != "." && name != ".." {
			childStat, err := sess.GetAttr(op.Context(), childPath(path, name), fsys.identity)
			if err != nil {
				continue
			}
			dt = direntType(childStat.Mode)
			inode = fuseops.InodeID(childStat.Inode)
		}
		n := fuseutil.WriteDirent(op.Dst[written:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  inode,
			Name:   name,
			Type:   dt,
		})
		if n == 0 {
			break
		}
		written += n
	}
	op.BytesRead = written
	return nil
}

func (fsys *FileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	fsys.mu.Lock()
	delete(fsys.dirHandles, op.Handle)
	fsys.mu.Unlock()
	return nil
}

func direntType(mode uint32) fuseutil.DirentType {
	switch mode & 0170000 {
	case 0040000: // S_IFDIR
		return fuseutil.DT_Dir
	case 0120000: // S_IFLNK
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}
