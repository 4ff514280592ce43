// Package bridge adapts a kernel-driven FUSE mount onto an engine.Context.
// Every method resolves the inode(s) named in the op to a path, calls the
// matching engine.Session operation, and translates the result back into
// the op's response fields. It owns no filesystem semantics of its own —
// all POSIX behavior lives in internal/engine and the layers beneath it.
package bridge

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/guardianproject/sqlitefs/internal/engine"
	"github.com/guardianproject/sqlitefs/internal/logger"
	"github.com/guardianproject/sqlitefs/internal/pathperm"
)

// FileSystem implements fuseutil.FileSystem over one engine.Context.
//
// The kernel FUSE protocol does not hand this layer a per-call uid/gid the
// way the original library's direct API callers identify themselves; a
// mount instead runs as one owning identity for its whole lifetime, set at
// mount time and used for every operation. Embed it by value; New returns
// one ready to register with a fuse.MountedFileSystem.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	engineCtx *engine.Context
	identity  pathperm.Identity

	mu          sync.Mutex
	paths       map[fuseops.InodeID]string
	dirHandles  map[fuseops.HandleID]string
	fileHandles map[fuseops.HandleID]string
	nextHandle  fuseops.HandleID
}

// New builds a FileSystem that opens thread-local sessions against
// engineCtx, performing every operation as identity.
func New(engineCtx *engine.Context, identity pathperm.Identity) *FileSystem {
	return &FileSystem{
		engineCtx:   engineCtx,
		identity:    identity,
		paths:       map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		dirHandles:  map[fuseops.HandleID]string{},
		fileHandles: map[fuseops.HandleID]string{},
	}
}

// Destroy releases this goroutine's thread-local session. jacobsa/fuse
// calls each FileSystem method on its own worker goroutine pinned to an OS
// thread, so this only cleans up whichever thread happens to run Destroy;
// the rest are abandoned along with the process exit that follows a
// normal unmount.
func (fsys *FileSystem) Destroy() {
	_ = fsys.engineCtx.ReleaseThread()
}

func (fsys *FileSystem) session(ctx context.Context) (*engine.Session, error) {
	return fsys.engineCtx.ThreadSession(ctx, true)
}

func (fsys *FileSystem) pathOf(id fuseops.InodeID) (string, bool) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	p, ok := fsys.paths[id]
	return p, ok
}

func (fsys *FileSystem) remember(id fuseops.InodeID, path string) {
	fsys.mu.Lock()
	fsys.paths[id] = path
	fsys.mu.Unlock()
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// errno converts an engine error into the syscall.Errno the fuse package
// inspects to report a kernel error code; anything it doesn't recognize
// already defaults to EIO inside engine.Errno, and is logged here at WARN.
func errno(err error) error {
	code := engine.Errno(err)
	if code == 0 {
		return nil
	}
	if code == -int(unix.EIO) {
		logger.Warnf("bridge: reporting EIO for: %v", err)
	}
	return syscall.Errno(-code)
}

func modeToFileMode(mode uint32) os.FileMode {
	perm := os.FileMode(mode & 0777)
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return perm | os.ModeDir
	case unix.S_IFLNK:
		return perm | os.ModeSymlink
	default:
		return perm
	}
}

func fileModeToMode(fm os.FileMode) uint32 {
	mode := uint32(fm.Perm())
	switch {
	case fm&os.ModeDir != 0:
		mode |= unix.S_IFDIR
	case fm&os.ModeSymlink != 0:
		mode |= unix.S_IFLNK
	default:
		mode |= unix.S_IFREG
	}
	return mode
}

func toAttributes(stat engine.Stat) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:   uint64(stat.Size),
		Nlink:  1,
		Mode:   modeToFileMode(stat.Mode),
		Uid:    stat.Uid,
		Gid:    stat.Gid,
		Atime:  time.Unix(stat.Atime, 0),
		Mtime:  time.Unix(stat.Mtime, 0),
		Ctime:  time.Unix(stat.Ctime, 0),
		Crtime: time.Unix(stat.Ctime, 0),
	}
}

func toEntry(stat engine.Stat) fuseops.ChildInodeEntry {
	return fuseops.ChildInodeEntry{
		Child:      fuseops.InodeID(stat.Inode),
		Attributes: toAttributes(stat),
	}
}
