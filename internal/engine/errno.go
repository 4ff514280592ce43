package engine

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/guardianproject/sqlitefs/internal/meta"
	"github.com/guardianproject/sqlitefs/internal/pathperm"
	"github.com/guardianproject/sqlitefs/internal/txn"
)

// Sentinel errors for outcomes that don't already have a home in a lower
// layer. Operations return these directly; Errno converts any error this
// package can produce into the negative Linux errno its caller expects.
var (
	ErrIsDir        = errors.New("engine: is a directory")
	ErrNotDir       = errors.New("engine: not a directory")
	ErrExist        = errors.New("engine: already exists")
	ErrNotEmpty     = errors.New("engine: directory not empty")
	ErrNotSupported = errors.New("engine: not supported")
	ErrInvalid      = errors.New("engine: invalid argument")
)

// Errno maps any error an operation can return to a negative Linux errno.
// Unrecognized errors are reported as -EIO; the bridge logs those.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, meta.ErrNotFound), errors.Is(err, pathperm.ErrNotExist):
		return -int(unix.ENOENT)
	case errors.Is(err, pathperm.ErrPermission):
		return -int(unix.EACCES)
	case errors.Is(err, ErrIsDir):
		return -int(unix.EISDIR)
	case errors.Is(err, ErrNotDir):
		return -int(unix.ENOTDIR)
	case errors.Is(err, ErrExist):
		return -int(unix.EEXIST)
	case errors.Is(err, ErrNotEmpty):
		return -int(unix.ENOTEMPTY)
	case errors.Is(err, ErrNotSupported):
		return -int(unix.ENOSYS)
	case errors.Is(err, ErrInvalid):
		return -int(unix.EINVAL)
	case errors.Is(err, txn.ErrBusy):
		return -int(unix.EBUSY)
	default:
		return -int(unix.EIO)
	}
}
