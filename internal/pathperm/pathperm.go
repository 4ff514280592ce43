// Package pathperm implements path decomposition and the POSIX-style
// access-check algorithm used by every operation before it touches
// metadata or content.
package pathperm

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/guardianproject/sqlitefs/internal/meta"
)

// ErrNotExist and ErrPermission are the two outcomes an access check can
// produce besides a plain store error; callers translate these to
// -ENOENT and -EACCES at the operation boundary.
var (
	ErrNotExist   = meta.ErrNotFound
	ErrPermission = errors.New("pathperm: permission denied")
)

// Identity is the acting uid/gid/supplementary-groups set for one check.
// A bridge-attached session uses the one identity fixed when the
// filesystem was mounted; a library-embedding caller passes its own.
type Identity struct {
	Uid    uint32
	Gid    uint32
	Groups []uint32
}

// ParentOf strips trailing slashes and returns the parent key. ok is
// false only for the root itself, which has no parent. The parent of a
// top-level child is "/", never the empty string.
func ParentOf(path string) (parent string, ok bool) {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return "", false
	}
	idx := strings.LastIndex(trimmed, "/")
	if idx <= 0 {
		return "/", true
	}
	return trimmed[:idx], true
}

// Access implements the (path, mask) check: uid 0 only confirms
// existence; a mask of F_OK alone additionally requires read+execute on
// the parent;
// the remaining R/W/X bits are checked against the target's matching
// POSIX class.
func Access(ctx context.Context, m *meta.Layer, path string, id Identity, mask int) error {
	if id.Uid == 0 {
		present, _, err := m.Exists(ctx, path)
		if err != nil {
			return err
		}
		if !present {
			return ErrNotExist
		}
		return nil
	}

	// unix.F_OK is 0, so it cannot be tested as a bit: a mask of exactly
	// F_OK is the existence check that also requires the parent's r+x.
	if mask == unix.F_OK {
		if parent, ok := ParentOf(path); ok {
			parentAttr, err := m.GetAttr(ctx, parent)
			if errors.Is(err, meta.ErrNotFound) {
				return ErrNotExist
			}
			if err != nil {
				return err
			}
			if perm := classBits(parentAttr, id); perm&(unix.R_OK|unix.X_OK) != unix.R_OK|unix.X_OK {
				return ErrPermission
			}
		}
	}

	attr, err := m.GetAttr(ctx, path)
	if errors.Is(err, meta.ErrNotFound) {
		return ErrNotExist
	}
	if err != nil {
		return err
	}

	requested := mask &^ unix.F_OK
	if requested == 0 {
		return nil
	}
	if perm := classBits(attr, id); !hasBits(perm, requested) {
		return ErrPermission
	}
	return nil
}

// CheckParentAccess walks every ancestor of path from its immediate
// parent up to the root, requiring X_OK (directory search permission)
// at each level.
func CheckParentAccess(ctx context.Context, m *meta.Layer, path string, id Identity) error {
	parent, ok := ParentOf(path)
	if !ok {
		return nil
	}
	for {
		attr, err := m.GetAttr(ctx, parent)
		if errors.Is(err, meta.ErrNotFound) {
			return ErrNotExist
		}
		if err != nil {
			return err
		}
		if id.Uid != 0 {
			if perm := classBits(attr, id); perm&unix.X_OK == 0 {
				return ErrPermission
			}
		}

		next, ok := ParentOf(parent)
		if !ok {
			return nil
		}
		parent = next
	}
}

// EnsureAncestor creates one missing directory, identified by dir, as
// part of the auto-create-ancestors convenience CheckParentWrite offers
// library-embedding callers.
type EnsureAncestor func(ctx context.Context, dir string) error

// CheckParentWrite requires W_OK|X_OK on path's immediate parent. If the
// parent is missing and ensure is non-nil, it recursively creates the
// ancestor chain first — the library-embedding convenience; bridge-
// attached sessions pass a nil ensure so missing ancestors surface as
// ErrNotExist instead.
func CheckParentWrite(ctx context.Context, m *meta.Layer, path string, id Identity, ensure EnsureAncestor) error {
	parent, ok := ParentOf(path)
	if !ok {
		return nil
	}

	attr, err := m.GetAttr(ctx, parent)
	if errors.Is(err, meta.ErrNotFound) {
		if ensure == nil {
			return ErrNotExist
		}
		if err := ensureAncestorChain(ctx, m, parent, ensure); err != nil {
			return err
		}
		attr, err = m.GetAttr(ctx, parent)
	}
	if err != nil {
		return err
	}

	if id.Uid == 0 {
		return nil
	}
	if perm := classBits(attr, id); perm&(unix.W_OK|unix.X_OK) != unix.W_OK|unix.X_OK {
		return ErrPermission
	}
	return nil
}

func ensureAncestorChain(ctx context.Context, m *meta.Layer, dir string, ensure EnsureAncestor) error {
	present, _, err := m.Exists(ctx, dir)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	if parent, ok := ParentOf(dir); ok {
		if err := ensureAncestorChain(ctx, m, parent, ensure); err != nil {
			return err
		}
	}
	return ensure(ctx, dir)
}

// classBits returns the 3-bit rwx permission set applicable to id: owner
// bits if id owns the entry, group bits if id's gid or any of its
// supplementary groups match the entry's gid, otherwise other bits.
func classBits(attr meta.Attr, id Identity) uint32 {
	switch {
	case id.Uid == attr.Uid:
		return (attr.Mode >> 6) & 7
	case id.Gid == attr.Gid || containsGid(id.Groups, attr.Gid):
		return (attr.Mode >> 3) & 7
	default:
		return attr.Mode & 7
	}
}

func containsGid(groups []uint32, gid uint32) bool {
	for _, g := range groups {
		if g == gid {
			return true
		}
	}
	return false
}

func hasBits(perm uint32, mask int) bool {
	var want uint32
	if mask&unix.R_OK != 0 {
		want |= 4
	}
	if mask&unix.W_OK != 0 {
		want |= 2
	}
	if mask&unix.X_OK != 0 {
		want |= 1
	}
	return perm&want == want
}
