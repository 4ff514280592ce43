package engine

import (
	"context"

	"github.com/guardianproject/sqlitefs/internal/meta"
)

// GetValue and SetValue are the library-embedding entry points that read
// and write a key's content directly, bypassing the POSIX permission
// machinery entirely — the caller embedding this package as a data store
// is trusted the way a direct API consumer of the original library was.
func (s *Session) GetValue(ctx context.Context, key string, offset int64, length int) ([]byte, error) {
	var data []byte
	err := s.withTxn(ctx, func() error {
		var err error
		data, err = s.block.Read(ctx, key, offset, length)
		return err
	})
	return data, err
}

func (s *Session) SetValue(ctx context.Context, key string, data []byte, offset int64) (int, error) {
	var n int
	err := s.withTxn(ctx, func() error {
		present, _, err := s.meta.Exists(ctx, key)
		if err != nil {
			return err
		}
		if !present {
			now := s.meta.Now()
			if err := s.meta.SetAttr(ctx, meta.Attr{
				Key: key, Type: meta.TypeBlob, Inode: s.engineCtx.nextInode(),
				Mode: DefaultFileMode, Atime: now, Mtime: now, Ctime: now,
			}); err != nil {
				return err
			}
		}
		n, err = s.block.Write(ctx, key, data, offset)
		return err
	})
	return n, err
}

func (s *Session) GetAttrRaw(ctx context.Context, key string) (meta.Attr, error) {
	var a meta.Attr
	err := s.withTxn(ctx, func() error {
		var err error
		a, err = s.meta.GetAttr(ctx, key)
		return err
	})
	return a, err
}

func (s *Session) SetAttrRaw(ctx context.Context, attr meta.Attr) error {
	return s.withTxn(ctx, func() error { return s.meta.SetAttr(ctx, attr) })
}

func (s *Session) IsDir(ctx context.Context, key string) (bool, error) {
	var isDir bool
	err := s.withTxn(ctx, func() error {
		var err error
		isDir, err = s.meta.IsDir(ctx, key)
		return err
	})
	return isDir, err
}

// SetType rewrites a key's stored type without touching its content.
func (s *Session) SetType(ctx context.Context, key, typ string) error {
	return s.withTxn(ctx, func() error {
		attr, err := s.meta.GetAttr(ctx, key)
		if err != nil {
			return err
		}
		attr.Type = typ
		attr.Ctime = s.meta.Now()
		return s.meta.SetAttr(ctx, attr)
	})
}

func (s *Session) ListKeys(ctx context.Context, dir string) ([]string, error) {
	var keys []string
	err := s.withTxn(ctx, func() error {
		var err error
		keys, err = s.meta.ListChildren(ctx, dir)
		return err
	})
	return keys, err
}

// DelTree bulk-deletes path and every descendant.
func (s *Session) DelTree(ctx context.Context, path string) error {
	return s.delTree(ctx, path, "")
}

// DelTreeWithExclusion bulk-deletes path and every descendant except
// those matching excludeGlob; path itself survives if any descendant
// does.
func (s *Session) DelTreeWithExclusion(ctx context.Context, path, excludeGlob string) error {
	return s.delTree(ctx, path, excludeGlob)
}

func (s *Session) delTree(ctx context.Context, path, excludeGlob string) error {
	return s.withTxn(ctx, func() error {
		survivors, err := s.meta.DeleteTree(ctx, path, excludeGlob)
		if err != nil {
			return err
		}
		if survivors == 0 {
			return s.meta.Remove(ctx, path)
		}
		return nil
	})
}
