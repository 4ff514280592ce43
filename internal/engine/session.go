package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/guardianproject/sqlitefs/internal/block"
	"github.com/guardianproject/sqlitefs/internal/logger"
	"github.com/guardianproject/sqlitefs/internal/meta"
	"github.com/guardianproject/sqlitefs/internal/pathperm"
	"github.com/guardianproject/sqlitefs/internal/store"
	"github.com/guardianproject/sqlitefs/internal/txn"
)

// Session is one open connection to the database: its own prepared-
// statement cache, nested-transaction state, and the metadata/block
// layers built on top of it. It is not safe for concurrent use by more
// than one goroutine.
type Session struct {
	id        uuid.UUID
	engineCtx *Context

	store *store.Store
	txn   *txn.Manager
	meta  *meta.Layer
	block *block.Layer

	// bridgeAttached is true when a kernel VFS bridge is driving this
	// session. Bridge-attached sessions never auto-create missing
	// ancestor directories; library-embedding sessions do, as a
	// convenience, via ensureAncestor.
	bridgeAttached bool
}

func (s *Session) ID() uuid.UUID { return s.id }

// Close finalizes the session's cached statements and closes its store
// connection.
func (s *Session) Close() error {
	err := s.store.Close()
	s.engineCtx.mu.Lock()
	s.engineCtx.liveSessions--
	s.engineCtx.mu.Unlock()
	logger.Debugf("session %s closed", s.id)
	return err
}

// Begin, Complete, and BreakTransaction expose the nested-transaction
// manager directly to callers composing their own multi-step sequences
// outside the per-operation wrapping every other Session method does.
func (s *Session) Begin(ctx context.Context) error                { return s.txn.Begin(ctx) }
func (s *Session) Complete(ctx context.Context, ok bool) error    { return s.txn.Commit(ctx, ok) }
func (s *Session) BreakTransaction(ctx context.Context) error     { return s.txn.BreakTransaction(ctx) }

// withTxn brackets fn in exactly one nested-transaction frame: any error
// fn returns rolls the frame back (or, if nested inside a caller's own
// Begin, is reported upward without deciding the outer commit).
func (s *Session) withTxn(ctx context.Context, fn func() error) error {
	if err := s.txn.Begin(ctx); err != nil {
		return err
	}
	err := fn()
	if cerr := s.txn.Commit(ctx, err == nil); err == nil {
		err = cerr
	}
	return err
}

// ensureAncestor builds the auto-create-ancestors callback CheckParentWrite
// uses for library-embedding sessions; bridge-attached sessions pass nil
// instead so a missing parent always surfaces as ENOENT.
func (s *Session) ensureAncestor(id pathperm.Identity) pathperm.EnsureAncestor {
	if s.bridgeAttached {
		return nil
	}
	return func(ctx context.Context, dir string) error {
		now := s.meta.Now()
		return s.meta.SetAttr(ctx, meta.Attr{
			Key: dir, Type: meta.TypeDir, Inode: s.engineCtx.nextInode(),
			Uid: id.Uid, Gid: id.Gid, Mode: DefaultDirMode,
			Atime: now, Mtime: now, Ctime: now,
		})
	}
}
