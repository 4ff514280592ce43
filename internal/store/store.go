// Package store is the thin wrapper over the embedded SQL engine: open and
// close, pragmas, a bounded prepared-statement cache with schema-expiry
// detection and re-preparation, busy-timeout, and the optional page-level
// keying layer. It knows nothing about paths, POSIX semantics, or
// transaction nesting — that is internal/txn, internal/meta, and
// internal/engine's job.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/sys/unix"

	"github.com/guardianproject/sqlitefs/internal/logger"
)

// BusyTimeoutMillis is the time, in milliseconds, SQLite's own busy handler
// will wait for a contended write lock before reporting SQLITE_BUSY back to us.
const BusyTimeoutMillis = 10000

// StatementCacheSlots bounds the prepared-statement cache at the same size
// as a fixed 200-slot array indexed by query would have held, substituting
// a keyed LRU for that fixed allocation.
const StatementCacheSlots = 200

const minJournalSizeLimit = 10 * 1024 * 1024 // 10 MiB

const schemaDDL = `
CREATE TABLE IF NOT EXISTS meta_data (
	key        TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	inode      INTEGER NOT NULL,
	uid        INTEGER NOT NULL,
	gid        INTEGER NOT NULL,
	mode       INTEGER NOT NULL,
	size       INTEGER NOT NULL DEFAULT 0,
	block_size INTEGER NOT NULL,
	atime      INTEGER NOT NULL,
	mtime      INTEGER NOT NULL,
	ctime      INTEGER NOT NULL,
	acl        TEXT,
	attribute  TEXT
);
CREATE INDEX IF NOT EXISTS meta_index ON meta_data(key);
CREATE TABLE IF NOT EXISTS value_data (
	key       TEXT NOT NULL,
	block_no  INTEGER NOT NULL,
	data_block BLOB,
	UNIQUE(key, block_no)
);
`

// Store is one session's exclusive connection to the database file. It is
// not shareable across goroutines/threads: each caller that wants its own
// transactional session opens its own Store against the same path, and
// coordination happens through SQLite's WAL-mode file locking.
type Store struct {
	db   *sql.DB
	path string

	mu    sync.Mutex
	stmts *lru.Cache // query text -> *sql.Stmt
}

// Open applies keying (if any), WAL mode, the journal size limit, NORMAL
// synchronous mode, and the busy timeout, then ensures the schema exists.
func Open(path string, secret Secret) (*Store, error) {
	if err := secret.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=%d", path, BusyTimeoutMillis))
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single physical connection per session: BEGIN/COMMIT/ROLLBACK are
	// issued as plain statements against it, so the nested-transaction
	// manager needs them pinned to one connection, the way SQLite expects.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}

	cache, err := lru.NewWithEvict(StatementCacheSlots, func(_, value interface{}) {
		if stmt, ok := value.(*sql.Stmt); ok {
			_ = stmt.Close()
		}
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: statement cache: %w", err)
	}
	s.stmts = cache

	if !secret.empty() {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA key = %s", secret.pragmaLiteral())); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: keying %s: %w", path, err)
		}
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", journalSizeLimit(path)),
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ensuring schema: %w", err)
	}

	return s, nil
}

// journalSizeLimit is max(10 MiB, 10% of the bytes available on the
// filesystem hosting path).
func journalSizeLimit(path string) int64 {
	var statfs unix.Statfs_t
	if err := unix.Statfs(path, &statfs); err != nil {
		logger.Warnf("store: statfs(%s) failed, defaulting journal_size_limit: %v", path, err)
		return minJournalSizeLimit
	}
	available := int64(statfs.Bavail) * int64(statfs.Bsize)
	tenPercent := available / 10
	if tenPercent > minJournalSizeLimit {
		return tenPercent
	}
	return minJournalSizeLimit
}

// Path returns the database file path this store was opened against.
func (s *Store) Path() string { return s.path }

// DB exposes the raw handle for the transaction manager, which issues
// BEGIN IMMEDIATE/COMMIT/ROLLBACK directly — those aren't prepared
// statements worth caching.
func (s *Store) DB() *sql.DB { return s.db }

// Prepare returns a cached prepared statement for query, preparing and
// caching it on first use. A statement the store reports as expired
// (schema change) is dropped and re-prepared lazily.
func (s *Store) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.stmts.Get(query); ok {
		return v.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	s.stmts.Add(query, stmt)
	return stmt, nil
}

// Invalidate drops query's cached statement, forcing re-preparation on the
// next Prepare call. Called when a statement step reports that its plan
// has gone stale.
func (s *Store) Invalidate(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.stmts.Get(query); ok {
		if stmt, ok := v.(*sql.Stmt); ok {
			_ = stmt.Close()
		}
		s.stmts.Remove(query)
	}
}

// isStaleSchema reports whether err is SQLite's way of saying a prepared
// statement's plan was invalidated by a schema change (sqlite3_step
// returning SQLITE_SCHEMA), the one case a cached *sql.Stmt can't just be
// reused forever.
func isStaleSchema(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrSchema
}

// WithStmt prepares query (from cache, or fresh), calls fn with it, and -
// if fn's error reports the statement's plan went stale - invalidates the
// cache entry and retries exactly once against a freshly prepared
// statement. Every caller that steps a prepared statement goes through
// this instead of calling Prepare directly, so a mid-session schema
// change never surfaces as a bare I/O error.
func (s *Store) WithStmt(ctx context.Context, query string, fn func(*sql.Stmt) error) error {
	stmt, err := s.Prepare(ctx, query)
	if err != nil {
		return err
	}
	err = fn(stmt)
	if !isStaleSchema(err) {
		return err
	}

	s.Invalidate(query)
	stmt, err = s.Prepare(ctx, query)
	if err != nil {
		return err
	}
	return fn(stmt)
}

// Close finalizes every cached prepared statement, then closes the
// underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, key := range s.stmts.Keys() {
		if v, ok := s.stmts.Peek(key); ok {
			if stmt, ok := v.(*sql.Stmt); ok {
				_ = stmt.Close()
			}
		}
	}
	s.stmts.Purge()
	s.mu.Unlock()

	return s.db.Close()
}

// Rekey changes the page-level encryption key offline. The caller must
// guarantee no other session is live; the engine's session manager
// enforces this via its instance counter before calling in.
func Rekey(path string, oldSecret, newSecret Secret, liveSessions int) error {
	if liveSessions > 0 {
		return fmt.Errorf("store: rekey refused: %d session(s) still open", liveSessions)
	}
	if err := newSecret.validate(); err != nil {
		return err
	}

	s, err := Open(path, oldSecret)
	if err != nil {
		return fmt.Errorf("store: rekey: opening with old secret: %w", err)
	}
	defer s.Close()

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA rekey = %s", newSecret.pragmaLiteral())); err != nil {
		return fmt.Errorf("store: rekey: %w", err)
	}
	return nil
}
