// Package txn implements a reference-counted nested-transaction manager
// over one physical BEGIN IMMEDIATE/COMMIT/ROLLBACK, so that composed
// POSIX operations present one atomic unit to the store.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/sys/unix"

	"github.com/guardianproject/sqlitefs/internal/store"
)

// ErrBusy is returned when the store reports SQLITE_BUSY past the
// per-statement retry budget. Callers translate it to a negative
// -unix.EBUSY at the POSIX operation boundary.
var ErrBusy = errors.New("txn: store busy")

// statementRetries bounds the short in-process retry loop around a single
// statement step. The long wait (up to the store's busy-timeout) is
// delegated to SQLite's own busy handler, registered via the store's
// _busy_timeout connection parameter; this loop only covers the case where our own retry
// happens to race a lock that clears within microseconds.
const statementRetries = 3

// Manager is one session's nested-transaction state. It is not safe for
// concurrent use by more than one goroutine, matching the store it wraps.
type Manager struct {
	s             *store.Store
	depth         int
	inTransaction bool
}

func New(s *store.Store) *Manager {
	return &Manager{s: s}
}

func (m *Manager) Depth() int          { return m.depth }
func (m *Manager) InTransaction() bool { return m.inTransaction }

// Begin opens a new nested frame. At depth 0 this issues BEGIN IMMEDIATE,
// taking SQLite's reserved lock immediately so readers may continue but
// other writers block. At any other depth it only increments the counter.
func (m *Manager) Begin(ctx context.Context) error {
	if m.depth == 0 {
		if err := m.exec(ctx, "BEGIN IMMEDIATE"); err != nil {
			return err
		}
		m.inTransaction = true
	}
	m.depth++
	return nil
}

// Commit closes the innermost frame. Only the outermost frame's success
// flag is honored: nested frames always report success upward, so the
// outermost commit/rollback is the only one that can actually change the
// database. success=false at any depth other than 1 therefore has no
// effect beyond decrementing the counter: only the outermost frame's
// verdict can actually change the database.
func (m *Manager) Commit(ctx context.Context, success bool) error {
	if m.depth <= 0 {
		return fmt.Errorf("txn: commit called at depth 0")
	}
	m.depth--
	if m.depth > 0 {
		return nil
	}

	m.inTransaction = false
	if success {
		return m.exec(ctx, "COMMIT")
	}
	return m.exec(ctx, "ROLLBACK")
}

// BreakTransaction is the explicit escape hatch for callers that aborted a
// multi-step sequence outside the normal Begin/Commit bracketing. It
// issues a rollback if a transaction is open regardless of depth, and
// deliberately does NOT decrement depth — the caller is expected to have
// given up on unwinding its frames normally.
func (m *Manager) BreakTransaction(ctx context.Context) error {
	if !m.inTransaction {
		return nil
	}
	m.inTransaction = false
	return m.exec(ctx, "ROLLBACK")
}

func (m *Manager) exec(ctx context.Context, stmt string) error {
	var lastErr error
	for attempt := 0; attempt < statementRetries; attempt++ {
		_, err := m.s.DB().ExecContext(ctx, stmt)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return fmt.Errorf("txn: %s: %w", stmt, err)
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}
	return fmt.Errorf("txn: %s: %w: %v", stmt, ErrBusy, lastErr)
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, sql.ErrTxDone)
}

// Errno maps a txn-layer error to the negative Linux errno the POSIX
// operation boundary should return.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrBusy):
		return -int(unix.EBUSY)
	default:
		return -int(unix.EIO)
	}
}
