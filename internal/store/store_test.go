package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fs.db")

	s, err := Open(dbPath, Secret{})
	require.NoError(t, err)
	defer s.Close()

	var name string
	row := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='meta_data'")
	require.NoError(t, row.Scan(&name))
	assert.Equal(t, "meta_data", name)

	row = s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='value_data'")
	require.NoError(t, row.Scan(&name))
	assert.Equal(t, "value_data", name)
}

func TestPrepareCachesStatement(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fs.db")
	s, err := Open(dbPath, Secret{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	first, err := s.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)

	second, err := s.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestInvalidateForcesReprepare(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fs.db")
	s, err := Open(dbPath, Secret{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	first, err := s.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)

	s.Invalidate("SELECT 1")

	second, err := s.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestWithStmtPassesThroughSuccess(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fs.db")
	s, err := Open(dbPath, Secret{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	var n int
	err = s.WithStmt(ctx, "SELECT 1", func(stmt *sql.Stmt) error {
		return stmt.QueryRowContext(ctx).Scan(&n)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWithStmtRetriesOnceOnStaleSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fs.db")
	s, err := Open(dbPath, Secret{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	const query = "SELECT 1"
	first, err := s.Prepare(ctx, query)
	require.NoError(t, err)

	attempts := 0
	err = s.WithStmt(ctx, query, func(stmt *sql.Stmt) error {
		attempts++
		if attempts == 1 {
			assert.Same(t, first, stmt)
			return sqlite3.Error{Code: sqlite3.ErrSchema}
		}
		assert.NotSame(t, first, stmt)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestWithStmtGivesUpAfterOneRetry(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fs.db")
	s, err := Open(dbPath, Secret{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	attempts := 0
	err = s.WithStmt(ctx, "SELECT 1", func(stmt *sql.Stmt) error {
		attempts++
		return sqlite3.Error{Code: sqlite3.ErrSchema}
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestWithStmtPassesThroughUnrelatedError(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fs.db")
	s, err := Open(dbPath, Secret{})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	attempts := 0
	sentinel := errors.New("boom")
	err = s.WithStmt(ctx, "SELECT 1", func(stmt *sql.Stmt) error {
		attempts++
		return sentinel
	})
	assert.Same(t, sentinel, err)
	assert.Equal(t, 1, attempts)
}

func TestSecretValidation(t *testing.T) {
	tooLong := make([]byte, MaxPasswordLength+1)
	for i := range tooLong {
		tooLong[i] = 'a'
	}
	assert.Error(t, Secret{Password: string(tooLong)}.validate())

	assert.Error(t, Secret{RawKey: []byte("short")}.validate())

	assert.NoError(t, Secret{RawKey: make([]byte, RequiredKeyLength)}.validate())

	assert.Error(t, Secret{Password: "pw", RawKey: make([]byte, RequiredKeyLength)}.validate())
}

func TestRekeyRefusedWithLiveSessions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fs.db")
	s, err := Open(dbPath, Secret{})
	require.NoError(t, err)
	s.Close()

	err = Rekey(dbPath, Secret{}, Secret{Password: "new"}, 1)
	assert.Error(t, err)
}
