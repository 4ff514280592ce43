package txn

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianproject/sqlitefs/internal/store"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fs.db"), store.Secret{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestNestedBeginOnlyOutermostIssuesBegin(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Begin(ctx))
	assert.Equal(t, 1, m.Depth())
	assert.True(t, m.InTransaction())

	require.NoError(t, m.Begin(ctx))
	assert.Equal(t, 2, m.Depth())

	require.NoError(t, m.Commit(ctx, true))
	assert.Equal(t, 1, m.Depth())
	assert.True(t, m.InTransaction(), "inner commit must not end the outer transaction")

	require.NoError(t, m.Commit(ctx, true))
	assert.Equal(t, 0, m.Depth())
	assert.False(t, m.InTransaction())
}

func TestInnerFailureDoesNotRollbackOuter(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.Begin(ctx))

	// Inner frame "fails" but that outcome is not honored until the
	// outermost Commit call.
	require.NoError(t, m.Commit(ctx, false))
	assert.True(t, m.InTransaction())

	require.NoError(t, m.Commit(ctx, true))
	assert.False(t, m.InTransaction())
}

func TestBreakTransactionRollsBackWithoutDecrementingDepth(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.Begin(ctx))
	depthBefore := m.Depth()

	require.NoError(t, m.BreakTransaction(ctx))

	assert.False(t, m.InTransaction())
	assert.Equal(t, depthBefore, m.Depth())
}

func TestCommitAtDepthZeroErrors(t *testing.T) {
	m := newManager(t)
	err := m.Commit(context.Background(), true)
	assert.Error(t, err)
}
