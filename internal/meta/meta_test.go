package meta

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/guardianproject/sqlitefs/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var _ timeutil.Clock = fixedClock{}

func newLayer(t *testing.T) *Layer {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fs.db"), store.Secret{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, fixedClock{t: time.Unix(1000, 0)})
}

func TestFileModeComposesTypeBit(t *testing.T) {
	a := Attr{Type: TypeDir, Mode: 0755}
	assert.Equal(t, uint32(unix.S_IFDIR|0755), a.FileMode())

	a = Attr{Type: TypeSymlink, Mode: 0777}
	assert.Equal(t, uint32(unix.S_IFLNK|0777), a.FileMode())
}

func TestSetAttrThenGetAttrRoundTrips(t *testing.T) {
	l := newLayer(t)
	ctx := context.Background()

	err := l.SetAttr(ctx, Attr{
		Key: "/a", Type: TypeDir, Inode: 2, Uid: 1, Gid: 1, Mode: 0755,
		Atime: 1000, Mtime: 1000, Ctime: 1000,
	})
	require.NoError(t, err)

	got, err := l.GetAttr(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, TypeDir, got.Type)
	assert.Equal(t, uint32(0755), got.Mode)
	assert.Equal(t, int32(2), got.Inode)
}

func TestGetAttrMissingReturnsErrNotFound(t *testing.T) {
	l := newLayer(t)
	_, err := l.GetAttr(context.Background(), "/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignInodeOnlyOnFirstInsert(t *testing.T) {
	l := newLayer(t)
	ctx := context.Background()

	inode, isNew, err := l.AssignInode(ctx, "/f", 5)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, int32(5), inode)

	inode, isNew, err = l.AssignInode(ctx, "/f", 9)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, int32(5), inode, "existing row keeps its original inode")
}

func TestListChildrenExcludesGrandchildren(t *testing.T) {
	l := newLayer(t)
	ctx := context.Background()
	for _, key := range []string{"/d", "/d/a", "/d/b", "/d/b/c"} {
		require.NoError(t, l.SetAttr(ctx, Attr{Key: key, Type: TypeBlob, Mode: 0644}))
	}

	children, err := l.ListChildren(ctx, "/d")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, children)
}

func TestListChildrenOfRoot(t *testing.T) {
	l := newLayer(t)
	ctx := context.Background()
	require.NoError(t, l.SetAttr(ctx, Attr{Key: "/", Type: TypeDir, Mode: 0755}))
	require.NoError(t, l.SetAttr(ctx, Attr{Key: "/top", Type: TypeBlob, Mode: 0644}))

	children, err := l.ListChildren(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"top"}, children)
}

func TestRemoveDeletesBothTables(t *testing.T) {
	l := newLayer(t)
	ctx := context.Background()
	require.NoError(t, l.SetAttr(ctx, Attr{Key: "/f", Type: TypeBlob, Mode: 0644}))

	require.NoError(t, l.Remove(ctx, "/f"))

	_, err := l.GetAttr(ctx, "/f")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenameMovesKey(t *testing.T) {
	l := newLayer(t)
	ctx := context.Background()
	require.NoError(t, l.SetAttr(ctx, Attr{Key: "/old", Type: TypeBlob, Mode: 0644}))

	require.NoError(t, l.Rename(ctx, "/old", "/new"))

	_, err := l.GetAttr(ctx, "/old")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := l.GetAttr(ctx, "/new")
	require.NoError(t, err)
	assert.Equal(t, TypeBlob, got.Type)
}
