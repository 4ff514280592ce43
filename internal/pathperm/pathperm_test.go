package pathperm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/guardianproject/sqlitefs/internal/meta"
	"github.com/guardianproject/sqlitefs/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newMeta(t *testing.T) *meta.Layer {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fs.db"), store.Secret{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return meta.New(s, fixedClock{t: time.Unix(1000, 0)})
}

func TestParentOfRoot(t *testing.T) {
	_, ok := ParentOf("/")
	assert.False(t, ok)
}

func TestParentOfTopLevelChild(t *testing.T) {
	parent, ok := ParentOf("/a")
	require.True(t, ok)
	assert.Equal(t, "/", parent)
}

func TestParentOfNestedChild(t *testing.T) {
	parent, ok := ParentOf("/a/b/c")
	require.True(t, ok)
	assert.Equal(t, "/a/b", parent)
}

func TestParentOfStripsTrailingSlash(t *testing.T) {
	parent, ok := ParentOf("/a/b/")
	require.True(t, ok)
	assert.Equal(t, "/a", parent)
}

func TestAccessUidZeroBypassesPermissionsButNotExistence(t *testing.T) {
	m := newMeta(t)
	ctx := context.Background()
	require.NoError(t, m.SetAttr(ctx, meta.Attr{Key: "/f", Type: meta.TypeBlob, Mode: 0000, Uid: 5, Gid: 5}))

	root := Identity{Uid: 0}
	assert.NoError(t, Access(ctx, m, "/f", root, unix.R_OK|unix.W_OK))
	assert.ErrorIs(t, Access(ctx, m, "/nope", root, unix.R_OK), ErrNotExist)
}

func TestAccessOwnerClassChecksOwnerBits(t *testing.T) {
	m := newMeta(t)
	ctx := context.Background()
	require.NoError(t, m.SetAttr(ctx, meta.Attr{Key: "/f", Type: meta.TypeBlob, Mode: 0600, Uid: 1, Gid: 1}))

	owner := Identity{Uid: 1, Gid: 1}
	assert.NoError(t, Access(ctx, m, "/f", owner, unix.R_OK|unix.W_OK))

	other := Identity{Uid: 2, Gid: 2}
	assert.ErrorIs(t, Access(ctx, m, "/f", other, unix.R_OK), ErrPermission)
}

func TestAccessGroupClassViaSupplementaryGroups(t *testing.T) {
	m := newMeta(t)
	ctx := context.Background()
	require.NoError(t, m.SetAttr(ctx, meta.Attr{Key: "/f", Type: meta.TypeBlob, Mode: 0640, Uid: 1, Gid: 9}))

	caller := Identity{Uid: 2, Gid: 2, Groups: []uint32{9}}
	assert.NoError(t, Access(ctx, m, "/f", caller, unix.R_OK))
	assert.ErrorIs(t, Access(ctx, m, "/f", caller, unix.W_OK), ErrPermission)
}

func TestAccessFOkRequiresParentReadExecute(t *testing.T) {
	m := newMeta(t)
	ctx := context.Background()
	require.NoError(t, m.SetAttr(ctx, meta.Attr{Key: "/", Type: meta.TypeDir, Mode: 0000, Uid: 1, Gid: 1}))
	require.NoError(t, m.SetAttr(ctx, meta.Attr{Key: "/f", Type: meta.TypeBlob, Mode: 0777, Uid: 1, Gid: 1}))

	other := Identity{Uid: 2, Gid: 2}
	assert.ErrorIs(t, Access(ctx, m, "/f", other, unix.F_OK), ErrPermission)
}

func TestCheckParentAccessWalksAncestors(t *testing.T) {
	m := newMeta(t)
	ctx := context.Background()
	require.NoError(t, m.SetAttr(ctx, meta.Attr{Key: "/", Type: meta.TypeDir, Mode: 0755, Uid: 1, Gid: 1}))
	require.NoError(t, m.SetAttr(ctx, meta.Attr{Key: "/a", Type: meta.TypeDir, Mode: 0700, Uid: 1, Gid: 1}))

	other := Identity{Uid: 2, Gid: 2}
	assert.ErrorIs(t, CheckParentAccess(ctx, m, "/a/b", other), ErrPermission)

	owner := Identity{Uid: 1, Gid: 1}
	assert.NoError(t, CheckParentAccess(ctx, m, "/a/b", owner))
}

func TestCheckParentWriteWithoutEnsureReturnsNotExist(t *testing.T) {
	m := newMeta(t)
	ctx := context.Background()
	err := CheckParentWrite(ctx, m, "/missing/child", Identity{Uid: 1}, nil)
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestCheckParentWriteAutoCreatesAncestorChain(t *testing.T) {
	m := newMeta(t)
	ctx := context.Background()
	require.NoError(t, m.SetAttr(ctx, meta.Attr{Key: "/", Type: meta.TypeDir, Mode: 0755, Uid: 1, Gid: 1}))

	var created []string
	ensure := func(ctx context.Context, dir string) error {
		created = append(created, dir)
		return m.SetAttr(ctx, meta.Attr{Key: dir, Type: meta.TypeDir, Mode: 0755, Uid: 1, Gid: 1})
	}

	err := CheckParentWrite(ctx, m, "/a/b/c", Identity{Uid: 1, Gid: 1}, ensure)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/a/b"}, created)
}

func TestCheckParentWriteRequiresWriteAndExecOnParent(t *testing.T) {
	m := newMeta(t)
	ctx := context.Background()
	require.NoError(t, m.SetAttr(ctx, meta.Attr{Key: "/", Type: meta.TypeDir, Mode: 0755, Uid: 1, Gid: 1}))
	require.NoError(t, m.SetAttr(ctx, meta.Attr{Key: "/d", Type: meta.TypeDir, Mode: 0555, Uid: 1, Gid: 1}))

	owner := Identity{Uid: 1, Gid: 1}
	assert.ErrorIs(t, CheckParentWrite(ctx, m, "/d/f", owner, nil), ErrPermission)
}
