package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/guardianproject/sqlitefs/internal/block"
	"github.com/guardianproject/sqlitefs/internal/pathperm"
	"github.com/guardianproject/sqlitefs/internal/store"
)

type EngineSuite struct {
	suite.Suite
	dbPath string
	engCtx *Context
	sess   *Session
	root   pathperm.Identity
}

func (s *EngineSuite) SetupTest() {
	s.dbPath = filepath.Join(s.T().TempDir(), "fs.db")
	s.engCtx = NewContext(timeutil.RealClock())
	sess, err := s.engCtx.OpenSession(context.Background(), s.dbPath, store.Secret{}, false)
	require.NoError(s.T(), err)
	s.sess = sess
	s.root = pathperm.Identity{Uid: 0, Gid: 0}
}

func (s *EngineSuite) TearDownTest() {
	s.sess.Close()
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) TestEmptyMountGrowsInodes() {
	ctx := context.Background()

	require.NoError(s.T(), s.sess.Mkdir(ctx, "/a", 0755, s.root))
	stat, err := s.sess.GetAttr(ctx, "/a", s.root)
	require.NoError(s.T(), err)
	s.Equal(int32(2), stat.Inode)

	require.NoError(s.T(), s.sess.Close())

	sess2, err := s.engCtx.OpenSession(ctx, s.dbPath, store.Secret{}, false)
	require.NoError(s.T(), err)
	defer sess2.Close()

	require.NoError(s.T(), sess2.Mkdir(ctx, "/b", 0755, s.root))
	stat, err = sess2.GetAttr(ctx, "/b", s.root)
	require.NoError(s.T(), err)
	s.Equal(int32(3), stat.Inode)

	s.sess = sess2 // let TearDownTest close this one instead
}

func (s *EngineSuite) TestAppendIgnoresOffset() {
	ctx := context.Background()

	_, err := s.sess.Create(ctx, "/f", 0644, false, s.root)
	require.NoError(s.T(), err)

	_, err = s.sess.Write(ctx, "/f", []byte("abc"), 0, false, s.root)
	require.NoError(s.T(), err)

	_, err = s.sess.Write(ctx, "/f", []byte("XYZ"), 0, true, s.root)
	require.NoError(s.T(), err)

	data, err := s.sess.Read(ctx, "/f", 0, 6, s.root)
	require.NoError(s.T(), err)
	s.Equal([]byte("abcXYZ"), data)

	stat, err := s.sess.GetAttr(ctx, "/f", s.root)
	require.NoError(s.T(), err)
	s.EqualValues(6, stat.Size)
}

func (s *EngineSuite) TestWriteWithGapZeroFills() {
	ctx := context.Background()

	n, err := s.sess.Write(ctx, "/g", []byte("hello"), 0, false, s.root)
	require.NoError(s.T(), err)
	s.Equal(5, n)

	n, err = s.sess.Write(ctx, "/g", []byte("world"), 1000, false, s.root)
	require.NoError(s.T(), err)
	s.Equal(5, n)

	stat, err := s.sess.GetAttr(ctx, "/g", s.root)
	require.NoError(s.T(), err)
	s.EqualValues(1005, stat.Size)

	data, err := s.sess.Read(ctx, "/g", 5, 995, s.root)
	require.NoError(s.T(), err)
	s.Equal(make([]byte, 995), data)
}

func (s *EngineSuite) TestRenameOverEmptyDirectory() {
	ctx := context.Background()

	require.NoError(s.T(), s.sess.Mkdir(ctx, "/src", 0755, s.root))
	require.NoError(s.T(), s.sess.Mkdir(ctx, "/dst", 0755, s.root))
	_, err := s.sess.Write(ctx, "/src/x", []byte("1"), 0, false, s.root)
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.sess.Rename(ctx, "/src", "/dst", s.root))

	_, err = s.sess.GetAttr(ctx, "/src", s.root)
	s.Error(err)

	data, err := s.sess.Read(ctx, "/dst/x", 0, 1, s.root)
	require.NoError(s.T(), err)
	s.Equal([]byte("1"), data)
}

func (s *EngineSuite) TestRenameOverNonEmptyDirectoryRejected() {
	ctx := context.Background()

	require.NoError(s.T(), s.sess.Mkdir(ctx, "/src", 0755, s.root))
	require.NoError(s.T(), s.sess.Mkdir(ctx, "/dst", 0755, s.root))
	_, err := s.sess.Write(ctx, "/dst/y", []byte("1"), 0, false, s.root)
	require.NoError(s.T(), err)

	err = s.sess.Rename(ctx, "/src", "/dst", s.root)
	s.ErrorIs(err, ErrNotEmpty)
}

func (s *EngineSuite) TestTruncateBoundary() {
	ctx := context.Background()

	data := make([]byte, 3*block.BlockSize)
	_, err := s.sess.Write(ctx, "/t", data, 0, false, s.root)
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.sess.Truncate(ctx, "/t", block.BlockSize+10, s.root))

	stat, err := s.sess.GetAttr(ctx, "/t", s.root)
	require.NoError(s.T(), err)
	s.EqualValues(block.BlockSize+10, stat.Size)

	got, err := s.sess.Read(ctx, "/t", block.BlockSize+10, 10, s.root)
	require.NoError(s.T(), err)
	s.Empty(got)
}

func (s *EngineSuite) TestMkdirRefusesExistingPath() {
	ctx := context.Background()
	require.NoError(s.T(), s.sess.Mkdir(ctx, "/dup", 0755, s.root))
	err := s.sess.Mkdir(ctx, "/dup", 0755, s.root)
	s.ErrorIs(err, ErrExist)
}

func (s *EngineSuite) TestUnlinkRefusesDirectory() {
	ctx := context.Background()
	require.NoError(s.T(), s.sess.Mkdir(ctx, "/dir", 0755, s.root))
	err := s.sess.Unlink(ctx, "/dir", s.root)
	s.ErrorIs(err, ErrIsDir)
}

func (s *EngineSuite) TestRmdirRefusesNonEmpty() {
	ctx := context.Background()
	require.NoError(s.T(), s.sess.Mkdir(ctx, "/dir", 0755, s.root))
	_, err := s.sess.Write(ctx, "/dir/f", []byte("x"), 0, false, s.root)
	require.NoError(s.T(), err)

	err = s.sess.Rmdir(ctx, "/dir", s.root)
	s.ErrorIs(err, ErrNotEmpty)
}

func (s *EngineSuite) TestChownOwnerMayNotChangeUid() {
	ctx := context.Background()
	require.NoError(s.T(), s.sess.Mkdir(ctx, "/d", 0755, s.root))
	require.NoError(s.T(), s.sess.Chown(ctx, "/d", 7, 7, s.root))

	owner := pathperm.Identity{Uid: 7, Gid: 7}
	err := s.sess.Chown(ctx, "/d", 8, -1, owner)
	s.ErrorIs(err, pathperm.ErrPermission)
}

func (s *EngineSuite) TestChownOwnerMaySetGid() {
	ctx := context.Background()
	require.NoError(s.T(), s.sess.Mkdir(ctx, "/d", 0755, s.root))
	require.NoError(s.T(), s.sess.Chown(ctx, "/d", 7, 7, s.root))

	owner := pathperm.Identity{Uid: 7, Gid: 7}
	require.NoError(s.T(), s.sess.Chown(ctx, "/d", -1, 20, owner))

	stat, err := s.sess.GetAttr(ctx, "/d", s.root)
	require.NoError(s.T(), err)
	s.EqualValues(20, stat.Gid)
}

func (s *EngineSuite) TestLinkAlwaysRefused() {
	err := s.sess.Link(context.Background(), "/a", "/b", s.root)
	s.ErrorIs(err, pathperm.ErrPermission)
}

func (s *EngineSuite) TestSymlinkReadlinkRoundTrips() {
	ctx := context.Background()
	require.NoError(s.T(), s.sess.Symlink(ctx, "/target", "/link", s.root))

	target, err := s.sess.Readlink(ctx, "/link", s.root)
	require.NoError(s.T(), err)
	s.Equal("/target", target)
}

func (s *EngineSuite) TestDelTreeRemovesSubtree() {
	ctx := context.Background()
	require.NoError(s.T(), s.sess.Mkdir(ctx, "/d", 0755, s.root))
	_, err := s.sess.Write(ctx, "/d/a", []byte("1"), 0, false, s.root)
	require.NoError(s.T(), err)
	_, err = s.sess.Write(ctx, "/d/b", []byte("2"), 0, false, s.root)
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.sess.DelTree(ctx, "/d"))

	_, err = s.sess.GetAttr(ctx, "/d", s.root)
	s.Error(err)
	_, err = s.sess.GetAttr(ctx, "/d/a", s.root)
	s.Error(err)
}

func (s *EngineSuite) TestXattrStubsReportNotSupported() {
	ctx := context.Background()
	require.NoError(s.T(), s.sess.Mkdir(ctx, "/d", 0755, s.root))

	_, err := s.sess.GetXattr(ctx, "/d", "user.foo", s.root)
	s.ErrorIs(err, ErrNotSupported)

	err = s.sess.SetXattr(ctx, "/d", "user.foo", []byte("bar"), 0, s.root)
	s.ErrorIs(err, ErrNotSupported)

	_, err = s.sess.ListXattr(ctx, "/d", s.root)
	s.ErrorIs(err, ErrNotSupported)

	err = s.sess.RemoveXattr(ctx, "/d", "user.foo", s.root)
	s.ErrorIs(err, ErrNotSupported)
}
