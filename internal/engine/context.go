// Package engine is the process-wide session manager and the POSIX
// operation surface built on top of the store, transaction, metadata,
// block, and path-permission layers.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/guardianproject/sqlitefs/internal/block"
	"github.com/guardianproject/sqlitefs/internal/logger"
	"github.com/guardianproject/sqlitefs/internal/meta"
	"github.com/guardianproject/sqlitefs/internal/store"
	"github.com/guardianproject/sqlitefs/internal/txn"
)

// Default permission bits used when a caller doesn't supply its own, and
// for directories the auto-create-ancestors convenience fabricates.
const (
	DefaultFileMode = 0644
	DefaultDirMode  = 0755
)

// Context holds everything that is shared across every session against
// one mounted or embedded filesystem: the default database path and
// cached secret a thread-local session opens lazily, the process-wide
// monotonic inode counter, the live-session count, and the registry of
// thread-local sessions keyed by OS thread id.
type Context struct {
	mu syncutil.InvariantMutex // guards the three fields below

	defaultPath  string
	cachedSecret store.Secret
	liveSessions int

	nextInodeVal int32 // updated with sync/atomic, not under mu

	threadSessions sync.Map // unix.Gettid() -> *Session

	clock timeutil.Clock
}

func NewContext(clock timeutil.Clock) *Context {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	c := &Context{clock: clock}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

func (c *Context) checkInvariants() {
	if c.liveSessions < 0 {
		panic("engine: negative live session count")
	}
}

// Init configures the default database path and caches secret, the way a
// library-embedding caller's init/init_password/init_key entry points do
// before any thread-local session is opened.
func (c *Context) Init(path string, secret store.Secret) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultPath = path
	c.cachedSecret = secret
}

// Teardown zeroes the cached key material and clears the default path.
func (c *Context) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.cachedSecret.RawKey {
		c.cachedSecret.RawKey[i] = 0
	}
	c.cachedSecret = store.Secret{}
	c.defaultPath = ""
}

// InstanceCount is the live-session counter exposed to callers (and
// consulted by Rekey to refuse changing the key while any session holds
// the database open).
func (c *Context) InstanceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveSessions
}

// Rekey changes the page-level encryption key offline, refusing while
// any session is live.
func (c *Context) Rekey(path string, oldSecret, newSecret store.Secret) error {
	return store.Rekey(path, oldSecret, newSecret, c.InstanceCount())
}

func (c *Context) nextInode() int32 {
	return atomic.AddInt32(&c.nextInodeVal, 1)
}

// OpenSession opens an explicit session against path, seeding the root
// directory (inode 1) on a first-ever mount and raising the process-wide
// inode counter to the highest inode already stored.
func (c *Context) OpenSession(ctx context.Context, path string, secret store.Secret, bridgeAttached bool) (*Session, error) {
	s, err := store.Open(path, secret)
	if err != nil {
		return nil, err
	}

	tm := txn.New(s)
	ml := meta.New(s, c.clock)
	bl := block.New(s, ml)

	if err := tm.Begin(ctx); err != nil {
		s.Close()
		return nil, err
	}
	present, _, err := ml.Exists(ctx, "/")
	if err == nil && !present {
		now := c.clock.Now().Unix()
		err = ml.SetAttr(ctx, meta.Attr{
			Key: "/", Type: meta.TypeDir, Inode: 1, Mode: DefaultDirMode,
			Atime: now, Mtime: now, Ctime: now,
		})
	}
	var maxInode int32
	if err == nil {
		maxInode, err = ml.MaxInode(ctx)
	}
	if cerr := tm.Commit(ctx, err == nil); err == nil {
		err = cerr
	}
	if err != nil {
		s.Close()
		return nil, err
	}

	for {
		cur := atomic.LoadInt32(&c.nextInodeVal)
		if maxInode <= cur {
			break
		}
		if atomic.CompareAndSwapInt32(&c.nextInodeVal, cur, maxInode) {
			break
		}
	}

	sess := &Session{
		id:             uuid.New(),
		engineCtx:      c,
		store:          s,
		txn:            tm,
		meta:           ml,
		block:          bl,
		bridgeAttached: bridgeAttached,
	}

	c.mu.Lock()
	c.liveSessions++
	c.mu.Unlock()

	logger.Debugf("session %s opened against %s (live=%d)", sess.id, path, c.InstanceCount())
	return sess, nil
}

// ThreadSession returns the calling OS thread's lazily-opened session
// against the configured default path, opening one on first access.
func (c *Context) ThreadSession(ctx context.Context, bridgeAttached bool) (*Session, error) {
	tid := unix.Gettid()
	if v, ok := c.threadSessions.Load(tid); ok {
		return v.(*Session), nil
	}

	c.mu.Lock()
	path, secret := c.defaultPath, c.cachedSecret
	c.mu.Unlock()
	if path == "" {
		return nil, fmt.Errorf("engine: no default path configured")
	}

	sess, err := c.OpenSession(ctx, path, secret, bridgeAttached)
	if err != nil {
		return nil, err
	}
	c.threadSessions.Store(tid, sess)
	return sess, nil
}

// ReleaseThread closes and forgets the calling thread's session. A real
// thread-local finalizer would call this automatically on thread exit;
// Go gives us no hook for that, so embedding callers running their own
// goroutine-per-OS-thread workers must call it themselves before the
// thread retires.
func (c *Context) ReleaseThread() error {
	tid := unix.Gettid()
	v, ok := c.threadSessions.LoadAndDelete(tid)
	if !ok {
		return nil
	}
	return v.(*Session).Close()
}
