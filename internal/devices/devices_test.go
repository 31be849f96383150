package devices

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/osdb"
)

type fakeNode struct {
	mode os.FileMode
	uid  int
	gid  int
}

type fakeInfo struct {
	name string
	mode os.FileMode
}

func (fi fakeInfo) Name() string       { return fi.name }
func (fi fakeInfo) Size() int64        { return 0 }
func (fi fakeInfo) Mode() os.FileMode  { return fi.mode }
func (fi fakeInfo) ModTime() time.Time { return time.Time{} }
func (fi fakeInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi fakeInfo) Sys() any           { return nil }

// fakeFS holds synthetic device nodes and records every mutation.
type fakeFS struct {
	nodes     map[string]*fakeNode
	mutations int
	failChown map[string]bool
	failChmod map[string]bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		nodes:     make(map[string]*fakeNode),
		failChown: make(map[string]bool),
		failChmod: make(map[string]bool),
	}
}

func (f *fakeFS) addCharDevice(path string) {
	f.nodes[path] = &fakeNode{mode: fs.ModeDevice | fs.ModeCharDevice | 0o660, gid: 104}
}

func (f *fakeFS) Lstat(path string) (fs.FileInfo, error) {
	n, ok := f.nodes[path]
	if !ok {
		return nil, &fs.PathError{Op: "lstat", Path: path, Err: fs.ErrNotExist}
	}
	return fakeInfo{name: path, mode: n.mode}, nil
}

func (f *fakeFS) Chown(path string, uid, gid int) error {
	f.mutations++
	if f.failChown[path] {
		return &fs.PathError{Op: "chown", Path: path, Err: fs.ErrPermission}
	}
	n := f.nodes[path]
	n.uid, n.gid = uid, gid
	return nil
}

func (f *fakeFS) Chmod(path string, mode os.FileMode) error {
	f.mutations++
	if f.failChmod[path] {
		return &fs.PathError{Op: "chmod", Path: path, Err: fs.ErrPermission}
	}
	n := f.nodes[path]
	n.mode = n.mode&^fs.ModePerm | mode
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeFS) {
	t.Helper()
	fsys := newFakeFS()
	db := osdb.NewFake().
		AddAccount(osdb.Account{Username: "alice", UID: 1001, GID: 1001, HomeDir: "/home/alice"}).
		AddGroup(osdb.Group{Name: "input", GID: 104})
	return NewManager("/dev/input", "input", fsys, db, slog.Default()), fsys
}

func TestValidatePath(t *testing.T) {
	m, _ := newTestManager(t)

	valid := []string{"/dev/input/event5", "/dev/input/js0", "/dev/input//event1"}
	for _, p := range valid {
		assert.NoError(t, m.ValidatePath(p), p)
	}

	invalid := []string{
		"",
		"event5",
		"/dev/input",
		"/dev/input/",
		"/dev/sda",
		"/dev/inputx/event1",
		"/dev/input/../sda",
		"/dev/input/../../etc/shadow",
		"/etc/passwd",
	}
	for _, p := range invalid {
		err := m.ValidatePath(p)
		require.Error(t, err, p)
		assert.Equal(t, apierr.KindInvalidArgs, apierr.KindOf(err), p)
	}
}

func TestChangeOwner_OutsideDirDoesNotTouchFS(t *testing.T) {
	m, fsys := newTestManager(t)
	fsys.addCharDevice("/dev/sda")

	err := m.ChangeOwner(context.Background(), "/dev/sda", 1001)
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	err = m.ResetOwner(context.Background(), "/dev/input/../sda")
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	assert.Zero(t, fsys.mutations)
	assert.Empty(t, m.Tracked())
}

func TestChangeOwner_RequiresCharDevice(t *testing.T) {
	m, fsys := newTestManager(t)
	fsys.nodes["/dev/input/regular"] = &fakeNode{mode: 0o644}
	fsys.nodes["/dev/input/link"] = &fakeNode{mode: fs.ModeSymlink | 0o777}

	for _, p := range []string{"/dev/input/regular", "/dev/input/link", "/dev/input/missing"} {
		err := m.ChangeOwner(context.Background(), p, 1001)
		assert.True(t, apierr.Is(err, apierr.KindInvalidArgs), p)
	}
	assert.Zero(t, fsys.mutations)
}

func TestChangeOwner_UnknownUID(t *testing.T) {
	m, fsys := newTestManager(t)
	fsys.addCharDevice("/dev/input/event5")

	err := m.ChangeOwner(context.Background(), "/dev/input/event5", 4242)
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	assert.Zero(t, fsys.mutations)
}

func TestChangeOwnerThenResetAll(t *testing.T) {
	m, fsys := newTestManager(t)
	fsys.addCharDevice("/dev/input/event5")
	ctx := context.Background()

	require.NoError(t, m.ChangeOwner(ctx, "/dev/input/event5", 1001))
	n := fsys.nodes["/dev/input/event5"]
	assert.Equal(t, 1001, n.uid)
	assert.Equal(t, 1001, n.gid)
	assert.Equal(t, os.FileMode(0o600), n.mode.Perm())
	assert.Equal(t, []ManagedDevice{{Path: "/dev/input/event5", OwnerUID: 1001}}, m.Tracked())

	assert.Equal(t, 1, m.ResetAll(ctx))
	assert.Equal(t, 0, n.uid)
	assert.Equal(t, 104, n.gid)
	assert.Equal(t, os.FileMode(0o660), n.mode.Perm())
	assert.Empty(t, m.Tracked())
}

func TestResetOwner_MissingGroupFallsBackToRoot(t *testing.T) {
	fsys := newFakeFS()
	fsys.addCharDevice("/dev/input/event1")
	db := osdb.NewFake().AddAccount(osdb.Account{Username: "alice", UID: 1001, GID: 1001})
	m := NewManager("/dev/input", "input", fsys, db, slog.Default())
	ctx := context.Background()

	require.NoError(t, m.ChangeOwner(ctx, "/dev/input/event1", 1001))
	require.NoError(t, m.ResetOwner(ctx, "/dev/input/event1"))
	assert.Equal(t, 0, fsys.nodes["/dev/input/event1"].gid)
	assert.Empty(t, m.Tracked())
}

func TestChangeOwner_SyscallFailureNotTracked(t *testing.T) {
	m, fsys := newTestManager(t)
	fsys.addCharDevice("/dev/input/event2")
	fsys.addCharDevice("/dev/input/event3")
	fsys.failChown["/dev/input/event2"] = true
	fsys.failChmod["/dev/input/event3"] = true
	ctx := context.Background()

	err := m.ChangeOwner(ctx, "/dev/input/event2", 1001)
	assert.True(t, apierr.Is(err, apierr.KindFailed))
	err = m.ChangeOwner(ctx, "/dev/input/event3", 1001)
	assert.True(t, apierr.Is(err, apierr.KindFailed))
	assert.True(t, errors.Is(err, fs.ErrPermission))

	assert.Empty(t, m.Tracked())
	assert.Equal(t, 0, fsys.nodes["/dev/input/event3"].uid, "chown is rolled back when chmod fails")
}

func TestChangeOwnerBatch(t *testing.T) {
	m, fsys := newTestManager(t)
	fsys.addCharDevice("/dev/input/event1")
	fsys.addCharDevice("/dev/input/event2")
	ctx := context.Background()

	n, err := m.ChangeOwnerBatch(ctx, []string{"/dev/input/event1", "/dev/input/event2", "/dev/input/event9"}, 1001)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, m.Tracked(), 2)

	assert.Equal(t, 2, m.ResetAll(ctx))
}

func TestChangeOwnerBatch_InvalidPathFailsWholeBatch(t *testing.T) {
	m, fsys := newTestManager(t)
	fsys.addCharDevice("/dev/input/event1")

	n, err := m.ChangeOwnerBatch(context.Background(), []string{"/dev/input/event1", "/dev/sda"}, 1001)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	assert.Zero(t, n)
	assert.Zero(t, fsys.mutations)
	assert.Empty(t, m.Tracked())

	_, err = m.ChangeOwnerBatch(context.Background(), nil, 1001)
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
}

func TestResetAll_FailuresStayTracked(t *testing.T) {
	m, fsys := newTestManager(t)
	fsys.addCharDevice("/dev/input/event1")
	fsys.addCharDevice("/dev/input/event2")
	ctx := context.Background()

	require.NoError(t, m.ChangeOwner(ctx, "/dev/input/event1", 1001))
	require.NoError(t, m.ChangeOwner(ctx, "/dev/input/event2", 1001))
	fsys.failChown["/dev/input/event2"] = true

	assert.Equal(t, 1, m.ResetAll(ctx))
	assert.Equal(t, []ManagedDevice{{Path: "/dev/input/event2", OwnerUID: 1001}}, m.Tracked())
}
