package broker

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/authz"
	"github.com/manchtools/splitplay/broker/internal/config"
	"github.com/manchtools/splitplay/broker/internal/journal"
	"github.com/manchtools/splitplay/broker/internal/metrics"
	"github.com/manchtools/splitplay/broker/internal/osdb"
	"github.com/manchtools/splitplay/broker/internal/sysexec"
)

// deviceNode is a synthetic character device.
type deviceNode struct {
	uid, gid int
	mode     os.FileMode
}

type nodeInfo struct {
	name string
	mode os.FileMode
}

func (fi nodeInfo) Name() string       { return filepath.Base(fi.name) }
func (fi nodeInfo) Size() int64        { return 0 }
func (fi nodeInfo) Mode() os.FileMode  { return fi.mode }
func (fi nodeInfo) ModTime() time.Time { return time.Time{} }
func (fi nodeInfo) IsDir() bool        { return false }
func (fi nodeInfo) Sys() any           { return nil }

type deviceFS struct {
	mu        sync.Mutex
	nodes     map[string]*deviceNode
	mutations int
}

func (f *deviceFS) Lstat(path string) (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return nil, &fs.PathError{Op: "lstat", Path: path, Err: fs.ErrNotExist}
	}
	return nodeInfo{name: path, mode: fs.ModeDevice | fs.ModeCharDevice | n.mode}, nil
}

func (f *deviceFS) Chown(path string, uid, gid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	f.nodes[path].uid, f.nodes[path].gid = uid, gid
	return nil
}

func (f *deviceFS) Chmod(path string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations++
	f.nodes[path].mode = mode
	return nil
}

type fixture struct {
	b       *Broker
	runner  *sysexec.Fake
	db      *osdb.Fake
	devs    *deviceFS
	journal *journal.Journal
	metrics *metrics.Metrics
	root    string
	ctx     context.Context
}

const callerUID = 1000

func newFixture(t *testing.T, authority authz.Authority) *fixture {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{
		"home/bob/Games",
		"home/alice/Games",
		"home/carol",
		"run/user/1000",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}

	cfg := config.Default()
	cfg.RuntimeBase = filepath.Join(root, "run/user")
	cfg.LingerDir = filepath.Join(root, "linger")

	db := osdb.NewFake().
		AddAccount(osdb.Account{Username: "bob", UID: callerUID, GID: callerUID, HomeDir: filepath.Join(root, "home/bob")}).
		AddAccount(osdb.Account{Username: "alice", UID: 1001, GID: 1001, HomeDir: filepath.Join(root, "home/alice")}).
		AddAccount(osdb.Account{Username: "carol", UID: 1002, GID: 1002, HomeDir: filepath.Join(root, "home/carol")}).
		AddGroup(osdb.Group{Name: "input", GID: 104}).
		AddGroup(osdb.Group{Name: "splitplay", GID: 990, Members: []string{"alice"}})

	j, err := journal.Open(filepath.Join(root, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	f := &fixture{
		runner: sysexec.NewFake(),
		db:     db,
		devs: &deviceFS{nodes: map[string]*deviceNode{
			"/dev/input/event5": {gid: 104, mode: 0o660},
			"/dev/input/event6": {gid: 104, mode: 0o660},
		}},
		journal: j,
		metrics: metrics.New(),
		root:    root,
		ctx:     authz.WithCaller(context.Background(), authz.Caller{PID: 4242, UID: callerUID, GID: callerUID}),
	}
	f.b = New(Options{
		Config:   cfg,
		Gate:     authz.NewGate(authority, slog.Default()),
		Runner:   f.runner,
		DB:       db,
		DeviceFS: f.devs,
		Journal:  j,
		Metrics:  f.metrics,
		Logger:   slog.Default(),
		Version:  "1.2.3",
	})
	return f
}

func (f *fixture) lastEntry(t *testing.T) journal.Entry {
	t.Helper()
	entries, err := f.journal.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func TestDeniedCallerTouchesNothing(t *testing.T) {
	f := newFixture(t, authz.DenyAll)

	err := f.b.ChangeDeviceOwner(f.ctx, "/dev/input/event5", 1001)
	assert.True(t, apierr.Is(err, apierr.KindAccessDenied))
	_, err = f.b.CreateUser(f.ctx, "dave", "")
	assert.True(t, apierr.Is(err, apierr.KindAccessDenied))
	_, err = f.b.MountSharedDirectories(f.ctx, "alice", callerUID, []string{filepath.Join(f.root, "home/bob/Games")})
	assert.True(t, apierr.Is(err, apierr.KindAccessDenied))

	assert.Zero(t, f.devs.mutations)
	assert.Empty(t, f.runner.Calls())

	e := f.lastEntry(t)
	assert.Equal(t, "MountSharedDirectories", e.Action)
	assert.Equal(t, journal.OutcomeAccessDenied, e.Outcome)
	assert.Equal(t, uint32(callerUID), e.CallerUID)
	assert.Equal(t, int32(4242), e.CallerPID)
}

func TestInvalidInputIsReportedAfterAuthorization(t *testing.T) {
	invalid := apierr.InvalidArgs("username must match")

	f := newFixture(t, authz.DenyAll)
	_, err := f.b.CreateUser(authz.WithDeferredError(f.ctx, invalid), "Bad-Name!", "")
	assert.True(t, apierr.Is(err, apierr.KindAccessDenied))

	f = newFixture(t, authz.AllowAll)
	_, err = f.b.CreateUser(authz.WithDeferredError(f.ctx, invalid), "Bad-Name!", "")
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	assert.Empty(t, f.runner.Calls())
	assert.Equal(t, journal.OutcomeInvalidArgs, f.lastEntry(t).Outcome)
}

func TestUnknownCallerIsDenied(t *testing.T) {
	f := newFixture(t, authz.AllowAll)
	err := f.b.ResetDeviceOwner(context.Background(), "/dev/input/event5")
	assert.True(t, apierr.Is(err, apierr.KindAccessDenied))
	assert.Zero(t, f.devs.mutations)
}

func (f *fixture) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestDeviceOwnershipScenario(t *testing.T) {
	f := newFixture(t, authz.AllowAll)

	require.NoError(t, f.b.ChangeDeviceOwner(f.ctx, "/dev/input/event5", 1001))
	node := f.devs.nodes["/dev/input/event5"]
	assert.Equal(t, 1001, node.uid)
	assert.Equal(t, 1001, node.gid)
	assert.Equal(t, os.FileMode(0o600), node.mode)
	assert.Contains(t, f.scrape(t), `splitplay_broker_tracked{kind="devices"} 1`)

	n, err := f.b.ResetAllDevices(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, node.uid)
	assert.Equal(t, 104, node.gid)
	assert.Equal(t, os.FileMode(0o660), node.mode)

	body := f.scrape(t)
	assert.Contains(t, body, `splitplay_broker_tracked{kind="devices"} 0`)
	assert.Contains(t, body, `splitplay_broker_rpc_total{action="ResetAllDevices",outcome="ok"} 1`)
}

func TestBatchWithInvalidPathChangesNothing(t *testing.T) {
	f := newFixture(t, authz.AllowAll)

	n, err := f.b.ChangeDeviceOwnerBatch(f.ctx, []string{"/dev/input/event5", "/etc/shadow"}, 1001)
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	assert.Zero(t, n)
	assert.Zero(t, f.devs.mutations)
	assert.Equal(t, journal.OutcomeInvalidArgs, f.lastEntry(t).Outcome)

	n, err = f.b.ChangeDeviceOwnerBatch(f.ctx, []string{"/dev/input/event5", "/dev/input/event6", "/dev/input/event9"}, 1001)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the missing device is counted as a failure")
}

func TestMountScenario(t *testing.T) {
	f := newFixture(t, authz.AllowAll)
	games := filepath.Join(f.root, "home/bob/Games")

	n, err := f.b.MountSharedDirectories(f.ctx, "alice", callerUID, []string{games + "|"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	call := f.runner.Calls()[0]
	assert.Equal(t, "mount --no-canonicalize --bind /proc/self/fd/4 /proc/self/fd/3", call.String())
	assert.Equal(t, []string{filepath.Join(f.root, "home/alice/Games"), games}, call.Files)

	n, err = f.b.UnmountSharedDirectories(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.b.UnmountSharedDirectories(f.ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMountRequiresManagedTarget(t *testing.T) {
	f := newFixture(t, authz.AllowAll)

	_, err := f.b.MountSharedDirectories(f.ctx, "carol", callerUID, []string{filepath.Join(f.root, "home/bob/Games")})
	assert.True(t, apierr.Is(err, apierr.KindAccessDenied))
	assert.Empty(t, f.runner.Calls())
}

func TestDeleteUserRefusesUnmanagedAccount(t *testing.T) {
	f := newFixture(t, authz.AllowAll)

	err := f.b.DeleteUser(f.ctx, "carol", true)
	assert.True(t, apierr.Is(err, apierr.KindAccessDenied))
	err = f.b.DeleteUser(f.ctx, "nobody-here", true)
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	assert.Empty(t, f.runner.CallsTo("userdel"))
}

func TestDeleteUserUnmountsSharedDirectoriesFirst(t *testing.T) {
	f := newFixture(t, authz.AllowAll)
	f.runner.Fail("pgrep", 1, "")
	games := filepath.Join(f.root, "home/bob/Games")

	n, err := f.b.MountSharedDirectories(f.ctx, "alice", callerUID, []string{games + "|"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	f.runner.Reset()

	require.NoError(t, f.b.DeleteUser(f.ctx, "alice", true))

	umount, userdel := -1, -1
	for i, c := range f.runner.Calls() {
		switch c.Tool {
		case "umount":
			umount = i
		case "userdel":
			userdel = i
			assert.Equal(t, []string{"-r", "alice"}, c.Args)
		}
	}
	require.NotEqual(t, -1, umount, "shared directories are unmounted")
	require.NotEqual(t, -1, userdel)
	assert.Less(t, umount, userdel)
	assert.Empty(t, f.b.mounts.Records("alice"))
}

func TestDeleteUserKeepsHomeWithStuckMount(t *testing.T) {
	f := newFixture(t, authz.AllowAll)
	f.runner.Fail("pgrep", 1, "")
	games := filepath.Join(f.root, "home/bob/Games")

	_, err := f.b.MountSharedDirectories(f.ctx, "alice", callerUID, []string{games + "|"})
	require.NoError(t, err)
	f.runner.Fail("umount", 32, "umount: target is busy.")

	err = f.b.DeleteUser(f.ctx, "alice", true)
	assert.True(t, apierr.Is(err, apierr.KindFailed))
	assert.Empty(t, f.runner.CallsTo("userdel"))
	assert.DirExists(t, filepath.Join(f.root, "home/alice"))
}

func TestQueries(t *testing.T) {
	f := newFixture(t, authz.AllowAll)

	managed, err := f.b.IsInManagedGroup(f.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, managed)
	managed, err = f.b.IsInManagedGroup(f.ctx, "carol")
	require.NoError(t, err)
	assert.False(t, managed)

	lingering, err := f.b.IsLingerEnabled(f.ctx, "alice")
	require.NoError(t, err)
	assert.False(t, lingering)

	id, err := f.b.GetUserSteamID(f.ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, id)

	assert.Equal(t, "1.2.3", f.b.Version())
}

func TestWriteFileToUserRejectsUnmanaged(t *testing.T) {
	f := newFixture(t, authz.AllowAll)

	err := f.b.WriteFileToUser(f.ctx, []byte("x"), "note.txt", "carol")
	assert.True(t, apierr.Is(err, apierr.KindAccessDenied))
	assert.NoFileExists(t, filepath.Join(f.root, "home/carol/note.txt"))
}

func TestShutdownReleasesInOrder(t *testing.T) {
	f := newFixture(t, authz.AllowAll)

	require.NoError(t, f.b.ChangeDeviceOwner(f.ctx, "/dev/input/event5", 1001))
	require.NoError(t, f.b.SetupRuntimeAccess(f.ctx, callerUID))
	n, err := f.b.MountSharedDirectories(f.ctx, "alice", callerUID, []string{filepath.Join(f.root, "home/bob/Games")})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	f.runner.Reset()

	report := f.b.Shutdown(context.Background())
	assert.Equal(t, ShutdownReport{Grants: 1, Mounts: 1, Processes: 0, Devices: 1}, report)

	calls := f.runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "setfacl", calls[0].Tool, "grants are revoked first")
	assert.Equal(t, "umount", calls[1].Tool, "then mounts are removed")
	assert.Equal(t, 0, f.devs.nodes["/dev/input/event5"].uid, "devices are reset last")

	again := f.b.Shutdown(context.Background())
	assert.Equal(t, report, again)
	assert.Len(t, f.runner.Calls(), 2, "shutdown runs once")

	err = f.b.ChangeDeviceOwner(f.ctx, "/dev/input/event5", 1001)
	assert.True(t, apierr.Is(err, apierr.KindFailed))
	assert.ErrorIs(t, err, ErrShutDown)
	assert.Equal(t, 0, f.devs.nodes["/dev/input/event5"].uid)
}

func TestDispatchSerializesCalls(t *testing.T) {
	f := newFixture(t, authz.AllowAll)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.b.ChangeDeviceOwner(f.ctx, "/dev/input/event5", 1001)
			f.b.ResetDeviceOwner(f.ctx, "/dev/input/event5")
		}()
	}
	wg.Wait()

	entries, err := f.journal.Recent(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, entries, 16)
	assert.Empty(t, f.b.devices.Tracked())
}
