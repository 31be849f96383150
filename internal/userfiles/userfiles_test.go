package userfiles

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/osdb"
	"github.com/manchtools/splitplay/broker/internal/sysexec"
)

// fakeAccounts treats every account in the table as managed.
type fakeAccounts map[string]*osdb.Account

func (f fakeAccounts) RequireManaged(_ context.Context, username string) (*osdb.Account, error) {
	a, ok := f[username]
	if !ok {
		return nil, apierr.AccessDenied("user %q is not managed", username)
	}
	return a, nil
}

type fixture struct {
	m       *Manager
	runner  *sysexec.Fake
	home    string
	chowned []string
	onChown func(file *os.File)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{home: t.TempDir(), runner: sysexec.NewFake()}
	accts := fakeAccounts{"alice": {Username: "alice", UID: 1001, GID: 1001, HomeDir: f.home}}
	f.m = NewManager(Config{AclTimeout: 5 * time.Second, AclRecursiveTimeout: 30 * time.Second}, f.runner, accts, slog.Default())
	f.m.chown = func(file *os.File, uid, gid int) error {
		f.chowned = append(f.chowned, file.Name())
		if f.onChown != nil {
			f.onChown(file)
		}
		return nil
	}
	return f
}

func TestDestPath(t *testing.T) {
	got, err := DestPath("/home/alice", ".config/game/settings.ini")
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/.config/game/settings.ini", got)

	got, err = DestPath("/home/alice/", "/home/alice/save.dat")
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/save.dat", got)

	for _, dst := range []string{"", "/etc/passwd", "../bob/x", "/home/alice", "/home/alice/../bob/x", "/home/alicex/y"} {
		_, err := DestPath("/home/alice", dst)
		assert.True(t, apierr.Is(err, apierr.KindInvalidArgs), dst)
	}
}

func TestWriteFileToUser(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.m.WriteFileToUser(context.Background(), []byte("[video]\nwidth=1280\n"), ".config/game/settings.ini", "alice"))

	target := filepath.Join(f.home, ".config", "game", "settings.ini")
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "[video]\nwidth=1280\n", string(data))
	fi, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm())

	require.Len(t, f.chowned, 3, "two new directories and the file")
	assert.Equal(t, filepath.Join(f.home, ".config"), f.chowned[0])
	assert.Equal(t, filepath.Join(f.home, ".config", "game"), f.chowned[1])

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file is left behind")
}

func TestWriteFileToUser_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.m.WriteFileToUser(ctx, []byte("x"), "x", "bob")
	assert.True(t, apierr.Is(err, apierr.KindAccessDenied))
	err = f.m.WriteFileToUser(ctx, []byte("x"), "/etc/cron.d/evil", "alice")
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(f.home, "escape")))
	err = f.m.WriteFileToUser(ctx, []byte("x"), "escape/file", "alice")
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	assert.NoFileExists(t, filepath.Join(outside, "file"))
}

func TestWriteFileToUser_ParentSwappedBeforeRename(t *testing.T) {
	f := newFixture(t)
	parent := filepath.Join(f.home, ".config", "game")
	moved := filepath.Join(f.home, ".config", "moved")
	require.NoError(t, os.MkdirAll(parent, 0o755))
	outside := t.TempDir()

	f.onChown = func(*os.File) {
		require.NoError(t, os.Rename(parent, moved))
		require.NoError(t, os.Symlink(outside, parent))
	}

	require.NoError(t, f.m.WriteFileToUser(context.Background(), []byte("x"), ".config/game/settings.ini", "alice"))
	assert.NoFileExists(t, filepath.Join(outside, "settings.ini"))
	assert.FileExists(t, filepath.Join(moved, "settings.ini"))
}

func TestCopyFileToUser(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(t.TempDir(), "controller.cfg")
	require.NoError(t, os.WriteFile(src, []byte("deadzone=0.1"), 0o640))

	require.NoError(t, f.m.CopyFileToUser(context.Background(), uint32(os.Getuid()), src, "controller.cfg", "alice"))
	data, err := os.ReadFile(filepath.Join(f.home, "controller.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "deadzone=0.1", string(data))
}

func TestCopyFileToUser_SourceChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	caller := uint32(os.Getuid())

	err := f.m.CopyFileToUser(ctx, caller, "relative.cfg", "x", "alice")
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	err = f.m.CopyFileToUser(ctx, caller, filepath.Join(dir, "missing"), "x", "alice")
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	err = f.m.CopyFileToUser(ctx, caller, dir, "x", "alice")
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))

	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink("/etc/hostname", link))
	err = f.m.CopyFileToUser(ctx, caller, link, "x", "alice")
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))

	private := filepath.Join(dir, "private")
	require.NoError(t, os.WriteFile(private, []byte("secret"), 0o600))
	err = f.m.CopyFileToUser(ctx, caller+1, private, "x", "alice")
	assert.True(t, apierr.Is(err, apierr.KindAccessDenied))
	assert.NoFileExists(t, filepath.Join(f.home, "x"))
}

func TestSetDirectoryAcl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	caller := uint32(os.Getuid())

	require.NoError(t, f.m.SetDirectoryAcl(ctx, caller, dir, "alice", false))
	require.NoError(t, f.m.SetDirectoryAcl(ctx, caller, dir, "alice", true))
	calls := f.runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "setfacl -m u:alice:rwX "+dir, calls[0].String())
	assert.Equal(t, 5*time.Second, calls[0].Timeout)
	assert.Equal(t, "setfacl -R -m u:alice:rwX,d:u:alice:rwX "+dir, calls[1].String())
	assert.Equal(t, 30*time.Second, calls[1].Timeout)
}

func TestSetDirectoryAcl_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	caller := uint32(os.Getuid())

	assert.True(t, apierr.Is(f.m.SetDirectoryAcl(ctx, caller, "rel", "alice", false), apierr.KindInvalidArgs))
	assert.True(t, apierr.Is(f.m.SetDirectoryAcl(ctx, caller, file, "alice", false), apierr.KindInvalidArgs))
	assert.True(t, apierr.Is(f.m.SetDirectoryAcl(ctx, caller, filepath.Join(dir, "nope"), "alice", false), apierr.KindInvalidArgs))
	assert.True(t, apierr.Is(f.m.SetDirectoryAcl(ctx, caller+1, dir, "alice", false), apierr.KindAccessDenied))
	assert.True(t, apierr.Is(f.m.SetDirectoryAcl(ctx, caller, dir, "bob", false), apierr.KindAccessDenied))
	assert.Empty(t, f.runner.Calls())

	f.runner.Fail("setfacl", 1, "setfacl: Operation not supported")
	err := f.m.SetDirectoryAcl(ctx, caller, dir, "alice", false)
	assert.True(t, apierr.Is(err, apierr.KindFailed))
	assert.Contains(t, err.Error(), "Operation not supported")
}

const loginUsers = `"users"
{
	"76561198000000001"
	{
		"AccountName"		"alice_old"
		"PersonaName"		"Alice {old}"
		"RememberPassword"		"1"
		"MostRecent"		"0"
		"Timestamp"		"1690000000"
	}
	// comment
	"76561198000000002"
	{
		"AccountName"		"alice"
		"PersonaName"		"Alice \"A\""
		"mostrecent"		"1"
	}
}
`

func TestParseLoginUsers(t *testing.T) {
	id, err := ParseLoginUsers(strings.NewReader(loginUsers))
	require.NoError(t, err)
	assert.Equal(t, "76561198000000002", id)

	noRecent := strings.Replace(loginUsers, `"mostrecent"		"1"`, `"mostrecent"		"0"`, 1)
	id, err = ParseLoginUsers(strings.NewReader(noRecent))
	require.NoError(t, err)
	assert.Equal(t, "76561198000000001", id)

	id, err = ParseLoginUsers(strings.NewReader(`"users" { }`))
	require.NoError(t, err)
	assert.Empty(t, id)

	for _, bad := range []string{`"users" {`, `"users" }`, `"users" "unterminated`, `{`} {
		_, err := ParseLoginUsers(strings.NewReader(bad))
		assert.Error(t, err, bad)
	}
}

func TestSteamID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.m.SteamID(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, id)

	cfg := filepath.Join(f.home, ".steam", "steam", "config")
	require.NoError(t, os.MkdirAll(cfg, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg, "loginusers.vdf"), []byte(loginUsers), 0o644))
	id, err = f.m.SteamID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "76561198000000002", id)

	_, err = f.m.SteamID(ctx, "bob")
	assert.True(t, apierr.Is(err, apierr.KindAccessDenied))
}
