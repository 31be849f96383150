package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/osdb"
)

func self() osdb.Account {
	return osdb.Account{
		Username: "alice",
		UID:      uint32(os.Getuid()),
		GID:      uint32(os.Getgid()),
		HomeDir:  os.TempDir(),
	}
}

func newTestSupervisor(t *testing.T, managed bool) (*Supervisor, *osdb.Fake) {
	t.Helper()
	db := osdb.NewFake().AddAccount(self())
	s := New(Config{
		RuntimeBase:   "/run/user",
		DisplaySocket: "wayland-0",
		AudioSocket:   "pulse/native",
		PipeWire:      "pipewire-0",
		StopGrace:     2 * time.Second,
	}, db, func(context.Context, string) (bool, error) { return managed, nil }, slog.Default())
	return s, db
}

func TestMachinectlArgs(t *testing.T) {
	name, args := MachinectlArgs("machinectl", "alice", "/usr/bin/game", []string{"--fullscreen", "-w", "1280"}, []string{"A=1", "WAYLAND_DISPLAY=/run/user/1000/wayland-0"})
	assert.Equal(t, "machinectl", name)
	assert.Equal(t, []string{
		"shell", "--uid=alice",
		"--setenv=A=1",
		"--setenv=WAYLAND_DISPLAY=/run/user/1000/wayland-0",
		".host", "/usr/bin/game", "--fullscreen", "-w", "1280",
	}, args)
}

func TestSessionEnv(t *testing.T) {
	s, _ := newTestSupervisor(t, true)

	env := s.sessionEnv(Spec{CompositorUID: 1000, Env: []string{"SDL_GAMECONTROLLER_IGNORE_DEVICES=", "PULSE_SERVER=unix:/tmp/custom"}})
	assert.Equal(t, []string{
		"SDL_GAMECONTROLLER_IGNORE_DEVICES=",
		"PULSE_SERVER=unix:/tmp/custom",
		"WAYLAND_DISPLAY=/run/user/1000/wayland-0",
		"PIPEWIRE_REMOTE=/run/user/1000/pipewire-0",
	}, env)
}

func TestCredential_KeepsSupplementaryGroups(t *testing.T) {
	s, db := newTestSupervisor(t, true)
	db.AddAccount(osdb.Account{Username: "bob", UID: 1000, GID: 1000, HomeDir: "/home/bob"}).
		AddGroup(osdb.Group{Name: "input", GID: 104, Members: []string{"bob"}}).
		AddGroup(osdb.Group{Name: "audio", GID: 29, Members: []string{"bob"}}).
		AddGroup(osdb.Group{Name: "wheel", GID: 10, Members: []string{"alice"}})
	ctx := context.Background()
	bob, err := db.LookupAccount(ctx, "bob")
	require.NoError(t, err)

	cred, err := s.credential(ctx, bob, 0)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, uint32(1000), cred.Uid)
	assert.Equal(t, uint32(1000), cred.Gid)
	assert.Equal(t, []uint32{29, 104, 1000}, cred.Groups)

	cred, err = s.credential(ctx, bob, 1000)
	require.NoError(t, err)
	assert.Nil(t, cred)

	_, err = s.credential(ctx, &osdb.Account{Username: "ghost", UID: 2000}, 0)
	assert.True(t, apierr.Is(err, apierr.KindFailed))
}

func TestLaunch_Validation(t *testing.T) {
	s, _ := newTestSupervisor(t, true)
	ctx := context.Background()
	caller := uint32(os.Getuid())

	_, err := s.Launch(ctx, Spec{Username: "alice", CallerUID: caller})
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	_, err = s.Launch(ctx, Spec{Username: "alice", Command: "true", Env: []string{"NOEQUALS"}, CallerUID: caller})
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	_, err = s.Launch(ctx, Spec{Username: "ghost", Command: "true", CallerUID: caller})
	assert.True(t, apierr.Is(err, apierr.KindInvalidArgs))
	assert.Empty(t, s.Tracked())
}

func TestLaunch_OtherAccountMustBeManaged(t *testing.T) {
	s, _ := newTestSupervisor(t, false)

	_, err := s.Launch(context.Background(), Spec{Username: "alice", Command: "true", CallerUID: uint32(os.Getuid()) + 1})
	assert.True(t, apierr.Is(err, apierr.KindAccessDenied))
	assert.Empty(t, s.Tracked())
}

func TestLaunch_StartFailure(t *testing.T) {
	s, _ := newTestSupervisor(t, true)

	_, err := s.Launch(context.Background(), Spec{Username: "alice", Command: "/nonexistent/splitplay-game", CallerUID: uint32(os.Getuid())})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindFailed))
	assert.Empty(t, s.Tracked())
}

func TestLaunchAndStop(t *testing.T) {
	s, _ := newTestSupervisor(t, true)
	ctx := context.Background()

	pid, err := s.Launch(ctx, Spec{Username: "alice", Command: "sleep", Args: []string{"30"}, CallerUID: uint32(os.Getuid())})
	require.NoError(t, err)
	assert.Positive(t, pid)
	assert.Equal(t, []int{pid}, s.Tracked())

	require.NoError(t, s.Stop(ctx, pid))
	assert.Eventually(t, func() bool { return len(s.Tracked()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLaunchAndKill(t *testing.T) {
	s, _ := newTestSupervisor(t, true)
	ctx := context.Background()

	pid, err := s.Launch(ctx, Spec{Username: "alice", Command: "sleep", Args: []string{"30"}, CallerUID: uint32(os.Getuid())})
	require.NoError(t, err)

	require.NoError(t, s.Kill(ctx, pid))
	assert.Eventually(t, func() bool { return len(s.Tracked()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestExitedProcessIsForgotten(t *testing.T) {
	s, _ := newTestSupervisor(t, true)

	_, err := s.Launch(context.Background(), Spec{Username: "alice", Command: "true", CallerUID: uint32(os.Getuid())})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(s.Tracked()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopAll(t *testing.T) {
	s, _ := newTestSupervisor(t, true)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Launch(ctx, Spec{Username: "alice", Command: "sleep", Args: []string{"30"}, CallerUID: uint32(os.Getuid())})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.StopAll(ctx))
	assert.Eventually(t, func() bool { return len(s.Tracked()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStop_Untracked(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid pid", func(t *testing.T) {
		s, _ := newTestSupervisor(t, true)
		assert.True(t, apierr.Is(s.Stop(ctx, 1), apierr.KindInvalidArgs))
		assert.True(t, apierr.Is(s.Kill(ctx, 0), apierr.KindInvalidArgs))
	})

	t.Run("missing process", func(t *testing.T) {
		s, _ := newTestSupervisor(t, true)
		s.cfg.ProcRoot = t.TempDir()
		assert.True(t, apierr.Is(s.Stop(ctx, 4242), apierr.KindInvalidArgs))
	})

	t.Run("unmanaged owner", func(t *testing.T) {
		s, _ := newTestSupervisor(t, false)
		s.cfg.ProcRoot = t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(s.cfg.ProcRoot, "4242"), 0o755))
		assert.True(t, apierr.Is(s.Stop(ctx, 4242), apierr.KindAccessDenied))
	})

	t.Run("unknown owner", func(t *testing.T) {
		s, db := newTestSupervisor(t, true)
		db.RemoveAccount("alice")
		s.cfg.ProcRoot = t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(s.cfg.ProcRoot, "4242"), 0o755))
		assert.True(t, apierr.Is(s.Kill(ctx, 4242), apierr.KindAccessDenied))
	})

	t.Run("managed owner", func(t *testing.T) {
		s, _ := newTestSupervisor(t, true)
		s.cfg.StopGrace = 100 * time.Millisecond

		child := exec.Command("sleep", "30")
		require.NoError(t, child.Start())
		done := make(chan error, 1)
		go func() { done <- child.Wait() }()

		require.NoError(t, s.Stop(ctx, child.Process.Pid), "pid %s", strconv.Itoa(child.Process.Pid))
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("untracked process was not stopped")
		}
	})
}
