package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "/var/lib/splitplay/broker.db", cfg.JournalPath())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
socket_path: /run/test/broker.sock
managed_group: players
audio_sockets: [pipewire-0]
stop_grace: 2s
timeouts:
  account: 1m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/test/broker.sock", cfg.SocketPath)
	assert.Equal(t, "players", cfg.ManagedGroup)
	assert.Equal(t, []string{"pipewire-0"}, cfg.AudioSockets)
	assert.Equal(t, 2*time.Second, cfg.StopGrace)
	assert.Equal(t, time.Minute, cfg.Timeouts.Account)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Quick, "unset nested fields keep defaults")
	assert.Equal(t, "/dev/input", cfg.DeviceDir)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("SPLITPLAY_BROKER_SOCKET", "/run/env/broker.sock")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/run/env/broker.sock", cfg.SocketPath)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"syntax":        "socket_path: [",
		"relative path": "device_dir: dev/input",
		"zero timeout":  "timeouts:\n  mount: 0s",
		"bad level":     "log_level: chatty",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
