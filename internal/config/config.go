// Package config loads the broker configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/splitplay/broker.yaml"

// Timeouts bound the external tools by kind of operation.
type Timeouts struct {
	// Quick covers lookups, signalling and linger changes.
	Quick        time.Duration `yaml:"quick" validate:"gt=0"`
	ACL          time.Duration `yaml:"acl" validate:"gt=0"`
	ACLRecursive time.Duration `yaml:"acl_recursive" validate:"gt=0"`
	Mount        time.Duration `yaml:"mount" validate:"gt=0"`
	// Account covers account creation and deletion.
	Account time.Duration `yaml:"account" validate:"gt=0"`
}

// Config is the broker configuration.
type Config struct {
	SocketPath string `yaml:"socket_path" validate:"required,startswith=/"`
	DataDir    string `yaml:"data_dir" validate:"required,startswith=/"`
	LogLevel   string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat  string `yaml:"log_format" validate:"oneof=text json"`

	DeviceDir       string `yaml:"device_dir" validate:"required,startswith=/"`
	RestrictedGroup string `yaml:"restricted_group" validate:"required"`
	InputGroup      string `yaml:"input_group"`
	ManagedGroup    string `yaml:"managed_group" validate:"required"`
	AppDir          string `yaml:"app_dir" validate:"required"`

	RuntimeBase   string   `yaml:"runtime_base" validate:"required,startswith=/"`
	DisplaySocket string   `yaml:"display_socket" validate:"required"`
	AudioDir      string   `yaml:"audio_dir"`
	AudioSockets  []string `yaml:"audio_sockets"`
	XAuthPatterns []string `yaml:"xauth_patterns"`

	LingerDir  string `yaml:"linger_dir" validate:"required,startswith=/"`
	LoginShell string `yaml:"login_shell" validate:"required,startswith=/"`

	JournalRetention time.Duration `yaml:"journal_retention" validate:"gte=0"`
	StopGrace        time.Duration `yaml:"stop_grace" validate:"gt=0"`
	Timeouts         Timeouts      `yaml:"timeouts"`
}

// Default returns a Config with the stock settings.
func Default() *Config {
	return &Config{
		SocketPath: "/run/splitplay/broker.sock",
		DataDir:    "/var/lib/splitplay",
		LogLevel:   "info",
		LogFormat:  "text",

		DeviceDir:       "/dev/input",
		RestrictedGroup: "input",
		InputGroup:      "input",
		ManagedGroup:    "splitplay",
		AppDir:          ".splitplay",

		RuntimeBase:   "/run/user",
		DisplaySocket: "wayland-0",
		AudioDir:      "pulse",
		AudioSockets:  []string{"pulse/native", "pipewire-0", "pipewire-0-manager"},
		XAuthPatterns: []string{".mutter-Xwaylandauth.*", "xauth_*"},

		LingerDir:  "/var/lib/systemd/linger",
		LoginShell: "/bin/bash",

		JournalRetention: 30 * 24 * time.Hour,
		StopGrace:        5 * time.Second,
		Timeouts: Timeouts{
			Quick:        5 * time.Second,
			ACL:          5 * time.Second,
			ACLRecursive: 30 * time.Second,
			Mount:        10 * time.Second,
			Account:      30 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults;
// environment variables override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromEnv applies SPLITPLAY_BROKER_* overrides.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("SPLITPLAY_BROKER_SOCKET"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("SPLITPLAY_BROKER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SPLITPLAY_BROKER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// JournalPath is the audit journal database file.
func (c *Config) JournalPath() string {
	return c.DataDir + "/broker.db"
}
