// Package devices transfers ownership of input-device special files to a
// player's account and restores it afterwards.
package devices

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/osdb"
)

const (
	// ownedMode gives the player exclusive access to the device.
	ownedMode os.FileMode = 0o600
	// defaultMode is the system default for input devices.
	defaultMode os.FileMode = 0o660
)

// ManagedDevice is a device whose ownership currently differs from the
// system default.
type ManagedDevice struct {
	Path     string
	OwnerUID uint32
}

// FS is the filesystem surface the manager mutates.
type FS interface {
	Lstat(path string) (fs.FileInfo, error)
	Chown(path string, uid, gid int) error
	Chmod(path string, mode os.FileMode) error
}

// OSFS implements FS on the real filesystem.
type OSFS struct{}

func (OSFS) Lstat(path string) (fs.FileInfo, error)    { return os.Lstat(path) }
func (OSFS) Chown(path string, uid, gid int) error     { return os.Chown(path, uid, gid) }
func (OSFS) Chmod(path string, mode os.FileMode) error { return os.Chmod(path, mode) }

// Manager changes and resets device ownership and tracks every device it
// changed until it is reset.
type Manager struct {
	dir             string
	restrictedGroup string
	fs              FS
	db              osdb.Database
	logger          *slog.Logger

	tracked map[string]uint32
}

// NewManager returns a manager for devices under dir. restrictedGroup owns
// devices in their default state.
func NewManager(dir, restrictedGroup string, fsys FS, db osdb.Database, logger *slog.Logger) *Manager {
	return &Manager{
		dir:             filepath.Clean(dir),
		restrictedGroup: restrictedGroup,
		fs:              fsys,
		db:              db,
		logger:          logger,
		tracked:         make(map[string]uint32),
	}
}

// ValidatePath checks a device path lexically: absolute, no parent
// references, and strictly below the device directory. It never touches the
// filesystem.
func (m *Manager) ValidatePath(path string) error {
	if !filepath.IsAbs(path) {
		return apierr.InvalidArgs("device path must be absolute: %q", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return apierr.InvalidArgs("device path must not contain '..': %q", path)
		}
	}
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, m.dir+"/") {
		return apierr.InvalidArgs("device path %q is not under %s", path, m.dir)
	}
	return nil
}

// checkDevice validates path and requires an existing character device.
// Symlinks are rejected, they could point outside the device directory.
func (m *Manager) checkDevice(path string) (string, error) {
	if err := m.ValidatePath(path); err != nil {
		return "", err
	}
	clean := filepath.Clean(path)
	fi, err := m.fs.Lstat(clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", apierr.InvalidArgs("device %s does not exist", clean)
		}
		return "", apierr.Failedw(err, "stat %s", clean)
	}
	if fi.Mode()&fs.ModeCharDevice == 0 || fi.Mode()&fs.ModeDevice == 0 {
		return "", apierr.InvalidArgs("%s is not a character device", clean)
	}
	return clean, nil
}

// ChangeOwner gives uid exclusive ownership of the device at path.
func (m *Manager) ChangeOwner(ctx context.Context, path string, uid uint32) error {
	clean, err := m.checkDevice(path)
	if err != nil {
		return err
	}
	acct, err := m.db.LookupAccountID(ctx, uid)
	if errors.Is(err, osdb.ErrNotFound) {
		return apierr.InvalidArgs("no account with uid %d", uid)
	}
	if err != nil {
		return apierr.Failedw(err, "look up uid %d", uid)
	}

	if err := m.fs.Chown(clean, int(acct.UID), int(acct.GID)); err != nil {
		return apierr.Failedw(err, "chown %s", clean)
	}
	if err := m.fs.Chmod(clean, ownedMode); err != nil {
		// Leave no half-changed device behind.
		m.restore(ctx, clean)
		return apierr.Failedw(err, "chmod %s", clean)
	}

	m.tracked[clean] = uid
	m.logger.Info("device ownership changed", "path", clean, "uid", uid, "gid", acct.GID)
	return nil
}

// ChangeOwnerBatch validates every path up front, then changes each device
// independently and returns the number of successes. A structurally invalid
// path fails the whole call before anything is changed.
func (m *Manager) ChangeOwnerBatch(ctx context.Context, paths []string, uid uint32) (int, error) {
	if len(paths) == 0 {
		return 0, apierr.InvalidArgs("no device paths given")
	}
	for _, p := range paths {
		if err := m.ValidatePath(p); err != nil {
			return 0, err
		}
	}

	count := 0
	for _, p := range paths {
		if err := m.ChangeOwner(ctx, p, uid); err != nil {
			m.logger.Warn("device ownership change failed", "path", p, "uid", uid, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// ResetOwner restores root:<restricted group> 0660 on path and stops
// tracking it.
func (m *Manager) ResetOwner(ctx context.Context, path string) error {
	clean, err := m.checkDevice(path)
	if err != nil {
		return err
	}
	if err := m.restore(ctx, clean); err != nil {
		return err
	}
	delete(m.tracked, clean)
	m.logger.Info("device ownership reset", "path", clean)
	return nil
}

func (m *Manager) restore(ctx context.Context, path string) error {
	gid := osdb.GroupID(ctx, m.db, m.restrictedGroup, 0)
	if err := m.fs.Chown(path, 0, int(gid)); err != nil {
		return apierr.Failedw(err, "chown %s", path)
	}
	if err := m.fs.Chmod(path, defaultMode); err != nil {
		return apierr.Failedw(err, "chmod %s", path)
	}
	return nil
}

// ResetAll resets every tracked device and returns the number reset.
// Devices that fail to reset stay tracked.
func (m *Manager) ResetAll(ctx context.Context) int {
	count := 0
	for _, d := range m.Tracked() {
		if err := m.ResetOwner(ctx, d.Path); err != nil {
			m.logger.Warn("device reset failed", "path", d.Path, "error", err)
			continue
		}
		count++
	}
	return count
}

// Tracked returns a snapshot of the tracked devices sorted by path.
func (m *Manager) Tracked() []ManagedDevice {
	out := make([]ManagedDevice, 0, len(m.tracked))
	for p, uid := range m.tracked {
		out = append(out, ManagedDevice{Path: p, OwnerUID: uid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// String is used in log output.
func (d ManagedDevice) String() string {
	return fmt.Sprintf("%s(uid=%d)", d.Path, d.OwnerUID)
}
