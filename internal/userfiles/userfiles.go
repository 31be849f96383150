// Package userfiles places files into managed accounts' homes and shares
// caller directories with them.
package userfiles

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sys/unix"

	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/osdb"
	"github.com/manchtools/splitplay/broker/internal/safefs"
	"github.com/manchtools/splitplay/broker/internal/sysexec"
)

// MaxFileSize bounds the size of copied and written files.
const MaxFileSize = 64 << 20 // 64 MiB

// writeMode is the mode of files created by WriteFileToUser.
const writeMode os.FileMode = 0o644

// Accounts resolves managed accounts.
type Accounts interface {
	RequireManaged(ctx context.Context, username string) (*osdb.Account, error)
}

// Config holds timeouts of the ACL tools.
type Config struct {
	AclTimeout          time.Duration
	AclRecursiveTimeout time.Duration
}

// Manager implements the user file operations.
type Manager struct {
	cfg      Config
	runner   sysexec.Runner
	accounts Accounts
	logger   *slog.Logger

	// chown is (*os.File).Chown outside of tests.
	chown func(f *os.File, uid, gid int) error
}

// NewManager returns a user file manager.
func NewManager(cfg Config, runner sysexec.Runner, accounts Accounts, logger *slog.Logger) *Manager {
	return &Manager{cfg: cfg, runner: runner, accounts: accounts, logger: logger, chown: (*os.File).Chown}
}

// =============================================================================
// Destination Handling
// =============================================================================

// DestPath resolves dst against home. Relative paths are taken relative to
// home; the result must lie strictly inside home.
func DestPath(home, dst string) (string, error) {
	if dst == "" {
		return "", apierr.InvalidArgs("destination is required")
	}
	if strings.ContainsRune(dst, 0) {
		return "", apierr.InvalidArgs("destination contains NUL")
	}
	for _, seg := range strings.Split(dst, "/") {
		if seg == ".." {
			return "", apierr.InvalidArgs("destination must not contain '..': %q", dst)
		}
	}
	home = filepath.Clean(home)
	if !filepath.IsAbs(dst) {
		dst = filepath.Join(home, dst)
	}
	dst = filepath.Clean(dst)
	if !strings.HasPrefix(dst, home+"/") {
		return "", apierr.InvalidArgs("destination %s is not inside %s", dst, home)
	}
	return dst, nil
}

// openParent opens the parent of dst below home without following symlinks,
// creating missing directories and handing them to acct.
func (m *Manager) openParent(home, dst string, acct *osdb.Account) (*os.File, error) {
	rel, err := filepath.Rel(home, filepath.Dir(dst))
	if err != nil {
		return nil, apierr.InvalidArgs("destination %s: %v", dst, err)
	}
	root, err := safefs.OpenDir(home)
	if err != nil {
		return nil, apierr.Failedw(err, "open home %s", home)
	}
	defer root.Close()

	dir, err := safefs.MkdirAllAt(root, rel, 0o755, func(d *os.File) error {
		if err := m.chown(d, int(acct.UID), int(acct.GID)); err != nil {
			return apierr.Failedw(err, "chown %s", d.Name())
		}
		return nil
	})
	if errors.Is(err, safefs.ErrNotDirectory) {
		return nil, apierr.InvalidArgs("destination %s must stay inside the home directory: %v", dst, err)
	}
	var aerr *apierr.Error
	if errors.As(err, &aerr) {
		return nil, err
	}
	if err != nil {
		return nil, apierr.Failedw(err, "prepare %s", filepath.Dir(dst))
	}
	return dir, nil
}

// atomicWrite writes content from r to a temp file in dir, sets mode and
// ownership, then renames it to name. Every step goes through dir, so the
// file stays where dir was opened.
func (m *Manager) atomicWrite(dir *os.File, name string, r io.Reader, mode os.FileMode, acct *osdb.Account) error {
	dst := filepath.Join(dir.Name(), name)
	tmpName := ".splitplay-tmp-" + ulid.Make().String()
	fd, err := unix.Openat(int(dir.Fd()), tmpName, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return apierr.Failedw(err, "create temp file for %s", dst)
	}
	tmp := os.NewFile(uintptr(fd), filepath.Join(dir.Name(), tmpName))
	cleanup := func() { unix.Unlinkat(int(dir.Fd()), tmpName, 0) }

	n, err := io.Copy(tmp, io.LimitReader(r, MaxFileSize+1))
	if err == nil && n > MaxFileSize {
		err = apierr.InvalidArgs("file exceeds %d bytes", MaxFileSize)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if err == nil {
		if err = tmp.Chmod(mode); err != nil {
			err = apierr.Failedw(err, "chmod %s", dst)
		}
	}
	if err == nil {
		if err = m.chown(tmp, int(acct.UID), int(acct.GID)); err != nil {
			err = apierr.Failedw(err, "chown %s", dst)
		}
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		var aerr *apierr.Error
		if errors.As(err, &aerr) {
			return err
		}
		return apierr.Failedw(err, "write %s", dst)
	}

	if err := unix.Renameat(int(dir.Fd()), tmpName, int(dir.Fd()), name); err != nil {
		cleanup()
		return apierr.Failedw(err, "move %s into place", dst)
	}
	return nil
}

// place writes r to dst inside acct's home.
func (m *Manager) place(dst string, r io.Reader, mode os.FileMode, acct *osdb.Account) error {
	dir, err := m.openParent(filepath.Clean(acct.HomeDir), dst, acct)
	if err != nil {
		return err
	}
	defer dir.Close()
	return m.atomicWrite(dir, filepath.Base(dst), r, mode, acct)
}

// =============================================================================
// File Operations
// =============================================================================

// CopyFileToUser copies src, which the caller must be able to read, to dst
// inside the home of username.
func (m *Manager) CopyFileToUser(ctx context.Context, callerUID uint32, src, dst, username string) error {
	acct, err := m.accounts.RequireManaged(ctx, username)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(src) {
		return apierr.InvalidArgs("source must be absolute: %q", src)
	}
	target, err := DestPath(acct.HomeDir, dst)
	if err != nil {
		return err
	}

	if li, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
		return apierr.InvalidArgs("source %s does not exist", src)
	} else if err != nil {
		return apierr.InvalidArgs("stat source %s: %v", src, err)
	} else if !li.Mode().IsRegular() {
		return apierr.InvalidArgs("source %s is not a regular file", src)
	}
	f, err := os.OpenFile(src, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return apierr.InvalidArgs("open source %s: %v", src, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return apierr.Failedw(err, "stat %s", src)
	}
	if !fi.Mode().IsRegular() {
		return apierr.InvalidArgs("source %s is not a regular file", src)
	}
	if !readableBy(fi, callerUID) {
		return apierr.AccessDenied("source %s is not readable by uid %d", src, callerUID)
	}

	if err := m.place(target, f, fi.Mode().Perm()&0o755|0o600, acct); err != nil {
		return err
	}
	m.logger.Info("file copied to user", "source", src, "target", target, "username", username)
	return nil
}

// readableBy reports whether uid owns the file or it is world-readable.
func readableBy(fi fs.FileInfo, uid uint32) bool {
	if uid == 0 || fi.Mode().Perm()&0o004 != 0 {
		return true
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	return ok && st.Uid == uid
}

// WriteFileToUser writes data to dst inside the home of username with mode
// 0644.
func (m *Manager) WriteFileToUser(ctx context.Context, data []byte, dst, username string) error {
	acct, err := m.accounts.RequireManaged(ctx, username)
	if err != nil {
		return err
	}
	if len(data) > MaxFileSize {
		return apierr.InvalidArgs("file exceeds %d bytes", MaxFileSize)
	}
	target, err := DestPath(acct.HomeDir, dst)
	if err != nil {
		return err
	}
	if err := m.place(target, bytes.NewReader(data), writeMode, acct); err != nil {
		return err
	}
	m.logger.Info("file written to user", "target", target, "bytes", len(data), "username", username)
	return nil
}

// =============================================================================
// Directory ACLs
// =============================================================================

// SetDirectoryAcl grants username rwX on a directory owned by the caller,
// recursively with a default ACL when asked.
func (m *Manager) SetDirectoryAcl(ctx context.Context, callerUID uint32, path, username string, recursive bool) error {
	if !filepath.IsAbs(path) {
		return apierr.InvalidArgs("path must be absolute: %q", path)
	}
	if _, err := m.accounts.RequireManaged(ctx, username); err != nil {
		return err
	}
	path = filepath.Clean(path)
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return apierr.InvalidArgs("%s does not exist", path)
	}
	if err != nil {
		return apierr.Failedw(err, "stat %s", path)
	}
	if !fi.IsDir() {
		return apierr.InvalidArgs("%s is not a directory", path)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok || (callerUID != 0 && st.Uid != callerUID) {
		return apierr.AccessDenied("%s is not owned by uid %d", path, callerUID)
	}

	entry := "u:" + username + ":rwX"
	timeout := m.cfg.AclTimeout
	args := []string{"-m", entry, path}
	if recursive {
		timeout = m.cfg.AclRecursiveTimeout
		args = []string{"-R", "-m", entry + ",d:" + entry, path}
	}
	if res, err := m.runner.Run(ctx, timeout, "setfacl", args...); err != nil {
		return apierr.Failed("set ACL on %s: %s", path, sysexec.FormatError(err, res))
	}
	m.logger.Info("directory ACL set", "path", path, "username", username, "recursive", recursive)
	return nil
}
