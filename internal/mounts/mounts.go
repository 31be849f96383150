// Package mounts bind-mounts shared directories into a player's home and
// tracks every mount until it is removed.
package mounts

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/osdb"
	"github.com/manchtools/splitplay/broker/internal/safefs"
	"github.com/manchtools/splitplay/broker/internal/sysexec"
)

// mount(8) and umount(8) see the pinned directories as inherited fds.
const (
	pinnedTarget = "/proc/self/fd/3"
	pinnedSource = "/proc/self/fd/4"
)

// MountRecord is one bind mount made by the manager.
type MountRecord struct {
	Source   string
	Target   string
	Username string

	home string
	seq  uint64
}

// Config controls target resolution and tool timeouts.
type Config struct {
	// AppDir is the per-home directory holding fallback mount points,
	// e.g. ".splitplay".
	AppDir  string
	Timeout time.Duration
}

// Manager creates and removes bind mounts.
type Manager struct {
	cfg    Config
	runner sysexec.Runner
	db     osdb.Database
	logger *slog.Logger

	// chown is (*os.File).Chown outside of tests.
	chown func(dir *os.File, uid, gid int) error

	records map[string][]MountRecord
	seq     uint64
}

// NewManager returns a mount manager.
func NewManager(cfg Config, runner sysexec.Runner, db osdb.Database, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		runner:  runner,
		db:      db,
		logger:  logger,
		chown:   (*os.File).Chown,
		records: make(map[string][]MountRecord),
	}
}

// ParseSpec splits a "source[|alias]" directory spec. An empty alias after
// the separator means no alias.
func ParseSpec(spec string) (source, alias string) {
	source, alias, _ = strings.Cut(spec, "|")
	return strings.TrimSpace(source), strings.TrimSpace(alias)
}

// ResolveTarget computes where source is mounted for the target account.
//
// A source inside the compositor's home without alias keeps its relative
// path under the target home. An alias is appended to the target home with
// any leading separator stripped. Anything else lands in
// <home>/<appDir>/mounts/<source>.
func ResolveTarget(compositorHome, targetHome, appDir, source, alias string) (string, error) {
	targetHome = filepath.Clean(targetHome)
	var target string
	switch {
	case alias != "":
		for _, seg := range strings.Split(alias, "/") {
			if seg == ".." {
				return "", apierr.InvalidArgs("alias must not contain '..': %q", alias)
			}
		}
		target = filepath.Join(targetHome, strings.TrimLeft(alias, "/"))
	case isWithin(filepath.Clean(compositorHome), source):
		rel, err := filepath.Rel(filepath.Clean(compositorHome), source)
		if err != nil {
			return "", apierr.InvalidArgs("source %q: %v", source, err)
		}
		target = filepath.Join(targetHome, rel)
	default:
		target = filepath.Join(targetHome, appDir, "mounts", strings.TrimLeft(source, "/"))
	}

	if target == targetHome || !isWithin(targetHome, target) {
		return "", apierr.InvalidArgs("target %s is not inside %s", target, targetHome)
	}
	return target, nil
}

// isWithin reports whether path is strictly below dir.
func isWithin(dir, path string) bool {
	if dir == "" || dir == "/" {
		return strings.HasPrefix(path, "/") && path != "/"
	}
	return strings.HasPrefix(path, dir+"/")
}

// Mount bind-mounts every spec into username's home and returns how many
// mounts succeeded. Directories that fail are logged and skipped.
func (m *Manager) Mount(ctx context.Context, username string, compositorUID uint32, specs []string) (int, error) {
	target, err := m.db.LookupAccount(ctx, username)
	if errors.Is(err, osdb.ErrNotFound) {
		return 0, apierr.InvalidArgs("user %q does not exist", username)
	}
	if err != nil {
		return 0, apierr.Failedw(err, "look up user %q", username)
	}
	if target.HomeDir == "" || target.HomeDir == "/" {
		return 0, apierr.InvalidArgs("user %q has no usable home directory", username)
	}
	compositor, err := m.db.LookupAccountID(ctx, compositorUID)
	if errors.Is(err, osdb.ErrNotFound) {
		return 0, apierr.InvalidArgs("no account with uid %d", compositorUID)
	}
	if err != nil {
		return 0, apierr.Failedw(err, "look up uid %d", compositorUID)
	}

	count := 0
	for _, spec := range specs {
		rec, err := m.mountOne(ctx, target, compositor, spec)
		if err != nil {
			m.logger.Warn("shared directory mount failed", "username", username, "spec", spec, "error", err)
			continue
		}
		m.records[username] = append(m.records[username], rec)
		count++
	}
	return count, nil
}

func (m *Manager) mountOne(ctx context.Context, target, compositor *osdb.Account, spec string) (MountRecord, error) {
	source, alias := ParseSpec(spec)
	if !filepath.IsAbs(source) {
		return MountRecord{}, apierr.InvalidArgs("source must be absolute: %q", source)
	}
	source = filepath.Clean(source)
	src, err := os.Open(source)
	if err != nil {
		return MountRecord{}, apierr.InvalidArgs("source %s: %v", source, err)
	}
	defer src.Close()
	if fi, err := src.Stat(); err != nil || !fi.IsDir() {
		return MountRecord{}, apierr.InvalidArgs("source %s is not a directory", source)
	}

	home := filepath.Clean(target.HomeDir)
	dst, err := ResolveTarget(compositor.HomeDir, home, m.cfg.AppDir, source, alias)
	if err != nil {
		return MountRecord{}, err
	}
	dir, err := m.makeTarget(home, dst, target)
	if err != nil {
		return MountRecord{}, err
	}
	defer dir.Close()
	pinned, err := safefs.Path(dir)
	if err != nil {
		return MountRecord{}, apierr.Failedw(err, "resolve %s", dst)
	}

	res, err := m.runner.Run(sysexec.WithFiles(ctx, dir, src), m.cfg.Timeout,
		"mount", "--no-canonicalize", "--bind", pinnedSource, pinnedTarget)
	if err != nil {
		return MountRecord{}, apierr.Failed("bind mount %s on %s: %s", source, dst, sysexec.FormatError(err, res))
	}

	// The mount follows the pinned directory, so it only misses dst if that
	// directory was moved away while mount ran.
	if now, err := safefs.Path(dir); err != nil || now != pinned {
		m.detach(ctx, now)
		return MountRecord{}, apierr.Failed("mount point %s moved during the bind mount", dst)
	}

	m.seq++
	m.logger.Info("shared directory mounted", "username", target.Username, "source", source, "target", dst)
	return MountRecord{Source: source, Target: dst, Username: target.Username, home: home, seq: m.seq}, nil
}

// makeTarget opens dst below home without following symlinks, creating
// missing directories. Directories it creates are handed to the target
// account.
func (m *Manager) makeTarget(home, dst string, acct *osdb.Account) (*os.File, error) {
	rel, err := filepath.Rel(home, dst)
	if err != nil {
		return nil, apierr.InvalidArgs("target %s: %v", dst, err)
	}
	root, err := safefs.OpenDir(home)
	if err != nil {
		return nil, apierr.Failedw(err, "open home %s", home)
	}
	defer root.Close()

	dir, err := safefs.MkdirAllAt(root, rel, 0o755, func(d *os.File) error {
		if err := m.chown(d, int(acct.UID), int(acct.GID)); err != nil {
			m.logger.Warn("could not hand mount point to user", "path", d.Name(), "username", acct.Username, "error", err)
		}
		return nil
	})
	if errors.Is(err, safefs.ErrNotDirectory) {
		return nil, apierr.InvalidArgs("mount point %s: %v", dst, err)
	}
	if err != nil {
		return nil, apierr.Failedw(err, "create mount point %s", dst)
	}
	return dir, nil
}

// detach lazily unmounts whatever was mounted on the directory now at path.
func (m *Manager) detach(ctx context.Context, path string) {
	if !filepath.IsAbs(path) || strings.HasSuffix(path, " (deleted)") {
		m.logger.Error("moved mount point cannot be located", "path", path)
		return
	}
	root, err := safefs.OpenDir("/")
	if err != nil {
		m.logger.Error("could not open /", "error", err)
		return
	}
	defer root.Close()
	dir, err := safefs.OpenAt(root, strings.TrimPrefix(path, "/"))
	if err != nil {
		m.logger.Error("moved mount point cannot be opened", "path", path, "error", err)
		return
	}
	defer dir.Close()
	if res, err := m.runner.Run(sysexec.WithFiles(ctx, dir), m.cfg.Timeout, "umount", "-l", "--no-canonicalize", pinnedTarget); err != nil {
		m.logger.Error("could not detach moved mount", "path", path, "error", sysexec.FormatError(err, res))
	}
}

// unmountOne tries a plain unmount, then a lazy one. The mount is reached
// from the home directory without following symlinks.
func (m *Manager) unmountOne(ctx context.Context, rec MountRecord) bool {
	dir, err := m.openMount(rec)
	if err != nil {
		m.logger.Warn("shared directory unmount failed", "username", rec.Username, "target", rec.Target, "error", err)
		return false
	}
	defer dir.Close()
	ctx = sysexec.WithFiles(ctx, dir)

	res, err := m.runner.Run(ctx, m.cfg.Timeout, "umount", "--no-canonicalize", pinnedTarget)
	if err == nil {
		m.logger.Info("shared directory unmounted", "username", rec.Username, "target", rec.Target)
		return true
	}
	m.logger.Debug("umount failed, trying lazy unmount", "target", rec.Target, "error", sysexec.FormatError(err, res))

	res, err = m.runner.Run(ctx, m.cfg.Timeout, "umount", "-l", "--no-canonicalize", pinnedTarget)
	if err == nil {
		m.logger.Info("shared directory lazily unmounted", "username", rec.Username, "target", rec.Target)
		return true
	}
	m.logger.Warn("shared directory unmount failed", "username", rec.Username, "target", rec.Target, "error", sysexec.FormatError(err, res))
	return false
}

func (m *Manager) openMount(rec MountRecord) (*os.File, error) {
	rel, err := filepath.Rel(rec.home, rec.Target)
	if err != nil {
		return nil, err
	}
	root, err := safefs.OpenDir(rec.home)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	return safefs.OpenAt(root, rel)
}

// Unmount removes the mounts of username in reverse order and returns how
// many were unmounted. Every record is dropped whatever the outcome.
func (m *Manager) Unmount(ctx context.Context, username string) int {
	recs := m.records[username]
	delete(m.records, username)

	count := 0
	for i := len(recs) - 1; i >= 0; i-- {
		if m.unmountOne(ctx, recs[i]) {
			count++
		}
	}
	return count
}

// UnmountAll removes every tracked mount, newest first.
func (m *Manager) UnmountAll(ctx context.Context) int {
	var all []MountRecord
	for _, recs := range m.records {
		all = append(all, recs...)
	}
	m.records = make(map[string][]MountRecord)
	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })

	count := 0
	for _, rec := range all {
		if m.unmountOne(ctx, rec) {
			count++
		}
	}
	return count
}

// ReleaseHome unmounts every shared directory of username. It fails when a
// mount could be removed neither plainly nor lazily.
func (m *Manager) ReleaseHome(ctx context.Context, username string) error {
	total := len(m.records[username])
	if n := m.Unmount(ctx, username); n < total {
		return apierr.Failed("%d of %d shared directories of %s are still mounted", total-n, total, username)
	}
	return nil
}

// Records returns the mounts of username in insertion order.
func (m *Manager) Records(username string) []MountRecord {
	return append([]MountRecord(nil), m.records[username]...)
}

// Count returns the number of tracked mounts.
func (m *Manager) Count() int {
	n := 0
	for _, recs := range m.records {
		n += len(recs)
	}
	return n
}
