// Package runtimeacl lets secondary accounts reach a compositor account's
// session sockets (display, audio, X authority) through group ACL entries,
// without widening ownership of anything.
package runtimeacl

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/osdb"
	"github.com/manchtools/splitplay/broker/internal/sysexec"
)

// Config describes where the session sockets live.
type Config struct {
	RuntimeBase   string   // e.g. /run/user
	SharedGroup   string   // group receiving the ACL entries
	DisplaySocket string   // relative to the runtime dir
	AudioDir      string   // relative to the runtime dir, usually mode 0700
	AudioSockets  []string // relative to the runtime dir
	XAuthPatterns []string // doublestar patterns relative to the runtime dir
	Timeout       time.Duration
}

// entry is one ACL edit on one path.
type entry struct {
	path     string
	perms    string
	withMask bool
	optional bool
}

// Manager grants and revokes runtime access per compositor uid.
type Manager struct {
	cfg    Config
	runner sysexec.Runner
	db     osdb.Database
	logger *slog.Logger

	grants map[uint32]struct{}
}

// NewManager returns a runtime access manager.
func NewManager(cfg Config, runner sysexec.Runner, db osdb.Database, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		runner: runner,
		db:     db,
		logger: logger,
		grants: make(map[uint32]struct{}),
	}
}

// RuntimeDir returns the runtime directory of uid.
func (m *Manager) RuntimeDir(uid uint32) string {
	return filepath.Join(m.cfg.RuntimeBase, strconv.FormatUint(uint64(uid), 10))
}

func (m *Manager) resolve(ctx context.Context, uid uint32) (*osdb.Account, string, error) {
	acct, err := m.db.LookupAccountID(ctx, uid)
	if errors.Is(err, osdb.ErrNotFound) {
		return nil, "", apierr.InvalidArgs("no account with uid %d", uid)
	}
	if err != nil {
		return nil, "", apierr.Failedw(err, "look up uid %d", uid)
	}
	dir := m.RuntimeDir(uid)
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return nil, "", apierr.InvalidArgs("runtime directory %s does not exist", dir)
	}
	return acct, dir, nil
}

// entries lists the ACL edits for a compositor in setup order.
func (m *Manager) entries(acct *osdb.Account, dir string) []entry {
	list := []entry{
		{path: dir, perms: "x"},
		{path: filepath.Join(dir, m.cfg.DisplaySocket), perms: "rw", optional: true},
	}
	if m.cfg.AudioDir != "" {
		// An entry alone is ineffective when the mask excludes it, and the
		// audio directory is commonly 0700.
		list = append(list, entry{path: filepath.Join(dir, m.cfg.AudioDir), perms: "x", withMask: true, optional: true})
	}
	for _, s := range m.cfg.AudioSockets {
		list = append(list, entry{path: filepath.Join(dir, s), perms: "rw", optional: true})
	}
	for _, p := range m.xauthFiles(acct, dir) {
		list = append(list, entry{path: p, perms: "r", optional: true})
	}
	return list
}

func (m *Manager) xauthFiles(acct *osdb.Account, dir string) []string {
	seen := make(map[string]bool)
	var out []string
	fsys := os.DirFS(dir)
	for _, pattern := range m.cfg.XAuthPatterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			m.logger.Debug("bad xauth pattern", "pattern", pattern, "error", err)
			continue
		}
		for _, rel := range matches {
			p := filepath.Join(dir, rel)
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	if acct.HomeDir != "" {
		if p := filepath.Join(acct.HomeDir, ".Xauthority"); exists(p) && !seen[p] {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func (m *Manager) spec(e entry) string {
	s := "g:" + m.cfg.SharedGroup + ":" + e.perms
	if e.withMask {
		s += ",m::" + e.perms
	}
	return s
}

// SetupAccess grants the shared group access to the compositor's session
// sockets. Repeated calls for a granted uid are no-ops.
func (m *Manager) SetupAccess(ctx context.Context, compositorUID uint32) error {
	if _, ok := m.grants[compositorUID]; ok {
		m.logger.Debug("runtime access already granted", "uid", compositorUID)
		return nil
	}
	acct, dir, err := m.resolve(ctx, compositorUID)
	if err != nil {
		return err
	}

	var applied []string
	for _, e := range m.entries(acct, dir) {
		if e.optional && !exists(e.path) {
			m.logger.Debug("skipping missing runtime path", "path", e.path)
			continue
		}
		res, err := m.runner.Run(ctx, m.cfg.Timeout, "setfacl", "-m", m.spec(e), e.path)
		if err != nil {
			m.rollback(ctx, applied)
			return apierr.Failed("grant access on %s: %s", e.path, sysexec.FormatError(err, res))
		}
		applied = append(applied, e.path)
	}

	m.grants[compositorUID] = struct{}{}
	m.logger.Info("runtime access granted", "uid", compositorUID, "runtime_dir", dir, "group", m.cfg.SharedGroup)
	return nil
}

// rollback removes the entries of a setup that failed partway, newest first.
// No grant is recorded for it, so nothing else would revert them.
func (m *Manager) rollback(ctx context.Context, applied []string) {
	for i := len(applied) - 1; i >= 0; i-- {
		if res, err := m.runner.Run(ctx, m.cfg.Timeout, "setfacl", "-x", "g:"+m.cfg.SharedGroup, applied[i]); err != nil && !isMissing(res) {
			m.logger.Warn("runtime access rollback failed", "path", applied[i], "error", sysexec.FormatError(err, res))
		}
	}
}

// RemoveAccess removes the ACL entries added by SetupAccess in reverse order.
// Paths that have disappeared are skipped. The grant is forgotten even if
// some removals fail.
func (m *Manager) RemoveAccess(ctx context.Context, compositorUID uint32) error {
	delete(m.grants, compositorUID)

	acct, err := m.db.LookupAccountID(ctx, compositorUID)
	if errors.Is(err, osdb.ErrNotFound) {
		return apierr.InvalidArgs("no account with uid %d", compositorUID)
	}
	if err != nil {
		return apierr.Failedw(err, "look up uid %d", compositorUID)
	}
	dir := m.RuntimeDir(compositorUID)
	if !exists(dir) {
		m.logger.Info("runtime directory already gone", "uid", compositorUID, "runtime_dir", dir)
		return nil
	}

	list := m.entries(acct, dir)
	var failed []string
	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]
		if !exists(e.path) {
			continue
		}
		res, err := m.runner.Run(ctx, m.cfg.Timeout, "setfacl", "-x", "g:"+m.cfg.SharedGroup, e.path)
		if err != nil {
			if isMissing(res) {
				continue
			}
			m.logger.Warn("runtime access removal failed", "path", e.path, "error", sysexec.FormatError(err, res))
			failed = append(failed, e.path)
		}
	}

	if len(failed) > 0 {
		return apierr.Failed("remove access on %s", strings.Join(failed, ", "))
	}
	m.logger.Info("runtime access removed", "uid", compositorUID)
	return nil
}

func isMissing(res *sysexec.Result) bool {
	return res != nil && strings.Contains(res.Stderr, "No such file")
}

// RemoveAll revokes every remaining grant and returns how many were revoked
// cleanly.
func (m *Manager) RemoveAll(ctx context.Context) int {
	count := 0
	for _, uid := range m.Grants() {
		if err := m.RemoveAccess(ctx, uid); err != nil {
			m.logger.Warn("runtime access revoke failed", "uid", uid, "error", err)
			continue
		}
		count++
	}
	return count
}

// Grants returns the granted compositor uids in ascending order.
func (m *Manager) Grants() []uint32 {
	out := make([]uint32, 0, len(m.grants))
	for uid := range m.grants {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasGrant reports whether access is set up for uid.
func (m *Manager) HasGrant(uid uint32) bool {
	_, ok := m.grants[uid]
	return ok
}
