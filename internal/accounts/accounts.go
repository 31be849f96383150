// Package accounts creates and deletes the managed player accounts and
// toggles their linger state.
package accounts

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/retry.v1"

	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/osdb"
	"github.com/manchtools/splitplay/broker/internal/sysexec"
	"github.com/manchtools/splitplay/broker/internal/validate"
)

// Config describes the account policy.
type Config struct {
	ManagedGroup string
	InputGroup   string
	LoginShell   string
	LingerDir    string
	// TempDirs are purged of files owned by a deleted account.
	TempDirs []string

	AccountTimeout time.Duration
	QuickTimeout   time.Duration
	// ExitWait bounds the wait for an account's processes after SIGTERM.
	ExitWait time.Duration
}

// DefaultTempDirs are the directories purged on account deletion.
var DefaultTempDirs = []string{"/tmp", "/dev/shm"}

// HomeReleaser frees what other managers keep inside an account's home.
type HomeReleaser interface {
	ReleaseHome(ctx context.Context, username string) error
}

// Manager runs the account lifecycle tools.
type Manager struct {
	cfg      Config
	runner   sysexec.Runner
	db       osdb.Database
	logger   *slog.Logger
	releaser HomeReleaser

	// pollDelay is the interval between process checks while waiting.
	pollDelay time.Duration
}

// NewManager returns an account manager.
func NewManager(cfg Config, runner sysexec.Runner, db osdb.Database, logger *slog.Logger) *Manager {
	if cfg.TempDirs == nil {
		cfg.TempDirs = DefaultTempDirs
	}
	if cfg.ExitWait == 0 {
		cfg.ExitWait = 3 * time.Second
	}
	return &Manager{cfg: cfg, runner: runner, db: db, logger: logger, pollDelay: 200 * time.Millisecond}
}

// SetHomeReleaser installs r to run before an account is removed.
func (m *Manager) SetHomeReleaser(r HomeReleaser) {
	m.releaser = r
}

// =============================================================================
// Queries
// =============================================================================

// IsInManagedGroup reports whether username belongs to the managed group,
// either as declared member or by primary group.
func (m *Manager) IsInManagedGroup(ctx context.Context, username string) (bool, error) {
	if !validate.Username(username) {
		return false, apierr.InvalidArgs("invalid username %q", username)
	}
	ok, err := osdb.InGroup(ctx, m.db, username, m.cfg.ManagedGroup)
	if err != nil {
		return false, apierr.Failedw(err, "check membership of %q", username)
	}
	return ok, nil
}

// RequireManaged returns the account if it exists and is managed.
func (m *Manager) RequireManaged(ctx context.Context, username string) (*osdb.Account, error) {
	if !validate.Username(username) {
		return nil, apierr.InvalidArgs("invalid username %q", username)
	}
	acct, err := m.db.LookupAccount(ctx, username)
	if errors.Is(err, osdb.ErrNotFound) {
		return nil, apierr.InvalidArgs("user %q does not exist", username)
	}
	if err != nil {
		return nil, apierr.Failedw(err, "look up user %q", username)
	}
	managed, err := m.IsInManagedGroup(ctx, username)
	if err != nil {
		return nil, err
	}
	if !managed {
		return nil, apierr.AccessDenied("user %q is not in the %s group", username, m.cfg.ManagedGroup)
	}
	return acct, nil
}

// IsLingerEnabled reports whether the linger marker of username exists.
func (m *Manager) IsLingerEnabled(username string) (bool, error) {
	if !validate.Username(username) {
		return false, apierr.InvalidArgs("invalid username %q", username)
	}
	_, err := os.Stat(filepath.Join(m.cfg.LingerDir, username))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, apierr.Failedw(err, "check linger state of %q", username)
}

// =============================================================================
// Account Operations
// =============================================================================

// CreateUser creates a managed account and returns its uid. Linger is
// enabled on a best-effort basis.
func (m *Manager) CreateUser(ctx context.Context, username, fullName string) (uint32, error) {
	if !validate.Username(username) {
		return 0, apierr.InvalidArgs("invalid username %q", username)
	}
	if strings.ContainsAny(fullName, ":\n") {
		return 0, apierr.InvalidArgs("full name must not contain ':' or newlines")
	}
	_, err := m.db.LookupAccount(ctx, username)
	if err == nil {
		return 0, apierr.InvalidArgs("user %q already exists", username)
	}
	if !errors.Is(err, osdb.ErrNotFound) {
		return 0, apierr.Failedw(err, "look up user %q", username)
	}

	if res, err := m.runner.Run(ctx, m.cfg.QuickTimeout, "groupadd", "-f", m.cfg.ManagedGroup); err != nil {
		return 0, apierr.Failed("create group %s: %s", m.cfg.ManagedGroup, sysexec.FormatError(err, res))
	}

	args := []string{"-m", "-s", m.cfg.LoginShell}
	if fullName != "" {
		args = append(args, "-c", fullName)
	}
	args = append(args, "-G", m.groups(), username)
	if res, err := m.runner.Run(ctx, m.cfg.AccountTimeout, "useradd", args...); err != nil {
		return 0, apierr.Failed("create user %s: %s", username, sysexec.FormatError(err, res))
	}

	acct, err := m.db.LookupAccount(ctx, username)
	if err != nil {
		return 0, apierr.Failedw(err, "look up new user %q", username)
	}

	if err := m.setLinger(ctx, username, true); err != nil {
		m.logger.Warn("could not enable linger for new user", "username", username, "error", err)
	}

	m.logger.Info("user created", "username", username, "uid", acct.UID, "home", acct.HomeDir)
	return acct.UID, nil
}

func (m *Manager) groups() string {
	if m.cfg.InputGroup == "" || m.cfg.InputGroup == m.cfg.ManagedGroup {
		return m.cfg.ManagedGroup
	}
	return m.cfg.InputGroup + "," + m.cfg.ManagedGroup
}

// DeleteUser removes a managed account. The account must exist, belong to
// the managed group and differ from callerUID. Its processes are terminated
// and its IPC objects and temp files purged before the account is removed.
// The home is only removed once the releaser has emptied it of mounts.
func (m *Manager) DeleteUser(ctx context.Context, username string, removeHome bool, callerUID uint32) error {
	acct, err := m.RequireManaged(ctx, username)
	if err != nil {
		return err
	}
	if acct.UID == callerUID {
		return apierr.AccessDenied("refusing to delete the calling account %q", username)
	}
	if acct.UID == 0 {
		return apierr.AccessDenied("refusing to delete uid 0")
	}

	if err := m.setLinger(ctx, username, false); err != nil {
		m.logger.Warn("could not disable linger", "username", username, "error", err)
	}
	m.terminateProcesses(ctx, acct.UID)
	m.purgeIPC(ctx, acct)
	m.purgeTempFiles(ctx, acct.UID)

	if m.releaser != nil {
		if err := m.releaser.ReleaseHome(ctx, username); err != nil {
			if removeHome {
				return apierr.Failedw(err, "refusing to remove the home of %s", username)
			}
			m.logger.Warn("could not release home", "username", username, "error", err)
		}
	}

	args := []string{}
	if removeHome {
		args = append(args, "-r")
	}
	args = append(args, username)
	if res, err := m.runner.Run(ctx, m.cfg.AccountTimeout, "userdel", args...); err != nil {
		return apierr.Failed("delete user %s: %s", username, sysexec.FormatError(err, res))
	}

	m.logger.Info("user deleted", "username", username, "uid", acct.UID, "remove_home", removeHome)
	return nil
}

// =============================================================================
// Linger
// =============================================================================

// EnableLinger enables persistent sessions for a managed account.
func (m *Manager) EnableLinger(ctx context.Context, username string) error {
	if _, err := m.RequireManaged(ctx, username); err != nil {
		return err
	}
	if err := m.setLinger(ctx, username, true); err != nil {
		return apierr.Failedw(err, "enable linger for %q", username)
	}
	m.logger.Info("linger enabled", "username", username)
	return nil
}

// DisableLinger disables persistent sessions for a managed account.
func (m *Manager) DisableLinger(ctx context.Context, username string) error {
	if _, err := m.RequireManaged(ctx, username); err != nil {
		return err
	}
	if err := m.setLinger(ctx, username, false); err != nil {
		return apierr.Failedw(err, "disable linger for %q", username)
	}
	m.logger.Info("linger disabled", "username", username)
	return nil
}

func (m *Manager) setLinger(ctx context.Context, username string, enable bool) error {
	verb := "disable-linger"
	if enable {
		verb = "enable-linger"
	}
	res, err := m.runner.Run(ctx, m.cfg.QuickTimeout, "loginctl", verb, username)
	return sysexec.Wrap(err, res, "loginctl %s", verb)
}

// =============================================================================
// Deletion Cleanup
// =============================================================================

// terminateProcesses sends SIGTERM to every process of uid, waits up to
// ExitWait for them to exit and then sends SIGKILL to the rest.
func (m *Manager) terminateProcesses(ctx context.Context, uid uint32) {
	id := strconv.FormatUint(uint64(uid), 10)
	// pkill exits 1 when nothing matched.
	if res, err := m.runner.Run(ctx, m.cfg.QuickTimeout, "pkill", "-TERM", "-U", id); err != nil && sysexec.ExitCode(err) != 1 {
		m.logger.Warn("could not signal user processes", "uid", uid, "error", sysexec.FormatError(err, res))
	}

	strategy := retry.LimitTime(m.cfg.ExitWait, retry.Exponential{
		Initial: m.pollDelay,
		Factor:  1.5,
	})
	for a := retry.Start(strategy, nil); a.Next(); {
		if !m.hasProcesses(ctx, id) {
			return
		}
	}

	m.logger.Info("user processes still running, sending SIGKILL", "uid", uid)
	if res, err := m.runner.Run(ctx, m.cfg.QuickTimeout, "pkill", "-KILL", "-U", id); err != nil && sysexec.ExitCode(err) != 1 {
		m.logger.Warn("could not kill user processes", "uid", uid, "error", sysexec.FormatError(err, res))
	}
}

func (m *Manager) hasProcesses(ctx context.Context, id string) bool {
	_, err := m.runner.Run(ctx, m.cfg.QuickTimeout, "pgrep", "-U", id)
	return err == nil
}

// ipcKinds maps ipcs listing flags to the matching ipcrm flag.
var ipcKinds = []struct{ list, remove string }{
	{"-m", "-m"},
	{"-s", "-s"},
	{"-q", "-q"},
}

// purgeIPC removes System V IPC objects owned by uid. A future account
// reusing the uid would otherwise inherit them.
func (m *Manager) purgeIPC(ctx context.Context, acct *osdb.Account) {
	for _, kind := range ipcKinds {
		res, err := m.runner.Run(ctx, m.cfg.QuickTimeout, "ipcs", kind.list, "-c")
		if err != nil {
			m.logger.Warn("could not list IPC objects", "kind", kind.list, "error", sysexec.FormatError(err, res))
			continue
		}
		for _, id := range ParseIPCOwners(res.Stdout, acct.Username, acct.UID) {
			if res, err := m.runner.Run(ctx, m.cfg.QuickTimeout, "ipcrm", kind.remove, id); err != nil {
				m.logger.Warn("could not remove IPC object", "kind", kind.remove, "id", id, "error", sysexec.FormatError(err, res))
			}
		}
	}
}

// ParseIPCOwners returns the ids of objects whose owner or creator is the
// given account in the output of `ipcs -<kind> -c`. ipcs prints names, or
// numeric ids when the uid no longer resolves to a name.
//
//	------ Shared Memory Segment Creators/Owners --------
//	shmid      perms      cuid       cgid       uid        gid
//	65538      600        alice      alice      alice      alice
func ParseIPCOwners(out, username string, uid uint32) []string {
	want := strconv.FormatUint(uint64(uid), 10)
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue
		}
		for _, owner := range []string{fields[2], fields[4]} {
			if owner == want || owner == username {
				ids = append(ids, fields[0])
				break
			}
		}
	}
	return ids
}

// purgeTempFiles removes files owned by uid directly inside the temp dirs.
func (m *Manager) purgeTempFiles(ctx context.Context, uid uint32) {
	id := strconv.FormatUint(uint64(uid), 10)
	for _, dir := range m.cfg.TempDirs {
		res, err := m.runner.Run(ctx, m.cfg.AccountTimeout, "find", dir, "-mindepth", "1", "-maxdepth", "1",
			"-user", id, "-exec", "rm", "-rf", "--", "{}", "+")
		if err != nil {
			m.logger.Warn("could not purge temp files", "dir", dir, "uid", uid, "error", sysexec.FormatError(err, res))
		}
	}
}
