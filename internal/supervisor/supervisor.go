// Package supervisor launches game instances, optionally under another
// account, and stops them again.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-cmd/cmd"
	"golang.org/x/sys/unix"
	"gopkg.in/retry.v1"

	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/osdb"
)

// Spec describes one launch.
type Spec struct {
	Username      string
	CompositorUID uint32
	Command       string
	Args          []string
	// Env holds KEY=VALUE entries added to the environment.
	Env []string
	// CallerUID is the uid of the RPC caller.
	CallerUID uint32
}

// Config holds supervisor settings.
type Config struct {
	RuntimeBase   string
	DisplaySocket string
	AudioSocket   string // relative to the runtime dir, e.g. pulse/native
	PipeWire      string // relative to the runtime dir, e.g. pipewire-0
	StopGrace     time.Duration
	ProcRoot      string // defaults to /proc
	Machinectl    string // defaults to machinectl
}

// ManagedFunc reports whether username may be signalled by the broker.
type ManagedFunc func(ctx context.Context, username string) (bool, error)

type process struct {
	pid      int
	username string
	command  string
	c        *cmd.Cmd
}

// Supervisor owns the launched processes until they exit.
type Supervisor struct {
	cfg     Config
	db      osdb.Database
	managed ManagedFunc
	logger  *slog.Logger

	mu    sync.Mutex
	procs map[int]*process
}

// New returns a supervisor.
func New(cfg Config, db osdb.Database, managed ManagedFunc, logger *slog.Logger) *Supervisor {
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.Machinectl == "" {
		cfg.Machinectl = "machinectl"
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		db:      db,
		managed: managed,
		logger:  logger,
		procs:   make(map[int]*process),
	}
}

// Launch starts the command of spec and returns its pid.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) (int, error) {
	if spec.Command == "" {
		return 0, apierr.InvalidArgs("command is required")
	}
	if err := checkEnv(spec.Env); err != nil {
		return 0, err
	}
	acct, err := s.db.LookupAccount(ctx, spec.Username)
	if errors.Is(err, osdb.ErrNotFound) {
		return 0, apierr.InvalidArgs("user %q does not exist", spec.Username)
	}
	if err != nil {
		return 0, apierr.Failedw(err, "look up user %q", spec.Username)
	}

	env := s.sessionEnv(spec)
	direct := acct.UID == spec.CallerUID
	if !direct {
		ok, err := s.managed(ctx, spec.Username)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, apierr.AccessDenied("user %q is not a managed account", spec.Username)
		}
	}

	var c *cmd.Cmd
	if direct {
		cred, err := s.credential(ctx, acct, uint32(os.Getuid()))
		if err != nil {
			return 0, err
		}
		c = s.directCmd(acct, spec, env, cred)
	} else {
		name, args := MachinectlArgs(s.cfg.Machinectl, spec.Username, spec.Command, spec.Args, env)
		c = cmd.NewCmdOptions(cmd.Options{BeforeExec: []func(*exec.Cmd){processGroup(nil)}}, name, args...)
	}

	c.Start()
	pid, err := waitStarted(c)
	if err != nil {
		return 0, apierr.Failedw(err, "start %s", spec.Command)
	}

	p := &process{pid: pid, username: spec.Username, command: spec.Command, c: c}
	s.mu.Lock()
	s.procs[pid] = p
	s.mu.Unlock()
	go s.watch(p)

	s.logger.Info("instance launched", "pid", pid, "username", spec.Username, "command", spec.Command, "direct", direct)
	return pid, nil
}

// credential returns the identity a direct launch runs under, or nil when
// the broker already runs as acct. Supplementary groups are those of a
// login, so device groups such as input and audio keep applying.
func (s *Supervisor) credential(ctx context.Context, acct *osdb.Account, euid uint32) (*syscall.Credential, error) {
	if euid == acct.UID {
		return nil, nil
	}
	groups, err := s.db.AccountGroups(ctx, acct.Username)
	if err != nil {
		return nil, apierr.Failedw(err, "look up groups of %q", acct.Username)
	}
	return &syscall.Credential{Uid: acct.UID, Gid: acct.GID, Groups: groups}, nil
}

func (s *Supervisor) directCmd(acct *osdb.Account, spec Spec, env []string, cred *syscall.Credential) *cmd.Cmd {
	full := append([]string{
		"HOME=" + acct.HomeDir,
		"USER=" + acct.Username,
		"LOGNAME=" + acct.Username,
		"XDG_RUNTIME_DIR=" + s.runtimeDir(acct.UID),
		"PATH=/usr/local/bin:/usr/bin:/bin",
	}, env...)

	c := cmd.NewCmdOptions(cmd.Options{BeforeExec: []func(*exec.Cmd){processGroup(cred)}}, spec.Command, spec.Args...)
	c.Env = full
	if acct.HomeDir != "" {
		c.Dir = acct.HomeDir
	}
	return c
}

// processGroup starts the child in its own process group, optionally with
// other credentials. Output is not captured.
func processGroup(cred *syscall.Credential) func(*exec.Cmd) {
	return func(ec *exec.Cmd) {
		if ec.SysProcAttr == nil {
			ec.SysProcAttr = &syscall.SysProcAttr{}
		}
		ec.SysProcAttr.Setpgid = true
		ec.SysProcAttr.Credential = cred
	}
}

// waitStarted waits until go-cmd reports a pid or the start failed.
func waitStarted(c *cmd.Cmd) (int, error) {
	strategy := retry.LimitTime(5*time.Second, retry.Exponential{
		Initial:  time.Millisecond,
		Factor:   2,
		MaxDelay: 50 * time.Millisecond,
	})
	for a := retry.Start(strategy, nil); a.Next(); {
		st := c.Status()
		if st.PID > 0 {
			return st.PID, nil
		}
		if st.Error != nil {
			return 0, st.Error
		}
		select {
		case <-c.Done():
			st = c.Status()
			if st.Error != nil {
				return 0, st.Error
			}
			if st.PID > 0 {
				return st.PID, nil
			}
			return 0, errors.New("process exited before start was observed")
		default:
		}
	}
	c.Stop()
	return 0, errors.New("process did not start")
}

func (s *Supervisor) watch(p *process) {
	<-p.c.Done()
	st := p.c.Status()
	s.mu.Lock()
	delete(s.procs, p.pid)
	s.mu.Unlock()
	s.logger.Info("instance exited", "pid", p.pid, "username", p.username, "exit_code", st.Exit, "error", st.Error)
}

func (s *Supervisor) runtimeDir(uid uint32) string {
	return filepath.Join(s.cfg.RuntimeBase, strconv.FormatUint(uint64(uid), 10))
}

// sessionEnv adds the compositor's display and audio endpoints to spec.Env
// unless the caller already set them.
func (s *Supervisor) sessionEnv(spec Spec) []string {
	env := append([]string(nil), spec.Env...)
	set := make(map[string]bool)
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		set[k] = true
	}
	dir := s.runtimeDir(spec.CompositorUID)
	defaults := []struct{ key, value, rel string }{
		{"WAYLAND_DISPLAY", filepath.Join(dir, s.cfg.DisplaySocket), s.cfg.DisplaySocket},
		{"PULSE_SERVER", "unix:" + filepath.Join(dir, s.cfg.AudioSocket), s.cfg.AudioSocket},
		{"PIPEWIRE_REMOTE", filepath.Join(dir, s.cfg.PipeWire), s.cfg.PipeWire},
	}
	for _, d := range defaults {
		if d.rel == "" || set[d.key] {
			continue
		}
		env = append(env, d.key+"="+d.value)
	}
	return env
}

func checkEnv(env []string) error {
	for _, kv := range env {
		k, _, ok := strings.Cut(kv, "=")
		if !ok || k == "" || strings.ContainsAny(kv, "\x00\n") {
			return apierr.InvalidArgs("malformed environment entry %q", kv)
		}
	}
	return nil
}

// MachinectlArgs builds the command line that runs command as username in
// a new session of the host.
func MachinectlArgs(machinectl, username, command string, args, env []string) (string, []string) {
	out := []string{"shell", "--uid=" + username}
	for _, kv := range env {
		out = append(out, "--setenv="+kv)
	}
	out = append(out, ".host", command)
	out = append(out, args...)
	return machinectl, out
}

// Stop terminates pid gracefully: SIGTERM, then SIGKILL after the grace
// period.
func (s *Supervisor) Stop(ctx context.Context, pid int) error {
	return s.signal(ctx, pid, true)
}

// Kill terminates pid immediately with SIGKILL.
func (s *Supervisor) Kill(ctx context.Context, pid int) error {
	return s.signal(ctx, pid, false)
}

func (s *Supervisor) signal(ctx context.Context, pid int, graceful bool) error {
	if pid <= 1 {
		return apierr.InvalidArgs("invalid pid %d", pid)
	}
	s.mu.Lock()
	p, ok := s.procs[pid]
	s.mu.Unlock()
	if ok {
		return s.signalTracked(p, graceful)
	}
	return s.signalUntracked(ctx, pid, graceful)
}

func (s *Supervisor) signalTracked(p *process, graceful bool) error {
	if graceful {
		if err := p.c.Stop(); err != nil {
			return apierr.Failedw(err, "stop pid %d", p.pid)
		}
		select {
		case <-p.c.Done():
			s.logger.Info("instance stopped", "pid", p.pid, "username", p.username)
			return nil
		case <-time.After(s.cfg.StopGrace):
			s.logger.Info("instance ignored SIGTERM, sending SIGKILL", "pid", p.pid)
		}
	}
	// The process runs in its own group; take its children with it.
	if err := unix.Kill(-p.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return apierr.Failedw(err, "kill pid %d", p.pid)
	}
	select {
	case <-p.c.Done():
	case <-time.After(s.cfg.StopGrace):
		return apierr.Failed("pid %d did not exit after SIGKILL", p.pid)
	}
	s.logger.Info("instance killed", "pid", p.pid, "username", p.username)
	return nil
}

// signalUntracked signals a pid the supervisor did not start in this run,
// e.g. after a broker restart. Only processes of managed accounts qualify.
func (s *Supervisor) signalUntracked(ctx context.Context, pid int, graceful bool) error {
	uid, err := s.procOwner(pid)
	if err != nil {
		return err
	}
	acct, err := s.db.LookupAccountID(ctx, uid)
	if err != nil {
		return apierr.AccessDenied("pid %d is not owned by a managed account", pid)
	}
	ok, err := s.managed(ctx, acct.Username)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.AccessDenied("pid %d is not owned by a managed account", pid)
	}

	if graceful {
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return nil
			}
			return apierr.Failedw(err, "signal pid %d", pid)
		}
		if s.waitGone(pid, s.cfg.StopGrace) {
			s.logger.Info("untracked process stopped", "pid", pid, "username", acct.Username)
			return nil
		}
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return apierr.Failedw(err, "kill pid %d", pid)
	}
	s.logger.Info("untracked process killed", "pid", pid, "username", acct.Username)
	return nil
}

func (s *Supervisor) procOwner(pid int) (uint32, error) {
	var st unix.Stat_t
	err := unix.Stat(filepath.Join(s.cfg.ProcRoot, strconv.Itoa(pid)), &st)
	if errors.Is(err, unix.ENOENT) {
		return 0, apierr.InvalidArgs("no process with pid %d", pid)
	}
	if err != nil {
		return 0, apierr.Failedw(err, "stat pid %d", pid)
	}
	return st.Uid, nil
}

func (s *Supervisor) waitGone(pid int, limit time.Duration) bool {
	strategy := retry.LimitTime(limit, retry.Exponential{
		Initial:  10 * time.Millisecond,
		Factor:   2,
		MaxDelay: 250 * time.Millisecond,
	})
	for a := retry.Start(strategy, nil); a.Next(); {
		if errors.Is(unix.Kill(pid, 0), unix.ESRCH) {
			return true
		}
	}
	return false
}

// StopAll stops every tracked process and returns how many stopped.
func (s *Supervisor) StopAll(ctx context.Context) int {
	count := 0
	for _, pid := range s.Tracked() {
		if err := s.Stop(ctx, pid); err != nil {
			s.logger.Warn("instance stop failed", "pid", pid, "error", err)
			continue
		}
		count++
	}
	return count
}

// Tracked returns the tracked pids in ascending order.
func (s *Supervisor) Tracked() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.procs))
	for pid := range s.procs {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}
