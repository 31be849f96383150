// Package broker composes the privileged managers behind one authorization
// gated entry point per operation and owns the shutdown routine that undoes
// every tracked change.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/manchtools/splitplay/broker/internal/accounts"
	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/authz"
	"github.com/manchtools/splitplay/broker/internal/config"
	"github.com/manchtools/splitplay/broker/internal/devices"
	"github.com/manchtools/splitplay/broker/internal/journal"
	"github.com/manchtools/splitplay/broker/internal/metrics"
	"github.com/manchtools/splitplay/broker/internal/mounts"
	"github.com/manchtools/splitplay/broker/internal/osdb"
	"github.com/manchtools/splitplay/broker/internal/runtimeacl"
	"github.com/manchtools/splitplay/broker/internal/supervisor"
	"github.com/manchtools/splitplay/broker/internal/sysexec"
	"github.com/manchtools/splitplay/broker/internal/userfiles"
)

// ErrShutDown is returned for operations dispatched after Shutdown.
var ErrShutDown = errors.New("broker is shut down")

// Options configures a Broker.
type Options struct {
	Config   *config.Config
	Gate     *authz.Gate
	Runner   sysexec.Runner
	DB       osdb.Database
	DeviceFS devices.FS
	// Journal and Metrics are optional.
	Journal *journal.Journal
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Version string
}

// Broker is the daemon object.
type Broker struct {
	gate    *authz.Gate
	journal *journal.Journal
	metrics *metrics.Metrics
	logger  *slog.Logger
	version string

	devices    *devices.Manager
	runtime    *runtimeacl.Manager
	mounts     *mounts.Manager
	accounts   *accounts.Manager
	supervisor *supervisor.Supervisor
	files      *userfiles.Manager

	// mu serializes dispatch: at most one operation touches tracked state
	// at a time.
	mu           sync.Mutex
	shutdown     bool
	shutdownOnce sync.Once
	report       ShutdownReport
}

// New builds the managers from opts.
func New(opts Options) *Broker {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := opts.Runner
	if runner == nil {
		runner = sysexec.NewRunner()
	}
	if opts.Metrics != nil {
		runner = metrics.InstrumentRunner(runner, opts.Metrics)
	}
	db := opts.DB
	if db == nil {
		db = osdb.NewGetent(runner, cfg.Timeouts.Quick)
	}
	fsys := opts.DeviceFS
	if fsys == nil {
		fsys = devices.OSFS{}
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	b := &Broker{
		gate:    opts.Gate,
		journal: opts.Journal,
		metrics: opts.Metrics,
		logger:  logger,
		version: version,
	}
	if b.gate == nil {
		b.gate = authz.NewGate(nil, logger)
	}

	b.devices = devices.NewManager(cfg.DeviceDir, cfg.RestrictedGroup, fsys, db, logger.With("component", "devices"))
	b.runtime = runtimeacl.NewManager(runtimeacl.Config{
		RuntimeBase:   cfg.RuntimeBase,
		SharedGroup:   cfg.ManagedGroup,
		DisplaySocket: cfg.DisplaySocket,
		AudioDir:      cfg.AudioDir,
		AudioSockets:  cfg.AudioSockets,
		XAuthPatterns: cfg.XAuthPatterns,
		Timeout:       cfg.Timeouts.ACL,
	}, runner, db, logger.With("component", "runtime"))
	b.mounts = mounts.NewManager(mounts.Config{
		AppDir:  cfg.AppDir,
		Timeout: cfg.Timeouts.Mount,
	}, runner, db, logger.With("component", "mounts"))
	b.accounts = accounts.NewManager(accounts.Config{
		ManagedGroup:   cfg.ManagedGroup,
		InputGroup:     cfg.InputGroup,
		LoginShell:     cfg.LoginShell,
		LingerDir:      cfg.LingerDir,
		AccountTimeout: cfg.Timeouts.Account,
		QuickTimeout:   cfg.Timeouts.Quick,
	}, runner, db, logger.With("component", "accounts"))
	b.accounts.SetHomeReleaser(b.mounts)
	b.supervisor = supervisor.New(supervisor.Config{
		RuntimeBase:   cfg.RuntimeBase,
		DisplaySocket: cfg.DisplaySocket,
		AudioSocket:   pickSocket(cfg.AudioSockets, "pulse"),
		PipeWire:      pickSocket(cfg.AudioSockets, "pipewire-0"),
		StopGrace:     cfg.StopGrace,
	}, db, b.accounts.IsInManagedGroup, logger.With("component", "supervisor"))
	b.files = userfiles.NewManager(userfiles.Config{
		AclTimeout:          cfg.Timeouts.ACL,
		AclRecursiveTimeout: cfg.Timeouts.ACLRecursive,
	}, runner, b.accounts, logger.With("component", "userfiles"))

	return b
}

// pickSocket returns the first audio socket starting with prefix.
func pickSocket(sockets []string, prefix string) string {
	for _, s := range sockets {
		if strings.HasPrefix(s, prefix) {
			return s
		}
	}
	return ""
}

// Version returns the build version.
func (b *Broker) Version() string {
	return b.version
}

// =============================================================================
// Dispatch
// =============================================================================

// op names one operation for logging and its authorization action.
type op struct {
	name   string
	action string
}

// dispatch runs fn as operation o on behalf of the caller in ctx. The
// caller is authorized before anything else, including a deferred input
// error; every outcome is logged, counted and journaled.
func dispatch[T any](ctx context.Context, b *Broker, o op, target string, fn func(caller authz.Caller) (T, error)) (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	requestID := ulid.Make().String()
	caller, _ := authz.CallerFrom(ctx)

	var result T
	var err error
	switch {
	case b.shutdown:
		err = apierr.Failedw(ErrShutDown, "%s", o.name)
	default:
		err = b.gate.Authorize(ctx, o.action)
		if err == nil {
			err = authz.DeferredError(ctx)
		}
		if err == nil {
			result, err = fn(caller)
		}
	}

	outcome := outcomeOf(err)
	logger := b.logger.With(
		"request_id", requestID,
		"operation", o.name,
		"target", target,
		"uid", caller.UID,
		"pid", caller.PID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if err != nil {
		logger.Warn("operation failed", "outcome", outcome, "error", err)
	} else {
		logger.Info("operation completed")
	}

	if b.metrics != nil {
		b.metrics.RecordRPC(o.name, outcome, time.Since(start))
		b.updateTracked()
	}
	if b.journal != nil {
		entry := journal.Entry{
			ID:        requestID,
			At:        start,
			CallerUID: caller.UID,
			CallerPID: caller.PID,
			Action:    o.name,
			Target:    target,
			Outcome:   outcome,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		// The journal must not block the operation's result.
		if _, jerr := b.journal.Record(context.WithoutCancel(ctx), entry); jerr != nil {
			logger.Warn("failed to journal operation", "error", jerr)
		}
	}
	return result, err
}

func outcomeOf(err error) string {
	if err == nil {
		return journal.OutcomeOK
	}
	switch apierr.KindOf(err) {
	case apierr.KindInvalidArgs:
		return journal.OutcomeInvalidArgs
	case apierr.KindAccessDenied:
		return journal.OutcomeAccessDenied
	default:
		return journal.OutcomeFailed
	}
}

func (b *Broker) updateTracked() {
	b.metrics.SetTracked(metrics.KindDevices, len(b.devices.Tracked()))
	b.metrics.SetTracked(metrics.KindGrants, len(b.runtime.Grants()))
	b.metrics.SetTracked(metrics.KindMounts, b.mounts.Count())
	b.metrics.SetTracked(metrics.KindProcesses, len(b.supervisor.Tracked()))
}

// =============================================================================
// Shutdown
// =============================================================================

// ShutdownReport counts what Shutdown released.
type ShutdownReport struct {
	Grants    int
	Mounts    int
	Processes int
	Devices   int
}

// Shutdown releases every tracked resource, in order: runtime grants,
// mounts, processes, device ownership. It runs once; later calls return the
// first report. Operations dispatched afterwards fail.
func (b *Broker) Shutdown(ctx context.Context) ShutdownReport {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.shutdown = true

		b.logger.Info("releasing tracked resources")
		b.report = ShutdownReport{
			Grants:    b.runtime.RemoveAll(ctx),
			Mounts:    b.mounts.UnmountAll(ctx),
			Processes: b.supervisor.StopAll(ctx),
			Devices:   b.devices.ResetAll(ctx),
		}
		if b.metrics != nil {
			b.updateTracked()
		}
		b.logger.Info("tracked resources released",
			"grants", b.report.Grants,
			"mounts", b.report.Mounts,
			"processes", b.report.Processes,
			"devices", b.report.Devices,
		)
	})
	return b.report
}
