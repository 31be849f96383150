// Package main is the entry point for the splitplay privileged resource
// broker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/activation"
	"github.com/coreos/go-systemd/daemon"
	flag "github.com/spf13/pflag"
	"gopkg.in/tomb.v2"

	"github.com/manchtools/splitplay/broker/internal/authz"
	"github.com/manchtools/splitplay/broker/internal/broker"
	"github.com/manchtools/splitplay/broker/internal/config"
	"github.com/manchtools/splitplay/broker/internal/journal"
	"github.com/manchtools/splitplay/broker/internal/metrics"
	"github.com/manchtools/splitplay/broker/internal/rpc"
	"github.com/manchtools/splitplay/broker/internal/setup"
)

// version is set at build time via -ldflags.
var version = "dev"

// shutdownTimeout bounds the release of tracked resources on exit.
const shutdownTimeout = 2 * time.Minute

// options holds the daemon command line.
type options struct {
	ConfigPath string
	SocketPath string
	DataDir    string
	LogLevel   string
	LogFormat  string
	NoPolkit   bool
}

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("splitplay-broker %s\n", version)
			return
		case "setup":
			runSetup(os.Args[2:])
			return
		case "journal":
			runJournal(os.Args[2:])
			return
		}
	}

	opts := parseFlags()
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("broker failed", "error", err)
		os.Exit(1)
	}
}

// run serves the broker until ctx is cancelled, then releases every tracked
// resource.
func run(ctx context.Context, cfg *config.Config, opts *options, logger *slog.Logger) error {
	var authority authz.Authority
	if opts.NoPolkit {
		logger.Warn("polkit disabled, every authenticated caller is authorized")
		authority = authz.AllowAll
	} else {
		pk, err := authz.NewPolkitAuthority()
		if err != nil {
			return fmt.Errorf("connect to polkit: %w", err)
		}
		defer pk.Close()
		authority = pk
	}

	j, err := journal.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	m := metrics.New()
	b := broker.New(broker.Options{
		Config:  cfg,
		Gate:    authz.NewGate(authority, logger.With("component", "authz")),
		Journal: j,
		Metrics: m,
		Logger:  logger,
		Version: version,
	})

	server := rpc.NewServer(b, m.Handler(), cfg.SocketPath, logger.With("component", "rpc"))
	listener, activated, err := listen(server, cfg.SocketPath)
	if err != nil {
		return err
	}
	if !activated {
		defer os.Remove(cfg.SocketPath)
	}

	t, tctx := tomb.WithContext(ctx)
	t.Go(func() error {
		return server.Serve(tctx, listener)
	})
	t.Go(func() error {
		return journal.NewPruner(j, journal.DefaultPruneInterval, cfg.JournalRetention, logger).Run(t)
	})

	logger.Info("broker started",
		"version", version,
		"socket", cfg.SocketPath,
		"activated", activated,
		"managed_group", cfg.ManagedGroup,
	)
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.Debug("sd_notify failed", "error", err)
	}

	<-t.Dying()
	serveErr := t.Wait()

	daemon.SdNotify(false, "STOPPING=1")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	b.Shutdown(shutdownCtx)

	return serveErr
}

// listen returns the socket passed by systemd for socketPath, or a fresh
// listener.
func listen(server *rpc.Server, socketPath string) (net.Listener, bool, error) {
	listeners, err := activation.Listeners(false)
	if err != nil {
		return nil, false, fmt.Errorf("socket activation: %w", err)
	}
	for _, l := range listeners {
		if l != nil && l.Addr().String() == socketPath {
			return l, true, nil
		}
	}
	l, err := server.Listen()
	return l, false, err
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.ConfigPath, "config", config.DefaultPath, "Configuration file")
	flag.StringVar(&opts.SocketPath, "socket", "", "Unix socket path (overrides the configuration)")
	flag.StringVar(&opts.DataDir, "data-dir", "", "Data directory for the journal (overrides the configuration)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&opts.LogFormat, "log-format", "", "Log format (text, json)")
	flag.BoolVar(&opts.NoPolkit, "no-polkit", false, "Authorize every caller (development only)")
	flag.Parse()
	return opts
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.SocketPath != "" {
		cfg.SocketPath = opts.SocketPath
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.LogFormat = opts.LogFormat
	}
	return cfg, cfg.Validate()
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var slogHandler slog.Handler
	if format == "json" {
		slogHandler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		slogHandler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(slogHandler)
}

// runSetup installs the polkit policy and the systemd units.
// Usage: splitplay-broker setup [--binary PATH] [--config PATH]
func runSetup(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	binary := fs.String("binary", "/usr/libexec/splitplay-broker", "Installed broker binary")
	configPath := fs.String("config", config.DefaultPath, "Configuration file passed to the service")
	socketPath := fs.String("socket", rpc.DefaultSocketPath, "Socket path of the socket unit")
	fs.Parse(args)

	fmt.Println("Installing polkit policy and systemd units")
	err := setup.Run(setup.UnitData{
		Binary:     *binary,
		ConfigPath: *configPath,
		SocketPath: *socketPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Setup completed successfully")
}

// runJournal prints the most recent journal entries.
// Usage: splitplay-broker journal [-n N] [--json] [--config PATH]
func runJournal(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	limit := fs.IntP("lines", "n", 50, "Number of entries to show")
	asJSON := fs.Bool("json", false, "Print entries as JSON")
	configPath := fs.String("config", config.DefaultPath, "Configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	j, err := journal.Open(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer j.Close()

	entries, err := j.Recent(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(entries)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tUID\tPID\tACTION\tTARGET\tOUTCOME\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			e.At.Format(time.RFC3339), e.CallerUID, e.CallerPID, e.Action, e.Target, e.Outcome, e.Error)
	}
	w.Flush()
}
