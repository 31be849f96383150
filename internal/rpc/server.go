package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sys/unix"

	"github.com/manchtools/splitplay/broker/internal/authz"
)

// DefaultSocketPath is the default unix socket path of the broker.
const DefaultSocketPath = "/run/splitplay/broker.sock"

// socketMode lets every local user connect; authorization happens per
// operation.
const socketMode = 0o666

// Server runs the broker service over a unix socket.
type Server struct {
	socketPath string
	handler    http.Handler
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a socket server for b. metrics, when non-nil, is served
// at /metrics.
func NewServer(b Broker, metrics http.Handler, socketPath string, logger *slog.Logger) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	mux := http.NewServeMux()
	Register(mux, b)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return &Server{
		socketPath: socketPath,
		handler:    h2c.NewHandler(mux, &http2.Server{}),
		logger:     logger,
	}
}

// Listen creates the unix socket, replacing a stale one.
func (s *Server) Listen() (net.Listener, error) {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create socket directory %s: %w", dir, err)
	}

	if c, err := net.Dial("unix", s.socketPath); err == nil {
		c.Close()
		return nil, fmt.Errorf("socket %s already in use", s.socketPath)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, socketMode); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return listener, nil
}

// Serve serves on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.handler,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ConnContext:       withPeerCredentials,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("broker service listening", "socket", listener.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	err := s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Start listens on the socket path and serves until ctx is cancelled. The
// socket is removed afterwards.
func (s *Server) Start(ctx context.Context) error {
	listener, err := s.Listen()
	if err != nil {
		return err
	}
	defer os.Remove(s.socketPath)
	return s.Serve(ctx, listener)
}

// withPeerCredentials stores the SO_PEERCRED identity of the connecting
// process. Connections without credentials carry no caller and are denied
// by the gate.
func withPeerCredentials(ctx context.Context, c net.Conn) context.Context {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return ctx
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return ctx
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil {
		return ctx
	}
	return authz.WithCaller(ctx, authz.Caller{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid})
}
