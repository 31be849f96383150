// Package sysexec runs the external tools behind every privileged action.
// Each invocation is one short-lived child process with its own timeout.
package sysexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-cmd/cmd"
)

// maxOutputBytes is the maximum number of bytes kept per output stream.
const maxOutputBytes = 1 << 20 // 1 MiB

// ErrTimeout is returned when a tool does not finish within its timeout.
var ErrTimeout = errors.New("timed out")

// Result is the captured outcome of one tool invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExitError is returned when a tool ran but exited non-zero.
type ExitError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
}

// Runner runs an external tool and waits for it for at most timeout.
// A non-zero exit yields an *ExitError alongside the Result; a timeout yields
// an error wrapping ErrTimeout.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, tool string, args ...string) (*Result, error)
}

type filesKey struct{}

// WithFiles returns a context whose tool invocations inherit files as fd 3,
// 4 and so on, in order.
func WithFiles(ctx context.Context, files ...*os.File) context.Context {
	return context.WithValue(ctx, filesKey{}, files)
}

// FilesFrom returns the files attached with WithFiles.
func FilesFrom(ctx context.Context) []*os.File {
	files, _ := ctx.Value(filesKey{}).([]*os.File)
	return files
}

// CmdRunner is the Runner used in production, built on go-cmd.
type CmdRunner struct {
	// Env, when set, replaces the environment of spawned tools.
	Env []string
}

// NewRunner returns a runner with a minimal, fixed environment so tool
// behaviour does not depend on how the daemon was started.
func NewRunner() *CmdRunner {
	return &CmdRunner{Env: []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"LC_ALL=C",
	}}
}

// Run implements Runner.
func (r *CmdRunner) Run(ctx context.Context, timeout time.Duration, tool string, args ...string) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	opts := cmd.Options{Buffered: true}
	if files := FilesFrom(ctx); len(files) > 0 {
		opts.BeforeExec = []func(*exec.Cmd){func(c *exec.Cmd) { c.ExtraFiles = files }}
	}
	c := cmd.NewCmdOptions(opts, tool, args...)
	if len(r.Env) > 0 {
		c.Env = r.Env
	}
	statusChan := c.Start()

	var status cmd.Status
	select {
	case status = <-statusChan:
	case <-ctx.Done():
		c.Stop()
		<-c.Done()
		return nil, fmt.Errorf("%s: %w", tool, ErrTimeout)
	}

	if status.Error != nil && !status.Complete {
		return nil, fmt.Errorf("run %s: %w", tool, status.Error)
	}

	result := &Result{
		ExitCode: status.Exit,
		Stdout:   joinLimited(status.Stdout),
		Stderr:   joinLimited(status.Stderr),
	}
	if status.Exit != 0 {
		return result, &ExitError{Tool: tool, ExitCode: status.Exit, Stderr: result.Stderr}
	}
	return result, nil
}

func joinLimited(lines []string) string {
	var b strings.Builder
	for _, line := range lines {
		if b.Len()+len(line)+1 > maxOutputBytes {
			b.WriteString("[output truncated]\n")
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// FormatError formats a tool error with its stderr output for diagnostics.
func FormatError(err error, result *Result) string {
	if result != nil && result.Stderr != "" {
		return fmt.Sprintf("%v: %s", err, strings.TrimSpace(result.Stderr))
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Stderr != "" {
		return fmt.Sprintf("%v: %s", err, strings.TrimSpace(exitErr.Stderr))
	}
	return err.Error()
}

// Wrap turns a tool error into one whose message carries the tool's stderr.
// It returns nil when err is nil.
func Wrap(err error, result *Result, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &toolError{msg: fmt.Sprintf(format, args...) + ": " + FormatError(err, result), err: err}
}

type toolError struct {
	msg string
	err error
}

func (e *toolError) Error() string { return e.msg }
func (e *toolError) Unwrap() error { return e.err }

// ExitCode reports the exit status carried by err, or -1 if err is not an
// *ExitError.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	return -1
}
