package sysexec

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Call is one invocation recorded by Fake.
type Call struct {
	Tool    string
	Args    []string
	Timeout time.Duration
	// Files are the names of the files passed with WithFiles.
	Files []string
}

// String renders the call as a command line.
func (c Call) String() string {
	return strings.TrimSpace(c.Tool + " " + strings.Join(c.Args, " "))
}

// Handler scripts the outcome of a Fake call.
type Handler func(args []string) (*Result, error)

// Fake is a scripted Runner for tests. Tools without a handler succeed with
// empty output.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]Handler
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

// Handle installs h for tool, replacing any previous handler.
func (f *Fake) Handle(tool string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[tool] = h
}

// Fail makes every call of tool exit with code and stderr.
func (f *Fake) Fail(tool string, code int, stderr string) {
	f.Handle(tool, func([]string) (*Result, error) {
		res := &Result{ExitCode: code, Stderr: stderr}
		return res, &ExitError{Tool: tool, ExitCode: code, Stderr: stderr}
	})
}

// Run implements Runner.
func (f *Fake) Run(ctx context.Context, timeout time.Duration, tool string, args ...string) (*Result, error) {
	var files []string
	for _, file := range FilesFrom(ctx) {
		files = append(files, file.Name())
	}
	f.mu.Lock()
	f.calls = append(f.calls, Call{Tool: tool, Args: append([]string(nil), args...), Timeout: timeout, Files: files})
	h := f.handlers[tool]
	f.mu.Unlock()

	if h == nil {
		return &Result{}, nil
	}
	return h(args)
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded calls of one tool.
func (f *Fake) CallsTo(tool string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

// Commands returns the recorded calls rendered as command lines.
func (f *Fake) Commands() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Reset forgets the recorded calls but keeps the handlers.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
