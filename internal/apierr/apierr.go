// Package apierr defines the error kinds the broker reports to its callers.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a broker error for the RPC boundary.
type Kind int

const (
	// KindFailed is a well-formed request that could not be completed.
	// Timeouts of external tools are reported with this kind too.
	KindFailed Kind = iota
	// KindInvalidArgs is malformed input or a nonexistent user, group or path.
	KindInvalidArgs
	// KindAccessDenied means the authorization check did not pass.
	KindAccessDenied
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgs:
		return "InvalidArgs"
	case KindAccessDenied:
		return "AccessDenied"
	default:
		return "Failed"
	}
}

// Error is an error carrying a Kind and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// InvalidArgs returns a KindInvalidArgs error.
func InvalidArgs(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgs, Msg: fmt.Sprintf(format, args...)}
}

// AccessDenied returns a KindAccessDenied error.
func AccessDenied(format string, args ...any) error {
	return &Error{Kind: KindAccessDenied, Msg: fmt.Sprintf(format, args...)}
}

// Failed returns a KindFailed error.
func Failed(format string, args ...any) error {
	return &Error{Kind: KindFailed, Msg: fmt.Sprintf(format, args...)}
}

// Failedw wraps err as a KindFailed error.
func Failedw(err error, format string, args ...any) error {
	return &Error{Kind: KindFailed, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err. Errors without a kind are KindFailed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFailed
}

// Is reports whether err is a broker error of kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
