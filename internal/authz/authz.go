// Package authz gates every privileged operation behind an authorization
// lookup keyed by a per-operation action id. The policy itself lives in an
// external decision point (polkit); this package is only the boundary check.
package authz

import (
	"context"
	"log/slog"

	"github.com/manchtools/splitplay/broker/internal/apierr"
)

// ActionPrefix is prepended to every operation name to form its action id.
const ActionPrefix = "io.splitplay.broker."

// Action ids, one per RPC operation.
const (
	ActionChangeDeviceOwner      = ActionPrefix + "change-device-owner"
	ActionResetDeviceOwner       = ActionPrefix + "reset-device-owner"
	ActionCreateUser             = ActionPrefix + "create-user"
	ActionDeleteUser             = ActionPrefix + "delete-user"
	ActionQueryUser              = ActionPrefix + "query-user"
	ActionEnableLinger           = ActionPrefix + "enable-linger"
	ActionSetupRuntimeAccess     = ActionPrefix + "setup-runtime-access"
	ActionRemoveRuntimeAccess    = ActionPrefix + "remove-runtime-access"
	ActionLaunchInstance         = ActionPrefix + "launch-instance"
	ActionStopInstance           = ActionPrefix + "stop-instance"
	ActionMountSharedDirectories = ActionPrefix + "mount-shared-directories"
	ActionUnmountSharedDirs      = ActionPrefix + "unmount-shared-directories"
	ActionWriteUserFiles         = ActionPrefix + "write-user-files"
	ActionSetDirectoryAcl        = ActionPrefix + "set-directory-acl"
)

// Actions lists every action id, for policy generation.
var Actions = []string{
	ActionChangeDeviceOwner,
	ActionResetDeviceOwner,
	ActionCreateUser,
	ActionDeleteUser,
	ActionQueryUser,
	ActionEnableLinger,
	ActionSetupRuntimeAccess,
	ActionRemoveRuntimeAccess,
	ActionLaunchInstance,
	ActionStopInstance,
	ActionMountSharedDirectories,
	ActionUnmountSharedDirs,
	ActionWriteUserFiles,
	ActionSetDirectoryAcl,
}

// Caller identifies the process on the other end of an RPC connection.
type Caller struct {
	PID int32
	UID uint32
	GID uint32
}

type callerKey struct{}

// WithCaller returns a context carrying the caller identity.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored in ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

type deferredKey struct{}

// WithDeferredError returns a context carrying an input error that the
// operation reports only after its caller is authorized.
func WithDeferredError(ctx context.Context, err error) context.Context {
	return context.WithValue(ctx, deferredKey{}, err)
}

// DeferredError returns the input error stored in ctx, if any.
func DeferredError(ctx context.Context) error {
	err, _ := ctx.Value(deferredKey{}).(error)
	return err
}

// Authority is the external authorization decision point.
type Authority interface {
	CheckAuthorization(ctx context.Context, caller Caller, actionID string) (bool, error)
}

// Gate approves or denies operations for the caller found in the context.
type Gate struct {
	authority Authority
	logger    *slog.Logger
}

// NewGate returns a gate delegating to authority.
func NewGate(authority Authority, logger *slog.Logger) *Gate {
	return &Gate{authority: authority, logger: logger}
}

// Authorize returns nil if the caller may perform actionID, or an
// AccessDenied error otherwise.
func (g *Gate) Authorize(ctx context.Context, actionID string) error {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return apierr.AccessDenied("access denied: unknown caller")
	}
	if caller.UID == 0 {
		return nil
	}
	if g.authority == nil {
		return apierr.AccessDenied("access denied")
	}

	authorized, err := g.authority.CheckAuthorization(ctx, caller, actionID)
	if err != nil {
		g.logger.Warn("authorization check failed",
			"action", actionID,
			"uid", caller.UID,
			"pid", caller.PID,
			"error", err,
		)
		return apierr.AccessDenied("access denied: authorization check failed")
	}
	if !authorized {
		g.logger.Info("authorization denied", "action", actionID, "uid", caller.UID)
		return apierr.AccessDenied("access denied")
	}
	return nil
}

// AuthorityFunc adapts a function to the Authority interface.
type AuthorityFunc func(ctx context.Context, caller Caller, actionID string) (bool, error)

// CheckAuthorization implements Authority.
func (f AuthorityFunc) CheckAuthorization(ctx context.Context, caller Caller, actionID string) (bool, error) {
	return f(ctx, caller, actionID)
}

// AllowAll is an Authority that approves everything. It is used by tests
// and by --no-polkit development runs.
var AllowAll = AuthorityFunc(func(context.Context, Caller, string) (bool, error) { return true, nil })

// DenyAll is an Authority that denies everything.
var DenyAll = AuthorityFunc(func(context.Context, Caller, string) (bool, error) { return false, nil })
