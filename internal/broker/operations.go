package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/manchtools/splitplay/broker/internal/authz"
	"github.com/manchtools/splitplay/broker/internal/supervisor"
)

var (
	opChangeDeviceOwner      = op{"ChangeDeviceOwner", authz.ActionChangeDeviceOwner}
	opChangeDeviceOwnerBatch = op{"ChangeDeviceOwnerBatch", authz.ActionChangeDeviceOwner}
	opResetDeviceOwner       = op{"ResetDeviceOwner", authz.ActionResetDeviceOwner}
	opResetAllDevices        = op{"ResetAllDevices", authz.ActionResetDeviceOwner}
	opCreateUser             = op{"CreateUser", authz.ActionCreateUser}
	opDeleteUser             = op{"DeleteUser", authz.ActionDeleteUser}
	opIsInManagedGroup       = op{"IsInManagedGroup", authz.ActionQueryUser}
	opEnableLinger           = op{"EnableLinger", authz.ActionEnableLinger}
	opDisableLinger          = op{"DisableLinger", authz.ActionEnableLinger}
	opIsLingerEnabled        = op{"IsLingerEnabled", authz.ActionQueryUser}
	opSetupRuntimeAccess     = op{"SetupRuntimeAccess", authz.ActionSetupRuntimeAccess}
	opRemoveRuntimeAccess    = op{"RemoveRuntimeAccess", authz.ActionRemoveRuntimeAccess}
	opLaunchInstance         = op{"LaunchInstance", authz.ActionLaunchInstance}
	opStopInstance           = op{"StopInstance", authz.ActionStopInstance}
	opKillInstance           = op{"KillInstance", authz.ActionStopInstance}
	opMountShared            = op{"MountSharedDirectories", authz.ActionMountSharedDirectories}
	opUnmountShared          = op{"UnmountSharedDirectories", authz.ActionUnmountSharedDirs}
	opUnmountAllShared       = op{"UnmountAllSharedDirectories", authz.ActionUnmountSharedDirs}
	opCopyFileToUser         = op{"CopyFileToUser", authz.ActionWriteUserFiles}
	opWriteFileToUser        = op{"WriteFileToUser", authz.ActionWriteUserFiles}
	opSetDirectoryAcl        = op{"SetDirectoryAcl", authz.ActionSetDirectoryAcl}
	opGetUserSteamID         = op{"GetUserSteamId", authz.ActionQueryUser}
)

func uidTarget(uid uint32) string {
	return "uid=" + strconv.FormatUint(uint64(uid), 10)
}

// =============================================================================
// Devices
// =============================================================================

// ChangeDeviceOwner gives uid exclusive ownership of the device at path.
func (b *Broker) ChangeDeviceOwner(ctx context.Context, path string, uid uint32) error {
	_, err := dispatch(ctx, b, opChangeDeviceOwner, path+" "+uidTarget(uid), func(authz.Caller) (struct{}, error) {
		return struct{}{}, b.devices.ChangeOwner(ctx, path, uid)
	})
	return err
}

// ChangeDeviceOwnerBatch changes every device in paths and returns the
// number changed.
func (b *Broker) ChangeDeviceOwnerBatch(ctx context.Context, paths []string, uid uint32) (int, error) {
	return dispatch(ctx, b, opChangeDeviceOwnerBatch, strings.Join(paths, ",")+" "+uidTarget(uid), func(authz.Caller) (int, error) {
		return b.devices.ChangeOwnerBatch(ctx, paths, uid)
	})
}

// ResetDeviceOwner restores the default ownership of the device at path.
func (b *Broker) ResetDeviceOwner(ctx context.Context, path string) error {
	_, err := dispatch(ctx, b, opResetDeviceOwner, path, func(authz.Caller) (struct{}, error) {
		return struct{}{}, b.devices.ResetOwner(ctx, path)
	})
	return err
}

// ResetAllDevices restores every tracked device and returns the number
// restored.
func (b *Broker) ResetAllDevices(ctx context.Context) (int, error) {
	return dispatch(ctx, b, opResetAllDevices, "", func(authz.Caller) (int, error) {
		return b.devices.ResetAll(ctx), nil
	})
}

// =============================================================================
// Accounts
// =============================================================================

// CreateUser creates a managed account and returns its uid.
func (b *Broker) CreateUser(ctx context.Context, username, fullName string) (uint32, error) {
	return dispatch(ctx, b, opCreateUser, username, func(authz.Caller) (uint32, error) {
		return b.accounts.CreateUser(ctx, username, fullName)
	})
}

// DeleteUser removes a managed account.
func (b *Broker) DeleteUser(ctx context.Context, username string, removeHome bool) error {
	_, err := dispatch(ctx, b, opDeleteUser, username, func(caller authz.Caller) (struct{}, error) {
		return struct{}{}, b.accounts.DeleteUser(ctx, username, removeHome, caller.UID)
	})
	return err
}

// IsInManagedGroup reports whether username is a managed account.
func (b *Broker) IsInManagedGroup(ctx context.Context, username string) (bool, error) {
	return dispatch(ctx, b, opIsInManagedGroup, username, func(authz.Caller) (bool, error) {
		return b.accounts.IsInManagedGroup(ctx, username)
	})
}

// EnableLinger enables the persistent session of a managed account.
func (b *Broker) EnableLinger(ctx context.Context, username string) error {
	_, err := dispatch(ctx, b, opEnableLinger, username, func(authz.Caller) (struct{}, error) {
		return struct{}{}, b.accounts.EnableLinger(ctx, username)
	})
	return err
}

// DisableLinger disables the persistent session of a managed account.
func (b *Broker) DisableLinger(ctx context.Context, username string) error {
	_, err := dispatch(ctx, b, opDisableLinger, username, func(authz.Caller) (struct{}, error) {
		return struct{}{}, b.accounts.DisableLinger(ctx, username)
	})
	return err
}

// IsLingerEnabled reports whether username has a persistent session.
func (b *Broker) IsLingerEnabled(ctx context.Context, username string) (bool, error) {
	return dispatch(ctx, b, opIsLingerEnabled, username, func(authz.Caller) (bool, error) {
		return b.accounts.IsLingerEnabled(username)
	})
}

// =============================================================================
// Runtime Access
// =============================================================================

// SetupRuntimeAccess shares the compositor's session sockets with the
// managed group.
func (b *Broker) SetupRuntimeAccess(ctx context.Context, compositorUID uint32) error {
	_, err := dispatch(ctx, b, opSetupRuntimeAccess, uidTarget(compositorUID), func(authz.Caller) (struct{}, error) {
		return struct{}{}, b.runtime.SetupAccess(ctx, compositorUID)
	})
	return err
}

// RemoveRuntimeAccess revokes what SetupRuntimeAccess granted.
func (b *Broker) RemoveRuntimeAccess(ctx context.Context, compositorUID uint32) error {
	_, err := dispatch(ctx, b, opRemoveRuntimeAccess, uidTarget(compositorUID), func(authz.Caller) (struct{}, error) {
		return struct{}{}, b.runtime.RemoveAccess(ctx, compositorUID)
	})
	return err
}

// =============================================================================
// Instances
// =============================================================================

// LaunchInstance starts command as username and returns its pid.
func (b *Broker) LaunchInstance(ctx context.Context, username string, compositorUID uint32, args []string, command string, env []string) (int, error) {
	return dispatch(ctx, b, opLaunchInstance, username+" "+command, func(caller authz.Caller) (int, error) {
		return b.supervisor.Launch(ctx, supervisor.Spec{
			Username:      username,
			CompositorUID: compositorUID,
			Command:       command,
			Args:          args,
			Env:           env,
			CallerUID:     caller.UID,
		})
	})
}

// StopInstance terminates pid gracefully.
func (b *Broker) StopInstance(ctx context.Context, pid int) error {
	_, err := dispatch(ctx, b, opStopInstance, fmt.Sprintf("pid=%d", pid), func(authz.Caller) (struct{}, error) {
		return struct{}{}, b.supervisor.Stop(ctx, pid)
	})
	return err
}

// KillInstance kills pid.
func (b *Broker) KillInstance(ctx context.Context, pid int) error {
	_, err := dispatch(ctx, b, opKillInstance, fmt.Sprintf("pid=%d", pid), func(authz.Caller) (struct{}, error) {
		return struct{}{}, b.supervisor.Kill(ctx, pid)
	})
	return err
}

// =============================================================================
// Shared Directories
// =============================================================================

// MountSharedDirectories bind-mounts specs into the home of a managed
// account and returns the number mounted.
func (b *Broker) MountSharedDirectories(ctx context.Context, username string, compositorUID uint32, specs []string) (int, error) {
	return dispatch(ctx, b, opMountShared, username, func(authz.Caller) (int, error) {
		if _, err := b.accounts.RequireManaged(ctx, username); err != nil {
			return 0, err
		}
		return b.mounts.Mount(ctx, username, compositorUID, specs)
	})
}

// UnmountSharedDirectories removes the mounts of username.
func (b *Broker) UnmountSharedDirectories(ctx context.Context, username string) (int, error) {
	return dispatch(ctx, b, opUnmountShared, username, func(authz.Caller) (int, error) {
		return b.mounts.Unmount(ctx, username), nil
	})
}

// UnmountAllSharedDirectories removes every tracked mount.
func (b *Broker) UnmountAllSharedDirectories(ctx context.Context) (int, error) {
	return dispatch(ctx, b, opUnmountAllShared, "", func(authz.Caller) (int, error) {
		return b.mounts.UnmountAll(ctx), nil
	})
}

// =============================================================================
// User Files
// =============================================================================

// CopyFileToUser copies a file readable by the caller into the home of a
// managed account.
func (b *Broker) CopyFileToUser(ctx context.Context, src, dst, username string) error {
	_, err := dispatch(ctx, b, opCopyFileToUser, username+" "+dst, func(caller authz.Caller) (struct{}, error) {
		return struct{}{}, b.files.CopyFileToUser(ctx, caller.UID, src, dst, username)
	})
	return err
}

// WriteFileToUser writes data into the home of a managed account.
func (b *Broker) WriteFileToUser(ctx context.Context, data []byte, dst, username string) error {
	_, err := dispatch(ctx, b, opWriteFileToUser, username+" "+dst, func(authz.Caller) (struct{}, error) {
		return struct{}{}, b.files.WriteFileToUser(ctx, data, dst, username)
	})
	return err
}

// SetDirectoryAcl shares a directory of the caller with a managed account.
func (b *Broker) SetDirectoryAcl(ctx context.Context, path, username string, recursive bool) error {
	_, err := dispatch(ctx, b, opSetDirectoryAcl, username+" "+path, func(caller authz.Caller) (struct{}, error) {
		return struct{}{}, b.files.SetDirectoryAcl(ctx, caller.UID, path, username, recursive)
	})
	return err
}

// GetUserSteamID returns the SteamID64 last used by a managed account.
func (b *Broker) GetUserSteamID(ctx context.Context, username string) (string, error) {
	return dispatch(ctx, b, opGetUserSteamID, username, func(authz.Caller) (string, error) {
		return b.files.SteamID(ctx, username)
	})
}
