// Package rpc serves the broker over a Connect-RPC service on a unix socket
// and provides the matching client.
package rpc

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/manchtools/splitplay/broker/internal/authz"
	"github.com/manchtools/splitplay/broker/internal/validate"
)

// Broker is the operation surface served over RPC.
type Broker interface {
	ChangeDeviceOwner(ctx context.Context, path string, uid uint32) error
	ChangeDeviceOwnerBatch(ctx context.Context, paths []string, uid uint32) (int, error)
	ResetDeviceOwner(ctx context.Context, path string) error
	ResetAllDevices(ctx context.Context) (int, error)
	CreateUser(ctx context.Context, username, fullName string) (uint32, error)
	DeleteUser(ctx context.Context, username string, removeHome bool) error
	IsInManagedGroup(ctx context.Context, username string) (bool, error)
	EnableLinger(ctx context.Context, username string) error
	DisableLinger(ctx context.Context, username string) error
	IsLingerEnabled(ctx context.Context, username string) (bool, error)
	SetupRuntimeAccess(ctx context.Context, compositorUID uint32) error
	RemoveRuntimeAccess(ctx context.Context, compositorUID uint32) error
	LaunchInstance(ctx context.Context, username string, compositorUID uint32, args []string, command string, env []string) (int, error)
	StopInstance(ctx context.Context, pid int) error
	KillInstance(ctx context.Context, pid int) error
	MountSharedDirectories(ctx context.Context, username string, compositorUID uint32, specs []string) (int, error)
	UnmountSharedDirectories(ctx context.Context, username string) (int, error)
	UnmountAllSharedDirectories(ctx context.Context) (int, error)
	CopyFileToUser(ctx context.Context, src, dst, username string) error
	WriteFileToUser(ctx context.Context, data []byte, dst, username string) error
	SetDirectoryAcl(ctx context.Context, path, username string, recursive bool) error
	GetUserSteamID(ctx context.Context, username string) (string, error)
	Version() string
}

// unary registers one procedure on mux. A request that fails validation
// still reaches fn, carrying the error in its context: the broker reports it
// only once the caller is authorized, so an unauthorized caller always gets
// AccessDenied. Errors leave with the connect code of their kind.
func unary[Req, Res any](mux *http.ServeMux, name string, fn func(context.Context, *Req) (*Res, error)) {
	procedure := ProcedurePrefix + name
	mux.Handle(procedure, connect.NewUnaryHandler(procedure,
		func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
			if err := validate.Struct(req.Msg); err != nil {
				ctx = authz.WithDeferredError(ctx, err)
			}
			res, err := fn(ctx, req.Msg)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(res), nil
		},
		connect.WithCodec(Codec{}),
		connect.WithReadMaxBytes(maxMessageBytes),
	))
}

func ok(err error) (*BoolResponse, error) {
	if err != nil {
		return nil, err
	}
	return &BoolResponse{OK: true}, nil
}

func count(n int, err error) (*CountResponse, error) {
	if err != nil {
		return nil, err
	}
	return &CountResponse{Count: n}, nil
}

// Register adds every broker procedure to mux.
func Register(mux *http.ServeMux, b Broker) {
	unary(mux, "ChangeDeviceOwner", func(ctx context.Context, r *ChangeDeviceOwnerRequest) (*BoolResponse, error) {
		return ok(b.ChangeDeviceOwner(ctx, r.Path, r.UID))
	})
	unary(mux, "ChangeDeviceOwnerBatch", func(ctx context.Context, r *ChangeDeviceOwnerBatchRequest) (*CountResponse, error) {
		return count(b.ChangeDeviceOwnerBatch(ctx, r.Paths, r.UID))
	})
	unary(mux, "ResetDeviceOwner", func(ctx context.Context, r *ResetDeviceOwnerRequest) (*BoolResponse, error) {
		return ok(b.ResetDeviceOwner(ctx, r.Path))
	})
	unary(mux, "ResetAllDevices", func(ctx context.Context, _ *Empty) (*CountResponse, error) {
		return count(b.ResetAllDevices(ctx))
	})

	unary(mux, "CreateUser", func(ctx context.Context, r *CreateUserRequest) (*UIDResponse, error) {
		uid, err := b.CreateUser(ctx, r.Username, r.FullName)
		if err != nil {
			return nil, err
		}
		return &UIDResponse{UID: uid}, nil
	})
	unary(mux, "DeleteUser", func(ctx context.Context, r *DeleteUserRequest) (*BoolResponse, error) {
		return ok(b.DeleteUser(ctx, r.Username, r.RemoveHome))
	})
	unary(mux, "IsInManagedGroup", func(ctx context.Context, r *UsernameRequest) (*BoolResponse, error) {
		managed, err := b.IsInManagedGroup(ctx, r.Username)
		if err != nil {
			return nil, err
		}
		return &BoolResponse{OK: managed}, nil
	})
	unary(mux, "EnableLinger", func(ctx context.Context, r *UsernameRequest) (*BoolResponse, error) {
		return ok(b.EnableLinger(ctx, r.Username))
	})
	unary(mux, "DisableLinger", func(ctx context.Context, r *UsernameRequest) (*BoolResponse, error) {
		return ok(b.DisableLinger(ctx, r.Username))
	})
	unary(mux, "IsLingerEnabled", func(ctx context.Context, r *UsernameRequest) (*BoolResponse, error) {
		enabled, err := b.IsLingerEnabled(ctx, r.Username)
		if err != nil {
			return nil, err
		}
		return &BoolResponse{OK: enabled}, nil
	})

	unary(mux, "SetupRuntimeAccess", func(ctx context.Context, r *RuntimeAccessRequest) (*BoolResponse, error) {
		return ok(b.SetupRuntimeAccess(ctx, r.CompositorUID))
	})
	unary(mux, "RemoveRuntimeAccess", func(ctx context.Context, r *RuntimeAccessRequest) (*BoolResponse, error) {
		return ok(b.RemoveRuntimeAccess(ctx, r.CompositorUID))
	})

	unary(mux, "LaunchInstance", func(ctx context.Context, r *LaunchInstanceRequest) (*PidResponse, error) {
		pid, err := b.LaunchInstance(ctx, r.Username, r.CompositorUID, r.Args, r.Command, r.Env)
		if err != nil {
			return nil, err
		}
		return &PidResponse{Pid: pid}, nil
	})
	unary(mux, "StopInstance", func(ctx context.Context, r *PidRequest) (*BoolResponse, error) {
		return ok(b.StopInstance(ctx, r.Pid))
	})
	unary(mux, "KillInstance", func(ctx context.Context, r *PidRequest) (*BoolResponse, error) {
		return ok(b.KillInstance(ctx, r.Pid))
	})

	unary(mux, "MountSharedDirectories", func(ctx context.Context, r *MountRequest) (*CountResponse, error) {
		return count(b.MountSharedDirectories(ctx, r.Username, r.CompositorUID, r.Specs))
	})
	unary(mux, "UnmountSharedDirectories", func(ctx context.Context, r *UsernameRequest) (*CountResponse, error) {
		return count(b.UnmountSharedDirectories(ctx, r.Username))
	})
	unary(mux, "UnmountAllSharedDirectories", func(ctx context.Context, _ *Empty) (*CountResponse, error) {
		return count(b.UnmountAllSharedDirectories(ctx))
	})

	unary(mux, "CopyFileToUser", func(ctx context.Context, r *CopyFileRequest) (*BoolResponse, error) {
		return ok(b.CopyFileToUser(ctx, r.Src, r.Dst, r.Username))
	})
	unary(mux, "WriteFileToUser", func(ctx context.Context, r *WriteFileRequest) (*BoolResponse, error) {
		return ok(b.WriteFileToUser(ctx, r.Data, r.Dst, r.Username))
	})
	unary(mux, "SetDirectoryAcl", func(ctx context.Context, r *SetDirectoryAclRequest) (*BoolResponse, error) {
		return ok(b.SetDirectoryAcl(ctx, r.Path, r.Username, r.Recursive))
	})
	unary(mux, "GetUserSteamId", func(ctx context.Context, r *UsernameRequest) (*SteamIDResponse, error) {
		id, err := b.GetUserSteamID(ctx, r.Username)
		if err != nil {
			return nil, err
		}
		return &SteamIDResponse{SteamID: id}, nil
	})
	unary(mux, "Version", func(context.Context, *Empty) (*VersionResponse, error) {
		return &VersionResponse{Version: b.Version()}, nil
	})
}
