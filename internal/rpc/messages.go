package rpc

// Requests carry validate tags; the handler checks them and the broker
// reports a failure once the caller is authorized.

type Empty struct{}

type ChangeDeviceOwnerRequest struct {
	Path string `json:"path" validate:"required,abspath"`
	UID  uint32 `json:"uid"`
}

type ChangeDeviceOwnerBatchRequest struct {
	Paths []string `json:"paths" validate:"required,min=1,dive,required,abspath"`
	UID   uint32   `json:"uid"`
}

type ResetDeviceOwnerRequest struct {
	Path string `json:"path" validate:"required,abspath"`
}

type CreateUserRequest struct {
	Username string `json:"username" validate:"required,username"`
	FullName string `json:"fullName" validate:"max=256"`
}

type DeleteUserRequest struct {
	Username   string `json:"username" validate:"required,username"`
	RemoveHome bool   `json:"removeHome"`
}

// UsernameRequest is shared by the operations taking only an account name.
type UsernameRequest struct {
	Username string `json:"username" validate:"required,username"`
}

type RuntimeAccessRequest struct {
	CompositorUID uint32 `json:"compositorUid"`
}

type LaunchInstanceRequest struct {
	Username      string   `json:"username" validate:"required,username"`
	CompositorUID uint32   `json:"compositorUid"`
	Args          []string `json:"args"`
	Command       string   `json:"command" validate:"required"`
	Env           []string `json:"env" validate:"dive,contains=="`
}

type PidRequest struct {
	Pid int `json:"pid" validate:"gt=1"`
}

type MountRequest struct {
	Username      string   `json:"username" validate:"required,username"`
	CompositorUID uint32   `json:"compositorUid"`
	Specs         []string `json:"specs" validate:"required,min=1,dive,dirspec"`
}

type CopyFileRequest struct {
	Src      string `json:"src" validate:"required,abspath"`
	Dst      string `json:"dst" validate:"required"`
	Username string `json:"username" validate:"required,username"`
}

type WriteFileRequest struct {
	Data     []byte `json:"data"`
	Dst      string `json:"dst" validate:"required"`
	Username string `json:"username" validate:"required,username"`
}

type SetDirectoryAclRequest struct {
	Path      string `json:"path" validate:"required,abspath"`
	Username  string `json:"username" validate:"required,username"`
	Recursive bool   `json:"recursive"`
}

type BoolResponse struct {
	OK bool `json:"ok"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type UIDResponse struct {
	UID uint32 `json:"uid"`
}

type PidResponse struct {
	Pid int `json:"pid"`
}

type SteamIDResponse struct {
	SteamID string `json:"steamId"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
