package rpc

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
)

// baseURL is a placeholder host; every request goes to the socket.
const baseURL = "http://splitplay-broker"

// Client calls the broker over its unix socket. Errors carry the broker's
// error kinds.
type Client struct {
	httpClient *http.Client
}

// NewClient returns a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{httpClient: &http.Client{Transport: transport}}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func call[Req, Res any](ctx context.Context, c *Client, name string, req *Req) (*Res, error) {
	client := connect.NewClient[Req, Res](c.httpClient, baseURL+ProcedurePrefix+name,
		connect.WithCodec(Codec{}),
		connect.WithReadMaxBytes(maxMessageBytes),
	)
	res, err := client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return res.Msg, nil
}

func callOK[Req any](ctx context.Context, c *Client, name string, req *Req) error {
	_, err := call[Req, BoolResponse](ctx, c, name, req)
	return err
}

func callCount[Req any](ctx context.Context, c *Client, name string, req *Req) (int, error) {
	res, err := call[Req, CountResponse](ctx, c, name, req)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func callBool[Req any](ctx context.Context, c *Client, name string, req *Req) (bool, error) {
	res, err := call[Req, BoolResponse](ctx, c, name, req)
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

func (c *Client) ChangeDeviceOwner(ctx context.Context, path string, uid uint32) error {
	return callOK(ctx, c, "ChangeDeviceOwner", &ChangeDeviceOwnerRequest{Path: path, UID: uid})
}

func (c *Client) ChangeDeviceOwnerBatch(ctx context.Context, paths []string, uid uint32) (int, error) {
	return callCount(ctx, c, "ChangeDeviceOwnerBatch", &ChangeDeviceOwnerBatchRequest{Paths: paths, UID: uid})
}

func (c *Client) ResetDeviceOwner(ctx context.Context, path string) error {
	return callOK(ctx, c, "ResetDeviceOwner", &ResetDeviceOwnerRequest{Path: path})
}

func (c *Client) ResetAllDevices(ctx context.Context) (int, error) {
	return callCount(ctx, c, "ResetAllDevices", &Empty{})
}

func (c *Client) CreateUser(ctx context.Context, username, fullName string) (uint32, error) {
	res, err := call[CreateUserRequest, UIDResponse](ctx, c, "CreateUser", &CreateUserRequest{Username: username, FullName: fullName})
	if err != nil {
		return 0, err
	}
	return res.UID, nil
}

func (c *Client) DeleteUser(ctx context.Context, username string, removeHome bool) error {
	return callOK(ctx, c, "DeleteUser", &DeleteUserRequest{Username: username, RemoveHome: removeHome})
}

func (c *Client) IsInManagedGroup(ctx context.Context, username string) (bool, error) {
	return callBool(ctx, c, "IsInManagedGroup", &UsernameRequest{Username: username})
}

func (c *Client) EnableLinger(ctx context.Context, username string) error {
	return callOK(ctx, c, "EnableLinger", &UsernameRequest{Username: username})
}

func (c *Client) DisableLinger(ctx context.Context, username string) error {
	return callOK(ctx, c, "DisableLinger", &UsernameRequest{Username: username})
}

func (c *Client) IsLingerEnabled(ctx context.Context, username string) (bool, error) {
	return callBool(ctx, c, "IsLingerEnabled", &UsernameRequest{Username: username})
}

func (c *Client) SetupRuntimeAccess(ctx context.Context, compositorUID uint32) error {
	return callOK(ctx, c, "SetupRuntimeAccess", &RuntimeAccessRequest{CompositorUID: compositorUID})
}

func (c *Client) RemoveRuntimeAccess(ctx context.Context, compositorUID uint32) error {
	return callOK(ctx, c, "RemoveRuntimeAccess", &RuntimeAccessRequest{CompositorUID: compositorUID})
}

func (c *Client) LaunchInstance(ctx context.Context, username string, compositorUID uint32, args []string, command string, env []string) (int, error) {
	res, err := call[LaunchInstanceRequest, PidResponse](ctx, c, "LaunchInstance", &LaunchInstanceRequest{
		Username:      username,
		CompositorUID: compositorUID,
		Args:          args,
		Command:       command,
		Env:           env,
	})
	if err != nil {
		return 0, err
	}
	return res.Pid, nil
}

func (c *Client) StopInstance(ctx context.Context, pid int) error {
	return callOK(ctx, c, "StopInstance", &PidRequest{Pid: pid})
}

func (c *Client) KillInstance(ctx context.Context, pid int) error {
	return callOK(ctx, c, "KillInstance", &PidRequest{Pid: pid})
}

func (c *Client) MountSharedDirectories(ctx context.Context, username string, compositorUID uint32, specs []string) (int, error) {
	return callCount(ctx, c, "MountSharedDirectories", &MountRequest{Username: username, CompositorUID: compositorUID, Specs: specs})
}

func (c *Client) UnmountSharedDirectories(ctx context.Context, username string) (int, error) {
	return callCount(ctx, c, "UnmountSharedDirectories", &UsernameRequest{Username: username})
}

func (c *Client) UnmountAllSharedDirectories(ctx context.Context) (int, error) {
	return callCount(ctx, c, "UnmountAllSharedDirectories", &Empty{})
}

func (c *Client) CopyFileToUser(ctx context.Context, src, dst, username string) error {
	return callOK(ctx, c, "CopyFileToUser", &CopyFileRequest{Src: src, Dst: dst, Username: username})
}

func (c *Client) WriteFileToUser(ctx context.Context, data []byte, dst, username string) error {
	return callOK(ctx, c, "WriteFileToUser", &WriteFileRequest{Data: data, Dst: dst, Username: username})
}

func (c *Client) SetDirectoryAcl(ctx context.Context, path, username string, recursive bool) error {
	return callOK(ctx, c, "SetDirectoryAcl", &SetDirectoryAclRequest{Path: path, Username: username, Recursive: recursive})
}

func (c *Client) GetUserSteamID(ctx context.Context, username string) (string, error) {
	res, err := call[UsernameRequest, SteamIDResponse](ctx, c, "GetUserSteamId", &UsernameRequest{Username: username})
	if err != nil {
		return "", err
	}
	return res.SteamID, nil
}

// Version returns the broker's build version.
func (c *Client) Version(ctx context.Context) (string, error) {
	res, err := call[Empty, VersionResponse](ctx, c, "Version", &Empty{})
	if err != nil {
		return "", err
	}
	return res.Version, nil
}
