package helperapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// RPC method names exposed by the companion. The service definition itself
// lives with the companion; this side only needs the fixed method surface.
const (
	methodResolveSSHConnection = "/localapp.LocalApp/ResolveSSHConnection"
	methodAutoTunnel           = "/localapp.LocalApp/AutoTunnel"
)

// ResolveResult is the outcome of resolving an SSH connection to a
// workspace: a generated SSH config file and the host alias to connect to.
type ResolveResult struct {
	ConfigFile string `json:"config_file"`
	HostAlias  string `json:"host_alias"`
}

// Client is the coordinator's view of a running companion.
type Client interface {
	// ResolveSSHConnection asks the companion to set up an SSH tunnel into
	// the workspace instance and returns the config to reach it.
	ResolveSSHConnection(ctx context.Context, workspaceID, instanceID string) (ResolveResult, error)

	// SetAutoTunnel toggles automatic port tunnelling for the instance.
	SetAutoTunnel(ctx context.Context, instanceID string, enabled bool) error
}

// GRPCClient talks to a companion over its local gRPC port.
type GRPCClient struct {
	conn *grpc.ClientConn
}

var _ Client = (*GRPCClient)(nil)

// Dial connects to the companion's API port on loopback. The connection is
// lazy; failures surface on the first call, where the coordinator's
// transient-error handling picks them up.
func Dial(port int) (*GRPCClient, error) {
	conn, err := grpc.NewClient(
		fmt.Sprintf("127.0.0.1:%d", port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create companion client: %w", err)
	}
	return &GRPCClient{conn: conn}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

type resolveSSHConnectionRequest struct {
	WorkspaceID string `json:"workspace_id"`
	InstanceID  string `json:"instance_id"`
}

func (c *GRPCClient) ResolveSSHConnection(ctx context.Context, workspaceID, instanceID string) (ResolveResult, error) {
	req := resolveSSHConnectionRequest{WorkspaceID: workspaceID, InstanceID: instanceID}
	var res ResolveResult
	if err := c.conn.Invoke(ctx, methodResolveSSHConnection, &req, &res); err != nil {
		return ResolveResult{}, err
	}
	return res, nil
}

type autoTunnelRequest struct {
	InstanceID string `json:"instance_id"`
	Enabled    bool   `json:"enabled"`
}

type autoTunnelResponse struct{}

func (c *GRPCClient) SetAutoTunnel(ctx context.Context, instanceID string, enabled bool) error {
	req := autoTunnelRequest{InstanceID: instanceID, Enabled: enabled}
	var res autoTunnelResponse
	return c.conn.Invoke(ctx, methodAutoTunnel, &req, &res)
}

// IsTransient reports whether err is a transport-level failure worth
// retrying against the same companion: Unavailable (connection refused,
// helper restarting) or Unknown (which also covers non-status errors).
// Everything else is treated as fatal for the call.
func IsTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.Unknown:
		return true
	default:
		return false
	}
}
