package helperapi

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// testBackend implements the companion's RPC surface for loopback tests.
type testBackend struct {
	resolve    func(req *resolveSSHConnectionRequest) (*ResolveResult, error)
	autoTunnel func(req *autoTunnelRequest) error
}

func resolveHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(resolveSSHConnectionRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*testBackend).resolve(req)
}

func autoTunnelHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(autoTunnelRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if err := srv.(*testBackend).autoTunnel(req); err != nil {
		return nil, err
	}
	return &autoTunnelResponse{}, nil
}

var testServiceDesc = grpc.ServiceDesc{
	ServiceName: "localapp.LocalApp",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResolveSSHConnection", Handler: resolveHandler},
		{MethodName: "AutoTunnel", Handler: autoTunnelHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// startBackend serves backend on a loopback port and returns the port.
func startBackend(t *testing.T, backend *testBackend) int {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := grpc.NewServer()
	srv.RegisterService(&testServiceDesc, backend)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return lis.Addr().(*net.TCPAddr).Port
}

func TestGRPCClient_ResolveSSHConnection(t *testing.T) {
	backend := &testBackend{
		resolve: func(req *resolveSSHConnectionRequest) (*ResolveResult, error) {
			if req.WorkspaceID != "ws-1" || req.InstanceID != "inst-1" {
				return nil, status.Errorf(codes.InvalidArgument, "unexpected request %+v", req)
			}
			return &ResolveResult{ConfigFile: "/tmp/ssh-config", HostAlias: "ws-1.gitpod"}, nil
		},
	}
	port := startBackend(t, backend)

	client, err := Dial(port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.ResolveSSHConnection(ctx, "ws-1", "inst-1")
	if err != nil {
		t.Fatalf("ResolveSSHConnection failed: %v", err)
	}
	if res.ConfigFile != "/tmp/ssh-config" {
		t.Errorf("expected config file '/tmp/ssh-config', got %q", res.ConfigFile)
	}
	if res.HostAlias != "ws-1.gitpod" {
		t.Errorf("expected host alias 'ws-1.gitpod', got %q", res.HostAlias)
	}
}

func TestGRPCClient_SetAutoTunnel(t *testing.T) {
	var got *autoTunnelRequest
	backend := &testBackend{
		autoTunnel: func(req *autoTunnelRequest) error {
			got = req
			return nil
		},
	}
	port := startBackend(t, backend)

	client, err := Dial(port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.SetAutoTunnel(ctx, "inst-1", true); err != nil {
		t.Fatalf("SetAutoTunnel failed: %v", err)
	}
	if got == nil || got.InstanceID != "inst-1" || !got.Enabled {
		t.Errorf("expected enabled tunnel request for inst-1, got %+v", got)
	}

	if err := client.SetAutoTunnel(ctx, "inst-1", false); err != nil {
		t.Fatalf("SetAutoTunnel(disable) failed: %v", err)
	}
	if got == nil || got.Enabled {
		t.Errorf("expected disabled tunnel request, got %+v", got)
	}
}

func TestGRPCClient_ServerErrorSurfaces(t *testing.T) {
	backend := &testBackend{
		resolve: func(req *resolveSSHConnectionRequest) (*ResolveResult, error) {
			return nil, status.Error(codes.NotFound, "no such workspace")
		},
	}
	port := startBackend(t, backend)

	client, err := Dial(port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.ResolveSSHConnection(ctx, "ws-gone", "inst-gone")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound status, got %v", err)
	}
}

func TestDial_NoListener(t *testing.T) {
	// The connection is lazy; the failure must surface on the first call as
	// a transient status so the coordinator retries it
	client, err := Dial(1)
	if err != nil {
		t.Fatalf("Dial must not fail eagerly: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.ResolveSSHConnection(ctx, "ws-1", "inst-1")
	if err == nil {
		t.Fatal("expected error calling a dead port")
	}
	if !IsTransient(err) {
		t.Errorf("expected connection failure to be transient, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), true},
		{"unknown status", status.Error(codes.Unknown, "something odd"), true},
		{"plain error maps to unknown", errors.New("boom"), true},
		{"wrapped io error maps to unknown", io.ErrUnexpectedEOF, true},
		{"not found", status.Error(codes.NotFound, "missing"), false},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"internal", status.Error(codes.Internal, "broken"), false},
		{"nil is OK", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestJSONCodec(t *testing.T) {
	codec := jsonCodec{}

	if codec.Name() != "json" {
		t.Errorf("expected codec name 'json', got %q", codec.Name())
	}

	in := ResolveResult{ConfigFile: "/tmp/cfg", HostAlias: "alias"}
	data, err := codec.Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out ResolveResult
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out != in {
		t.Errorf("expected roundtrip %+v, got %+v", in, out)
	}
}
