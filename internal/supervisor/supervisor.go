package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.olrik.dev/wrangler/internal/store"
)

// Environment contract with the companion process. These five variables are
// the entire interface between the coordinator and the spawned child.
const (
	EnvHost            = "GITPOD_HOST"
	EnvSSHConfig       = "GITPOD_LCA_SSH_CONFIG"
	EnvAPIPort         = "GITPOD_LCA_API_PORT"
	EnvAutoTunnel      = "GITPOD_LCA_AUTO_TUNNEL"
	EnvAuthRedirectURL = "GITPOD_LCA_AUTH_REDIRECT_URL"
)

const (
	// spawnPollInterval is how often the fresh child is probed for liveness.
	spawnPollInterval = 150 * time.Millisecond

	// alivePolls is how many consecutive successful probes confirm the spawn.
	alivePolls = 3
)

// SpawnError reports a launch failure or an immediate exit of the companion.
type SpawnError struct {
	Host string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn companion for %s: %v", e.Host, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Supervisor spawns and health-checks companion processes. Children are
// started detached so they outlive the spawning wrangler invocation and can
// be reused by a later one.
type Supervisor struct {
	LogDir          string
	AuthRedirectURL string
	SpawnTimeout    time.Duration
}

func New(logDir, authRedirectURL string, spawnTimeout time.Duration) *Supervisor {
	return &Supervisor{
		LogDir:          logDir,
		AuthRedirectURL: authRedirectURL,
		SpawnTimeout:    spawnTimeout,
	}
}

// Spawn launches the installed companion binary for hostURL and waits until
// the process is confirmed alive. The returned RunningConfig records
// everything a later invocation needs to reach or kill the process.
func (sv *Supervisor) Spawn(ctx context.Context, hostURL, authority string, inst store.Installation) (store.RunningConfig, error) {
	var cfg store.RunningConfig

	if err := ctx.Err(); err != nil {
		return cfg, err
	}

	port, err := allocatePort()
	if err != nil {
		return cfg, &SpawnError{Host: authority, Err: err}
	}

	sshConfig, err := freshSSHConfigPath(authority)
	if err != nil {
		return cfg, &SpawnError{Host: authority, Err: err}
	}

	if err := os.MkdirAll(sv.LogDir, 0o755); err != nil {
		return cfg, &SpawnError{Host: authority, Err: err}
	}
	logPath := filepath.Join(sv.LogDir, authority+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return cfg, &SpawnError{Host: authority, Err: err}
	}
	defer logFile.Close()

	cmd := exec.Command(inst.BinaryPath)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", EnvHost, hostURL),
		fmt.Sprintf("%s=%s", EnvSSHConfig, sshConfig),
		fmt.Sprintf("%s=%d", EnvAPIPort, port),
		fmt.Sprintf("%s=%s", EnvAutoTunnel, "true"),
		fmt.Sprintf("%s=%s", EnvAuthRedirectURL, sv.AuthRedirectURL),
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachedProcAttr()

	slog.Info("Starting companion",
		"host", authority,
		"binary", inst.BinaryPath,
		"port", port,
		"log", logPath)

	if err := cmd.Start(); err != nil {
		return cfg, &SpawnError{Host: authority, Err: err}
	}
	pid := cmd.Process.Pid

	// Detachment comes from the process attributes, not from dropping the
	// handle: the child is in its own session and survives this process.
	// Reap it if it dies while we are still around, so the zero-signal
	// probe does not keep answering for a zombie.
	go cmd.Wait()

	if err := sv.waitAlive(ctx, pid); err != nil {
		return cfg, &SpawnError{Host: authority, Err: err}
	}

	slog.Info("Companion confirmed alive", "host", authority, "pid", pid)
	return store.RunningConfig{
		Host:          hostURL,
		SSHConfigFile: sshConfig,
		APIPort:       port,
		ProcessID:     pid,
		LogFilePath:   logPath,
	}, nil
}

// waitAlive polls the fresh child until it is confirmed alive or found to
// have exited. A child that dies during the confirmation window counts as an
// immediate exit.
func (sv *Supervisor) waitAlive(ctx context.Context, pid int) error {
	deadline := time.Now().Add(sv.SpawnTimeout)
	ticker := time.NewTicker(spawnPollInterval)
	defer ticker.Stop()

	confirmed := 0
	for {
		if !Alive(pid) {
			return fmt.Errorf("companion exited immediately (pid %d)", pid)
		}
		confirmed++
		if confirmed >= alivePolls {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout confirming companion liveness (pid %d)", pid)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// allocatePort grabs an ephemeral port by binding a throwaway listener and
// reading back the assigned port. Another process can grab the port between
// this probe and the companion binding it; that race is a known limitation.
func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate API port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

// freshSSHConfigPath reserves a new temporary SSH config file path for the
// companion to write resolved host entries into.
func freshSSHConfigPath(authority string) (string, error) {
	f, err := os.CreateTemp("", fmt.Sprintf("wrangler-ssh-config-%s-*", authority))
	if err != nil {
		return "", fmt.Errorf("failed to create SSH config file: %w", err)
	}
	path := f.Name()
	f.Close()
	return path, nil
}
