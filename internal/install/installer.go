package install

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.olrik.dev/wrangler/internal/store"
	"go.olrik.dev/wrangler/internal/supervisor"
)

// Error reports a failed download or filesystem write during installation.
type Error struct {
	Host string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to install companion for %s: %v", e.Host, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Manager downloads the companion binary from the workspace host and tracks
// its on-disk path and version tag in the store.
type Manager struct {
	Store  *store.Store
	BinDir string
	Client *http.Client

	// Token optionally supplies a bearer token for the download request.
	Token func(authority string) (string, error)
}

func New(s *store.Store, binDir string, httpTimeout time.Duration) *Manager {
	return &Manager{
		Store:  s,
		BinDir: binDir,
		Client: &http.Client{Timeout: httpTimeout},
	}
}

// assetPath returns the per-platform download path for the companion binary
// under the host's base URL.
func assetPath(goos string) string {
	switch goos {
	case "windows":
		return "/static/bin/local-companion-windows.exe"
	case "darwin":
		return "/static/bin/local-companion-darwin"
	default:
		return "/static/bin/local-companion-linux"
	}
}

// EnsureInstalled returns a valid installation record for the host,
// downloading the companion binary when none exists or the upstream version
// tag has moved. A cached installation is preferred over a failing network:
// the fetch result is captured up front but only consulted when no usable
// cached binary remains.
func (m *Manager) EnsureInstalled(ctx context.Context, hostURL, authority string) (store.Installation, error) {
	var none store.Installation

	if err := ctx.Err(); err != nil {
		return none, err
	}

	resp, fetchErr := m.fetch(ctx, hostURL, authority)
	if resp != nil {
		defer resp.Body.Close()
	}

	var tag string
	if fetchErr == nil && resp.StatusCode == http.StatusOK {
		tag = resp.Header.Get("ETag")
	}

	if err := ctx.Err(); err != nil {
		return none, err
	}

	cached, err := m.Store.Installation(authority)
	if err != nil {
		return none, err
	}
	if cached != nil && !isExecutable(cached.BinaryPath) {
		slog.Warn("Cached companion binary is gone or not executable, discarding record",
			"host", authority, "binary", cached.BinaryPath)
		cached = nil
	}

	if cached != nil && tag != "" && cached.VersionTag != tag {
		slog.Info("Companion binary is stale, forcing reinstall",
			"host", authority, "cached_tag", cached.VersionTag, "upstream_tag", tag)
		if err := m.invalidate(authority); err != nil {
			return none, err
		}
		cached = nil
	}

	if cached != nil {
		return *cached, nil
	}

	// No valid cached installation left; now the captured fetch result
	// decides whether we can install at all.
	if fetchErr != nil {
		return none, &Error{Host: authority, Err: fetchErr}
	}
	if resp.StatusCode != http.StatusOK {
		return none, &Error{Host: authority, Err: fmt.Errorf("download returned HTTP %d", resp.StatusCode)}
	}

	if err := ctx.Err(); err != nil {
		return none, err
	}

	binaryPath, err := m.writeBinary(authority, resp.Body)
	if err != nil {
		return none, &Error{Host: authority, Err: err}
	}

	rec := store.Installation{BinaryPath: binaryPath, VersionTag: tag}
	if err := m.Store.SetInstallation(authority, rec); err != nil {
		return none, err
	}

	slog.Info("Installed companion binary",
		"host", authority, "binary", binaryPath, "tag", tag)
	return rec, nil
}

// fetch downloads the platform asset, retrying briefly on network errors.
// HTTP error statuses are returned as-is; only transport failures retry.
func (m *Manager) fetch(ctx context.Context, hostURL, authority string) (*http.Response, error) {
	url := hostURL + assetPath(runtime.GOOS)

	var resp *http.Response
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			if m.Token != nil {
				if token, err := m.Token(authority); err == nil && token != "" {
					req.Header.Set("Authorization", "Bearer "+token)
				}
			}
			r, err := m.Client.Do(req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			slog.Debug("Companion download attempt failed", "host", authority, "attempt", attempt, "error", err)
		},
		Attempts:    3,
		Delay:       500 * time.Millisecond,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
	return resp, err
}

// invalidate drops the cached installation and, when a running config exists
// for the host, terminates that process first so the superseded binary is
// not left serving RPCs.
func (m *Manager) invalidate(authority string) error {
	running, err := m.Store.RunningConfig(authority)
	if err != nil {
		return err
	}
	if running != nil {
		slog.Info("Terminating superseded companion process",
			"host", authority, "pid", running.ProcessID)
		if err := supervisor.Terminate(running.ProcessID); err != nil {
			slog.Warn("Failed to terminate superseded companion", "pid", running.ProcessID, "error", err)
		}
		if err := m.Store.DeleteRunningConfig(authority); err != nil {
			return err
		}
	}
	// The stale binary is left on disk; the fresh install writes a new file.
	return m.Store.DeleteInstallation(authority)
}

// writeBinary streams the download body to a fresh file under BinDir and
// marks it executable on non-Windows platforms.
func (m *Manager) writeBinary(authority string, body io.Reader) (string, error) {
	if err := os.MkdirAll(m.BinDir, 0o755); err != nil {
		return "", err
	}

	pattern := fmt.Sprintf("companion-%s-*", authority)
	if runtime.GOOS == "windows" {
		pattern += ".exe"
	}
	f, err := os.CreateTemp(m.BinDir, pattern)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(f.Name(), 0o755); err != nil {
			os.Remove(f.Name())
			return "", err
		}
	}
	return f.Name(), nil
}

// isExecutable reports whether path exists as a regular file with execute
// permission (mode check skipped on Windows).
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
