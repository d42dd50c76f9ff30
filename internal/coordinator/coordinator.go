package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.olrik.dev/wrangler/internal/helperapi"
	"go.olrik.dev/wrangler/internal/lock"
	"go.olrik.dev/wrangler/internal/store"
	"go.olrik.dev/wrangler/internal/supervisor"
)

// ErrUnavailable is returned once the restart budget is exhausted.
var ErrUnavailable = errors.New("failed to access the local app")

// State tracks where a WithHelper call is in the provisioning protocol.
type State string

const (
	StateNoConfig    State = "no-config"
	StateInstalling  State = "installing"
	StateSpawning    State = "spawning"
	StateReady       State = "ready"
	StateUnreachable State = "unreachable"
	StateDead        State = "dead"
)

// Installer provides a valid companion installation for a host.
type Installer interface {
	EnsureInstalled(ctx context.Context, hostURL, authority string) (store.Installation, error)
}

// Spawner launches an installed companion and reports its running config.
type Spawner interface {
	Spawn(ctx context.Context, hostURL, authority string, inst store.Installation) (store.RunningConfig, error)
}

// Dialer opens an RPC client against a companion API port. The returned
// func closes the underlying connection.
type Dialer func(port int) (helperapi.Client, func() error, error)

// Coordinator answers "give me a live, reachable companion" for a host and
// runs RPC operations through it, re-provisioning on process death within a
// bounded restart budget.
type Coordinator struct {
	Store     *store.Store
	Locker    *lock.Locker
	Installer Installer
	Spawner   Spawner

	Dial     Dialer
	Probe    func(pid int) bool
	Validate func(pid int, binaryPath string) bool

	RestartAttempts int
	RetryDelay      time.Duration
	LockTimeout     time.Duration
}

func New(s *store.Store, lk *lock.Locker, inst Installer, spawn Spawner) *Coordinator {
	return &Coordinator{
		Store:     s,
		Locker:    lk,
		Installer: inst,
		Spawner:   spawn,
		Dial: func(port int) (helperapi.Client, func() error, error) {
			c, err := helperapi.Dial(port)
			if err != nil {
				return nil, nil, err
			}
			return c, c.Close, nil
		},
		Probe:           supervisor.Alive,
		Validate:        supervisor.Validates,
		RestartAttempts: 5,
		RetryDelay:      time.Second,
		LockTimeout:     30 * time.Second,
	}
}

// processDeadError marks an RPC failure whose root cause is that the
// companion process no longer exists.
type processDeadError struct {
	pid   int
	cause error
}

func (e *processDeadError) Error() string {
	return fmt.Sprintf("companion process %d is dead: %v", e.pid, e.cause)
}

func (e *processDeadError) Unwrap() error { return e.cause }

// WithHelper ensures a live companion for hostURL and invokes op against it.
// Transient transport errors while the process is alive are retried against
// the same config after a short delay; a dead process triggers a full
// re-provisioning cycle, at most RestartAttempts times, after which
// ErrUnavailable is returned. Any other RPC error propagates untouched.
func (c *Coordinator) WithHelper(ctx context.Context, hostURL string, op func(ctx context.Context, client helperapi.Client) error) error {
	authority, err := store.HostIdentity(hostURL)
	if err != nil {
		return err
	}

	restarts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.logState(authority, StateNoConfig)
		cfg, err := c.ensureHelper(ctx, hostURL, authority)
		if err != nil {
			return err
		}

		err = c.callWithRetries(ctx, authority, cfg, op)
		if err == nil {
			return nil
		}

		var dead *processDeadError
		if !errors.As(err, &dead) {
			return err
		}

		// Dead: drop the recorded config, but only when it is still the one
		// that just failed. Another process may have re-provisioned already.
		c.logState(authority, StateDead)
		lockErr := c.Locker.WithLock(ctx, authority, c.LockTimeout, func(ctx context.Context) error {
			cleared, err := c.Store.DeleteRunningConfigIfMatches(authority, cfg)
			if cleared {
				slog.Info("Cleared dead companion config", "host", authority, "pid", cfg.ProcessID)
			}
			return err
		})
		if lockErr != nil {
			return lockErr
		}

		restarts++
		if restarts > c.RestartAttempts {
			return fmt.Errorf("%w (host %s, %d restarts)", ErrUnavailable, authority, c.RestartAttempts)
		}
		slog.Warn("Companion process died, re-provisioning",
			"host", authority, "pid", cfg.ProcessID, "restart", restarts)
	}
}

// ensureHelper runs the lock-guarded provisioning sequence: check the cached
// running config, ensure the installation is current, spawn when no live
// process remains. The lock bounds concurrent provisioning to one
// installer/spawner per host identity across all wrangler processes.
func (c *Coordinator) ensureHelper(ctx context.Context, hostURL, authority string) (store.RunningConfig, error) {
	var cfg store.RunningConfig
	err := c.Locker.WithLock(ctx, authority, c.LockTimeout, func(ctx context.Context) error {
		c.logState(authority, StateInstalling)
		inst, err := c.Installer.EnsureInstalled(ctx, hostURL, authority)
		if err != nil {
			return err
		}

		// Re-read after install: a stale installation kills and clears the
		// recorded process as a side effect.
		existing, err := c.Store.RunningConfig(authority)
		if err != nil {
			return err
		}
		if existing != nil {
			if c.Validate(existing.ProcessID, inst.BinaryPath) {
				slog.Debug("Reusing live companion", "host", authority, "pid", existing.ProcessID)
				cfg = *existing
				return nil
			}
			slog.Info("Recorded companion is gone, clearing config",
				"host", authority, "pid", existing.ProcessID)
			if err := c.Store.DeleteRunningConfig(authority); err != nil {
				return err
			}
		}

		c.logState(authority, StateSpawning)
		spawned, err := c.Spawner.Spawn(ctx, hostURL, authority, inst)
		if err != nil {
			return err
		}
		if err := c.Store.SetRunningConfig(authority, spawned); err != nil {
			return err
		}
		cfg = spawned
		return nil
	})
	if err != nil {
		return cfg, err
	}
	c.logState(authority, StateReady)
	return cfg, nil
}

// callWithRetries invokes op against cfg, absorbing transient transport
// errors while the process stays alive. Transient retries do not consume
// restart attempts but are themselves capped by the overall attempt budget.
func (c *Coordinator) callWithRetries(ctx context.Context, authority string, cfg store.RunningConfig, op func(ctx context.Context, client helperapi.Client) error) error {
	client, closeConn, err := c.Dial(cfg.APIPort)
	if err != nil {
		return err
	}
	defer closeConn()

	for attempt := 1; ; attempt++ {
		err := op(ctx, client)
		if err == nil {
			return nil
		}

		// Liveness first: a dead process explains any RPC failure.
		if !c.Probe(cfg.ProcessID) {
			return &processDeadError{pid: cfg.ProcessID, cause: err}
		}

		if !helperapi.IsTransient(err) {
			// Alive but the call itself failed; fatal for this call.
			return err
		}

		if attempt >= c.RestartAttempts {
			return fmt.Errorf("%w (host %s, gave up after %d attempts: %v)", ErrUnavailable, authority, attempt, err)
		}

		c.logState(authority, StateUnreachable)
		slog.Debug("Companion unreachable, retrying",
			"host", authority, "pid", cfg.ProcessID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.RetryDelay):
		}
	}
}

func (c *Coordinator) logState(authority string, s State) {
	slog.Debug("Coordinator state", "host", authority, "state", s)
}
