package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"go.olrik.dev/wrangler/internal/coordinator"
	"go.olrik.dev/wrangler/internal/core"
	"go.olrik.dev/wrangler/internal/install"
	"go.olrik.dev/wrangler/internal/keyring"
	"go.olrik.dev/wrangler/internal/lock"
	"go.olrik.dev/wrangler/internal/store"
	"go.olrik.dev/wrangler/internal/supervisor"
)

// requireHost resolves the workspace host URL from the --host flag or the
// config file and fails when neither is set.
func requireHost() (string, error) {
	host := core.GetHost()
	if host == "" {
		return "", fmt.Errorf("no workspace host given; use --host or set it in the config file")
	}
	if _, err := store.HostIdentity(host); err != nil {
		return "", err
	}
	return host, nil
}

// openStore opens the shared state store.
func openStore() (*store.Store, error) {
	return store.Open(core.GetStatePath())
}

// buildCoordinator wires the full provisioning stack against the given
// store and starts the background lock reaper for the lifetime of ctx.
func buildCoordinator(ctx context.Context, s *store.Store) *coordinator.Coordinator {
	locker := lock.NewLocker(s)
	locker.StartReaper(ctx)

	installer := install.New(s,
		filepath.Join(core.Config.GetString("config_path"), "bin"),
		core.Config.GetDuration("install.http_timeout"),
	)
	installer.Token = keyring.GetToken

	sv := supervisor.New(
		core.GetLogDir(),
		core.Config.GetString("companion.auth_redirect_url"),
		core.Config.GetDuration("companion.spawn_timeout"),
	)

	co := coordinator.New(s, locker, installer, sv)
	co.RestartAttempts = core.Config.GetInt("companion.restart_attempts")
	co.RetryDelay = core.Config.GetDuration("companion.retry_delay")
	co.LockTimeout = core.Config.GetDuration("lock.timeout")
	return co
}
