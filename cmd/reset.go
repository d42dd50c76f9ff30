package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"go.olrik.dev/wrangler/internal/store"
	"go.olrik.dev/wrangler/internal/supervisor"
)

func NewResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Terminate the companion for a host and clear its records",
		Long: `Terminate the companion for a host and clear its records.

Stops any recorded companion process, then removes the host's running config,
installation record, and lock record from the state store. The next connect
provisions from scratch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := requireHost()
			if err != nil {
				return err
			}
			authority, err := store.HostIdentity(host)
			if err != nil {
				return err
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			cfg, err := s.RunningConfig(authority)
			if err != nil {
				return err
			}
			if cfg != nil && supervisor.Alive(cfg.ProcessID) {
				slog.Info("Terminating companion", "host", authority, "pid", cfg.ProcessID)
				if err := supervisor.Terminate(cfg.ProcessID); err != nil {
					slog.Warn("Failed to terminate companion", "pid", cfg.ProcessID, "error", err)
				}
			}

			for _, key := range []string{
				store.ConfigKey(authority),
				store.InstallationKey(authority),
				store.LockKey(authority),
			} {
				if err := s.Delete(key); err != nil {
					return err
				}
			}

			slog.Info("Companion state cleared", "host", authority)
			return nil
		},
	}
}
