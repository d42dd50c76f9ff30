package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"go.olrik.dev/wrangler/internal/keyring"
	"go.olrik.dev/wrangler/internal/store"
)

func NewLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store an access token for a workspace host",
		Long: `Store an access token for a workspace host.

The token is kept in the OS keyring and used to authenticate the companion
binary download against the host.`,
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

			token, err := keyring.PromptToken(authority)
			if err != nil {
				return err
			}
			if token == "" {
				slog.Warn("Empty token, nothing stored")
				return nil
			}

			if err := keyring.SetToken(authority, token); err != nil {
				return err
			}
			slog.Info("Access token stored", "host", authority)
			return nil
		},
	}
}

func NewLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored access token for a workspace host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := requireHost()
			if err != nil {
				return err
			}
			authority, err := store.HostIdentity(host)
			if err != nil {
				return err
			}

			if err := keyring.DeleteToken(authority); err != nil {
				return err
			}
			slog.Info("Access token removed", "host", authority)
			return nil
		},
	}
}
