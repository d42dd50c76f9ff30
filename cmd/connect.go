package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.olrik.dev/wrangler/internal/helperapi"
)

func NewConnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <workspace-id> <instance-id>",
		Short: "Resolve an SSH connection into a workspace",
		Long: `Resolve an SSH connection into a workspace.

Ensures the companion binary is installed and running for the workspace host,
then asks it to set up an SSH tunnel into the given workspace instance. On
success the generated SSH config file path and host alias are printed, ready
for use with ssh -F.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspaceID, instanceID := args[0], args[1]

			host, err := requireHost()
			if err != nil {
				return err
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			co := buildCoordinator(cmd.Context(), s)

			var result helperapi.ResolveResult
			err = co.WithHelper(cmd.Context(), host, func(ctx context.Context, client helperapi.Client) error {
				var err error
				result, err = client.ResolveSSHConnection(ctx, workspaceID, instanceID)
				return err
			})
			if err != nil {
				return err
			}

			slog.Info("SSH connection resolved",
				"workspace", workspaceID,
				"alias", result.HostAlias)
			fmt.Fprintf(cmd.OutOrStdout(), "ssh -F %s %s\n", result.ConfigFile, result.HostAlias)
			return nil
		},
	}
}
