package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"go.olrik.dev/wrangler/internal/helperapi"
)

func NewTunnelCommand() *cobra.Command {
	var disable bool

	tunnelCmd := &cobra.Command{
		Use:   "tunnel <instance-id>",
		Short: "Toggle automatic port tunnelling for a workspace instance",
		Long: `Toggle automatic port tunnelling for a workspace instance.

Ensures the companion is running for the workspace host, then asks it to
enable (default) or disable automatic tunnelling of the instance's ports.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceID := args[0]

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

			err = co.WithHelper(cmd.Context(), host, func(ctx context.Context, client helperapi.Client) error {
				return client.SetAutoTunnel(ctx, instanceID, !disable)
			})
			if err != nil {
				return err
			}

			slog.Info("Auto-tunnel updated", "instance", instanceID, "enabled", !disable)
			return nil
		},
	}
	tunnelCmd.Flags().BoolVar(&disable, "disable", false, "disable auto-tunnelling instead of enabling it")

	return tunnelCmd
}
