package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.olrik.dev/wrangler/internal/core"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wrangler %s\n", core.FormatVersion(core.Version))
		},
	}
}
