package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"go.olrik.dev/wrangler/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int
	var host string

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "wrangler",
		Short: "Wrangler - local companion lifecycle manager",
		Long: `Wrangler - local companion lifecycle manager

Wrangler keeps exactly one healthy instance of the workspace companion binary
installed, running, and reachable per workspace host, then issues SSH-tunnel
RPCs through it.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := core.InitializeConfig(cmd); err != nil {
				return err
			}
			setupLogging(cmd.OutOrStderr(), core.Config.GetInt("verbose"))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", fmt.Sprintf("%s/%s", homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")
	rootCmd.PersistentFlags().StringVar(&host, "host", "", "workspace host URL")

	rootCmd.AddCommand(
		NewConnectCommand(),
		NewTunnelCommand(),
		NewStatusCommand(),
		NewLoginCommand(),
		NewLogoutCommand(),
		NewLogsCommand(),
		NewResetCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// setupLogging installs the tint handler as the default slog logger.
// Default level is Info; each -v raises verbosity one notch.
func setupLogging(w io.Writer, verbose int) {
	level := slog.LevelInfo
	if verbose >= 1 {
		level = slog.LevelDebug
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
	slog.SetDefault(slog.New(handler))
}
