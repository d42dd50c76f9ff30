package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.olrik.dev/wrangler/internal/core"
	"go.olrik.dev/wrangler/internal/store"
)

func NewLogsCommand() *cobra.Command {
	var follow bool
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Show the companion's log file for a workspace host",
		Long: `Show the companion's log file for a workspace host.

The companion's stdout and stderr are redirected to a per-host log file at
spawn time. By default the last 20 lines are printed; with --follow the
command keeps streaming new output until interrupted.`,
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

			logPath := filepath.Join(core.GetLogDir(), authority+".log")
			if cfg, err := s.RunningConfig(authority); err == nil && cfg != nil && cfg.LogFilePath != "" {
				logPath = cfg.LogFilePath
			}
			s.Close()

			f, err := os.Open(logPath)
			if err != nil {
				return fmt.Errorf("no companion log for %s: %w", authority, err)
			}
			defer f.Close()

			out := cmd.OutOrStdout()
			if err := printTail(out, f, lines); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			return followFile(cmd, f, logPath)
		},
	}
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming new log output")
	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "number of history lines to show")

	return logsCmd
}

// printTail writes the last n lines of f and leaves the offset at EOF.
func printTail(out io.Writer, f *os.File, n int) error {
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	all := strings.Split(text, "\n")
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	for _, line := range all {
		fmt.Fprintln(out, line)
	}
	return nil
}

// followFile streams appended log data until the command context ends.
func followFile(cmd *cobra.Command, f *os.File, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) {
				if _, err := io.Copy(out, f); err != nil {
					return err
				}
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
