package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.olrik.dev/wrangler/internal/core"
	"go.olrik.dev/wrangler/internal/store"
	"go.olrik.dev/wrangler/internal/supervisor"
)

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show companion status per workspace host",
		Long: `Show companion status per workspace host.

Lists every host identity known to the state store with its installation
record, running config, and a live probe of the recorded process. With
--host, only that host is shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			authorities, err := knownAuthorities(s)
			if err != nil {
				return err
			}

			if host := core.GetHost(); host != "" {
				authority, err := store.HostIdentity(host)
				if err != nil {
					return err
				}
				authorities = []string{authority}
			}

			if len(authorities) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No companions known. Use 'wrangler connect' first.")
				return nil
			}

			out := cmd.OutOrStdout()
			for _, authority := range authorities {
				fmt.Fprintf(out, "%s\n", authority)

				inst, err := s.Installation(authority)
				if err != nil {
					return err
				}
				if inst == nil {
					fmt.Fprintln(out, "  installed: no")
				} else {
					fmt.Fprintf(out, "  installed: %s (tag %s)\n", inst.BinaryPath, orNone(inst.VersionTag))
				}

				cfg, err := s.RunningConfig(authority)
				if err != nil {
					return err
				}
				if cfg == nil {
					fmt.Fprintln(out, "  running:   no")
					continue
				}
				state := "dead"
				if supervisor.Alive(cfg.ProcessID) {
					state = "alive"
				}
				fmt.Fprintf(out, "  running:   pid %d (%s), api port %d\n", cfg.ProcessID, state, cfg.APIPort)
				fmt.Fprintf(out, "  log:       %s\n", cfg.LogFilePath)
			}
			return nil
		},
	}
}

// knownAuthorities collects every host identity that has an installation or
// running-config record in the store.
func knownAuthorities(s *store.Store) ([]string, error) {
	seen := make(map[string]bool)
	var authorities []string

	for _, prefix := range []string{store.InstallationPrefix, store.ConfigPrefix} {
		keys, err := s.Keys(prefix)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			authority := strings.TrimPrefix(key, prefix)
			if !seen[authority] {
				seen[authority] = true
				authorities = append(authorities, authority)
			}
		}
	}
	return authorities, nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
