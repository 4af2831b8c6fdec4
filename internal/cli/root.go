// Package cli implements the dispatch command tree. Commands that touch
// local state open the store directly; the daemon serves the same data over
// HTTP for remote callers.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/milla-ai/dispatch/internal/config"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "dispatch",
		Short:        "Dispatch — durable agent task orchestration",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override Dispatch home directory (default: ~/.dispatch, env: DISPATCH_HOME)")

	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())

	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newOutboxCmd())
	cmd.AddCommand(newApikeyCmd())
	cmd.AddCommand(newNukeCmd())

	// Hidden internal subcommand used by `dispatch start` for background mode.
	cmd.AddCommand(newDaemonCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
