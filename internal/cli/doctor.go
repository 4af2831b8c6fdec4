package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/milla-ai/dispatch/internal/config"
	"github.com/milla-ai/dispatch/internal/store"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify the Dispatch home directory and database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			var problems []string

			if err := os.MkdirAll(home, 0o755); err != nil {
				problems = append(problems, fmt.Sprintf("home directory not writable: %v", err))
			} else if err := store.EnsureSchema(home); err != nil {
				problems = append(problems, fmt.Sprintf("database schema: %v", err))
			}

			if _, err := config.Load(home); err != nil {
				problems = append(problems, fmt.Sprintf("config: %v", err))
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
