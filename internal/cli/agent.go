package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/milla-ai/dispatch/internal/agents"
	"github.com/milla-ai/dispatch/internal/registry"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect registered agent handlers",
	}
	cmd.AddCommand(newAgentListCmd())
	return cmd
}

func newAgentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent handlers and their descriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New()
			agents.Register(reg, nil) // outbox is only needed to run handlers, not to list them
			for _, a := range reg.List() {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s: %s\n", a.Name, a.Description)
			}
			return nil
		},
	}
	return cmd
}
