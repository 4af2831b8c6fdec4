package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/milla-ai/dispatch/internal/config"
	"github.com/milla-ai/dispatch/internal/store"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and manage pending external deliveries",
	}
	cmd.AddCommand(newOutboxListCmd())
	cmd.AddCommand(newOutboxResendCmd())
	cmd.AddCommand(newOutboxDeleteCmd())
	return cmd
}

func newOutboxListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox items",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := store.Open(config.MustHomeFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			items, err := st.ListOutbox(ctx)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Outbox is empty.")
				return nil
			}
			for _, it := range items {
				state := "pending"
				switch {
				case it.Sent:
					state = "sent"
				case it.Failed:
					state = "failed"
				}
				line := fmt.Sprintf("%d  %-7s  attempts=%d  to=%s  subject=%q", it.ItemID, state, it.Attempts, it.To, it.Subject)
				if !it.Sent && !it.Failed {
					line += "  next=" + it.NextAttemptAt.Format("2006-01-02 15:04:05")
				}
				if it.Error != "" {
					line += "  error=" + it.Error
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	return cmd
}

func newOutboxResendCmd() *cobra.Command {
	var itemID int64
	cmd := &cobra.Command{
		Use:   "resend",
		Short: "Reset an item's retry budget so delivery is attempted again",
		RunE: func(cmd *cobra.Command, args []string) error {
			if itemID <= 0 {
				return errors.New("--id must be a positive item ID")
			}
			ctx := cmd.Context()
			st, err := store.Open(config.MustHomeFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.ResetOutboxItem(ctx, itemID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Outbox item %d queued for redelivery\n", itemID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&itemID, "id", 0, "Outbox item ID")
	return cmd
}

func newOutboxDeleteCmd() *cobra.Command {
	var itemID int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an outbox item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if itemID <= 0 {
				return errors.New("--id must be a positive item ID")
			}
			ctx := cmd.Context()
			st, err := store.Open(config.MustHomeFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.DeleteOutboxItem(ctx, itemID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted outbox item %d\n", itemID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&itemID, "id", 0, "Outbox item ID")
	return cmd
}
