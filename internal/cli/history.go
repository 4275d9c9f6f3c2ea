package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/inboxrules/internal/store"
)

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <run-id>",
		Short: "Show the actions recorded for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()
			ctx := commandContext(cmd)

			st, err := store.Open(ctx, e.cfg.Store(), e.logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			records, err := st.ActionLog(ctx, args[0])
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no actions recorded for run %s\n", args[0])
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tEMAIL\tRULE\tACTION\tRESULT")
			for _, r := range records {
				action := r.Action
				if r.Mailbox != "" {
					action += " " + r.Mailbox
				}
				result := "ok"
				if !r.Success {
					result = "failed: " + r.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.ExecutedAt.UTC().Format(time.RFC3339), r.EmailID, r.Rule, action, result)
			}
			return tw.Flush()
		},
	}
}
