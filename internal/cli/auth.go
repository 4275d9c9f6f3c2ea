package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/inboxrules/internal/runtime"
)

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize Gmail access and save the OAuth token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()
			auth := e.cfg.GmailAuth()
			if _, err := runtime.Authorize(commandContext(cmd), auth, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("authorize: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token saved to %s\n", auth.TokenFile)
			return nil
		},
	}
}
