package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/inboxrules/internal/audit"
	"github.com/joshsymonds/inboxrules/internal/rules"
	"github.com/joshsymonds/inboxrules/internal/store"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Replay the rule document over stored emails and report findings",
		RunE:  runAudit,
	}
	cmd.Flags().Int("top", 20, "Number of sender domains to list")
	cmd.Flags().Duration("window", 0, "Only consider emails received within this duration (0 = all)")
	cmd.Flags().String("json", "", "Also write the report as JSON to this relative path")
	cmd.Flags().String("fail-on", "", "Comma separated findings that cause a non-zero exit (dead,conflict)")
	return cmd
}

func runAudit(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := commandContext(cmd)
	flags := cmd.Flags()
	top, _ := flags.GetInt("top")
	window, _ := flags.GetDuration("window")
	jsonPath, _ := flags.GetString("json")
	failOn, _ := flags.GetString("fail-on")

	loaded, err := rules.LoadFile(e.cfg.RulesFile, e.logger)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	st, err := store.Open(ctx, e.cfg.Store(), e.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	svc := audit.NewService(st, e.logger)
	rep, err := svc.Run(ctx, loaded.Rules, audit.Options{Window: window, TopN: top})
	if err != nil {
		return err
	}
	if err := audit.PrintHuman(rep, cmd.OutOrStdout()); err != nil {
		return err
	}
	if jsonPath != "" {
		if err := audit.WriteJSON(rep, jsonPath); err != nil {
			return err
		}
	}
	if rep.ShouldFail(audit.ParseFailOn(failOn)) {
		return errFindings
	}
	return nil
}
