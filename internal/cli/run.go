package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/inboxrules/internal/metrics"
	"github.com/joshsymonds/inboxrules/internal/rules"
	"github.com/joshsymonds/inboxrules/internal/runner"
	"github.com/joshsymonds/inboxrules/internal/store"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch mail, store it and apply the rule document",
		RunE:  runRun,
	}
	cmd.Flags().Int("limit", 0, "Maximum emails to fetch (overrides fetch_limit)")
	cmd.Flags().Bool("dry-run", false, "Evaluate and log actions without applying them")
	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := commandContext(cmd)
	cfg := e.cfg

	m := metrics.New()
	defer func() {
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			e.logger.WarnContext(ctx, "could not write metrics", slog.String("error", err.Error()))
		}
	}()

	loaded, err := rules.LoadFile(cfg.RulesFile, e.logger)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	m.RulesLoaded.Set(float64(len(loaded.Rules)))
	m.RulesDropped.Add(float64(len(loaded.Dropped)))
	e.logger.InfoContext(ctx, "rules loaded",
		slog.String("file", cfg.RulesFile),
		slog.Int("valid", len(loaded.Rules)),
		slog.Int("dropped", len(loaded.Dropped)),
	)

	st, err := store.Open(ctx, cfg.Store(), e.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	mb, err := newProvider(ctx, cfg, e.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := mb.Close(); err != nil {
			e.logger.WarnContext(ctx, "close mailbox", slog.String("error", err.Error()))
		}
	}()

	svc := runner.NewService(mb, st, e.logger, m)
	rep, err := svc.Run(ctx, loaded.Rules, runner.Spec{
		Limit:   cfg.FetchLimit,
		DryRun:  cfg.DryRun,
		Mailbox: cfg.SourceMailbox(),
	})
	printReport(cmd, rep, cfg.DryRun)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

func printReport(cmd *cobra.Command, rep runner.Report, dryRun bool) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: fetched %d (new %d), evaluated %d, matched %d\n",
		rep.RunID, rep.Fetched, rep.Stored, rep.Evaluated, rep.Processed)
	if dryRun {
		fmt.Fprintf(out, "dry run: %d actions planned, none applied\n", rep.Planned)
		return
	}
	for _, kind := range rules.ActionKinds {
		fmt.Fprintf(out, "  %-15s %d\n", kind, rep.Counts[kind])
	}
	if rep.Failed() > 0 {
		fmt.Fprintf(out, "  %-15s %d\n", "failed", rep.Failed())
		for _, err := range rep.Failures.Errors {
			fmt.Fprintf(out, "    %v\n", err)
		}
	}
}
