package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/inboxrules/internal/rules"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [rules-file]",
		Short: "Load a rule document and report kept and dropped rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()
			path := e.cfg.RulesFile
			if len(args) == 1 {
				path = args[0]
			}
			loaded, err := rules.LoadFile(path, e.logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d valid, %d dropped\n", path, len(loaded.Rules), len(loaded.Dropped))
			for _, r := range loaded.Rules {
				conds := make([]string, 0, len(r.Conditions))
				for _, c := range r.Conditions {
					conds = append(conds, c.String())
				}
				acts := make([]string, 0, len(r.Actions))
				for _, a := range r.Actions {
					acts = append(acts, a.String())
				}
				fmt.Fprintf(out, "  ok   #%d %s: %s %s -> %s\n",
					r.Position, r.DisplayName(), r.Predicate,
					strings.Join(conds, ", "), strings.Join(acts, ", "))
			}
			for _, d := range loaded.Dropped {
				fmt.Fprintf(out, "  drop #%d %s: %s\n", d.Position, d.Name, d.Reason)
			}
			return nil
		},
	}
}
