package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/joshsymonds/inboxrules/internal/gmailctl"
	"github.com/joshsymonds/inboxrules/internal/rules"
)

func newImportGmailctlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-gmailctl",
		Short: "Convert gmailctl filters into a rule document",
		RunE:  runImportGmailctl,
	}
	cmd.Flags().String("from-file", "", "Read a saved gmailctl JSON export instead of running gmailctl")
	cmd.Flags().String("gmailctl", "gmailctl", "gmailctl binary")
	cmd.Flags().String("gmailctl-config", os.ExpandEnv("$HOME/.gmailctl"), "gmailctl config directory")
	cmd.Flags().StringP("out", "o", "", "Write the rule document here (.json, .yaml or .yml); stdout when empty")
	return cmd
}

func runImportGmailctl(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	fromFile, _ := flags.GetString("from-file")
	bin, _ := flags.GetString("gmailctl")
	cfgDir, _ := flags.GetString("gmailctl-config")
	outPath, _ := flags.GetString("out")

	var (
		export gmailctl.Export
		err    error
	)
	if strings.TrimSpace(fromFile) != "" {
		export, err = gmailctl.ReadExport(fromFile)
	} else {
		export, err = gmailctl.Runner{Binary: bin, ConfigDir: cfgDir}.ExportFilters(commandContext(cmd))
	}
	if err != nil {
		return err
	}

	defs, skipped := gmailctl.Convert(export)
	for _, s := range skipped {
		fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %s\n", s.Filter, s.Reason)
	}
	data, err := encodeDefinitions(defs, outPath)
	if err != nil {
		return err
	}
	if outPath == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d rules to %s\n", len(defs), outPath)
	return nil
}

func encodeDefinitions(defs []rules.Definition, path string) ([]byte, error) {
	if defs == nil {
		defs = []rules.Definition{}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := yaml.Marshal(defs)
		if err != nil {
			return nil, fmt.Errorf("encode rules as yaml: %w", err)
		}
		return data, nil
	default:
		data, err := json.MarshalIndent(defs, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode rules: %w", err)
		}
		return append(data, '\n'), nil
	}
}
