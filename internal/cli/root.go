// Package cli wires the inboxrules commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/inboxrules/internal/config"
	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/imapbox"
	"github.com/joshsymonds/inboxrules/internal/mailbox"
	"github.com/joshsymonds/inboxrules/internal/rate"
	"github.com/joshsymonds/inboxrules/internal/runtime"
)

// newProvider opens the configured mailbox provider. Tests replace it.
var newProvider = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (mailbox.Provider, error) {
	switch cfg.Provider {
	case config.ProviderIMAP:
		return imapbox.New(cfg.IMAPSettings(), logger), nil
	case config.ProviderGmail:
		client, err := runtime.NewGmailClient(ctx, cfg.GmailAuth(), logger)
		if err != nil {
			return nil, fmt.Errorf("create gmail client: %w", err)
		}
		var limiter rate.Limiter = rate.Unlimited{}
		if cfg.Gmail.RPS > 0 {
			limiter = rate.NewTokenBucket(cfg.Gmail.RPS)
		}
		return gmail.NewMailbox(client, limiter, logger, cfg.GmailOptions()), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "inboxrules",
		Short:         "inboxrules applies declarative rules to a mailbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to YAML config file (or set "+config.ConfigEnvVar+")")
	root.PersistentFlags().String("rules", "", "Rule document (JSON or YAML); overrides rules_file")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newAuditCmd(),
		newAuthCmd(),
		newImportGmailctlCmd(),
		newHistoryCmd(),
	)
	return root
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) int {
	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// env is the per-command state shared by every subcommand.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func (e *env) Close() {
	if e.closer != nil {
		_ = e.closer.Close()
	}
}

// loadEnv reads .env and the config file, applies flag overrides and, when
// strict, validates the result.
func loadEnv(cmd *cobra.Command, strict bool) (*env, error) {
	if err := config.LoadEnvFile(config.DefaultEnvFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", config.DefaultEnvFile, err)
	}
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfgPath) == "" {
		cfgPath = os.Getenv(config.ConfigEnvVar)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cmd, cfg); err != nil {
		return nil, err
	}
	if strict {
		if err := config.Validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	logger, closer, err := runtime.NewLogger(cmd.ErrOrStderr(), cfg.Logging())
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, closer: closer}, nil
}

func applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("rules") {
		v, err := flags.GetString("rules")
		if err != nil {
			return err
		}
		cfg.RulesFile = v
	}
	if f := flags.Lookup("limit"); f != nil && f.Changed {
		v, err := flags.GetInt("limit")
		if err != nil {
			return err
		}
		cfg.FetchLimit = v
	}
	if f := flags.Lookup("dry-run"); f != nil && f.Changed {
		v, err := flags.GetBool("dry-run")
		if err != nil {
			return err
		}
		cfg.DryRun = v
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// errFindings is returned when audit findings match --fail-on.
var errFindings = errors.New("audit findings matched --fail-on")
