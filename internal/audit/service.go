// Package audit replays a rule set against stored emails without touching
// the mailbox and reports how the rules behave.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joshsymonds/inboxrules/internal/mailbox"
	"github.com/joshsymonds/inboxrules/internal/rules"
)

const previewSubjectDisplayLimit = 60

// EmailSource yields the emails to analyse.
type EmailSource interface {
	EmailsForProcessing(ctx context.Context) ([]mailbox.Email, error)
}

// Options controls the behavior of the audit analyzer.
type Options struct {
	Window time.Duration // only emails received within Window; zero means all
	TopN   int
}

// Service runs audits over an EmailSource.
type Service struct {
	Source EmailSource
	Logger *slog.Logger
	Clock  func() time.Time
}

// NewService constructs a Service with sane defaults.
func NewService(source EmailSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{Source: source, Logger: logger, Clock: time.Now}
}

// Report summarizes how a rule set behaves over the stored emails.
type Report struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Window      time.Duration `json:"window"`
	Total       int           `json:"total"`
	Planned     int           `json:"planned_actions"`
	Rules       []RuleStat    `json:"rules"`
	TopSenders  []SenderStat  `json:"top_senders"`
	Findings    Findings      `json:"findings"`
}

// RuleStat counts the emails a rule matched.
type RuleStat struct {
	Position int      `json:"position"`
	Name     string   `json:"name"`
	Matches  int      `json:"matches"`
	Actions  []string `json:"actions"`
}

// SenderStat ranks noisy sender domains.
type SenderStat struct {
	Domain         string `json:"domain"`
	Count          int    `json:"count"`
	PreviewSubject string `json:"preview_subject"`
}

// Findings are the problems --fail-on can act on.
type Findings struct {
	DeadRules []RuleFinding `json:"dead_rules"`
	Conflicts []Conflict    `json:"conflicts"`
}

// RuleFinding identifies a problematic rule.
type RuleFinding struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Conflict represents contradictory actions planned for the same emails.
type Conflict struct {
	Rules       []string `json:"rules"`
	Description string   `json:"description"`
	Emails      int      `json:"emails"`
	Example     string   `json:"example_email_id"`
}

// Run evaluates ruleSet against every stored email in the window.
func (s *Service) Run(ctx context.Context, ruleSet []rules.Rule, opts Options) (Report, error) {
	topN := opts.TopN
	if topN <= 0 {
		topN = 20
	}
	logger := s.Logger
	logger.InfoContext(ctx, "running audit", slog.Int("rules", len(ruleSet)), slog.Duration("window", opts.Window))

	all, err := s.Source.EmailsForProcessing(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load stored emails: %w", err)
	}

	engine := rules.NewEngine(ruleSet, rules.WithClock(s.Clock), rules.WithLogger(logger))
	now := engine.Now()
	emails := withinWindow(all, now, opts.Window)

	rep := Report{
		GeneratedAt: now,
		Window:      opts.Window,
		Total:       len(emails),
		Rules:       ruleStats(ruleSet),
		TopSenders:  rankSenders(emails, topN),
	}

	matches := make(map[int]int, len(ruleSet))
	conflicts := newConflictSet()
	for _, email := range emails {
		plan := engine.Evaluate(email, now)
		rep.Planned += len(plan)
		for pos := range rulesIn(plan) {
			matches[pos]++
		}
		conflicts.observe(email.ID, plan)
	}

	for i := range rep.Rules {
		rs := &rep.Rules[i]
		rs.Matches = matches[rs.Position]
		if rs.Matches == 0 {
			rep.Findings.DeadRules = append(rep.Findings.DeadRules, RuleFinding{
				Name:   rs.Name,
				Reason: fmt.Sprintf("no match among %d stored emails", rep.Total),
			})
		}
	}
	rep.Findings.Conflicts = conflicts.list()
	return rep, nil
}

// ShouldFail reports whether any of the requested conditions are present.
func (r Report) ShouldFail(failOn []string) bool {
	flags := map[string]bool{
		"dead":     len(r.Findings.DeadRules) > 0,
		"conflict": len(r.Findings.Conflicts) > 0,
	}
	for _, cond := range failOn {
		cond = strings.TrimSpace(strings.ToLower(cond))
		if cond == "" {
			continue
		}
		if flags[cond] {
			return true
		}
	}
	return false
}

// ParseFailOn splits a comma separated list into canonical tokens.
func ParseFailOn(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// PrintHuman writes a readable report to the provided writer.
func PrintHuman(rep Report, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	var builder strings.Builder
	window := "all stored mail"
	if rep.Window > 0 {
		window = "window " + rep.Window.String()
	}
	fmt.Fprintf(&builder, "inboxrules audit: %s (%d emails, %d planned actions)\n", window, rep.Total, rep.Planned)
	if len(rep.Rules) > 0 {
		builder.WriteString("\nRules:\n")
		for _, r := range rep.Rules {
			fmt.Fprintf(&builder, "  %-30s %4d  %s\n", truncate(r.Name, 30), r.Matches, strings.Join(r.Actions, ", "))
		}
	}
	if len(rep.TopSenders) > 0 {
		builder.WriteString("\nTop senders:\n")
		for _, s := range rep.TopSenders {
			fmt.Fprintf(
				&builder,
				"  %-30s %4d %s\n",
				s.Domain,
				s.Count,
				truncate(s.PreviewSubject, previewSubjectDisplayLimit),
			)
		}
	}
	if len(rep.Findings.DeadRules) > 0 || len(rep.Findings.Conflicts) > 0 {
		builder.WriteString("\nFindings:\n")
		for _, fr := range rep.Findings.DeadRules {
			fmt.Fprintf(&builder, "  dead rule: %s (%s)\n", fr.Name, fr.Reason)
		}
		for _, cf := range rep.Findings.Conflicts {
			fmt.Fprintf(
				&builder,
				"  conflict: %s (%s; %d emails, e.g. %s)\n",
				strings.Join(cf.Rules, ", "),
				cf.Description,
				cf.Emails,
				cf.Example,
			)
		}
	}
	if _, err := io.WriteString(w, builder.String()); err != nil {
		return fmt.Errorf("write human report: %w", err)
	}
	return nil
}

// WriteJSON serializes the report to a path under the working directory.
func WriteJSON(rep Report, path string) error {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return fmt.Errorf("path must not be empty")
	}
	clean = filepath.Clean(clean)
	if filepath.IsAbs(clean) {
		return fmt.Errorf("output path must be relative, got %s", clean)
	}
	if strings.HasPrefix(clean, "..") {
		return fmt.Errorf("output path %s escapes working directory", clean)
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine working directory: %w", err)
	}
	abs := filepath.Join(wd, clean)
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create %s: %w", abs, err)
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if encodeErr := enc.Encode(rep); encodeErr != nil {
		return fmt.Errorf("encode report: %w", encodeErr)
	}
	return nil
}

func withinWindow(emails []mailbox.Email, now time.Time, window time.Duration) []mailbox.Email {
	if window <= 0 {
		return emails
	}
	cutoff := now.Add(-window)
	out := make([]mailbox.Email, 0, len(emails))
	for _, e := range emails {
		if e.ReceivedAt != nil && !e.ReceivedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func ruleStats(ruleSet []rules.Rule) []RuleStat {
	stats := make([]RuleStat, 0, len(ruleSet))
	for _, r := range ruleSet {
		acts := make([]string, 0, len(r.Actions))
		for _, a := range r.Actions {
			acts = append(acts, a.String())
		}
		stats = append(stats, RuleStat{Position: r.Position, Name: r.DisplayName(), Actions: acts})
	}
	return stats
}

func rulesIn(plan []rules.PlannedAction) map[int]struct{} {
	out := make(map[int]struct{}, len(plan))
	for _, pa := range plan {
		out[pa.RulePosition] = struct{}{}
	}
	return out
}

func rankSenders(emails []mailbox.Email, topN int) []SenderStat {
	senders := map[string]*SenderStat{}
	for _, e := range emails {
		domain := domainOf(e.From)
		if domain == "" {
			continue
		}
		st := senders[domain]
		if st == nil {
			st = &SenderStat{Domain: domain}
			senders[domain] = st
		}
		st.Count++
		if st.PreviewSubject == "" {
			st.PreviewSubject = e.Subject
		}
	}
	slice := make([]SenderStat, 0, len(senders))
	for _, st := range senders {
		slice = append(slice, *st)
	}
	sort.Slice(slice, func(i, j int) bool {
		if slice[i].Count == slice[j].Count {
			return slice[i].Domain < slice[j].Domain
		}
		return slice[i].Count > slice[j].Count
	})
	if topN < len(slice) {
		slice = slice[:topN]
	}
	return slice
}
