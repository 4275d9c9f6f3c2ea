// Package runner drives one fetch, store, evaluate and execute cycle.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/joshsymonds/inboxrules/internal/mailbox"
	"github.com/joshsymonds/inboxrules/internal/metrics"
	"github.com/joshsymonds/inboxrules/internal/rules"
	"github.com/joshsymonds/inboxrules/internal/store"
)

// Spec controls a single run.
type Spec struct {
	Limit  int
	DryRun bool
	// Mailbox is the folder or label the provider reads from. Stored emails
	// recorded elsewhere, usually because an earlier run moved them, are
	// not evaluated again. Empty evaluates every stored email.
	Mailbox string
}

// Report summarizes a run.
type Report struct {
	RunID     string
	Fetched   int
	Stored    int
	Evaluated int
	Processed int // emails with at least one planned action
	Planned   int
	Counts    map[rules.ActionKind]int // successful actions by kind
	Failures  *multierror.Error
}

// Failed returns the number of actions that did not complete.
func (r Report) Failed() int {
	if r.Failures == nil {
		return 0
	}
	return len(r.Failures.Errors)
}

// Service wires a mailbox provider and a store around the rule engine.
type Service struct {
	Mailbox  mailbox.Provider
	Store    store.Store
	Logger   *slog.Logger
	Clock    func() time.Time
	Metrics  *metrics.Run
	NewRunID func() string
}

// NewService constructs a Service with defaults.
func NewService(mb mailbox.Provider, st store.Store, logger *slog.Logger, m *metrics.Run) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		Mailbox:  mb,
		Store:    st,
		Logger:   logger,
		Clock:    time.Now,
		Metrics:  m,
		NewRunID: uuid.NewString,
	}
}

// Run fetches up to spec.Limit emails, stores them, evaluates every stored
// email against ruleSet and executes the resulting actions. Individual
// action failures are collected in the report; only fetch, store and
// cancellation errors abort the run.
func (s *Service) Run(ctx context.Context, ruleSet []rules.Rule, spec Spec) (Report, error) {
	started := s.Clock()
	rep := Report{RunID: s.NewRunID(), Counts: map[rules.ActionKind]int{}}
	logger := s.Logger.With(slog.String("run_id", rep.RunID))
	defer func() { s.Metrics.Finish(started, s.Clock()) }()

	fetched, err := s.Mailbox.Fetch(ctx, spec.Limit)
	if err != nil {
		return rep, fmt.Errorf("fetch emails: %w", err)
	}
	rep.Fetched = len(fetched)
	if s.Metrics != nil {
		s.Metrics.EmailsFetched.Add(float64(rep.Fetched))
	}

	rep.Stored, err = s.Store.StoreEmails(ctx, fetched)
	if err != nil {
		return rep, fmt.Errorf("store emails: %w", err)
	}
	if s.Metrics != nil {
		s.Metrics.EmailsStored.Add(float64(rep.Stored))
	}
	logger.InfoContext(ctx, "emails synced", slog.Int("fetched", rep.Fetched), slog.Int("new", rep.Stored))

	stored, err := s.Store.EmailsForProcessing(ctx)
	if err != nil {
		return rep, fmt.Errorf("load emails for processing: %w", err)
	}
	emails := inMailbox(stored, spec.Mailbox)
	if skipped := len(stored) - len(emails); skipped > 0 {
		logger.DebugContext(ctx, "skipping emails moved out of the source mailbox",
			slog.String("mailbox", spec.Mailbox),
			slog.Int("count", skipped),
		)
	}
	rep.Evaluated = len(emails)
	if len(emails) == 0 {
		logger.InfoContext(ctx, "no emails to process")
		return rep, nil
	}
	if len(ruleSet) == 0 {
		logger.WarnContext(ctx, "no valid rules loaded; nothing to do")
		return rep, nil
	}

	engine := rules.NewEngine(ruleSet, rules.WithClock(s.Clock), rules.WithLogger(logger))
	plan := engine.Plan(emails)
	rep.Planned = len(plan)
	rep.Processed = distinctEmails(plan)

	if spec.DryRun {
		for _, pa := range plan {
			logger.InfoContext(ctx, "dry-run",
				slog.String("email_id", pa.EmailID),
				slog.String("rule", pa.Rule),
				slog.String("action", pa.Action.String()),
			)
		}
		return rep, nil
	}

	sink := &statusSink{provider: s.Mailbox, store: s.Store}
	outcomes, dispatchErr := rules.Dispatch(ctx, sink, plan)
	for _, o := range outcomes {
		s.record(ctx, logger, &rep, o)
	}
	logger.InfoContext(ctx, "run complete",
		slog.Int("evaluated", rep.Evaluated),
		slog.Int("processed", rep.Processed),
		slog.Int(string(rules.ActionMarkRead), rep.Counts[rules.ActionMarkRead]),
		slog.Int(string(rules.ActionMarkUnread), rep.Counts[rules.ActionMarkUnread]),
		slog.Int(string(rules.ActionMove), rep.Counts[rules.ActionMove]),
		slog.Int("failed", rep.Failed()),
	)
	if dispatchErr != nil {
		return rep, dispatchErr
	}
	return rep, nil
}

func (s *Service) record(ctx context.Context, logger *slog.Logger, rep *Report, o rules.Outcome) {
	kind := string(o.Action.Kind)
	attrs := []any{
		slog.String("email_id", o.EmailID),
		slog.String("rule", o.Rule),
		slog.String("action", kind),
	}
	if o.Action.Kind == rules.ActionMove {
		attrs = append(attrs, slog.String("mailbox", o.Action.Mailbox))
	}
	rec := store.ActionRecord{
		RunID:      rep.RunID,
		EmailID:    o.EmailID,
		Rule:       o.Rule,
		Action:     kind,
		Mailbox:    o.Action.Mailbox,
		Success:    o.Err == nil,
		ExecutedAt: s.Clock(),
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
		rep.Failures = multierror.Append(rep.Failures,
			fmt.Errorf("%s on %s (%s): %w", o.Action, o.EmailID, o.Rule, o.Err))
		logger.ErrorContext(ctx, "action failed", append(attrs, slog.String("error", o.Err.Error()))...)
	} else {
		rep.Counts[o.Action.Kind]++
		logger.DebugContext(ctx, "action applied", attrs...)
	}
	s.Metrics.ObserveAction(kind, o.Err)
	if err := s.Store.RecordAction(ctx, rec); err != nil {
		logger.WarnContext(ctx, "could not record action", append(attrs, slog.String("error", err.Error()))...)
	}
}

// inMailbox keeps emails still recorded in name. Emails without a recorded
// mailbox are kept.
func inMailbox(emails []mailbox.Email, name string) []mailbox.Email {
	if name == "" {
		return emails
	}
	out := emails[:0:0]
	for _, e := range emails {
		if e.Mailbox == "" || e.Mailbox == name {
			out = append(out, e)
		}
	}
	return out
}

func distinctEmails(plan []rules.PlannedAction) int {
	seen := make(map[string]struct{}, len(plan))
	for _, pa := range plan {
		seen[pa.EmailID] = struct{}{}
	}
	return len(seen)
}
