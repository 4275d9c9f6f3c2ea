package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joshsymonds/inboxrules/internal/mailbox"
)

// ActionSink executes resolved actions. A returned error marks that single
// action as failed.
type ActionSink interface {
	MarkRead(ctx context.Context, id string) error
	MarkUnread(ctx context.Context, id string) error
	MoveToFolder(ctx context.Context, id, mailbox string) error
}

// PlannedAction is one action resolved for one email.
type PlannedAction struct {
	EmailID      string
	Rule         string
	RulePosition int
	Action       Action
}

// Outcome pairs a planned action with the sink's result.
type Outcome struct {
	PlannedAction
	Err error
}

// Engine evaluates a fixed rule set. It holds no per-email state.
type Engine struct {
	rules  []Rule
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the source of "now" used for date conditions.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the logger used for evaluation warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine builds an engine over rules, which are evaluated in slice order.
func NewEngine(rules []Rule, opts ...Option) *Engine {
	e := &Engine{
		rules:  rules,
		clock:  time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, r := range rules {
		for _, c := range r.Conditions {
			if !c.Supported() {
				e.logger.Warn("rule has unsupported condition; it will never match",
					slog.String("rule", r.DisplayName()),
					slog.String("condition", c.String()),
				)
			}
		}
	}
	return e
}

// Rules returns the engine's rules in evaluation order.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock()
}

// Evaluate resolves the actions for one email: rule order first, then
// action order within each matching rule. Nothing is deduplicated.
func (e *Engine) Evaluate(email mailbox.Email, now time.Time) []PlannedAction {
	var out []PlannedAction
	for _, r := range e.rules {
		if !r.Matches(email, now) {
			continue
		}
		for _, a := range r.Actions {
			out = append(out, PlannedAction{
				EmailID:      email.ID,
				Rule:         r.DisplayName(),
				RulePosition: r.Position,
				Action:       a,
			})
		}
	}
	return out
}

// Plan evaluates every email against the same instant.
func (e *Engine) Plan(emails []mailbox.Email) []PlannedAction {
	now := e.clock()
	var out []PlannedAction
	for _, email := range emails {
		out = append(out, e.Evaluate(email, now)...)
	}
	return out
}

// Process plans emails and hands the actions to sink.
func (e *Engine) Process(ctx context.Context, sink ActionSink, emails []mailbox.Email) ([]Outcome, error) {
	return Dispatch(ctx, sink, e.Plan(emails))
}

// Dispatch executes plan in order. Action failures are recorded in the
// outcomes and do not stop the loop; only context cancellation does.
func Dispatch(ctx context.Context, sink ActionSink, plan []PlannedAction) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(plan))
	for _, pa := range plan {
		if err := ctx.Err(); err != nil {
			return outcomes, fmt.Errorf("dispatch actions: %w", err)
		}
		outcomes = append(outcomes, Outcome{PlannedAction: pa, Err: apply(ctx, sink, pa)})
	}
	return outcomes, nil
}

func apply(ctx context.Context, sink ActionSink, pa PlannedAction) error {
	switch pa.Action.Kind {
	case ActionMarkRead:
		return sink.MarkRead(ctx, pa.EmailID)
	case ActionMarkUnread:
		return sink.MarkUnread(ctx, pa.EmailID)
	case ActionMove:
		return sink.MoveToFolder(ctx, pa.EmailID, pa.Action.Mailbox)
	default:
		return fmt.Errorf("unknown action %q", pa.Action.Kind)
	}
}
