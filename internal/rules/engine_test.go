package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/inboxrules/internal/mailbox"
)

var testNow = time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)

func daysAgo(d float64) *time.Time {
	ts := testNow.Add(-time.Duration(d * float64(24*time.Hour)))
	return &ts
}

func fromContains(v string) Condition {
	return Condition{Field: FieldFrom, Operator: OpContains, Text: v}
}

func subjectContains(v string) Condition {
	return Condition{Field: FieldSubject, Operator: OpContains, Text: v}
}

func receivedWithin(days float64) Condition {
	return Condition{Field: FieldReceivedDate, Operator: OpLessThanDays, Days: days}
}

func TestConditionMatches(t *testing.T) {
	email := mailbox.Email{
		ID:         "m1",
		From:       "alerts@security@example.com",
		Subject:    "Security Alert: new login",
		ReceivedAt: daysAgo(3),
	}

	cases := []struct {
		name string
		cond Condition
		mail mailbox.Email
		want bool
	}{
		{"contains ignores case", fromContains("SECURITY@"), email, true},
		{"contains misses", fromContains("billing"), email, false},
		{"subject contains", subjectContains("alert"), email, true},
		{"empty contains matches", subjectContains(""), email, true},
		{"fold sigma", subjectContains("ΣΊΣΥΦΟΣ"), mailbox.Email{Subject: "σίσυφος"}, true},
		{"three days within seven", receivedWithin(7), email, true},
		{"ten days outside seven", receivedWithin(7), mailbox.Email{ReceivedAt: daysAgo(10)}, false},
		{"exact boundary excluded", receivedWithin(7), mailbox.Email{ReceivedAt: daysAgo(7)}, false},
		{"future date matches", receivedWithin(1), mailbox.Email{ReceivedAt: daysAgo(-2)}, true},
		{"missing date never matches", receivedWithin(365), mailbox.Email{}, false},
		{"zero days never matches past", receivedWithin(0), email, false},
		{"unsupported pair", Condition{Field: FieldFrom, Operator: OpLessThanDays, Days: 5}, email, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cond.Matches(tc.mail, testNow))
		})
	}
}

func TestRulePredicates(t *testing.T) {
	email := mailbox.Email{From: "news@example.com", Subject: "Weekly digest", ReceivedAt: daysAgo(1)}
	hit := fromContains("news")
	miss := subjectContains("invoice")

	all := Rule{Predicate: PredicateAll, Conditions: []Condition{hit, miss}}
	anyRule := Rule{Predicate: PredicateAny, Conditions: []Condition{hit, miss}}
	assert.False(t, all.Matches(email, testNow))
	assert.True(t, anyRule.Matches(email, testNow))

	all.Conditions = []Condition{hit, receivedWithin(2)}
	assert.True(t, all.Matches(email, testNow))

	anyRule.Conditions = []Condition{miss, receivedWithin(0.5)}
	assert.False(t, anyRule.Matches(email, testNow))

	unknown := Rule{Predicate: "XOR", Conditions: []Condition{hit}}
	assert.False(t, unknown.Matches(email, testNow))
}

func TestPlanAllRuleSenderAndRecency(t *testing.T) {
	doc := `[{"rule_name": "Security Alerts", "predicate": "ALL",
	  "conditions": [
	    {"field": "from", "operator": "contains", "value": "security@"},
	    {"field": "received_date", "operator": "less_than_days", "value": 7}
	  ],
	  "actions": [{"action": "mark_as_unread"}, {"action": "move", "mailbox": "Security Alerts"}]}]`
	res, err := Parse([]byte(doc), nil)
	require.NoError(t, err)

	engine := NewEngine(res.Rules, WithClock(func() time.Time { return testNow }))
	plan := engine.Plan([]mailbox.Email{
		{ID: "a", From: "alerts@security@example.com", ReceivedAt: daysAgo(3)},
		{ID: "b", From: "alerts@security@example.com", ReceivedAt: daysAgo(10)},
		{ID: "c", From: "friend@example.com", ReceivedAt: daysAgo(1)},
	})

	require.Len(t, plan, 2)
	assert.Equal(t, PlannedAction{
		EmailID: "a", Rule: "Security Alerts", RulePosition: 1,
		Action: Action{Kind: ActionMarkUnread},
	}, plan[0])
	assert.Equal(t, Action{Kind: ActionMove, Mailbox: "Security Alerts"}, plan[1].Action)
}

func TestPlanAnyRuleSubjectOrSender(t *testing.T) {
	doc := `[{"rule_name": "Security Alerts", "predicate": "ANY",
	  "conditions": [
	    {"field": "subject", "operator": "contains", "value": "Security Alert"},
	    {"field": "from", "operator": "contains", "value": "security@"}
	  ],
	  "actions": [{"action": "mark_as_unread"}, {"action": "move", "mailbox": "Security Alerts"}]}]`
	res, err := Parse([]byte(doc), nil)
	require.NoError(t, err)
	require.Len(t, res.Rules, 1)

	engine := NewEngine(res.Rules, WithClock(func() time.Time { return testNow }))
	plan := engine.Plan([]mailbox.Email{
		{ID: "subject-only", Subject: "Urgent Security Alert", From: "no-reply@example.com"},
		{ID: "neither", Subject: "Lunch", From: "friend@example.com"},
	})

	assert.Equal(t, []PlannedAction{
		{EmailID: "subject-only", Rule: "Security Alerts", RulePosition: 1, Action: Action{Kind: ActionMarkUnread}},
		{EmailID: "subject-only", Rule: "Security Alerts", RulePosition: 1, Action: Action{Kind: ActionMove, Mailbox: "Security Alerts"}},
	}, plan)
}

func TestPlanSkipsRuleWithUnknownPredicate(t *testing.T) {
	doc := `[{"rule_name": "exclusive", "predicate": "XOR",
	  "conditions": [{"field": "subject", "operator": "contains", "value": "invoice"}],
	  "actions": [{"action": "mark_as_read"}]}]`
	res, err := Parse([]byte(doc), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Rules)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, "exclusive", res.Dropped[0].Name)

	engine := NewEngine(res.Rules, WithClock(func() time.Time { return testNow }))
	assert.Empty(t, engine.Plan([]mailbox.Email{{ID: "m", Subject: "Your invoice"}}))
}

func TestEvaluateConcatenatesRulesWithoutDedup(t *testing.T) {
	rules := []Rule{
		{Position: 1, Name: "first", Predicate: PredicateAny, Conditions: []Condition{fromContains("a")},
			Actions: []Action{{Kind: ActionMarkRead}, {Kind: ActionMove, Mailbox: "X"}}},
		{Position: 2, Predicate: PredicateAny, Conditions: []Condition{fromContains("b")},
			Actions: []Action{{Kind: ActionMarkUnread}}},
		{Position: 3, Name: "third", Predicate: PredicateAll, Conditions: []Condition{fromContains("ab")},
			Actions: []Action{{Kind: ActionMarkRead}}},
	}
	engine := NewEngine(rules)

	got := engine.Evaluate(mailbox.Email{ID: "m", From: "ab@example.com"}, testNow)
	var kinds []string
	var names []string
	for _, pa := range got {
		kinds = append(kinds, pa.Action.String())
		names = append(names, pa.Rule)
	}
	assert.Equal(t, []string{"mark_as_read", `move "X"`, "mark_as_unread", "mark_as_read"}, kinds)
	assert.Equal(t, []string{"first", "first", "rule #2", "third"}, names)

	assert.Empty(t, engine.Evaluate(mailbox.Email{ID: "n", From: "zzz"}, testNow))
}

func TestPlanIsDeterministic(t *testing.T) {
	rules := []Rule{{Position: 1, Predicate: PredicateAny,
		Conditions: []Condition{subjectContains("hi"), receivedWithin(2)},
		Actions:    []Action{{Kind: ActionMarkRead}}}}
	emails := []mailbox.Email{
		{ID: "1", Subject: "hi there"},
		{ID: "2", ReceivedAt: daysAgo(1)},
		{ID: "3", ReceivedAt: daysAgo(5)},
	}
	engine := NewEngine(rules, WithClock(func() time.Time { return testNow }))
	first := engine.Plan(emails)
	second := engine.Plan(emails)
	assert.Equal(t, first, second)
	assert.Len(t, first, 2)
}

type recordingSink struct {
	calls []string
	fail  map[string]error
}

func (s *recordingSink) record(call string) error {
	s.calls = append(s.calls, call)
	return s.fail[call]
}

func (s *recordingSink) MarkRead(_ context.Context, id string) error {
	return s.record("read:" + id)
}

func (s *recordingSink) MarkUnread(_ context.Context, id string) error {
	return s.record("unread:" + id)
}

func (s *recordingSink) MoveToFolder(_ context.Context, id, mailbox string) error {
	return s.record("move:" + id + ":" + mailbox)
}

func TestDispatchContinuesAfterFailures(t *testing.T) {
	boom := errors.New("boom")
	sink := &recordingSink{fail: map[string]error{"unread:a": boom}}
	plan := []PlannedAction{
		{EmailID: "a", Action: Action{Kind: ActionMarkUnread}},
		{EmailID: "a", Action: Action{Kind: ActionMove, Mailbox: "Security Alerts"}},
		{EmailID: "b", Action: Action{Kind: ActionMarkRead}},
	}

	outcomes, err := Dispatch(context.Background(), sink, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"unread:a", "move:a:Security Alerts", "read:b"}, sink.calls)
	require.Len(t, outcomes, 3)
	assert.ErrorIs(t, outcomes[0].Err, boom)
	assert.NoError(t, outcomes[1].Err)
	assert.NoError(t, outcomes[2].Err)
}

func TestDispatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &recordingSink{}
	outcomes, err := Dispatch(ctx, sink, []PlannedAction{{EmailID: "a", Action: Action{Kind: ActionMarkRead}}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, outcomes)
	assert.Empty(t, sink.calls)
}

func TestProcessSkipsSinkWhenNothingMatches(t *testing.T) {
	sink := &recordingSink{}
	engine := NewEngine([]Rule{{Position: 1, Predicate: PredicateAll,
		Conditions: []Condition{fromContains("nobody")},
		Actions:    []Action{{Kind: ActionMarkRead}}}})
	outcomes, err := engine.Process(context.Background(), sink, []mailbox.Email{{ID: "x", From: "someone"}})
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Empty(t, sink.calls)
}
