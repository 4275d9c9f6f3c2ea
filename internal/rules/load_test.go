package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsValidRulesInOrder(t *testing.T) {
	doc := `[
	  {"rule_name": "Security", "predicate": "ALL",
	   "conditions": [{"field": "from", "operator": "contains", "value": "security@"}],
	   "actions": [{"action": "mark_as_unread"}, {"action": "move", "mailbox": "Security Alerts"}]},
	  {"predicate": "ANY",
	   "conditions": [{"field": "received_date", "operator": "less_than_days", "value": 7}],
	   "actions": [{"action": "mark_as_read", "mailbox": "ignored"}]}
	]`

	res, err := Parse([]byte(doc), nil)
	require.NoError(t, err)
	require.Len(t, res.Rules, 2)
	assert.Empty(t, res.Dropped)

	first := res.Rules[0]
	assert.Equal(t, "Security", first.DisplayName())
	assert.Equal(t, PredicateAll, first.Predicate)
	assert.Equal(t, []Condition{{Field: FieldFrom, Operator: OpContains, Text: "security@"}}, first.Conditions)
	assert.Equal(t, []Action{{Kind: ActionMarkUnread}, {Kind: ActionMove, Mailbox: "Security Alerts"}}, first.Actions)

	second := res.Rules[1]
	assert.Equal(t, "rule #2", second.DisplayName())
	assert.InDelta(t, 7.0, second.Conditions[0].Days, 0)
	assert.Equal(t, []Action{{Kind: ActionMarkRead}}, second.Actions)
}

func TestParseDropsInvalidRules(t *testing.T) {
	valid := `{"rule_name": "ok", "predicate": "ALL",
	  "conditions": [{"field": "subject", "operator": "contains", "value": "x"}],
	  "actions": [{"action": "mark_as_read"}]}`

	cases := []struct {
		name   string
		entry  string
		reason string
	}{
		{
			name: "unknown predicate",
			entry: `{"rule_name": "bad", "predicate": "XOR",
			  "conditions": [{"field": "from", "operator": "contains", "value": "a"}],
			  "actions": [{"action": "mark_as_read"}]}`,
			reason: `unknown predicate "XOR"`,
		},
		{
			name: "lowercase predicate",
			entry: `{"predicate": "all",
			  "conditions": [{"field": "from", "operator": "contains", "value": "a"}],
			  "actions": [{"action": "mark_as_read"}]}`,
			reason: `unknown predicate "all"`,
		},
		{
			name: "move without mailbox",
			entry: `{"predicate": "ANY",
			  "conditions": [{"field": "from", "operator": "contains", "value": "a"}],
			  "actions": [{"action": "move"}]}`,
			reason: "action 1: move requires a mailbox",
		},
		{
			name: "mismatched operator",
			entry: `{"predicate": "ANY",
			  "conditions": [{"field": "from", "operator": "less_than_days", "value": 3}],
			  "actions": [{"action": "mark_as_read"}]}`,
			reason: `condition 1: unsupported field/operator "from"/"less_than_days"`,
		},
		{
			name: "negative days",
			entry: `{"predicate": "ANY",
			  "conditions": [{"field": "received_date", "operator": "less_than_days", "value": -1}],
			  "actions": [{"action": "mark_as_read"}]}`,
			reason: "condition 1: less_than_days must not be negative, got -1",
		},
		{
			name: "NaN days",
			entry: `{"predicate": "ANY",
			  "conditions": [{"field": "received_date", "operator": "less_than_days", "value": "NaN"}],
			  "actions": [{"action": "mark_as_read"}]}`,
			reason: "condition 1: less_than_days must be a finite number, got NaN",
		},
		{
			name: "infinite days",
			entry: `{"predicate": "ANY",
			  "conditions": [{"field": "received_date", "operator": "less_than_days", "value": "Inf"}],
			  "actions": [{"action": "mark_as_read"}]}`,
			reason: "condition 1: less_than_days must be a finite number, got +Inf",
		},
		{
			name: "capitalised rule key",
			entry: `{"Predicate": "ANY",
			  "conditions": [{"field": "from", "operator": "contains", "value": "a"}],
			  "actions": [{"action": "mark_as_read"}]}`,
			reason: `unknown key "Predicate" (did you mean "predicate"?)`,
		},
		{
			name: "capitalised condition key",
			entry: `{"predicate": "ANY",
			  "conditions": [{"FIELD": "from", "operator": "contains", "value": "a"}],
			  "actions": [{"action": "mark_as_read"}]}`,
			reason: `condition 1: unknown key "FIELD" (did you mean "field"?)`,
		},
		{
			name: "capitalised action key",
			entry: `{"predicate": "ANY",
			  "conditions": [{"field": "from", "operator": "contains", "value": "a"}],
			  "actions": [{"action": "move", "Mailbox": "Archive"}]}`,
			reason: `action 1: unknown key "Mailbox" (did you mean "mailbox"?)`,
		},
		{
			name: "non-string contains value",
			entry: `{"predicate": "ANY",
			  "conditions": [{"field": "subject", "operator": "contains", "value": 12}],
			  "actions": [{"action": "mark_as_read"}]}`,
			reason: "condition 1: contains expects a string value, got number",
		},
		{
			name: "no conditions",
			entry: `{"predicate": "ANY", "conditions": [],
			  "actions": [{"action": "mark_as_read"}]}`,
			reason: "at least one condition is required",
		},
		{
			name: "no actions",
			entry: `{"predicate": "ANY",
			  "conditions": [{"field": "from", "operator": "contains", "value": "a"}]}`,
			reason: "at least one action is required",
		},
		{
			name: "unknown action",
			entry: `{"predicate": "ANY",
			  "conditions": [{"field": "from", "operator": "contains", "value": "a"}],
			  "actions": [{"action": "delete"}]}`,
			reason: `action 1: unknown action "delete"`,
		},
		{
			name:   "not an object",
			entry:  `42`,
			reason: "rule entry is not an object",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := "[" + tc.entry + "," + valid + "]"
			res, err := Parse([]byte(doc), nil)
			require.NoError(t, err)
			require.Len(t, res.Rules, 1)
			assert.Equal(t, "ok", res.Rules[0].Name)
			assert.Equal(t, 2, res.Rules[0].Position)
			require.Len(t, res.Dropped, 1)
			assert.Equal(t, 1, res.Dropped[0].Position)
			assert.Equal(t, tc.reason, res.Dropped[0].Reason)
		})
	}
}

func TestParseNumericStringDays(t *testing.T) {
	doc := `[{"predicate": "ALL",
	  "conditions": [{"field": "received_date", "operator": "less_than_days", "value": " 3 "}],
	  "actions": [{"action": "mark_as_read"}]}]`
	res, err := Parse([]byte(doc), nil)
	require.NoError(t, err)
	require.Len(t, res.Rules, 1)
	assert.InDelta(t, 3.0, res.Rules[0].Conditions[0].Days, 0)
}

func TestParseRejectsNonSequence(t *testing.T) {
	for _, doc := range []string{`{"rules": []}`, `"rules"`, `null`, ``} {
		_, err := Parse([]byte(doc), nil)
		require.Error(t, err, doc)
		assert.ErrorIs(t, err, ErrNotSequence, doc)
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`[{"predicate": `), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotSequence)
}

func TestParseEmptyList(t *testing.T) {
	res, err := Parse([]byte(`[]`), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Rules)
	assert.Empty(t, res.Dropped)
}

func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	doc := `
- rule_name: Newsletters
  predicate: ANY
  conditions:
    - field: subject
      operator: contains
      value: newsletter
  actions:
    - action: move
      mailbox: Reading
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	res, err := LoadFile(path, nil)
	require.NoError(t, err)
	require.Len(t, res.Rules, 1)
	assert.Equal(t, []Action{{Kind: ActionMove, Mailbox: "Reading"}}, res.Rules[0].Actions)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
