// Package rules loads declarative mail rules and evaluates them against
// normalized email records.
package rules

import "fmt"

// Field names an email attribute a condition inspects.
type Field string

// Operator names a comparison a condition applies.
type Operator string

// Predicate combines condition results within a rule.
type Predicate string

// ActionKind names a state change applied to a matching email.
type ActionKind string

const (
	FieldFrom         Field = "from"
	FieldSubject      Field = "subject"
	FieldReceivedDate Field = "received_date"

	OpContains     Operator = "contains"
	OpLessThanDays Operator = "less_than_days"

	PredicateAll Predicate = "ALL"
	PredicateAny Predicate = "ANY"

	ActionMarkRead   ActionKind = "mark_as_read"
	ActionMarkUnread ActionKind = "mark_as_unread"
	ActionMove       ActionKind = "move"
)

// ActionKinds lists every supported action in reporting order.
var ActionKinds = []ActionKind{ActionMarkRead, ActionMarkUnread, ActionMove}

// operand describes the value type a (field, operator) pair expects.
type operand int

const (
	operandText operand = iota + 1
	operandDays
)

var supported = map[Field]map[Operator]operand{
	FieldFrom:         {OpContains: operandText},
	FieldSubject:      {OpContains: operandText},
	FieldReceivedDate: {OpLessThanDays: operandDays},
}

func operandFor(f Field, op Operator) (operand, bool) {
	ops, ok := supported[f]
	if !ok {
		return 0, false
	}
	kind, ok := ops[op]
	return kind, ok
}

// Condition is one validated test against an email. Text is set for
// contains conditions and Days for less_than_days.
type Condition struct {
	Field    Field
	Operator Operator
	Text     string
	Days     float64
}

// Supported reports whether the field and operator form a known pair.
func (c Condition) Supported() bool {
	_, ok := operandFor(c.Field, c.Operator)
	return ok
}

func (c Condition) String() string {
	if c.Operator == OpLessThanDays {
		return fmt.Sprintf("%s %s %g", c.Field, c.Operator, c.Days)
	}
	return fmt.Sprintf("%s %s %q", c.Field, c.Operator, c.Text)
}

// Action is one state change. Mailbox is only meaningful for move.
type Action struct {
	Kind    ActionKind
	Mailbox string
}

func (a Action) String() string {
	if a.Kind == ActionMove {
		return fmt.Sprintf("%s %q", a.Kind, a.Mailbox)
	}
	return string(a.Kind)
}

// Rule is a validated rule. Position is its 1-based index in the source
// document, counting dropped entries.
type Rule struct {
	Position   int
	Name       string
	Predicate  Predicate
	Conditions []Condition
	Actions    []Action
}

// DisplayName returns the rule name, or a positional placeholder for
// unnamed rules.
func (r Rule) DisplayName() string {
	return displayName(r.Name, r.Position)
}

func displayName(name string, position int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("rule #%d", position)
}

// Definition is the document form of a rule.
type Definition struct {
	Name       string         `json:"rule_name,omitempty"`
	Predicate  string         `json:"predicate"`
	Conditions []ConditionDef `json:"conditions"`
	Actions    []ActionDef    `json:"actions"`
}

// ConditionDef is the document form of a condition. Value holds a string
// for contains and a number (or numeric string) for less_than_days.
type ConditionDef struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// ActionDef is the document form of an action.
type ActionDef struct {
	Action  string `json:"action"`
	Mailbox string `json:"mailbox,omitempty"`
}
