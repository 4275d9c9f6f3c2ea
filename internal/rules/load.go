package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"
)

// ErrNotSequence reports a rule document whose top level is not a list.
var ErrNotSequence = errors.New("rule document must be a list of rules")

// Dropped records a rule entry rejected at load time.
type Dropped struct {
	Position int    `json:"position"`
	Name     string `json:"name"`
	Reason   string `json:"reason"`
}

// LoadResult holds the valid rules in document order plus the rejected entries.
type LoadResult struct {
	Rules   []Rule
	Dropped []Dropped
}

// LoadFile reads a rule document from disk. Files ending in .yaml or .yml
// are converted from YAML before parsing.
func LoadFile(path string, logger *slog.Logger) (LoadResult, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return LoadResult{}, fmt.Errorf("read rules file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.YAMLToJSON(data)
		if err != nil {
			return LoadResult{}, fmt.Errorf("convert yaml rules %s: %w", path, err)
		}
	}
	res, err := Parse(data, logger)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load rules %s: %w", path, err)
	}
	return res, nil
}

// Parse decodes a JSON rule document. Invalid entries are dropped and
// logged; only a malformed or non-list document is an error.
func Parse(data []byte, logger *slog.Logger) (LoadResult, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return LoadResult{}, fmt.Errorf("%w: document is empty", ErrNotSequence)
	}
	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return LoadResult{}, fmt.Errorf("decode rule document: %w", err)
	}
	if _, ok := doc.([]any); !ok {
		return LoadResult{}, fmt.Errorf("%w: got %s", ErrNotSequence, jsonKind(doc))
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return LoadResult{}, fmt.Errorf("decode rule document: %w", err)
	}

	res := LoadResult{Rules: make([]Rule, 0, len(entries))}
	for i, raw := range entries {
		pos := i + 1
		var def Definition
		if err := decodeEntry(raw, &def); err != nil {
			res.drop(logger, Dropped{Position: pos, Name: displayName("", pos), Reason: err.Error()})
			continue
		}
		rule, err := Compile(def, pos)
		if err != nil {
			res.drop(logger, Dropped{Position: pos, Name: displayName(def.Name, pos), Reason: err.Error()})
			continue
		}
		res.Rules = append(res.Rules, rule)
	}
	return res, nil
}

func (r *LoadResult) drop(logger *slog.Logger, d Dropped) {
	r.Dropped = append(r.Dropped, d)
	logger.Warn("skipping invalid rule", slog.String("rule", d.Name), slog.String("reason", d.Reason))
}

func decodeEntry(raw json.RawMessage, def *Definition) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("rule entry is not an object")
	}
	if err := checkKeys(trimmed, ruleKeys); err != nil {
		return err
	}
	var nested struct {
		Conditions []json.RawMessage `json:"conditions"`
		Actions    []json.RawMessage `json:"actions"`
	}
	// type errors are reported by the full decode below
	if json.Unmarshal(trimmed, &nested) == nil {
		for i, c := range nested.Conditions {
			if err := checkKeys(c, conditionKeys); err != nil {
				return fmt.Errorf("condition %d: %w", i+1, err)
			}
		}
		for i, a := range nested.Actions {
			if err := checkKeys(a, actionKeys); err != nil {
				return fmt.Errorf("action %d: %w", i+1, err)
			}
		}
	}
	if err := json.Unmarshal(trimmed, def); err != nil {
		return fmt.Errorf("decode rule: %w", err)
	}
	return nil
}

var (
	ruleKeys      = []string{"rule_name", "predicate", "conditions", "actions"}
	conditionKeys = []string{"field", "operator", "value"}
	actionKeys    = []string{"action", "mailbox"}
)

// checkKeys rejects object keys that differ from a known key only by case.
// encoding/json binds those to the field silently; the document format is
// case-sensitive. Other unknown keys are ignored.
func checkKeys(raw json.RawMessage, known []string) error {
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, want := range known {
			if k != want && strings.EqualFold(k, want) {
				return fmt.Errorf("unknown key %q (did you mean %q?)", k, want)
			}
		}
	}
	return nil
}

// Compile validates a definition and converts it into a Rule.
func Compile(def Definition, position int) (Rule, error) {
	rule := Rule{Position: position, Name: strings.TrimSpace(def.Name)}

	switch Predicate(def.Predicate) {
	case PredicateAll, PredicateAny:
		rule.Predicate = Predicate(def.Predicate)
	case "":
		return Rule{}, errors.New("predicate is required")
	default:
		return Rule{}, fmt.Errorf("unknown predicate %q", def.Predicate)
	}

	if len(def.Conditions) == 0 {
		return Rule{}, errors.New("at least one condition is required")
	}
	rule.Conditions = make([]Condition, 0, len(def.Conditions))
	for i, cd := range def.Conditions {
		cond, err := compileCondition(cd)
		if err != nil {
			return Rule{}, fmt.Errorf("condition %d: %w", i+1, err)
		}
		rule.Conditions = append(rule.Conditions, cond)
	}

	if len(def.Actions) == 0 {
		return Rule{}, errors.New("at least one action is required")
	}
	rule.Actions = make([]Action, 0, len(def.Actions))
	for i, ad := range def.Actions {
		act, err := compileAction(ad)
		if err != nil {
			return Rule{}, fmt.Errorf("action %d: %w", i+1, err)
		}
		rule.Actions = append(rule.Actions, act)
	}
	return rule, nil
}

func compileCondition(cd ConditionDef) (Condition, error) {
	cond := Condition{Field: Field(cd.Field), Operator: Operator(cd.Operator)}
	kind, ok := operandFor(cond.Field, cond.Operator)
	if !ok {
		return Condition{}, fmt.Errorf("unsupported field/operator %q/%q", cd.Field, cd.Operator)
	}
	switch kind {
	case operandText:
		text, ok := cd.Value.(string)
		if !ok {
			return Condition{}, fmt.Errorf("%s expects a string value, got %s", cond.Operator, jsonKind(cd.Value))
		}
		cond.Text = text
	case operandDays:
		days, err := daysValue(cd.Value)
		if err != nil {
			return Condition{}, err
		}
		cond.Days = days
	}
	return cond, nil
}

func daysValue(v any) (float64, error) {
	var days float64
	switch val := v.(type) {
	case float64:
		days = val
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("less_than_days expects a number, got %q", val)
		}
		days = parsed
	default:
		return 0, fmt.Errorf("less_than_days expects a number, got %s", jsonKind(v))
	}
	if math.IsNaN(days) || math.IsInf(days, 0) {
		return 0, fmt.Errorf("less_than_days must be a finite number, got %g", days)
	}
	if days < 0 {
		return 0, fmt.Errorf("less_than_days must not be negative, got %g", days)
	}
	return days, nil
}

func compileAction(ad ActionDef) (Action, error) {
	act := Action{Kind: ActionKind(ad.Action)}
	switch act.Kind {
	case ActionMarkRead, ActionMarkUnread:
	case ActionMove:
		act.Mailbox = strings.TrimSpace(ad.Mailbox)
		if act.Mailbox == "" {
			return Action{}, errors.New("move requires a mailbox")
		}
	case "":
		return Action{}, errors.New("action is required")
	default:
		return Action{}, fmt.Errorf("unknown action %q", ad.Action)
	}
	return act, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
