package gmailctl

import (
	"fmt"
	"strings"

	"github.com/joshsymonds/inboxrules/internal/rules"
)

const labelUnread = "UNREAD"

// Skipped is a filter that has no equivalent rule.
type Skipped struct {
	Filter string
	Reason string
}

// Convert maps filters onto rule definitions. From and subject criteria
// become contains conditions joined with ALL; removing UNREAD becomes
// mark_as_read, adding it mark_as_unread, and adding a user label becomes
// a move into that label. Filters left without conditions or actions are
// reported as skipped.
func Convert(export Export) ([]rules.Definition, []Skipped) {
	names := make(map[string]string, len(export.Labels))
	for _, l := range export.Labels {
		names[l.ID] = l.Name
	}

	var (
		defs    []rules.Definition
		skipped []Skipped
	)
	for i, f := range export.Filters {
		name := filterName(f, i)
		conds := conditionsFor(f.Criteria)
		if len(conds) == 0 {
			skipped = append(skipped, Skipped{Filter: name, Reason: "no from or subject criteria"})
			continue
		}
		acts := actionsFor(f.Action, names)
		if len(acts) == 0 {
			skipped = append(skipped, Skipped{Filter: name, Reason: "no read-state or label actions"})
			continue
		}
		defs = append(defs, rules.Definition{
			Name:       name,
			Predicate:  string(rules.PredicateAll),
			Conditions: conds,
			Actions:    acts,
		})
	}
	return defs, skipped
}

func filterName(f Filter, i int) string {
	switch {
	case strings.TrimSpace(f.Name) != "":
		return f.Name
	case strings.TrimSpace(f.ID) != "":
		return "gmailctl " + f.ID
	default:
		return fmt.Sprintf("gmailctl filter %d", i+1)
	}
}

func conditionsFor(c FilterCriteria) []rules.ConditionDef {
	var out []rules.ConditionDef
	if v := strings.TrimSpace(c.From); v != "" {
		out = append(out, rules.ConditionDef{Field: string(rules.FieldFrom), Operator: string(rules.OpContains), Value: v})
	}
	if v := strings.TrimSpace(c.Subject); v != "" {
		out = append(out, rules.ConditionDef{Field: string(rules.FieldSubject), Operator: string(rules.OpContains), Value: v})
	}
	return out
}

func actionsFor(a FilterAction, names map[string]string) []rules.ActionDef {
	var out []rules.ActionDef
	for _, id := range a.RemoveLabelIDs {
		if id == labelUnread {
			out = append(out, rules.ActionDef{Action: string(rules.ActionMarkRead)})
		}
	}
	var moves []rules.ActionDef
	for _, id := range a.AddLabelIDs {
		switch {
		case id == labelUnread:
			out = append(out, rules.ActionDef{Action: string(rules.ActionMarkUnread)})
		case isSystemLabel(id):
		default:
			target := id
			if n, ok := names[id]; ok && n != "" {
				target = n
			}
			moves = append(moves, rules.ActionDef{Action: string(rules.ActionMove), Mailbox: target})
		}
	}
	// moves last: an IMAP move changes the message UID
	return append(out, moves...)
}

func isSystemLabel(id string) bool {
	switch id {
	case "INBOX", "SPAM", "TRASH", "STARRED", "IMPORTANT", "SENT", "DRAFT":
		return true
	}
	return strings.HasPrefix(id, "CATEGORY_")
}
