package rules

import (
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/joshsymonds/inboxrules/internal/mailbox"
)

const hoursPerDay = 24

// Matches evaluates the condition against e. Unsupported conditions and
// missing dates never match.
func (c Condition) Matches(e mailbox.Email, now time.Time) bool {
	switch {
	case c.Field == FieldFrom && c.Operator == OpContains:
		return containsFold(e.From, c.Text)
	case c.Field == FieldSubject && c.Operator == OpContains:
		return containsFold(e.Subject, c.Text)
	case c.Field == FieldReceivedDate && c.Operator == OpLessThanDays:
		if e.ReceivedAt == nil {
			return false
		}
		age := now.Sub(*e.ReceivedAt).Hours() / hoursPerDay
		return age < c.Days
	default:
		return false
	}
}

// Matches reports whether e satisfies the rule under its predicate.
func (r Rule) Matches(e mailbox.Email, now time.Time) bool {
	switch r.Predicate {
	case PredicateAll:
		for _, c := range r.Conditions {
			if !c.Matches(e, now) {
				return false
			}
		}
		return true
	case PredicateAny:
		for _, c := range r.Conditions {
			if c.Matches(e, now) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	fold := cases.Fold()
	return strings.Contains(fold.String(haystack), fold.String(needle))
}
