package audit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joshsymonds/inboxrules/internal/rules"
)

const descReadUnread = "mark_as_read and mark_as_unread on the same email"

// conflictSet groups per-email contradictions by the rules involved.
type conflictSet struct {
	byKey map[string]*Conflict
}

func newConflictSet() *conflictSet {
	return &conflictSet{byKey: map[string]*Conflict{}}
}

func (cs *conflictSet) observe(emailID string, plan []rules.PlannedAction) {
	var readRules, unreadRules, moveRules, targets []string
	for _, pa := range plan {
		switch pa.Action.Kind {
		case rules.ActionMarkRead:
			readRules = appendIfMissing(readRules, pa.Rule)
		case rules.ActionMarkUnread:
			unreadRules = appendIfMissing(unreadRules, pa.Rule)
		case rules.ActionMove:
			moveRules = appendIfMissing(moveRules, pa.Rule)
			targets = appendIfMissing(targets, pa.Action.Mailbox)
		}
	}
	if len(readRules) > 0 && len(unreadRules) > 0 {
		cs.add(emailID, mergeRuleSets(readRules, unreadRules), descReadUnread)
	}
	if len(targets) > 1 {
		sort.Strings(targets)
		desc := fmt.Sprintf("moves to different mailboxes: %s", strings.Join(targets, ", "))
		cs.add(emailID, mergeRuleSets(moveRules, nil), desc)
	}
}

func (cs *conflictSet) add(emailID string, ruleNames []string, desc string) {
	key := strings.Join(ruleNames, "|") + "#" + desc
	c, ok := cs.byKey[key]
	if !ok {
		c = &Conflict{Rules: ruleNames, Description: desc, Example: emailID}
		cs.byKey[key] = c
	}
	c.Emails++
}

func (cs *conflictSet) list() []Conflict {
	out := make([]Conflict, 0, len(cs.byKey))
	for _, c := range cs.byKey {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		ki := strings.Join(out[i].Rules, "|")
		kj := strings.Join(out[j].Rules, "|")
		if ki == kj {
			return out[i].Description < out[j].Description
		}
		return ki < kj
	})
	return out
}

func mergeRuleSets(a, b []string) []string {
	combined := append([]string{}, a...)
	for _, name := range b {
		combined = appendIfMissing(combined, name)
	}
	sort.Strings(combined)
	return combined
}
