// Package condition evaluates conditional assignment rules against a subject
// record. Conditions are exact string matches joined by AND; there is no
// negation, ordering comparison or OR.
package condition

import (
	"sort"

	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// Matches reports whether every condition holds for subject. An empty
// condition list never matches, so a rule always needs at least one test.
func Matches(conditions []repository.Condition, subject repository.SubjectRecord) bool {
	if len(conditions) == 0 {
		return false
	}
	for _, c := range conditions {
		if !c.Field.IsValid() {
			return false
		}
		if subject.Field(c.Field) != c.Value {
			return false
		}
	}
	return true
}

// Select returns the lowest-priority candidate whose conditions all match,
// or nil. Equal priorities keep declaration order. candidates is not modified.
func Select(candidates []repository.ConditionalAssignment, subject repository.SubjectRecord) *repository.ConditionalAssignment {
	ordered := make([]int, len(candidates))
	for i := range ordered {
		ordered[i] = i
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return candidates[ordered[a]].Priority < candidates[ordered[b]].Priority
	})

	for _, idx := range ordered {
		if Matches(candidates[idx].Conditions, subject) {
			selected := candidates[idx]
			return &selected
		}
	}
	return nil
}
