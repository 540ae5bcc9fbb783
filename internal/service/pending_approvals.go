package service

import (
	"context"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// PendingApprovalService answers "what is waiting on me" across all subject kinds.
type PendingApprovalService struct {
	store ApprovalStore
}

// NewPendingApprovalService creates a PendingApprovalService.
func NewPendingApprovalService(store ApprovalStore) *PendingApprovalService {
	return &PendingApprovalService{store: store}
}

// PendingForAssignee returns the pending steps assigned to a user id or email
// whose cycle is still active.
func (s *PendingApprovalService) PendingForAssignee(ctx context.Context, assignee string) ([]*repository.ApprovalStep, error) {
	if assignee == "" {
		return nil, errors.InvalidInput("assignee", "assignee is required")
	}
	steps, err := s.store.ListPendingSteps(ctx, assignee)
	if err != nil {
		return nil, err
	}

	active := make(map[string]bool)
	out := make([]*repository.ApprovalStep, 0, len(steps))
	for _, st := range steps {
		ok, seen := active[st.CycleID]
		if !seen {
			cycle, err := s.store.GetCycle(ctx, st.CycleID)
			if err != nil {
				return nil, err
			}
			ok = cycle.Status.IsActive()
			active[st.CycleID] = ok
		}
		if ok {
			out = append(out, st)
		}
	}
	return out, nil
}
