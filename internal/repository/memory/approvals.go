package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// ── Cycles ───────────────────────────────────────────────────────────────────

func (s *Store) CreateCycle(ctx context.Context, c *repository.ApprovalCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.cycles {
		if cur.SubjectKind == c.SubjectKind && cur.SubjectID == c.SubjectID && cur.CycleNumber == c.CycleNumber {
			return errors.Conflict(fmt.Sprintf("cycle %d already exists for %s %s", c.CycleNumber, c.SubjectKind, c.SubjectID))
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Revision = 1
	id := c.ID
	s.cycles[id] = cloneCycle(c)
	onRollback(ctx, func() { delete(s.cycles, id) })
	return nil
}

// UpdateCycle replaces the stored cycle when its revision still matches.
func (s *Store) UpdateCycle(ctx context.Context, c *repository.ApprovalCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cycles[c.ID]
	if !ok {
		return errors.NotFound("approval_cycle", c.ID)
	}
	if cur.Revision != c.Revision {
		return errors.ErrRevisionConflict
	}
	c.Revision++
	s.cycles[c.ID] = cloneCycle(c)
	onRollback(ctx, func() { s.cycles[cur.ID] = cur })
	return nil
}

func (s *Store) GetCycle(_ context.Context, id string) (*repository.ApprovalCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cycles[id]
	if !ok {
		return nil, errors.NotFound("approval_cycle", id)
	}
	return cloneCycle(c), nil
}

// GetLatestCycle returns nil when the subject has never been submitted.
func (s *Store) GetLatestCycle(_ context.Context, kind repository.SubjectKind, subjectID string) (*repository.ApprovalCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *repository.ApprovalCycle
	for _, c := range s.cycles {
		if c.SubjectKind == kind && c.SubjectID == subjectID && (latest == nil || c.CycleNumber > latest.CycleNumber) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneCycle(latest), nil
}

// ListCycles returns the subject's cycles ordered by cycle number.
func (s *Store) ListCycles(_ context.Context, kind repository.SubjectKind, subjectID string) ([]*repository.ApprovalCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*repository.ApprovalCycle{}
	for _, c := range s.cycles {
		if c.SubjectKind == kind && c.SubjectID == subjectID {
			out = append(out, cloneCycle(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CycleNumber < out[j].CycleNumber })
	return out, nil
}

// ── Steps ────────────────────────────────────────────────────────────────────

func (s *Store) CreateStep(ctx context.Context, st *repository.ApprovalStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cycles[st.CycleID]; !ok {
		return errors.NotFound("approval_cycle", st.CycleID)
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	st.Revision = 1
	id := st.ID
	s.steps[id] = cloneStep(st)
	onRollback(ctx, func() { delete(s.steps, id) })
	return nil
}

// UpdateStep replaces the stored step when its revision still matches.
func (s *Store) UpdateStep(ctx context.Context, st *repository.ApprovalStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.steps[st.ID]
	if !ok {
		return errors.NotFound("approval_step", st.ID)
	}
	if cur.Revision != st.Revision {
		return errors.ErrRevisionConflict
	}
	st.Revision++
	s.steps[st.ID] = cloneStep(st)
	onRollback(ctx, func() { s.steps[cur.ID] = cur })
	return nil
}

func (s *Store) GetStep(_ context.Context, id string) (*repository.ApprovalStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.steps[id]
	if !ok {
		return nil, errors.NotFound("approval_step", id)
	}
	return cloneStep(st), nil
}

// ListSteps returns a cycle's steps ordered by step order.
func (s *Store) ListSteps(_ context.Context, cycleID string) ([]*repository.ApprovalStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*repository.ApprovalStep{}
	for _, st := range s.steps {
		if st.CycleID == cycleID {
			out = append(out, cloneStep(st))
		}
	}
	sortSteps(out)
	return out, nil
}

// ListPendingSteps returns pending steps whose assignee id or email is assignee.
func (s *Store) ListPendingSteps(_ context.Context, assignee string) ([]*repository.ApprovalStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*repository.ApprovalStep{}
	for _, st := range s.steps {
		if st.Status == repository.StepPending && st.Assignee.Identifies(assignee) {
			out = append(out, cloneStep(st))
		}
	}
	sortSteps(out)
	return out, nil
}

func sortSteps(steps []*repository.ApprovalStep) {
	sort.Slice(steps, func(i, j int) bool {
		if !steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].CreatedAt.Before(steps[j].CreatedAt)
		}
		if steps[i].CycleID != steps[j].CycleID {
			return steps[i].CycleID < steps[j].CycleID
		}
		return steps[i].StepOrder < steps[j].StepOrder
	})
}

// ── Snapshots ────────────────────────────────────────────────────────────────

// CreateVersionSnapshot rejects a version number that is not strictly greater
// than every stored snapshot of the subject.
func (s *Store) CreateVersionSnapshot(ctx context.Context, snap *repository.VersionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.snapshots {
		if cur.SubjectKind == snap.SubjectKind && cur.SubjectID == snap.SubjectID && cur.VersionNumber >= snap.VersionNumber {
			return errors.Conflict(fmt.Sprintf("version %d of %s %s is not newer than stored version %d",
				snap.VersionNumber, snap.SubjectKind, snap.SubjectID, cur.VersionNumber))
		}
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	stored := cloneSnapshot(snap)
	s.snapshots = append(s.snapshots, stored)
	onRollback(ctx, func() { s.snapshots = without(s.snapshots, stored) })
	return nil
}

func (s *Store) ListVersionSnapshots(_ context.Context, kind repository.SubjectKind, subjectID string) ([]*repository.VersionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*repository.VersionSnapshot{}
	for _, snap := range s.snapshots {
		if snap.SubjectKind == kind && snap.SubjectID == subjectID {
			out = append(out, cloneSnapshot(snap))
		}
	}
	return out, nil
}

// ── Audit ────────────────────────────────────────────────────────────────────

func (s *Store) AppendAudit(ctx context.Context, e *repository.ApprovalAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.PerformedAt.IsZero() {
		e.PerformedAt = s.now()
	}
	stored := cloneAudit(e)
	s.audit = append(s.audit, stored)
	onRollback(ctx, func() { s.audit = without(s.audit, stored) })
	return nil
}

func (s *Store) ListAudit(_ context.Context, kind repository.SubjectKind, subjectID string) ([]*repository.ApprovalAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*repository.ApprovalAuditEntry{}
	for _, e := range s.audit {
		if e.SubjectKind == kind && e.SubjectID == subjectID {
			out = append(out, cloneAudit(e))
		}
	}
	return out, nil
}

// without returns list minus the element identical to item.
func without[T any](list []*T, item *T) []*T {
	out := list[:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
