package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

const (
	planExecutiveOrder = 1
	planDivisionOrder  = 2

	roleProjectExecutive = "Project Executive"
	roleDivisionHead     = "Division Head"

	sourceDivisionApprover = "division_approver"
)

// PlanApprovalService drives project management plans through a cascade of
// reviewers. The plan is approved only once every step of the cycle has been
// approved; any single return sends the whole plan back.
type PlanApprovalService struct {
	*approvalEngine
	plans       PlanStore
	workflowKey string
}

// NewPlanApprovalService creates a PlanApprovalService.
func NewPlanApprovalService(plans PlanStore, workflowKey string, deps EngineDeps) *PlanApprovalService {
	return &PlanApprovalService{
		approvalEngine: newApprovalEngine(repository.SubjectPlan, deps),
		plans:          plans,
		workflowKey:    workflowKey,
	}
}

// Submit opens a cycle with the project executive step pending.
func (s *PlanApprovalService) Submit(ctx context.Context, planID, submittedBy string) (*CycleResult, error) {
	if submittedBy == "" {
		return nil, errors.InvalidInput("submitted_by", "submitting user is required")
	}
	var result *CycleResult
	err := s.withSubjectLock(ctx, planID, func(ctx context.Context) error {
		p, err := s.plans.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if p.Status != repository.PlanDraft && p.Status != repository.PlanReturned {
			return errors.Conflict(fmt.Sprintf("plan cannot be submitted from status %s", p.Status))
		}
		result, err = s.startCycle(ctx, p, submittedBy, false)
		return err
	})
	return result, err
}

func (s *PlanApprovalService) startCycle(ctx context.Context, p *repository.Plan, by string, lock bool) (*CycleResult, error) {
	number, err := s.nextCycleNumber(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	chain, err := s.resolveChain(ctx, s.workflowKey, p.ProjectCode)
	if err != nil {
		return nil, err
	}
	px, source := assigneeFor(chain, planExecutiveOrder)

	before := p.Status
	p.Status = repository.PlanPendingApproval
	p.IsLocked = lock
	version := p.Version + 1
	snap, err := s.snapshot(ctx, p.ID, version, repository.SnapshotSubmission, p.SnapshotFields(), by)
	if err != nil {
		return nil, err
	}
	p.Version = version

	cycle, err := s.createCycle(ctx, p.ID, number, by)
	if err != nil {
		return nil, err
	}
	step, err := s.createStep(ctx, cycle, stepSpec{
		Order:    planExecutiveOrder,
		Wave:     1,
		Role:     roleProjectExecutive,
		Assignee: px,
		Source:   source,
	})
	if err != nil {
		return nil, err
	}
	if err := s.plans.UpdatePlan(ctx, p); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		SubjectID: p.ID, CycleID: &cycle.ID, Action: "submitted", PerformedBy: by,
		StatusBefore: strPtr(string(before)), StatusAfter: strPtr(string(p.Status)),
		Metadata: map[string]any{"cycle_number": number, "version": version},
	})
	s.publish(ctx, ApprovalEvent{Type: EventCycleSubmitted, SubjectID: p.ID, ProjectCode: p.ProjectCode, CycleID: cycle.ID, ActorID: by})
	s.publish(ctx, ApprovalEvent{
		Type: EventStepPending, SubjectID: p.ID, ProjectCode: p.ProjectCode,
		CycleID: cycle.ID, StepID: step.ID, ActorID: by, Recipients: recipients(px),
		Payload: map[string]any{"role": roleProjectExecutive},
	})
	return s.cycleResult(ctx, p.ID, string(p.Status), p.IsLocked, p.Version, cycle, snap)
}

// Respond records an action on the pending step. A return ends the cycle.
// Approval of the project executive step opens the division head step when
// the plan names a division approver; otherwise, or after the division head
// approves, the plan is approved once every step in the cycle is approved.
func (s *PlanApprovalService) Respond(ctx context.Context, req RespondRequest) (*CycleResult, error) {
	var result *CycleResult
	err := s.withSubjectLock(ctx, req.SubjectID, func(ctx context.Context) error {
		p, err := s.plans.GetPlan(ctx, req.SubjectID)
		if err != nil {
			return err
		}
		cycle, step, err := s.loadPendingStep(ctx, req)
		if err != nil {
			return err
		}
		if req.Escalate {
			return errors.InvalidInput("escalate", "plan steps cannot be escalated")
		}
		if p.Status != repository.PlanPendingApproval {
			return s.invariantViolation(p.ID, fmt.Sprintf("pending step while plan is %s", p.Status))
		}

		if !req.Approved {
			result, err = s.returned(ctx, p, cycle, step, req)
			return err
		}

		if err := s.actOnStep(ctx, step, repository.StepApproved, req.ActedBy, req.Comment); err != nil {
			return err
		}
		s.appendAudit(ctx, &repository.ApprovalAuditEntry{
			SubjectID: p.ID, CycleID: &cycle.ID, StepID: &step.ID,
			Action: "approved", PerformedBy: req.ActedBy,
			Metadata: map[string]any{"role": step.Role},
		})

		if step.StepOrder == planExecutiveOrder && p.DivisionApprover != nil && !p.DivisionApprover.IsZero() {
			next, err := s.createStep(ctx, cycle, stepSpec{
				Order:    planDivisionOrder,
				Wave:     step.Wave + 1,
				Role:     roleDivisionHead,
				Assignee: *p.DivisionApprover,
				Source:   sourceDivisionApprover,
			})
			if err != nil {
				return err
			}
			s.publish(ctx, ApprovalEvent{
				Type: EventStepPending, SubjectID: p.ID, ProjectCode: p.ProjectCode,
				CycleID: cycle.ID, StepID: next.ID, ActorID: req.ActedBy, Recipients: recipients(*p.DivisionApprover),
				Payload: map[string]any{"role": roleDivisionHead},
			})
			result, err = s.cycleResult(ctx, p.ID, string(p.Status), p.IsLocked, p.Version, cycle, nil)
			return err
		}

		done, _, err := s.allApproved(ctx, cycle.ID)
		if err != nil {
			return err
		}
		if !done {
			result, err = s.cycleResult(ctx, p.ID, string(p.Status), p.IsLocked, p.Version, cycle, nil)
			return err
		}
		result, err = s.approved(ctx, p, cycle, req.ActedBy)
		return err
	})
	return result, err
}

func (s *PlanApprovalService) returned(
	ctx context.Context,
	p *repository.Plan,
	cycle *repository.ApprovalCycle,
	step *repository.ApprovalStep,
	req RespondRequest,
) (*CycleResult, error) {
	before := p.Status
	p.Status = repository.PlanReturned
	p.IsLocked = false
	version := p.Version + 1
	snap, err := s.snapshot(ctx, p.ID, version, repository.SnapshotRejection, p.SnapshotFields(), req.ActedBy)
	if err != nil {
		return nil, err
	}
	p.Version = version

	if err := s.actOnStep(ctx, step, repository.StepReturned, req.ActedBy, req.Comment); err != nil {
		return nil, err
	}
	if err := s.setCycleStatus(ctx, cycle, repository.CycleReturned); err != nil {
		return nil, err
	}
	if err := s.plans.UpdatePlan(ctx, p); err != nil {
		return nil, err
	}

	s.log.Info().Str("plan_id", p.ID).Str("step_id", step.ID).Str("role", step.Role).Msg("Plan returned")
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		SubjectID: p.ID, CycleID: &cycle.ID, StepID: &step.ID,
		Action: "returned", PerformedBy: req.ActedBy,
		StatusBefore: strPtr(string(before)), StatusAfter: strPtr(string(p.Status)),
		Metadata: map[string]any{"comment": req.Comment},
	})
	s.publish(ctx, ApprovalEvent{
		Type: EventCycleReturned, SubjectID: p.ID, ProjectCode: p.ProjectCode,
		CycleID: cycle.ID, StepID: step.ID, ActorID: req.ActedBy, Recipients: []string{cycle.SubmittedBy},
	})
	return s.cycleResult(ctx, p.ID, string(p.Status), p.IsLocked, p.Version, cycle, snap)
}

func (s *PlanApprovalService) approved(ctx context.Context, p *repository.Plan, cycle *repository.ApprovalCycle, by string) (*CycleResult, error) {
	before := p.Status
	p.Status = repository.PlanApproved
	p.IsLocked = true
	version := p.Version + 1
	snap, err := s.snapshot(ctx, p.ID, version, repository.SnapshotDecision, p.SnapshotFields(), by)
	if err != nil {
		return nil, err
	}
	p.Version = version

	if err := s.setCycleStatus(ctx, cycle, repository.CycleApproved); err != nil {
		return nil, err
	}
	if err := s.plans.UpdatePlan(ctx, p); err != nil {
		return nil, err
	}

	s.log.Info().Str("plan_id", p.ID).Int("version", p.Version).Msg("Plan approved")
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		SubjectID: p.ID, CycleID: &cycle.ID, Action: "completed", PerformedBy: by,
		StatusBefore: strPtr(string(before)), StatusAfter: strPtr(string(p.Status)),
	})
	s.publish(ctx, ApprovalEvent{
		Type: EventCycleApproved, SubjectID: p.ID, ProjectCode: p.ProjectCode,
		CycleID: cycle.ID, ActorID: by, Recipients: []string{cycle.SubmittedBy},
	})
	return s.cycleResult(ctx, p.ID, string(p.Status), p.IsLocked, p.Version, cycle, snap)
}

// Unlock snapshots the plan and then clears its lock.
func (s *PlanApprovalService) Unlock(ctx context.Context, planID, unlockedBy, reason string) (*SnapshotResult, error) {
	if unlockedBy == "" {
		return nil, errors.InvalidInput("unlocked_by", "unlocking user is required")
	}
	var result *SnapshotResult
	err := s.withSubjectLock(ctx, planID, func(ctx context.Context) error {
		p, err := s.plans.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if !p.IsLocked {
			return errors.Conflict("plan is not locked")
		}
		version := p.Version + 1
		fields := p.SnapshotFields()
		fields["unlock_reason"] = reason
		snap, err := s.snapshot(ctx, p.ID, version, repository.SnapshotUnlock, fields, unlockedBy)
		if err != nil {
			return err
		}
		p.Version = version
		p.IsLocked = false
		if err := s.plans.UpdatePlan(ctx, p); err != nil {
			return err
		}

		s.appendAudit(ctx, &repository.ApprovalAuditEntry{
			SubjectID: p.ID, Action: "unlocked", PerformedBy: unlockedBy,
			Metadata: map[string]any{"reason": reason, "version": version},
		})
		s.publish(ctx, ApprovalEvent{
			Type: EventSubjectUnlocked, SubjectID: p.ID, ProjectCode: p.ProjectCode, ActorID: unlockedBy,
			Payload: map[string]any{"reason": reason},
		})
		result = &SnapshotResult{SubjectKind: s.kind, SubjectID: p.ID, IsLocked: false, Version: p.Version, Snapshot: snap}
		return nil
	})
	return result, err
}

// Relock locks an unlocked plan. With startNewCycle the plan is resubmitted
// for approval under a fresh cycle.
// Without it only a approved plan can be relocked.
func (s *PlanApprovalService) Relock(ctx context.Context, planID, relockedBy string, startNewCycle bool) (*CycleResult, error) {
	if relockedBy == "" {
		return nil, errors.InvalidInput("relocked_by", "relocking user is required")
	}
	var result *CycleResult
	err := s.withSubjectLock(ctx, planID, func(ctx context.Context) error {
		p, err := s.plans.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if p.IsLocked {
			return errors.Conflict("plan is already locked")
		}
		if startNewCycle {
			result, err = s.startCycle(ctx, p, relockedBy, true)
			if err == nil {
				s.publish(ctx, ApprovalEvent{Type: EventSubjectRelocked, SubjectID: p.ID, ProjectCode: p.ProjectCode, ActorID: relockedBy})
			}
			return err
		}
		if p.Status != repository.PlanApproved {
			return errors.Conflict(fmt.Sprintf("an undecided plan (status %s) cannot be relocked without a new cycle", p.Status))
		}
		p.IsLocked = true
		if err := s.plans.UpdatePlan(ctx, p); err != nil {
			return err
		}
		s.appendAudit(ctx, &repository.ApprovalAuditEntry{SubjectID: p.ID, Action: "relocked", PerformedBy: relockedBy})
		s.publish(ctx, ApprovalEvent{Type: EventSubjectRelocked, SubjectID: p.ID, ProjectCode: p.ProjectCode, ActorID: relockedBy})
		latest, err := s.store.GetLatestCycle(ctx, s.kind, p.ID)
		if err != nil {
			return err
		}
		result, err = s.cycleResult(ctx, p.ID, string(p.Status), p.IsLocked, p.Version, latest, nil)
		return err
	})
	return result, err
}

// History returns every cycle, snapshot and audit entry of a plan.
func (s *PlanApprovalService) History(ctx context.Context, planID string) (*ApprovalHistory, error) {
	if _, err := s.plans.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	return s.history(ctx, planID)
}
