package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

const (
	commitmentPXOrder         = 1
	commitmentComplianceOrder = 2
	commitmentCFOOrder        = 3

	rolePX                = "PX"
	roleComplianceManager = "Compliance Manager"
	roleCFO               = "CFO"
)

// CommitmentApprovalService drives buyout commitments through PX review,
// compliance review for large waivers, and CFO review on escalation.
type CommitmentApprovalService struct {
	*approvalEngine
	commitments CommitmentStore
	workflowKey string
	threshold   int64
}

// NewCommitmentApprovalService creates a CommitmentApprovalService. Waived
// commitments whose contract value is at or above waiverThreshold require
// compliance review after PX approval.
func NewCommitmentApprovalService(commitments CommitmentStore, workflowKey string, waiverThreshold int64, deps EngineDeps) *CommitmentApprovalService {
	return &CommitmentApprovalService{
		approvalEngine: newApprovalEngine(repository.SubjectCommitment, deps),
		commitments:    commitments,
		workflowKey:    workflowKey,
		threshold:      waiverThreshold,
	}
}

// requiresCompliance reports whether c must pass compliance review.
func (s *CommitmentApprovalService) requiresCompliance(c *repository.Commitment) bool {
	return c.WaiverRequired && c.ContractValue >= s.threshold
}

// Submit opens a cycle with the PX step pending.
func (s *CommitmentApprovalService) Submit(ctx context.Context, commitmentID, submittedBy string) (*CycleResult, error) {
	if submittedBy == "" {
		return nil, errors.InvalidInput("submitted_by", "submitting user is required")
	}
	var result *CycleResult
	err := s.withSubjectLock(ctx, commitmentID, func(ctx context.Context) error {
		c, err := s.commitments.GetCommitment(ctx, commitmentID)
		if err != nil {
			return err
		}
		if c.Status != repository.CommitmentDraft {
			return errors.Conflict(fmt.Sprintf("commitment cannot be submitted from status %s", c.Status))
		}
		result, err = s.startCycle(ctx, c, submittedBy, false)
		return err
	})
	return result, err
}

func (s *CommitmentApprovalService) startCycle(ctx context.Context, c *repository.Commitment, by string, lock bool) (*CycleResult, error) {
	number, err := s.nextCycleNumber(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	chain, err := s.resolveChain(ctx, s.workflowKey, c.ProjectCode)
	if err != nil {
		return nil, err
	}
	px, source := assigneeFor(chain, commitmentPXOrder)

	before := c.Status
	c.Status = repository.CommitmentPendingPX
	c.IsLocked = lock
	version := c.Version + 1
	snap, err := s.snapshot(ctx, c.ID, version, repository.SnapshotSubmission, c.SnapshotFields(), by)
	if err != nil {
		return nil, err
	}
	c.Version = version

	cycle, err := s.createCycle(ctx, c.ID, number, by)
	if err != nil {
		return nil, err
	}
	step, err := s.createStep(ctx, cycle, stepSpec{Order: commitmentPXOrder, Wave: 1, Role: rolePX, Assignee: px, Source: source})
	if err != nil {
		return nil, err
	}
	if err := s.commitments.UpdateCommitment(ctx, c); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		SubjectID: c.ID, CycleID: &cycle.ID, Action: "submitted", PerformedBy: by,
		StatusBefore: strPtr(string(before)), StatusAfter: strPtr(string(c.Status)),
		Metadata: map[string]any{
			"cycle_number":    number,
			"contract_value":  c.ContractValue,
			"waiver_required": c.WaiverRequired,
		},
	})
	s.publish(ctx, ApprovalEvent{Type: EventCycleSubmitted, SubjectID: c.ID, ProjectCode: c.ProjectCode, CycleID: cycle.ID, ActorID: by})
	s.publish(ctx, ApprovalEvent{
		Type: EventStepPending, SubjectID: c.ID, ProjectCode: c.ProjectCode,
		CycleID: cycle.ID, StepID: step.ID, ActorID: by, Recipients: recipients(px),
		Payload: map[string]any{"role": rolePX},
	})
	return s.cycleResult(ctx, c.ID, string(c.Status), c.IsLocked, c.Version, cycle, snap)
}

// Respond records an action on the pending step.
//
// A rejection at any step rejects the commitment. PX approval commits it
// unless a waiver at or above the threshold requires compliance review.
// Compliance approval commits it unless the compliance manager escalates,
// which hands the decision to the CFO. Escalate is only valid on the
// compliance step.
func (s *CommitmentApprovalService) Respond(ctx context.Context, req RespondRequest) (*CycleResult, error) {
	var result *CycleResult
	err := s.withSubjectLock(ctx, req.SubjectID, func(ctx context.Context) error {
		c, err := s.commitments.GetCommitment(ctx, req.SubjectID)
		if err != nil {
			return err
		}
		cycle, step, err := s.loadPendingStep(ctx, req)
		if err != nil {
			return err
		}
		if req.Escalate && step.Role != roleComplianceManager {
			return errors.InvalidInput("escalate", "only the compliance step can be escalated")
		}
		if req.Escalate && !req.Approved {
			return errors.InvalidInput("escalate", "an escalation cannot also reject the commitment")
		}

		expected := map[string]repository.CommitmentStatus{
			rolePX:                repository.CommitmentPendingPX,
			roleComplianceManager: repository.CommitmentPendingCompliance,
			roleCFO:               repository.CommitmentPendingCFO,
		}
		want, ok := expected[step.Role]
		if !ok {
			return s.invariantViolation(c.ID, fmt.Sprintf("unexpected step role %q", step.Role))
		}
		if c.Status != want {
			return s.invariantViolation(c.ID, fmt.Sprintf("%s step pending while commitment is %s", step.Role, c.Status))
		}

		switch {
		case !req.Approved:
			result, err = s.rejected(ctx, c, cycle, step, req)
		case step.Role == rolePX && s.requiresCompliance(c):
			result, err = s.advance(ctx, c, cycle, step, req, repository.StepApproved,
				commitmentComplianceOrder, roleComplianceManager, repository.CommitmentPendingCompliance)
		case step.Role == roleComplianceManager && req.Escalate:
			result, err = s.advance(ctx, c, cycle, step, req, repository.StepEscalated,
				commitmentCFOOrder, roleCFO, repository.CommitmentPendingCFO)
		default:
			result, err = s.committed(ctx, c, cycle, step, req)
		}
		return err
	})
	return result, err
}

// advance closes step with stepStatus and opens the next reviewer's step.
func (s *CommitmentApprovalService) advance(
	ctx context.Context,
	c *repository.Commitment,
	cycle *repository.ApprovalCycle,
	step *repository.ApprovalStep,
	req RespondRequest,
	stepStatus repository.StepStatus,
	nextOrder int,
	nextRole string,
	nextStatus repository.CommitmentStatus,
) (*CycleResult, error) {
	chain, err := s.resolveChain(ctx, s.workflowKey, c.ProjectCode)
	if err != nil {
		return nil, err
	}
	assignee, source := assigneeFor(chain, nextOrder)

	if err := s.actOnStep(ctx, step, stepStatus, req.ActedBy, req.Comment); err != nil {
		return nil, err
	}
	next, err := s.createStep(ctx, cycle, stepSpec{
		Order:    nextOrder,
		Wave:     step.Wave + 1,
		Role:     nextRole,
		Assignee: assignee,
		Source:   source,
	})
	if err != nil {
		return nil, err
	}
	escalated := stepStatus == repository.StepEscalated
	if escalated {
		if err := s.setCycleStatus(ctx, cycle, repository.CycleEscalated); err != nil {
			return nil, err
		}
	}
	before := c.Status
	c.Status = nextStatus
	if err := s.commitments.UpdateCommitment(ctx, c); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("commitment_id", c.ID).
		Str("from_role", step.Role).
		Str("to_role", nextRole).
		Bool("escalated", escalated).
		Msg("Commitment advanced to next reviewer")
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		SubjectID: c.ID, CycleID: &cycle.ID, StepID: &step.ID,
		Action: string(stepStatus), PerformedBy: req.ActedBy,
		StatusBefore: strPtr(string(before)), StatusAfter: strPtr(string(c.Status)),
		Metadata: map[string]any{"comment": req.Comment},
	})
	if escalated {
		s.publish(ctx, ApprovalEvent{
			Type: EventCycleEscalated, SubjectID: c.ID, ProjectCode: c.ProjectCode,
			CycleID: cycle.ID, StepID: step.ID, ActorID: req.ActedBy, Recipients: recipients(assignee),
		})
	}
	s.publish(ctx, ApprovalEvent{
		Type: EventStepPending, SubjectID: c.ID, ProjectCode: c.ProjectCode,
		CycleID: cycle.ID, StepID: next.ID, ActorID: req.ActedBy, Recipients: recipients(assignee),
		Payload: map[string]any{"role": nextRole},
	})
	return s.cycleResult(ctx, c.ID, string(c.Status), c.IsLocked, c.Version, cycle, nil)
}

func (s *CommitmentApprovalService) rejected(
	ctx context.Context,
	c *repository.Commitment,
	cycle *repository.ApprovalCycle,
	step *repository.ApprovalStep,
	req RespondRequest,
) (*CycleResult, error) {
	before := c.Status
	c.Status = repository.CommitmentRejected
	version := c.Version + 1
	snap, err := s.snapshot(ctx, c.ID, version, repository.SnapshotRejection, c.SnapshotFields(), req.ActedBy)
	if err != nil {
		return nil, err
	}
	c.Version = version

	if err := s.actOnStep(ctx, step, repository.StepRejected, req.ActedBy, req.Comment); err != nil {
		return nil, err
	}
	if err := s.setCycleStatus(ctx, cycle, repository.CycleRejected); err != nil {
		return nil, err
	}
	if err := s.commitments.UpdateCommitment(ctx, c); err != nil {
		return nil, err
	}

	s.log.Info().Str("commitment_id", c.ID).Str("role", step.Role).Msg("Commitment rejected")
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		SubjectID: c.ID, CycleID: &cycle.ID, StepID: &step.ID,
		Action: "rejected", PerformedBy: req.ActedBy,
		StatusBefore: strPtr(string(before)), StatusAfter: strPtr(string(c.Status)),
		Metadata: map[string]any{"comment": req.Comment},
	})
	s.publish(ctx, ApprovalEvent{
		Type: EventCycleRejected, SubjectID: c.ID, ProjectCode: c.ProjectCode,
		CycleID: cycle.ID, StepID: step.ID, ActorID: req.ActedBy, Recipients: []string{cycle.SubmittedBy},
	})
	return s.cycleResult(ctx, c.ID, string(c.Status), c.IsLocked, c.Version, cycle, snap)
}

func (s *CommitmentApprovalService) committed(
	ctx context.Context,
	c *repository.Commitment,
	cycle *repository.ApprovalCycle,
	step *repository.ApprovalStep,
	req RespondRequest,
) (*CycleResult, error) {
	before := c.Status
	c.Status = repository.CommitmentCommitted
	c.ExecutionStatus = repository.ExecutionExecuted
	c.IsLocked = true
	version := c.Version + 1
	snap, err := s.snapshot(ctx, c.ID, version, repository.SnapshotDecision, c.SnapshotFields(), req.ActedBy)
	if err != nil {
		return nil, err
	}
	c.Version = version

	if err := s.actOnStep(ctx, step, repository.StepApproved, req.ActedBy, req.Comment); err != nil {
		return nil, err
	}
	if err := s.setCycleStatus(ctx, cycle, repository.CycleCompleted); err != nil {
		return nil, err
	}
	if err := s.commitments.UpdateCommitment(ctx, c); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("commitment_id", c.ID).
		Str("final_role", step.Role).
		Int64("contract_value", c.ContractValue).
		Msg("Commitment committed")
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		SubjectID: c.ID, CycleID: &cycle.ID, StepID: &step.ID,
		Action: "committed", PerformedBy: req.ActedBy,
		StatusBefore: strPtr(string(before)), StatusAfter: strPtr(string(c.Status)),
	})
	s.publish(ctx, ApprovalEvent{
		Type: EventCycleApproved, SubjectID: c.ID, ProjectCode: c.ProjectCode,
		CycleID: cycle.ID, StepID: step.ID, ActorID: req.ActedBy, Recipients: []string{cycle.SubmittedBy},
	})
	return s.cycleResult(ctx, c.ID, string(c.Status), c.IsLocked, c.Version, cycle, snap)
}

// Unlock snapshots the commitment and then clears its lock.
func (s *CommitmentApprovalService) Unlock(ctx context.Context, commitmentID, unlockedBy, reason string) (*SnapshotResult, error) {
	if unlockedBy == "" {
		return nil, errors.InvalidInput("unlocked_by", "unlocking user is required")
	}
	var result *SnapshotResult
	err := s.withSubjectLock(ctx, commitmentID, func(ctx context.Context) error {
		c, err := s.commitments.GetCommitment(ctx, commitmentID)
		if err != nil {
			return err
		}
		if !c.IsLocked {
			return errors.Conflict("commitment is not locked")
		}
		version := c.Version + 1
		fields := c.SnapshotFields()
		fields["unlock_reason"] = reason
		snap, err := s.snapshot(ctx, c.ID, version, repository.SnapshotUnlock, fields, unlockedBy)
		if err != nil {
			return err
		}
		c.Version = version
		c.IsLocked = false
		if err := s.commitments.UpdateCommitment(ctx, c); err != nil {
			return err
		}

		s.appendAudit(ctx, &repository.ApprovalAuditEntry{
			SubjectID: c.ID, Action: "unlocked", PerformedBy: unlockedBy,
			Metadata: map[string]any{"reason": reason, "version": version},
		})
		s.publish(ctx, ApprovalEvent{
			Type: EventSubjectUnlocked, SubjectID: c.ID, ProjectCode: c.ProjectCode, ActorID: unlockedBy,
			Payload: map[string]any{"reason": reason},
		})
		result = &SnapshotResult{SubjectKind: s.kind, SubjectID: c.ID, IsLocked: false, Version: c.Version, Snapshot: snap}
		return nil
	})
	return result, err
}

// Relock locks an unlocked commitment. With startNewCycle the commitment goes
// back to PX review under a fresh cycle.
// Without it only a committed or rejected commitment can be relocked.
func (s *CommitmentApprovalService) Relock(ctx context.Context, commitmentID, relockedBy string, startNewCycle bool) (*CycleResult, error) {
	if relockedBy == "" {
		return nil, errors.InvalidInput("relocked_by", "relocking user is required")
	}
	var result *CycleResult
	err := s.withSubjectLock(ctx, commitmentID, func(ctx context.Context) error {
		c, err := s.commitments.GetCommitment(ctx, commitmentID)
		if err != nil {
			return err
		}
		if c.IsLocked {
			return errors.Conflict("commitment is already locked")
		}
		if startNewCycle {
			if c.Status == repository.CommitmentRejected {
				return errors.Conflict("a rejected commitment cannot start a new approval cycle")
			}
			c.ExecutionStatus = repository.ExecutionPending
			result, err = s.startCycle(ctx, c, relockedBy, true)
			if err == nil {
				s.publish(ctx, ApprovalEvent{Type: EventSubjectRelocked, SubjectID: c.ID, ProjectCode: c.ProjectCode, ActorID: relockedBy})
			}
			return err
		}
		if c.Status != repository.CommitmentCommitted && c.Status != repository.CommitmentRejected {
			return errors.Conflict(fmt.Sprintf("an undecided commitment (status %s) cannot be relocked without a new cycle", c.Status))
		}
		c.IsLocked = true
		if err := s.commitments.UpdateCommitment(ctx, c); err != nil {
			return err
		}
		s.appendAudit(ctx, &repository.ApprovalAuditEntry{SubjectID: c.ID, Action: "relocked", PerformedBy: relockedBy})
		s.publish(ctx, ApprovalEvent{Type: EventSubjectRelocked, SubjectID: c.ID, ProjectCode: c.ProjectCode, ActorID: relockedBy})
		latest, err := s.store.GetLatestCycle(ctx, s.kind, c.ID)
		if err != nil {
			return err
		}
		result, err = s.cycleResult(ctx, c.ID, string(c.Status), c.IsLocked, c.Version, latest, nil)
		return err
	})
	return result, err
}

// History returns every cycle, snapshot and audit entry of a commitment.
func (s *CommitmentApprovalService) History(ctx context.Context, commitmentID string) (*ApprovalHistory, error) {
	if _, err := s.commitments.GetCommitment(ctx, commitmentID); err != nil {
		return nil, err
	}
	return s.history(ctx, commitmentID)
}
