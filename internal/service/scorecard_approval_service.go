package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// Scorecard workflow step layout.
const (
	scorecardOriginatorOrder = 1
	scorecardDirectorOrder   = 2
	scorecardCommitteeOrder  = 3

	roleOriginator = "Originator"
	roleDirector   = "Director"
	roleCommittee  = "Committee"
)

// ScorecardApprovalService drives Go/No-Go scorecards through director
// review and committee scoring.
type ScorecardApprovalService struct {
	*approvalEngine
	scorecards  ScorecardStore
	workflowKey string
}

// NewScorecardApprovalService creates a ScorecardApprovalService. Assignees
// for the director and committee steps come from workflowKey.
func NewScorecardApprovalService(scorecards ScorecardStore, workflowKey string, deps EngineDeps) *ScorecardApprovalService {
	return &ScorecardApprovalService{
		approvalEngine: newApprovalEngine(repository.SubjectScorecard, deps),
		scorecards:     scorecards,
		workflowKey:    workflowKey,
	}
}

// Submit starts a new approval cycle. The originator step is recorded as
// approved by the submitter and the director step is left pending.
func (s *ScorecardApprovalService) Submit(ctx context.Context, scorecardID, submittedBy string) (*CycleResult, error) {
	if submittedBy == "" {
		return nil, errors.InvalidInput("submitted_by", "submitting user is required")
	}
	var result *CycleResult
	err := s.withSubjectLock(ctx, scorecardID, func(ctx context.Context) error {
		sc, err := s.scorecards.GetScorecard(ctx, scorecardID)
		if err != nil {
			return err
		}
		if sc.Status != repository.ScorecardDraft && sc.Status != repository.ScorecardReturnedForRevision {
			return errors.Conflict(fmt.Sprintf("scorecard cannot be submitted from status %s", sc.Status))
		}
		result, err = s.startCycle(ctx, sc, submittedBy, repository.SnapshotSubmission, false)
		return err
	})
	return result, err
}

// startCycle opens a cycle with the originator and director steps and moves
// the scorecard to director review. It is shared by Submit and Relock.
func (s *ScorecardApprovalService) startCycle(
	ctx context.Context,
	sc *repository.Scorecard,
	by string,
	reason repository.SnapshotReason,
	lock bool,
) (*CycleResult, error) {
	number, err := s.nextCycleNumber(ctx, sc.ID)
	if err != nil {
		return nil, err
	}
	chain, err := s.resolveChain(ctx, s.workflowKey, sc.ProjectCode)
	if err != nil {
		return nil, err
	}
	director, directorSource := assigneeFor(chain, scorecardDirectorOrder)

	before := sc.Status
	sc.Status = repository.ScorecardAwaitingDirector
	sc.IsLocked = lock
	version := sc.Version + 1
	snap, err := s.snapshot(ctx, sc.ID, version, reason, sc.SnapshotFields(), by)
	if err != nil {
		return nil, err
	}
	sc.Version = version

	cycle, err := s.createCycle(ctx, sc.ID, number, by)
	if err != nil {
		return nil, err
	}
	if _, err := s.createStep(ctx, cycle, stepSpec{
		Order:          scorecardOriginatorOrder,
		Wave:           1,
		Role:           roleOriginator,
		Assignee:       repository.Person{ID: by},
		Source:         "submitter",
		AutoApprovedBy: by,
	}); err != nil {
		return nil, err
	}
	dirStep, err := s.createStep(ctx, cycle, stepSpec{
		Order:    scorecardDirectorOrder,
		Wave:     1,
		Role:     roleDirector,
		Assignee: director,
		Source:   directorSource,
	})
	if err != nil {
		return nil, err
	}
	if err := s.scorecards.UpdateScorecard(ctx, sc); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		SubjectID:    sc.ID,
		CycleID:      &cycle.ID,
		Action:       "submitted",
		PerformedBy:  by,
		StatusBefore: strPtr(string(before)),
		StatusAfter:  strPtr(string(sc.Status)),
		Metadata:     map[string]any{"cycle_number": number, "version": version},
	})
	s.publish(ctx, ApprovalEvent{
		Type: EventCycleSubmitted, SubjectID: sc.ID, ProjectCode: sc.ProjectCode,
		CycleID: cycle.ID, ActorID: by,
	})
	s.publish(ctx, ApprovalEvent{
		Type: EventStepPending, SubjectID: sc.ID, ProjectCode: sc.ProjectCode,
		CycleID: cycle.ID, StepID: dirStep.ID, ActorID: by, Recipients: recipients(director),
		Payload: map[string]any{"role": roleDirector},
	})
	return s.cycleResult(ctx, sc.ID, string(sc.Status), sc.IsLocked, sc.Version, cycle, snap)
}

// Respond records a director or committee action on the pending step.
//
// Director approval opens the committee step; director return closes the
// cycle as returned and snapshots the scorecard. Committee approval decides
// Go, committee rejection decides No-Go; both complete the cycle and lock the
// scorecard.
func (s *ScorecardApprovalService) Respond(ctx context.Context, req RespondRequest) (*CycleResult, error) {
	var result *CycleResult
	err := s.withSubjectLock(ctx, req.SubjectID, func(ctx context.Context) error {
		sc, err := s.scorecards.GetScorecard(ctx, req.SubjectID)
		if err != nil {
			return err
		}
		cycle, step, err := s.loadPendingStep(ctx, req)
		if err != nil {
			return err
		}
		if req.Escalate {
			return errors.InvalidInput("escalate", "scorecard steps cannot be escalated")
		}

		switch step.StepOrder {
		case scorecardDirectorOrder:
			if sc.Status != repository.ScorecardAwaitingDirector {
				return s.invariantViolation(sc.ID, fmt.Sprintf("director step pending while scorecard is %s", sc.Status))
			}
			if req.Approved {
				result, err = s.directorApproved(ctx, sc, cycle, step, req)
			} else {
				result, err = s.directorReturned(ctx, sc, cycle, step, req)
			}
		case scorecardCommitteeOrder:
			if sc.Status != repository.ScorecardAwaitingCommittee {
				return s.invariantViolation(sc.ID, fmt.Sprintf("committee step pending while scorecard is %s", sc.Status))
			}
			result, err = s.committeeDecided(ctx, sc, cycle, step, req)
		default:
			return s.invariantViolation(sc.ID, fmt.Sprintf("unexpected pending step order %d", step.StepOrder))
		}
		return err
	})
	return result, err
}

func (s *ScorecardApprovalService) directorApproved(
	ctx context.Context,
	sc *repository.Scorecard,
	cycle *repository.ApprovalCycle,
	step *repository.ApprovalStep,
	req RespondRequest,
) (*CycleResult, error) {
	chain, err := s.resolveChain(ctx, s.workflowKey, sc.ProjectCode)
	if err != nil {
		return nil, err
	}
	committee, source := assigneeFor(chain, scorecardCommitteeOrder)

	if err := s.actOnStep(ctx, step, repository.StepApproved, req.ActedBy, req.Comment); err != nil {
		return nil, err
	}
	next, err := s.createStep(ctx, cycle, stepSpec{
		Order:    scorecardCommitteeOrder,
		Wave:     step.Wave + 1,
		Role:     roleCommittee,
		Assignee: committee,
		Source:   source,
	})
	if err != nil {
		return nil, err
	}
	before := sc.Status
	sc.Status = repository.ScorecardAwaitingCommittee
	if err := s.scorecards.UpdateScorecard(ctx, sc); err != nil {
		return nil, err
	}

	s.log.Info().Str("scorecard_id", sc.ID).Str("step_id", step.ID).Msg("Director approved scorecard")
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		SubjectID: sc.ID, CycleID: &cycle.ID, StepID: &step.ID,
		Action: "approved", PerformedBy: req.ActedBy,
		StatusBefore: strPtr(string(before)), StatusAfter: strPtr(string(sc.Status)),
	})
	s.publish(ctx, ApprovalEvent{
		Type: EventStepPending, SubjectID: sc.ID, ProjectCode: sc.ProjectCode,
		CycleID: cycle.ID, StepID: next.ID, ActorID: req.ActedBy, Recipients: recipients(committee),
		Payload: map[string]any{"role": roleCommittee},
	})
	return s.cycleResult(ctx, sc.ID, string(sc.Status), sc.IsLocked, sc.Version, cycle, nil)
}

func (s *ScorecardApprovalService) directorReturned(
	ctx context.Context,
	sc *repository.Scorecard,
	cycle *repository.ApprovalCycle,
	step *repository.ApprovalStep,
	req RespondRequest,
) (*CycleResult, error) {
	before := sc.Status
	sc.Status = repository.ScorecardReturnedForRevision
	sc.IsLocked = false
	version := sc.Version + 1
	snap, err := s.snapshot(ctx, sc.ID, version, repository.SnapshotRejection, sc.SnapshotFields(), req.ActedBy)
	if err != nil {
		return nil, err
	}
	sc.Version = version

	if err := s.actOnStep(ctx, step, repository.StepReturned, req.ActedBy, req.Comment); err != nil {
		return nil, err
	}
	if err := s.setCycleStatus(ctx, cycle, repository.CycleReturned); err != nil {
		return nil, err
	}
	if err := s.scorecards.UpdateScorecard(ctx, sc); err != nil {
		return nil, err
	}

	s.log.Info().Str("scorecard_id", sc.ID).Str("step_id", step.ID).Msg("Director returned scorecard for revision")
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		SubjectID: sc.ID, CycleID: &cycle.ID, StepID: &step.ID,
		Action: "returned", PerformedBy: req.ActedBy,
		StatusBefore: strPtr(string(before)), StatusAfter: strPtr(string(sc.Status)),
		Metadata: map[string]any{"comment": req.Comment},
	})
	s.publish(ctx, ApprovalEvent{
		Type: EventCycleReturned, SubjectID: sc.ID, ProjectCode: sc.ProjectCode,
		CycleID: cycle.ID, StepID: step.ID, ActorID: req.ActedBy, Recipients: []string{cycle.SubmittedBy},
	})
	return s.cycleResult(ctx, sc.ID, string(sc.Status), sc.IsLocked, sc.Version, cycle, snap)
}

func (s *ScorecardApprovalService) committeeDecided(
	ctx context.Context,
	sc *repository.Scorecard,
	cycle *repository.ApprovalCycle,
	step *repository.ApprovalStep,
	req RespondRequest,
) (*CycleResult, error) {
	before := sc.Status
	stepStatus := repository.StepApproved
	sc.Status = repository.ScorecardGo
	if !req.Approved {
		stepStatus = repository.StepRejected
		sc.Status = repository.ScorecardNoGo
	}
	sc.IsLocked = true
	if req.Comment != "" {
		sc.DecisionComment = strPtr(req.Comment)
	}
	version := sc.Version + 1
	snap, err := s.snapshot(ctx, sc.ID, version, repository.SnapshotDecision, sc.SnapshotFields(), req.ActedBy)
	if err != nil {
		return nil, err
	}
	sc.Version = version

	if err := s.actOnStep(ctx, step, stepStatus, req.ActedBy, req.Comment); err != nil {
		return nil, err
	}
	if err := s.setCycleStatus(ctx, cycle, repository.CycleCompleted); err != nil {
		return nil, err
	}
	if err := s.scorecards.UpdateScorecard(ctx, sc); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("scorecard_id", sc.ID).
		Str("decision", string(sc.Status)).
		Int("version", sc.Version).
		Msg("Committee decided scorecard")
	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		SubjectID: sc.ID, CycleID: &cycle.ID, StepID: &step.ID,
		Action: "decided", PerformedBy: req.ActedBy,
		StatusBefore: strPtr(string(before)), StatusAfter: strPtr(string(sc.Status)),
	})
	eventType := EventCycleApproved
	if sc.Status == repository.ScorecardNoGo {
		eventType = EventCycleRejected
	}
	s.publish(ctx, ApprovalEvent{
		Type: eventType, SubjectID: sc.ID, ProjectCode: sc.ProjectCode,
		CycleID: cycle.ID, StepID: step.ID, ActorID: req.ActedBy, Recipients: []string{cycle.SubmittedBy},
		Payload: map[string]any{"decision": string(sc.Status)},
	})
	return s.cycleResult(ctx, sc.ID, string(sc.Status), sc.IsLocked, sc.Version, cycle, snap)
}

// Unlock snapshots the locked scorecard and then clears the lock so it can be
// edited. The snapshot is written before the lock flag changes.
func (s *ScorecardApprovalService) Unlock(ctx context.Context, scorecardID, unlockedBy, reason string) (*SnapshotResult, error) {
	if unlockedBy == "" {
		return nil, errors.InvalidInput("unlocked_by", "unlocking user is required")
	}
	var result *SnapshotResult
	err := s.withSubjectLock(ctx, scorecardID, func(ctx context.Context) error {
		sc, err := s.scorecards.GetScorecard(ctx, scorecardID)
		if err != nil {
			return err
		}
		if !sc.IsLocked {
			return errors.Conflict("scorecard is not locked")
		}
		version := sc.Version + 1
		fields := sc.SnapshotFields()
		fields["unlock_reason"] = reason
		snap, err := s.snapshot(ctx, sc.ID, version, repository.SnapshotUnlock, fields, unlockedBy)
		if err != nil {
			return err
		}
		sc.Version = version
		sc.IsLocked = false
		if err := s.scorecards.UpdateScorecard(ctx, sc); err != nil {
			return err
		}

		s.appendAudit(ctx, &repository.ApprovalAuditEntry{
			SubjectID: sc.ID, Action: "unlocked", PerformedBy: unlockedBy,
			Metadata: map[string]any{"reason": reason, "version": version},
		})
		s.publish(ctx, ApprovalEvent{
			Type: EventSubjectUnlocked, SubjectID: sc.ID, ProjectCode: sc.ProjectCode, ActorID: unlockedBy,
			Payload: map[string]any{"reason": reason},
		})
		result = &SnapshotResult{SubjectKind: s.kind, SubjectID: sc.ID, IsLocked: false, Version: sc.Version, Snapshot: snap}
		return nil
	})
	return result, err
}

// Relock locks an unlocked scorecard again. With startNewCycle the scorecard
// goes back to director review under a fresh cycle.
// Without it only a decided scorecard can be relocked.
func (s *ScorecardApprovalService) Relock(ctx context.Context, scorecardID, relockedBy string, startNewCycle bool) (*CycleResult, error) {
	if relockedBy == "" {
		return nil, errors.InvalidInput("relocked_by", "relocking user is required")
	}
	var result *CycleResult
	err := s.withSubjectLock(ctx, scorecardID, func(ctx context.Context) error {
		sc, err := s.scorecards.GetScorecard(ctx, scorecardID)
		if err != nil {
			return err
		}
		if sc.IsLocked {
			return errors.Conflict("scorecard is already locked")
		}
		if startNewCycle {
			if sc.Status == repository.ScorecardRejected || sc.Status == repository.ScorecardArchived {
				return errors.Conflict(fmt.Sprintf("a %s scorecard cannot start a new approval cycle", sc.Status))
			}
			result, err = s.startCycle(ctx, sc, relockedBy, repository.SnapshotSubmission, true)
			if err == nil {
				s.publish(ctx, ApprovalEvent{Type: EventSubjectRelocked, SubjectID: sc.ID, ProjectCode: sc.ProjectCode, ActorID: relockedBy})
			}
			return err
		}
		switch sc.Status {
		case repository.ScorecardGo, repository.ScorecardNoGo, repository.ScorecardRejected, repository.ScorecardArchived:
		default:
			return errors.Conflict(fmt.Sprintf("an undecided scorecard (status %s) cannot be relocked without a new cycle", sc.Status))
		}
		sc.IsLocked = true
		if err := s.scorecards.UpdateScorecard(ctx, sc); err != nil {
			return err
		}
		s.appendAudit(ctx, &repository.ApprovalAuditEntry{SubjectID: sc.ID, Action: "relocked", PerformedBy: relockedBy})
		s.publish(ctx, ApprovalEvent{Type: EventSubjectRelocked, SubjectID: sc.ID, ProjectCode: sc.ProjectCode, ActorID: relockedBy})
		latest, err := s.store.GetLatestCycle(ctx, s.kind, sc.ID)
		if err != nil {
			return err
		}
		result, err = s.cycleResult(ctx, sc.ID, string(sc.Status), sc.IsLocked, sc.Version, latest, nil)
		return err
	})
	return result, err
}

// Reject closes a scorecard that is not under review as terminally rejected.
func (s *ScorecardApprovalService) Reject(ctx context.Context, scorecardID, rejectedBy, reason string) (*CycleResult, error) {
	return s.finalize(ctx, scorecardID, rejectedBy, reason, repository.ScorecardRejected)
}

// Archive retires a scorecard that is not under review.
func (s *ScorecardApprovalService) Archive(ctx context.Context, scorecardID, archivedBy string) (*CycleResult, error) {
	return s.finalize(ctx, scorecardID, archivedBy, "", repository.ScorecardArchived)
}

func (s *ScorecardApprovalService) finalize(ctx context.Context, scorecardID, by, reason string, target repository.ScorecardStatus) (*CycleResult, error) {
	if by == "" {
		return nil, errors.InvalidInput("performed_by", "acting user is required")
	}
	var result *CycleResult
	err := s.withSubjectLock(ctx, scorecardID, func(ctx context.Context) error {
		sc, err := s.scorecards.GetScorecard(ctx, scorecardID)
		if err != nil {
			return err
		}
		if sc.Status == target {
			return errors.Conflict(fmt.Sprintf("scorecard is already %s", target))
		}
		if sc.Status == repository.ScorecardArchived {
			return errors.Conflict("scorecard is archived")
		}
		if target == repository.ScorecardRejected && sc.Status != repository.ScorecardDraft && sc.Status != repository.ScorecardReturnedForRevision {
			return errors.Conflict(fmt.Sprintf("scorecard cannot be rejected from status %s", sc.Status))
		}
		latest, err := s.store.GetLatestCycle(ctx, s.kind, sc.ID)
		if err != nil {
			return err
		}
		if latest != nil && latest.Status.IsActive() {
			return errors.Conflict("scorecard has an active approval cycle")
		}

		before := sc.Status
		sc.Status = target
		sc.IsLocked = true
		var snap *repository.VersionSnapshot
		if target == repository.ScorecardRejected {
			if reason != "" {
				sc.DecisionComment = strPtr(reason)
			}
			version := sc.Version + 1
			if snap, err = s.snapshot(ctx, sc.ID, version, repository.SnapshotDecision, sc.SnapshotFields(), by); err != nil {
				return err
			}
			sc.Version = version
		}
		if err := s.scorecards.UpdateScorecard(ctx, sc); err != nil {
			return err
		}

		s.appendAudit(ctx, &repository.ApprovalAuditEntry{
			SubjectID: sc.ID, Action: string(target), PerformedBy: by,
			StatusBefore: strPtr(string(before)), StatusAfter: strPtr(string(sc.Status)),
			Metadata: map[string]any{"reason": reason},
		})
		if target == repository.ScorecardRejected {
			s.publish(ctx, ApprovalEvent{Type: EventCycleRejected, SubjectID: sc.ID, ProjectCode: sc.ProjectCode, ActorID: by})
		}
		result, err = s.cycleResult(ctx, sc.ID, string(sc.Status), sc.IsLocked, sc.Version, latest, snap)
		return err
	})
	return result, err
}

// History returns every cycle, snapshot and audit entry of a scorecard.
func (s *ScorecardApprovalService) History(ctx context.Context, scorecardID string) (*ApprovalHistory, error) {
	if _, err := s.scorecards.GetScorecard(ctx, scorecardID); err != nil {
		return nil, err
	}
	return s.history(ctx, scorecardID)
}
