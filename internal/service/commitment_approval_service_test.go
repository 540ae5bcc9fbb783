package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

func newCommitmentService(f *fixture) *CommitmentApprovalService {
	return NewCommitmentApprovalService(f.store, wfCommitment, testThreshold, f.deps)
}

func TestCommitmentPXApprovalThreshold(t *testing.T) {
	tests := []struct {
		name       string
		value      int64
		waiver     bool
		wantStatus repository.CommitmentStatus
	}{
		{name: "waiver at threshold needs compliance", value: 250000, waiver: true, wantStatus: repository.CommitmentPendingCompliance},
		{name: "waiver above threshold needs compliance", value: 900000, waiver: true, wantStatus: repository.CommitmentPendingCompliance},
		{name: "waiver below threshold commits", value: 249999, waiver: true, wantStatus: repository.CommitmentCommitted},
		{name: "no waiver commits regardless of value", value: 500000, waiver: false, wantStatus: repository.CommitmentCommitted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			svc := newCommitmentService(f)
			ctx := context.Background()
			c := f.commitment(t, "P1", tt.value, tt.waiver)

			res, err := svc.Submit(ctx, c.ID, olive.ID)
			require.NoError(t, err)
			assert.Equal(t, string(repository.CommitmentPendingPX), res.SubjectStatus)
			px := pendingStep(t, res)
			assert.Equal(t, rolePX, px.Role)
			assert.Equal(t, paula, px.Assignee)

			res, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: px.ID, ActedBy: paula.ID, Approved: true})
			require.NoError(t, err)
			assert.Equal(t, string(tt.wantStatus), res.SubjectStatus)

			stored, err := f.store.GetCommitment(ctx, c.ID)
			require.NoError(t, err)
			if tt.wantStatus == repository.CommitmentCommitted {
				assert.Equal(t, repository.ExecutionExecuted, stored.ExecutionStatus)
				assert.True(t, stored.IsLocked)
				assert.Equal(t, repository.CycleCompleted, res.Cycle.Status)
				return
			}
			assert.Equal(t, repository.ExecutionPending, stored.ExecutionStatus)
			cm := pendingStep(t, res)
			assert.Equal(t, roleComplianceManager, cm.Role)
			assert.Equal(t, chris, cm.Assignee)
			assert.Equal(t, px.Wave+1, cm.Wave)
		})
	}
}

func TestCommitmentEscalationToCFO(t *testing.T) {
	f := newFixture(t)
	svc := newCommitmentService(f)
	ctx := context.Background()
	c := f.commitment(t, "P1", 400000, true)

	res, err := svc.Submit(ctx, c.ID, olive.ID)
	require.NoError(t, err)
	res, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: pendingStep(t, res).ID, ActedBy: paula.ID, Approved: true})
	require.NoError(t, err)
	cm := pendingStep(t, res)
	f.events.reset()

	res, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: cm.ID, ActedBy: chris.ID, Approved: true, Escalate: true, Comment: "needs CFO sign-off"})
	require.NoError(t, err)
	assert.Equal(t, string(repository.CommitmentPendingCFO), res.SubjectStatus)
	assert.Equal(t, repository.CycleEscalated, res.Cycle.Status)
	assert.Equal(t, []string{EventCycleEscalated, EventStepPending}, f.events.types())

	step, err := f.store.GetStep(ctx, cm.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StepEscalated, step.Status)

	cfo := pendingStep(t, res)
	assert.Equal(t, roleCFO, cfo.Role)
	assert.Equal(t, frank, cfo.Assignee)

	res, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: cfo.ID, ActedBy: frank.ID, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, string(repository.CommitmentCommitted), res.SubjectStatus)
	assert.Equal(t, repository.CycleCompleted, res.Cycle.Status)
	assert.True(t, res.IsLocked)
	assert.Len(t, res.Steps, 3)
}

func TestCommitmentComplianceApprovalCommits(t *testing.T) {
	f := newFixture(t)
	svc := newCommitmentService(f)
	ctx := context.Background()
	c := f.commitment(t, "P1", 300000, true)

	res, err := svc.Submit(ctx, c.ID, olive.ID)
	require.NoError(t, err)
	res, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: pendingStep(t, res).ID, ActedBy: paula.ID, Approved: true})
	require.NoError(t, err)
	res, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: pendingStep(t, res).ID, ActedBy: chris.ID, Approved: true})
	require.NoError(t, err)

	assert.Equal(t, string(repository.CommitmentCommitted), res.SubjectStatus)
	assert.Len(t, res.Steps, 2)
}

func TestCommitmentRejectionShortCircuits(t *testing.T) {
	tests := []struct {
		name      string
		rejectAt  string
		wantSteps int
	}{
		{name: "px rejects", rejectAt: rolePX, wantSteps: 1},
		{name: "compliance rejects", rejectAt: roleComplianceManager, wantSteps: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			svc := newCommitmentService(f)
			ctx := context.Background()
			c := f.commitment(t, "P1", 300000, true)

			res, err := svc.Submit(ctx, c.ID, olive.ID)
			require.NoError(t, err)
			if tt.rejectAt == roleComplianceManager {
				res, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: pendingStep(t, res).ID, ActedBy: paula.ID, Approved: true})
				require.NoError(t, err)
			}
			step := pendingStep(t, res)
			require.Equal(t, tt.rejectAt, step.Role)

			res, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: step.ID, ActedBy: step.Assignee.ID, Approved: false})
			require.NoError(t, err)
			assert.Equal(t, string(repository.CommitmentRejected), res.SubjectStatus)
			assert.Equal(t, repository.CycleRejected, res.Cycle.Status)
			assert.Len(t, res.Steps, tt.wantSteps)
			require.NotNil(t, res.Snapshot)
			assert.Equal(t, repository.SnapshotRejection, res.Snapshot.Reason)

			_, err = svc.Submit(ctx, c.ID, olive.ID)
			assert.True(t, errors.IsCode(err, errors.ErrCodeConflict), "rejected commitments cannot be resubmitted")
		})
	}
}

func TestCommitmentInvalidEscalation(t *testing.T) {
	f := newFixture(t)
	svc := newCommitmentService(f)
	ctx := context.Background()
	c := f.commitment(t, "P1", 300000, true)

	res, err := svc.Submit(ctx, c.ID, olive.ID)
	require.NoError(t, err)
	px := pendingStep(t, res)
	f.events.reset()

	_, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: px.ID, ActedBy: paula.ID, Approved: true, Escalate: true})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	stored, err := f.store.GetCommitment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.CommitmentPendingPX, stored.Status)
	step, err := f.store.GetStep(ctx, px.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StepPending, step.Status)
	assert.Empty(t, f.events.types())

	res, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: px.ID, ActedBy: paula.ID, Approved: true})
	require.NoError(t, err)
	cm := pendingStep(t, res)
	_, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: cm.ID, ActedBy: chris.ID, Approved: false, Escalate: true})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestCommitmentUnlockRelockResetsExecution(t *testing.T) {
	f := newFixture(t)
	svc := newCommitmentService(f)
	ctx := context.Background()
	c := f.commitment(t, "P1", 1000, false)

	res, err := svc.Submit(ctx, c.ID, olive.ID)
	require.NoError(t, err)
	_, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: pendingStep(t, res).ID, ActedBy: paula.ID, Approved: true})
	require.NoError(t, err)

	unlocked, err := svc.Unlock(ctx, c.ID, paula.ID, "vendor changed")
	require.NoError(t, err)
	assert.Equal(t, true, unlocked.Snapshot.Fields["is_locked"])
	assert.Equal(t, "executed", unlocked.Snapshot.Fields["execution_status"])

	res, err = svc.Relock(ctx, c.ID, paula.ID, true)
	require.NoError(t, err)
	assert.Equal(t, string(repository.CommitmentPendingPX), res.SubjectStatus)
	assert.True(t, res.IsLocked)
	assert.Equal(t, 2, res.Cycle.CycleNumber)

	stored, err := f.store.GetCommitment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ExecutionPending, stored.ExecutionStatus)
	assert.Equal(t, []int{1, 2, 3, 4}, snapshotVersions(t, f, repository.SubjectCommitment, c.ID))
}

func TestCommitmentPlainRelockRequiresDecision(t *testing.T) {
	f := newFixture(t)
	svc := newCommitmentService(f)
	ctx := context.Background()
	c := f.commitment(t, "P1", 1000, false)

	_, err := svc.Relock(ctx, c.ID, paula.ID, false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict), "draft was never decided")

	res, err := svc.Submit(ctx, c.ID, olive.ID)
	require.NoError(t, err)
	_, err = svc.Relock(ctx, c.ID, paula.ID, false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict), "pending PX was never decided")

	_, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: pendingStep(t, res).ID, ActedBy: paula.ID, Approved: false})
	require.NoError(t, err)
	relocked, err := svc.Relock(ctx, c.ID, paula.ID, false)
	require.NoError(t, err)
	assert.True(t, relocked.IsLocked)
	assert.Equal(t, string(repository.CommitmentRejected), relocked.SubjectStatus)
}
