package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
	"github.com/pesio-ai/be-pc-approvals/internal/repository/memory"
)

var errStoreDown = errors.New(errors.ErrCodeInternal, "store unavailable")

// flakyStore fails one chosen write once, after letting skip calls of it through.
type flakyStore struct {
	*memory.Store

	mu    sync.Mutex
	op    string
	skip  int
	fired bool
}

func (f *flakyStore) failOn(op string, skip int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.op, f.skip, f.fired = op, skip, false
}

func (f *flakyStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.op != op {
		return nil
	}
	if f.skip > 0 {
		f.skip--
		return nil
	}
	f.op = ""
	f.fired = true
	return errStoreDown
}

func (f *flakyStore) didFail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired
}

func (f *flakyStore) CreateCycle(ctx context.Context, c *repository.ApprovalCycle) error {
	if err := f.check("CreateCycle"); err != nil {
		return err
	}
	return f.Store.CreateCycle(ctx, c)
}

func (f *flakyStore) UpdateCycle(ctx context.Context, c *repository.ApprovalCycle) error {
	if err := f.check("UpdateCycle"); err != nil {
		return err
	}
	return f.Store.UpdateCycle(ctx, c)
}

func (f *flakyStore) CreateStep(ctx context.Context, st *repository.ApprovalStep) error {
	if err := f.check("CreateStep"); err != nil {
		return err
	}
	return f.Store.CreateStep(ctx, st)
}

func (f *flakyStore) UpdateStep(ctx context.Context, st *repository.ApprovalStep) error {
	if err := f.check("UpdateStep"); err != nil {
		return err
	}
	return f.Store.UpdateStep(ctx, st)
}

func (f *flakyStore) CreateVersionSnapshot(ctx context.Context, snap *repository.VersionSnapshot) error {
	if err := f.check("CreateVersionSnapshot"); err != nil {
		return err
	}
	return f.Store.CreateVersionSnapshot(ctx, snap)
}

func (f *flakyStore) UpdateScorecard(ctx context.Context, sc *repository.Scorecard) error {
	if err := f.check("UpdateScorecard"); err != nil {
		return err
	}
	return f.Store.UpdateScorecard(ctx, sc)
}

func (f *flakyStore) UpdatePlan(ctx context.Context, p *repository.Plan) error {
	if err := f.check("UpdatePlan"); err != nil {
		return err
	}
	return f.Store.UpdatePlan(ctx, p)
}

func (f *flakyStore) UpdateCommitment(ctx context.Context, c *repository.Commitment) error {
	if err := f.check("UpdateCommitment"); err != nil {
		return err
	}
	return f.Store.UpdateCommitment(ctx, c)
}

// storedState is everything a transition may write for one subject.
type storedState struct {
	Subject   any
	Cycles    []CycleHistory
	Snapshots []*repository.VersionSnapshot
	Audit     []*repository.ApprovalAuditEntry
	Events    []string
}

func captureState(t *testing.T, f *fixture, kind repository.SubjectKind, id string) storedState {
	t.Helper()
	ctx := context.Background()
	st := storedState{Events: f.events.types()}

	var err error
	switch kind {
	case repository.SubjectScorecard:
		st.Subject, err = f.store.GetScorecard(ctx, id)
	case repository.SubjectPlan:
		st.Subject, err = f.store.GetPlan(ctx, id)
	case repository.SubjectCommitment:
		st.Subject, err = f.store.GetCommitment(ctx, id)
	}
	require.NoError(t, err)

	cycles, err := f.store.ListCycles(ctx, kind, id)
	require.NoError(t, err)
	for _, c := range cycles {
		steps, err := f.store.ListSteps(ctx, c.ID)
		require.NoError(t, err)
		st.Cycles = append(st.Cycles, CycleHistory{Cycle: c, Steps: steps})
	}
	st.Snapshots, err = f.store.ListVersionSnapshots(ctx, kind, id)
	require.NoError(t, err)
	st.Audit, err = f.store.ListAudit(ctx, kind, id)
	require.NoError(t, err)
	return st
}

// storeFault names the write to fail and how many earlier calls of it succeed.
type storeFault struct {
	op   string
	skip int
}

type failureCase struct {
	name   string
	kind   repository.SubjectKind
	faults []storeFault
	// prepare drives a fresh subject up to the transition and returns its id
	// and the transition itself.
	prepare func(t *testing.T, f *fixture, store *flakyStore) (string, func(ctx context.Context) error)
}

func scorecardSvc(f *fixture, store *flakyStore) *ScorecardApprovalService {
	return NewScorecardApprovalService(store, wfGoNoGo, f.deps)
}

func planSvc(f *fixture, store *flakyStore) *PlanApprovalService {
	return NewPlanApprovalService(store, wfPlan, f.deps)
}

func commitmentSvc(f *fixture, store *flakyStore) *CommitmentApprovalService {
	return NewCommitmentApprovalService(store, wfCommitment, testThreshold, f.deps)
}

func respond(svc responder, subjectID string, step *repository.ApprovalStep, by string, approved, escalate bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := svc.Respond(ctx, RespondRequest{SubjectID: subjectID, StepID: step.ID, ActedBy: by, Approved: approved, Escalate: escalate})
		return err
	}
}

type responder interface {
	Respond(ctx context.Context, req RespondRequest) (*CycleResult, error)
}

func failureCases() []failureCase {
	submitFaults := []storeFault{{op: "CreateVersionSnapshot"}, {op: "CreateCycle"}, {op: "CreateStep"}}
	return []failureCase{
		// Scorecards
		{
			name: "scorecard submit",
			kind: repository.SubjectScorecard,
			faults: append(submitFaults,
				storeFault{op: "CreateStep", skip: 1},
				storeFault{op: "UpdateScorecard"}),
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := scorecardSvc(f, store)
				sc := f.scorecard(t, "P1")
				return sc.ID, func(ctx context.Context) error {
					_, err := svc.Submit(ctx, sc.ID, olive.ID)
					return err
				}
			},
		},
		{
			name:   "scorecard director approve",
			kind:   repository.SubjectScorecard,
			faults: []storeFault{{op: "UpdateStep"}, {op: "CreateStep"}, {op: "UpdateScorecard"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := scorecardSvc(f, store)
				sc := f.scorecard(t, "P1")
				res, err := svc.Submit(context.Background(), sc.ID, olive.ID)
				require.NoError(t, err)
				return sc.ID, respond(svc, sc.ID, pendingStep(t, res), alice.ID, true, false)
			},
		},
		{
			name:   "scorecard director return",
			kind:   repository.SubjectScorecard,
			faults: []storeFault{{op: "CreateVersionSnapshot"}, {op: "UpdateStep"}, {op: "UpdateCycle"}, {op: "UpdateScorecard"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := scorecardSvc(f, store)
				sc := f.scorecard(t, "P1")
				res, err := svc.Submit(context.Background(), sc.ID, olive.ID)
				require.NoError(t, err)
				return sc.ID, respond(svc, sc.ID, pendingStep(t, res), alice.ID, false, false)
			},
		},
		{
			name:   "scorecard committee decision",
			kind:   repository.SubjectScorecard,
			faults: []storeFault{{op: "CreateVersionSnapshot"}, {op: "UpdateStep"}, {op: "UpdateCycle"}, {op: "UpdateScorecard"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := scorecardSvc(f, store)
				ctx := context.Background()
				sc := f.scorecard(t, "P1")
				res, err := svc.Submit(ctx, sc.ID, olive.ID)
				require.NoError(t, err)
				res, err = svc.Respond(ctx, RespondRequest{SubjectID: sc.ID, StepID: pendingStep(t, res).ID, ActedBy: alice.ID, Approved: true})
				require.NoError(t, err)
				return sc.ID, respond(svc, sc.ID, pendingStep(t, res), carol.ID, true, false)
			},
		},
		{
			name:   "scorecard unlock",
			kind:   repository.SubjectScorecard,
			faults: []storeFault{{op: "CreateVersionSnapshot"}, {op: "UpdateScorecard"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := scorecardSvc(f, store)
				ctx := context.Background()
				sc := f.scorecard(t, "P1")
				res, err := svc.Submit(ctx, sc.ID, olive.ID)
				require.NoError(t, err)
				res, err = svc.Respond(ctx, RespondRequest{SubjectID: sc.ID, StepID: pendingStep(t, res).ID, ActedBy: alice.ID, Approved: true})
				require.NoError(t, err)
				_, err = svc.Respond(ctx, RespondRequest{SubjectID: sc.ID, StepID: pendingStep(t, res).ID, ActedBy: carol.ID, Approved: true})
				require.NoError(t, err)
				return sc.ID, func(ctx context.Context) error {
					_, err := svc.Unlock(ctx, sc.ID, alice.ID, "fix narrative")
					return err
				}
			},
		},

		// Plans
		{
			name:   "plan submit",
			kind:   repository.SubjectPlan,
			faults: append(submitFaults, storeFault{op: "UpdatePlan"}),
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := planSvc(f, store)
				p := f.plan(t, "P1", nil)
				return p.ID, func(ctx context.Context) error {
					_, err := svc.Submit(ctx, p.ID, olive.ID)
					return err
				}
			},
		},
		{
			name:   "plan return",
			kind:   repository.SubjectPlan,
			faults: []storeFault{{op: "CreateVersionSnapshot"}, {op: "UpdateStep"}, {op: "UpdateCycle"}, {op: "UpdatePlan"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := planSvc(f, store)
				p := f.plan(t, "P1", nil)
				res, err := svc.Submit(context.Background(), p.ID, olive.ID)
				require.NoError(t, err)
				return p.ID, respond(svc, p.ID, pendingStep(t, res), paula.ID, false, false)
			},
		},
		{
			name:   "plan approve opens division head step",
			kind:   repository.SubjectPlan,
			faults: []storeFault{{op: "UpdateStep"}, {op: "CreateStep"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := planSvc(f, store)
				p := f.plan(t, "P1", person(dana))
				res, err := svc.Submit(context.Background(), p.ID, olive.ID)
				require.NoError(t, err)
				return p.ID, respond(svc, p.ID, pendingStep(t, res), paula.ID, true, false)
			},
		},
		{
			name:   "plan final approval",
			kind:   repository.SubjectPlan,
			faults: []storeFault{{op: "UpdateStep"}, {op: "CreateVersionSnapshot"}, {op: "UpdateCycle"}, {op: "UpdatePlan"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := planSvc(f, store)
				p := f.plan(t, "P1", nil)
				res, err := svc.Submit(context.Background(), p.ID, olive.ID)
				require.NoError(t, err)
				return p.ID, respond(svc, p.ID, pendingStep(t, res), paula.ID, true, false)
			},
		},
		{
			name:   "plan unlock",
			kind:   repository.SubjectPlan,
			faults: []storeFault{{op: "CreateVersionSnapshot"}, {op: "UpdatePlan"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := planSvc(f, store)
				ctx := context.Background()
				p := f.plan(t, "P1", nil)
				res, err := svc.Submit(ctx, p.ID, olive.ID)
				require.NoError(t, err)
				_, err = svc.Respond(ctx, RespondRequest{SubjectID: p.ID, StepID: pendingStep(t, res).ID, ActedBy: paula.ID, Approved: true})
				require.NoError(t, err)
				return p.ID, func(ctx context.Context) error {
					_, err := svc.Unlock(ctx, p.ID, paula.ID, "add logistics")
					return err
				}
			},
		},

		// Commitments
		{
			name:   "commitment submit",
			kind:   repository.SubjectCommitment,
			faults: append(submitFaults, storeFault{op: "UpdateCommitment"}),
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := commitmentSvc(f, store)
				c := f.commitment(t, "P1", 1000, false)
				return c.ID, func(ctx context.Context) error {
					_, err := svc.Submit(ctx, c.ID, olive.ID)
					return err
				}
			},
		},
		{
			name:   "commitment reject",
			kind:   repository.SubjectCommitment,
			faults: []storeFault{{op: "CreateVersionSnapshot"}, {op: "UpdateStep"}, {op: "UpdateCycle"}, {op: "UpdateCommitment"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := commitmentSvc(f, store)
				c := f.commitment(t, "P1", 1000, false)
				res, err := svc.Submit(context.Background(), c.ID, olive.ID)
				require.NoError(t, err)
				return c.ID, respond(svc, c.ID, pendingStep(t, res), paula.ID, false, false)
			},
		},
		{
			name:   "commitment commit",
			kind:   repository.SubjectCommitment,
			faults: []storeFault{{op: "CreateVersionSnapshot"}, {op: "UpdateStep"}, {op: "UpdateCycle"}, {op: "UpdateCommitment"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := commitmentSvc(f, store)
				c := f.commitment(t, "P1", 1000, false)
				res, err := svc.Submit(context.Background(), c.ID, olive.ID)
				require.NoError(t, err)
				return c.ID, respond(svc, c.ID, pendingStep(t, res), paula.ID, true, false)
			},
		},
		{
			name:   "commitment advance to compliance",
			kind:   repository.SubjectCommitment,
			faults: []storeFault{{op: "UpdateStep"}, {op: "CreateStep"}, {op: "UpdateCommitment"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := commitmentSvc(f, store)
				c := f.commitment(t, "P1", testThreshold, true)
				res, err := svc.Submit(context.Background(), c.ID, olive.ID)
				require.NoError(t, err)
				return c.ID, respond(svc, c.ID, pendingStep(t, res), paula.ID, true, false)
			},
		},
		{
			name:   "commitment escalate to CFO",
			kind:   repository.SubjectCommitment,
			faults: []storeFault{{op: "UpdateStep"}, {op: "CreateStep"}, {op: "UpdateCycle"}, {op: "UpdateCommitment"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := commitmentSvc(f, store)
				ctx := context.Background()
				c := f.commitment(t, "P1", testThreshold, true)
				res, err := svc.Submit(ctx, c.ID, olive.ID)
				require.NoError(t, err)
				res, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: pendingStep(t, res).ID, ActedBy: paula.ID, Approved: true})
				require.NoError(t, err)
				return c.ID, respond(svc, c.ID, pendingStep(t, res), chris.ID, true, true)
			},
		},
		{
			name:   "commitment unlock",
			kind:   repository.SubjectCommitment,
			faults: []storeFault{{op: "CreateVersionSnapshot"}, {op: "UpdateCommitment"}},
			prepare: func(t *testing.T, f *fixture, store *flakyStore) (string, func(context.Context) error) {
				svc := commitmentSvc(f, store)
				ctx := context.Background()
				c := f.commitment(t, "P1", 1000, false)
				res, err := svc.Submit(ctx, c.ID, olive.ID)
				require.NoError(t, err)
				_, err = svc.Respond(ctx, RespondRequest{SubjectID: c.ID, StepID: pendingStep(t, res).ID, ActedBy: paula.ID, Approved: true})
				require.NoError(t, err)
				return c.ID, func(ctx context.Context) error {
					_, err := svc.Unlock(ctx, c.ID, paula.ID, "vendor changed")
					return err
				}
			},
		},
	}
}

func TestTransitionsRollBackOnStoreFailure(t *testing.T) {
	for _, tc := range failureCases() {
		for _, fault := range tc.faults {
			name := tc.name + "/" + fault.op
			if fault.skip > 0 {
				name += "_later_call"
			}
			t.Run(name, func(t *testing.T) {
				f := newFixture(t)
				store := &flakyStore{Store: f.store}
				f.deps.Store = store
				id, transition := tc.prepare(t, f, store)
				ctx := context.Background()

				before := captureState(t, f, tc.kind, id)
				store.failOn(fault.op, fault.skip)

				err := transition(ctx)
				require.True(t, store.didFail(), "transition never called %s", fault.op)
				assert.ErrorIs(t, err, errStoreDown)
				assert.Equal(t, before, captureState(t, f, tc.kind, id), "failed transition left writes behind")

				require.NoError(t, transition(ctx), "retry with a healthy store")
				after := captureState(t, f, tc.kind, id)
				assert.NotEqual(t, before, after)
				assert.Greater(t, len(after.Events), len(before.Events))
			})
		}
	}
}

// An unlock whose subject update fails must not burn the version number.
func TestScorecardUnlockRetryAfterFailedUpdate(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{Store: f.store}
	f.deps.Store = store
	svc := scorecardSvc(f, store)
	ctx := context.Background()
	sc := f.scorecard(t, "P1")

	res, err := svc.Submit(ctx, sc.ID, olive.ID)
	require.NoError(t, err)
	res, err = svc.Respond(ctx, RespondRequest{SubjectID: sc.ID, StepID: pendingStep(t, res).ID, ActedBy: alice.ID, Approved: true})
	require.NoError(t, err)
	_, err = svc.Respond(ctx, RespondRequest{SubjectID: sc.ID, StepID: pendingStep(t, res).ID, ActedBy: carol.ID, Approved: true})
	require.NoError(t, err)

	store.failOn("UpdateScorecard", 0)
	_, err = svc.Unlock(ctx, sc.ID, alice.ID, "fix narrative")
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, []int{1, 2}, snapshotVersions(t, f, repository.SubjectScorecard, sc.ID))

	unlocked, err := svc.Unlock(ctx, sc.ID, alice.ID, "fix narrative")
	require.NoError(t, err)
	assert.Equal(t, 3, unlocked.Version)
	assert.False(t, unlocked.IsLocked)
	assert.Equal(t, []int{1, 2, 3}, snapshotVersions(t, f, repository.SubjectScorecard, sc.ID))
}

// A submit whose subject update fails must not leave an orphaned active cycle.
func TestScorecardSubmitRetryAfterFailedUpdate(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{Store: f.store}
	f.deps.Store = store
	svc := scorecardSvc(f, store)
	ctx := context.Background()
	sc := f.scorecard(t, "P1")

	store.failOn("UpdateScorecard", 0)
	_, err := svc.Submit(ctx, sc.ID, olive.ID)
	require.ErrorIs(t, err, errStoreDown)

	latest, err := f.store.GetLatestCycle(ctx, repository.SubjectScorecard, sc.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.Empty(t, f.events.types())

	res, err := svc.Submit(ctx, sc.ID, olive.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cycle.CycleNumber)
	assert.Equal(t, string(repository.ScorecardAwaitingDirector), res.SubjectStatus)

	res, err = svc.Respond(ctx, RespondRequest{SubjectID: sc.ID, StepID: pendingStep(t, res).ID, ActedBy: alice.ID, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, string(repository.ScorecardAwaitingCommittee), res.SubjectStatus)
}
