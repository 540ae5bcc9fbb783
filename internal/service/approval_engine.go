package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/lock"
	"github.com/pesio-ai/be-pc-approvals/internal/logger"
	"github.com/pesio-ai/be-pc-approvals/internal/metrics"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// errNoPendingStep is the caller-visible message for responding to a step
// that is not awaiting action.
const errNoPendingStep = "no pending approval step found"

// ChainResolver is satisfied by *AssigneeResolver.
type ChainResolver interface {
	ResolveChain(ctx context.Context, workflowKey, projectCode string) (*ResolvedChain, error)
}

// EngineDeps are the collaborators shared by every approval workflow.
type EngineDeps struct {
	Store    ApprovalStore
	Resolver ChainResolver
	Locker   lock.Locker
	Events   EventPublisher
	Metrics  *metrics.Metrics
	Log      *logger.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// RespondRequest is a reviewer's action on one pending step.
type RespondRequest struct {
	SubjectID string `json:"subject_id" validate:"required"`
	StepID    string `json:"step_id" validate:"required"`
	ActedBy   string `json:"acted_by" validate:"required"`
	Approved  bool   `json:"approved"`
	Comment   string `json:"comment"`
	Escalate  bool   `json:"escalate"`
}

// CycleResult is the post-operation view of a subject's current cycle.
type CycleResult struct {
	SubjectKind   repository.SubjectKind      `json:"subject_kind"`
	SubjectID     string                      `json:"subject_id"`
	SubjectStatus string                      `json:"subject_status"`
	IsLocked      bool                        `json:"is_locked"`
	Version       int                         `json:"version"`
	Cycle         *repository.ApprovalCycle   `json:"cycle,omitempty"`
	Steps         []*repository.ApprovalStep  `json:"steps"`
	Snapshot      *repository.VersionSnapshot `json:"snapshot,omitempty"`
}

// SnapshotResult is returned by Unlock.
type SnapshotResult struct {
	SubjectKind repository.SubjectKind      `json:"subject_kind"`
	SubjectID   string                      `json:"subject_id"`
	IsLocked    bool                        `json:"is_locked"`
	Version     int                         `json:"version"`
	Snapshot    *repository.VersionSnapshot `json:"snapshot"`
}

// CycleHistory is one cycle with all of its steps.
type CycleHistory struct {
	Cycle *repository.ApprovalCycle  `json:"cycle"`
	Steps []*repository.ApprovalStep `json:"steps"`
}

// ApprovalHistory is the full audit view of a subject.
type ApprovalHistory struct {
	SubjectKind repository.SubjectKind           `json:"subject_kind"`
	SubjectID   string                           `json:"subject_id"`
	Cycles      []CycleHistory                   `json:"cycles"`
	Snapshots   []*repository.VersionSnapshot    `json:"snapshots"`
	Audit       []*repository.ApprovalAuditEntry `json:"audit"`
}

// approvalEngine holds the machinery the three approval workflows share:
// per-subject serialization, cycle and step bookkeeping, snapshots, audit
// and events. Workflow-specific transitions live in the services.
type approvalEngine struct {
	kind     repository.SubjectKind
	store    ApprovalStore
	resolver ChainResolver
	locker   lock.Locker
	events   EventPublisher
	metrics  *metrics.Metrics
	log      *logger.Logger
	clock    func() time.Time
}

func newApprovalEngine(kind repository.SubjectKind, deps EngineDeps) *approvalEngine {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	log := deps.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &approvalEngine{
		kind:     kind,
		store:    deps.Store,
		resolver: deps.Resolver,
		locker:   locker,
		events:   deps.Events,
		metrics:  deps.Metrics,
		log:      log.WithComponent(string(kind) + "_approval"),
		clock:    clock,
	}
}

func (e *approvalEngine) now() time.Time {
	return e.clock().UTC()
}

// withSubjectLock runs fn while holding the subject's write lock. Every
// read-modify-write of a subject's cycle happens inside it. The writes fn
// makes with the context it receives commit together or not at all; audit
// entries and events it emits are held back until the commit succeeds.
func (e *approvalEngine) withSubjectLock(ctx context.Context, subjectID string, fn func(ctx context.Context) error) error {
	start := time.Now()
	release, err := e.locker.Lock(ctx, string(e.kind)+":"+subjectID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to acquire subject lock")
	}
	defer release()
	e.metrics.LockWaited(string(e.kind), time.Since(start))

	ob := &outbox{}
	err = e.store.InTx(ctx, func(txCtx context.Context) error {
		return fn(context.WithValue(txCtx, outboxKey{}, ob))
	})
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeInternal) {
			e.log.Warn().Err(err).
				Str("subject_id", subjectID).
				Msg("Approval transition rolled back")
		}
		return err
	}
	e.flush(ctx, ob)
	return nil
}

// ── Cycle and step bookkeeping ───────────────────────────────────────────────

// nextCycleNumber fails when the subject already has an active cycle.
func (e *approvalEngine) nextCycleNumber(ctx context.Context, subjectID string) (int, error) {
	latest, err := e.store.GetLatestCycle(ctx, e.kind, subjectID)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 1, nil
	}
	if latest.Status.IsActive() {
		return 0, errors.Conflict(fmt.Sprintf("%s %s already has an active approval cycle (cycle %d)",
			e.kind, subjectID, latest.CycleNumber))
	}
	return latest.CycleNumber + 1, nil
}

func (e *approvalEngine) createCycle(ctx context.Context, subjectID string, number int, submittedBy string) (*repository.ApprovalCycle, error) {
	cycle := &repository.ApprovalCycle{
		SubjectKind: e.kind,
		SubjectID:   subjectID,
		CycleNumber: number,
		Status:      repository.CycleInProgress,
		SubmittedBy: submittedBy,
		SubmittedAt: e.now(),
	}
	if err := e.store.CreateCycle(ctx, cycle); err != nil {
		return nil, err
	}
	e.log.Info().
		Str("subject_id", subjectID).
		Str("cycle_id", cycle.ID).
		Int("cycle_number", number).
		Msg("Approval cycle created")
	return cycle, nil
}

// stepSpec describes a step to create.
type stepSpec struct {
	Order    int
	Wave     int
	Role     string
	Assignee repository.Person
	Source   string
	// AutoApprovedBy, when set, creates the step already approved.
	AutoApprovedBy string
}

func (e *approvalEngine) createStep(ctx context.Context, cycle *repository.ApprovalCycle, spec stepSpec) (*repository.ApprovalStep, error) {
	now := e.now()
	step := &repository.ApprovalStep{
		CycleID:          cycle.ID,
		SubjectKind:      e.kind,
		SubjectID:        cycle.SubjectID,
		StepOrder:        spec.Order,
		Wave:             spec.Wave,
		Role:             spec.Role,
		Assignee:         spec.Assignee,
		AssignmentSource: spec.Source,
		Status:           repository.StepPending,
		CreatedAt:        now,
	}
	if spec.AutoApprovedBy != "" {
		by := spec.AutoApprovedBy
		comment := "auto-approved on submission"
		step.Status = repository.StepApproved
		step.ActedBy = &by
		step.ActedAt = &now
		step.Comment = &comment
	}
	if err := e.store.CreateStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// loadPendingStep loads a step for a response and checks every precondition.
// It performs no writes.
func (e *approvalEngine) loadPendingStep(ctx context.Context, req RespondRequest) (*repository.ApprovalCycle, *repository.ApprovalStep, error) {
	if req.ActedBy == "" {
		return nil, nil, errors.InvalidInput("acted_by", "acting user is required")
	}
	step, err := e.store.GetStep(ctx, req.StepID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, nil, errors.Conflict(errNoPendingStep)
		}
		return nil, nil, err
	}
	if step.SubjectKind != e.kind || step.SubjectID != req.SubjectID {
		return nil, nil, errors.Conflict(fmt.Sprintf("approval step %s does not belong to %s %s", req.StepID, e.kind, req.SubjectID))
	}
	if step.Status != repository.StepPending {
		return nil, nil, errors.Conflict(errNoPendingStep)
	}
	cycle, err := e.store.GetCycle(ctx, step.CycleID)
	if err != nil {
		return nil, nil, err
	}
	if !cycle.Status.IsActive() {
		return nil, nil, errors.Conflict(errNoPendingStep)
	}
	if err := assertCanAct(step, req.ActedBy); err != nil {
		return nil, nil, err
	}
	return cycle, step, nil
}

// assertCanAct checks that userID is the step's assignee. Placeholder
// assignees (no id and no email) can be acted on by anyone.
func assertCanAct(step *repository.ApprovalStep, userID string) error {
	if step.Assignee.ID == "" && step.Assignee.Email == "" {
		return nil
	}
	if step.Assignee.Identifies(userID) {
		return nil
	}
	return errors.New(errors.ErrCodeUnauthorized, "user is not authorized to act on this approval step")
}

// actOnStep records the reviewer's outcome on a step.
func (e *approvalEngine) actOnStep(ctx context.Context, step *repository.ApprovalStep, status repository.StepStatus, actedBy, comment string) error {
	now := e.now()
	step.Status = status
	step.ActedBy = &actedBy
	step.ActedAt = &now
	if comment != "" {
		step.Comment = &comment
	}
	return e.store.UpdateStep(ctx, step)
}

// setCycleStatus moves a cycle to status, stamping completion for terminal states.
func (e *approvalEngine) setCycleStatus(ctx context.Context, cycle *repository.ApprovalCycle, status repository.CycleStatus) error {
	cycle.Status = status
	if !status.IsActive() {
		now := e.now()
		cycle.CompletedAt = &now
	}
	return e.store.UpdateCycle(ctx, cycle)
}

// allApproved reports whether every step of the cycle is approved.
func (e *approvalEngine) allApproved(ctx context.Context, cycleID string) (bool, []*repository.ApprovalStep, error) {
	steps, err := e.store.ListSteps(ctx, cycleID)
	if err != nil {
		return false, nil, err
	}
	if len(steps) == 0 {
		return false, steps, nil
	}
	for _, s := range steps {
		if s.Status != repository.StepApproved {
			return false, steps, nil
		}
	}
	return true, steps, nil
}

// ── Snapshots ────────────────────────────────────────────────────────────────

// snapshot stores version number version for the subject. Callers pass the
// subject's current version plus one and persist the new counter afterwards.
func (e *approvalEngine) snapshot(
	ctx context.Context,
	subjectID string,
	version int,
	reason repository.SnapshotReason,
	fields map[string]any,
	by string,
) (*repository.VersionSnapshot, error) {
	snap := &repository.VersionSnapshot{
		SubjectKind:   e.kind,
		SubjectID:     subjectID,
		VersionNumber: version,
		Reason:        reason,
		Fields:        fields,
		CreatedBy:     by,
		CreatedAt:     e.now(),
	}
	if err := e.store.CreateVersionSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	e.log.Info().
		Str("subject_id", subjectID).
		Int("version", version).
		Str("reason", string(reason)).
		Msg("Version snapshot created")
	return snap, nil
}

// ── Assignee lookup ──────────────────────────────────────────────────────────

// assigneeFor returns the resolved assignee of a workflow step. Steps the
// chain omits or skips come back as an unassigned placeholder.
func assigneeFor(chain *ResolvedChain, order int) (repository.Person, string) {
	if chain != nil {
		if rs, ok := chain.Step(order); ok && !rs.Skipped {
			return rs.Assignee, string(rs.Source)
		}
	}
	return repository.Person{Name: unassignedName}, string(SourceDefault)
}

func (e *approvalEngine) resolveChain(ctx context.Context, workflowKey, projectCode string) (*ResolvedChain, error) {
	if e.resolver == nil {
		return nil, nil
	}
	return e.resolver.ResolveChain(ctx, workflowKey, projectCode)
}

// ── History ──────────────────────────────────────────────────────────────────

func (e *approvalEngine) history(ctx context.Context, subjectID string) (*ApprovalHistory, error) {
	cycles, err := e.store.ListCycles(ctx, e.kind, subjectID)
	if err != nil {
		return nil, err
	}
	h := &ApprovalHistory{SubjectKind: e.kind, SubjectID: subjectID, Cycles: make([]CycleHistory, 0, len(cycles))}
	for _, c := range cycles {
		steps, err := e.store.ListSteps(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		h.Cycles = append(h.Cycles, CycleHistory{Cycle: c, Steps: steps})
	}
	if h.Snapshots, err = e.store.ListVersionSnapshots(ctx, e.kind, subjectID); err != nil {
		return nil, err
	}
	if h.Audit, err = e.store.ListAudit(ctx, e.kind, subjectID); err != nil {
		return nil, err
	}
	return h, nil
}

// cycleResult assembles the post-operation view.
func (e *approvalEngine) cycleResult(
	ctx context.Context,
	subjectID, status string,
	locked bool,
	version int,
	cycle *repository.ApprovalCycle,
	snap *repository.VersionSnapshot,
) (*CycleResult, error) {
	res := &CycleResult{
		SubjectKind:   e.kind,
		SubjectID:     subjectID,
		SubjectStatus: status,
		IsLocked:      locked,
		Version:       version,
		Cycle:         cycle,
		Snapshot:      snap,
		Steps:         []*repository.ApprovalStep{},
	}
	if cycle != nil {
		steps, err := e.store.ListSteps(ctx, cycle.ID)
		if err != nil {
			return nil, err
		}
		res.Steps = steps
	}
	return res, nil
}

// ── Side channels ────────────────────────────────────────────────────────────

type outboxKey struct{}

// outbox holds the side effects of a transition until its writes commit.
type outbox struct {
	audit  []*repository.ApprovalAuditEntry
	events []ApprovalEvent
}

func outboxFrom(ctx context.Context) *outbox {
	ob, _ := ctx.Value(outboxKey{}).(*outbox)
	return ob
}

// appendAudit queues an audit entry for the running transition, or writes it
// directly outside one.
func (e *approvalEngine) appendAudit(ctx context.Context, entry *repository.ApprovalAuditEntry) {
	entry.SubjectKind = e.kind
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = e.now()
	}
	if ob := outboxFrom(ctx); ob != nil {
		ob.audit = append(ob.audit, entry)
		return
	}
	e.writeAudit(ctx, entry)
}

// writeAudit logs a warning on failure and never returns an error.
func (e *approvalEngine) writeAudit(ctx context.Context, entry *repository.ApprovalAuditEntry) {
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.log.Warn().Err(err).
			Str("subject_id", entry.SubjectID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

func (e *approvalEngine) publish(ctx context.Context, event ApprovalEvent) {
	event.SubjectKind = e.kind
	if ob := outboxFrom(ctx); ob != nil {
		ob.events = append(ob.events, event)
		return
	}
	e.emit(ctx, event)
}

func (e *approvalEngine) emit(ctx context.Context, event ApprovalEvent) {
	e.metrics.ApprovalTransition(string(e.kind), event.Type)
	if e.events == nil {
		return
	}
	e.events.PublishApprovalEvent(ctx, event)
}

// flush writes the audit entries and publishes the events of a committed
// transition, in the order they were emitted.
func (e *approvalEngine) flush(ctx context.Context, ob *outbox) {
	for _, entry := range ob.audit {
		e.writeAudit(ctx, entry)
	}
	for _, event := range ob.events {
		e.emit(ctx, event)
	}
}

// invariantViolation reports a state the transition tables do not cover.
func (e *approvalEngine) invariantViolation(subjectID, detail string) error {
	e.metrics.InvariantViolation(string(e.kind))
	e.log.Error().
		Str("subject_id", subjectID).
		Str("detail", detail).
		Msg("Approval invariant violated")
	return errors.New(errors.ErrCodeInternal, fmt.Sprintf("approval invariant violated: %s", detail))
}

func recipients(p repository.Person) []string {
	if p.Email != "" {
		return []string{p.Email}
	}
	if p.ID != "" {
		return []string{p.ID}
	}
	return nil
}

func strPtr(s string) *string { return &s }
