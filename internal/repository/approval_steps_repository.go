package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-pc-approvals/internal/database"
	"github.com/pesio-ai/be-pc-approvals/internal/errors"
)

// ApprovalStepsRepository persists cycle-scoped approval steps.
type ApprovalStepsRepository struct {
	db *database.DB
}

// NewApprovalStepsRepository creates a new ApprovalStepsRepository.
func NewApprovalStepsRepository(db *database.DB) *ApprovalStepsRepository {
	return &ApprovalStepsRepository{db: db}
}

const stepColumns = `
	id, cycle_id, subject_kind, subject_id, step_order, wave, role,
	assignee_id, assignee_name, assignee_email, assignment_source,
	status, acted_by, acted_at, comment, revision, created_at
`

// CreateStep inserts step with revision 1. A second pending step in the same
// wave of a cycle is a conflict.
func (r *ApprovalStepsRepository) CreateStep(ctx context.Context, step *ApprovalStep) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	step.Revision = 1

	query := `
		INSERT INTO approval_steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
		        $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.Exec(ctx, query,
		step.ID, step.CycleID, step.SubjectKind, step.SubjectID, step.StepOrder, step.Wave, step.Role,
		step.Assignee.ID, step.Assignee.Name, step.Assignee.Email, step.AssignmentSource,
		step.Status, step.ActedBy, step.ActedAt, step.Comment, step.Revision, step.CreatedAt,
	)
	if isUniqueViolation(err) {
		return errors.Conflict("cycle already has a pending step in this wave")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
	}
	return nil
}

// UpdateStep records the outcome of an action when the stored revision still
// matches step.Revision.
func (r *ApprovalStepsRepository) UpdateStep(ctx context.Context, step *ApprovalStep) error {
	query := `
		UPDATE approval_steps
		SET status   = $3,
		    acted_by = $4,
		    acted_at = $5,
		    comment  = $6,
		    revision = revision + 1
		WHERE id = $1 AND revision = $2
		RETURNING revision
	`

	err := r.db.QueryRow(ctx, query,
		step.ID, step.Revision, step.Status, step.ActedBy, step.ActedAt, step.Comment,
	).Scan(&step.Revision)
	if isNoRows(err) {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_steps WHERE id = $1)`, step.ID).Scan(&exists); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check approval step")
		}
		return casMiss(exists, "approval_step", step.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval step")
	}
	return nil
}

func (r *ApprovalStepsRepository) GetStep(ctx context.Context, id string) (*ApprovalStep, error) {
	query := `SELECT ` + stepColumns + ` FROM approval_steps WHERE id = $1`

	step, err := r.scanStep(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("approval_step", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval step")
	}
	return step, nil
}

// ListSteps returns the steps of a cycle in creation order.
func (r *ApprovalStepsRepository) ListSteps(ctx context.Context, cycleID string) ([]*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE cycle_id = $1
		ORDER BY created_at ASC, step_order ASC
	`
	return r.queryRows(ctx, "failed to list approval steps", query, cycleID)
}

// ListPendingSteps returns pending steps whose assignee id or email is
// assignee, oldest first.
func (r *ApprovalStepsRepository) ListPendingSteps(ctx context.Context, assignee string) ([]*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE status = 'pending'
		  AND ((assignee_id <> '' AND assignee_id = $1) OR (assignee_email <> '' AND assignee_email = $1))
		ORDER BY created_at ASC, cycle_id ASC, step_order ASC
	`
	return r.queryRows(ctx, "failed to list pending approval steps", query, assignee)
}

func (r *ApprovalStepsRepository) queryRows(ctx context.Context, msg, query string, args ...any) ([]*ApprovalStep, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, msg)
	}
	defer rows.Close()

	steps := []*ApprovalStep{}
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (r *ApprovalStepsRepository) scanStep(sc rowScanner) (*ApprovalStep, error) {
	step := &ApprovalStep{}
	err := sc.Scan(
		&step.ID, &step.CycleID, &step.SubjectKind, &step.SubjectID, &step.StepOrder, &step.Wave, &step.Role,
		&step.Assignee.ID, &step.Assignee.Name, &step.Assignee.Email, &step.AssignmentSource,
		&step.Status, &step.ActedBy, &step.ActedAt, &step.Comment, &step.Revision, &step.CreatedAt,
	)
	return step, err
}
