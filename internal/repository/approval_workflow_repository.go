package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pc-approvals/internal/database"
	"github.com/pesio-ai/be-pc-approvals/internal/errors"
)

// AssignmentPolicyRepository reads workflow definitions and the per-project
// data the assignee resolver evaluates them against, and writes step overrides.
type AssignmentPolicyRepository struct {
	db *database.DB
}

// NewAssignmentPolicyRepository creates a new AssignmentPolicyRepository.
func NewAssignmentPolicyRepository(db *database.DB) *AssignmentPolicyRepository {
	return &AssignmentPolicyRepository{db: db}
}

// GetWorkflowDefinition returns nil when no definition is stored under key.
func (r *AssignmentPolicyRepository) GetWorkflowDefinition(ctx context.Context, key string) (*WorkflowDefinition, error) {
	query := `
		SELECT key, name, steps
		FROM workflow_definitions
		WHERE key = $1
	`

	def := &WorkflowDefinition{}
	var stepsJSON []byte
	err := r.db.QueryRow(ctx, query, key).Scan(&def.Key, &def.Name, &stepsJSON)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow definition")
	}
	if err := unmarshalJSONB(stepsJSON, &def.Steps, "workflow steps"); err != nil {
		return nil, err
	}
	return def, nil
}

// GetStepOverrides returns every override row of a project, active or not.
func (r *AssignmentPolicyRepository) GetStepOverrides(ctx context.Context, projectCode string) ([]StepOverride, error) {
	query := `
		SELECT id, project_code, workflow_key, step_order, assignee,
		       is_active, set_by, created_at
		FROM step_overrides
		WHERE project_code = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, projectCode)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get step overrides")
	}
	defer rows.Close()

	overrides := []StepOverride{}
	for rows.Next() {
		var o StepOverride
		var assigneeJSON []byte
		if err := rows.Scan(
			&o.ID, &o.ProjectCode, &o.WorkflowKey, &o.StepOrder, &assigneeJSON,
			&o.IsActive, &o.SetBy, &o.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step override")
		}
		if err := unmarshalJSONB(assigneeJSON, &o.Assignee, "override assignee"); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// SetStepOverride retires the active override for the same step and inserts
// o as the new active one, in one transaction.
func (r *AssignmentPolicyRepository) SetStepOverride(ctx context.Context, o *StepOverride) error {
	assigneeJSON, err := marshalJSONB(o.Assignee, "override assignee")
	if err != nil {
		return err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.IsActive = true

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE step_overrides
			SET is_active = FALSE
			WHERE project_code = $1 AND workflow_key = $2 AND step_order = $3 AND is_active
		`, o.ProjectCode, o.WorkflowKey, o.StepOrder); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to retire step override")
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO step_overrides
			    (id, project_code, workflow_key, step_order, assignee, is_active, set_by)
			VALUES ($1, $2, $3, $4, $5, TRUE, $6)
			RETURNING created_at
		`, o.ID, o.ProjectCode, o.WorkflowKey, o.StepOrder, assigneeJSON, o.SetBy).Scan(&o.CreatedAt)
		if isUniqueViolation(err) {
			return errors.Conflict("a concurrent override was set for this step")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert step override")
		}
		return nil
	})
}

// DeactivateStepOverride retires the active override for one step.
func (r *AssignmentPolicyRepository) DeactivateStepOverride(ctx context.Context, projectCode, workflowKey string, stepOrder int) error {
	query := `
		UPDATE step_overrides
		SET is_active = FALSE
		WHERE project_code = $1 AND workflow_key = $2 AND step_order = $3 AND is_active
	`

	tag, err := r.db.Exec(ctx, query, projectCode, workflowKey, stepOrder)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate step override")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("step_override", fmt.Sprintf("%s/%s/%d", projectCode, workflowKey, stepOrder))
	}
	return nil
}

// GetTeamMembers returns the project roster in insertion order.
func (r *AssignmentPolicyRepository) GetTeamMembers(ctx context.Context, projectCode string) ([]TeamMember, error) {
	query := `
		SELECT project_code, role, person
		FROM project_team_members
		WHERE project_code = $1
		ORDER BY position ASC
	`

	rows, err := r.db.Query(ctx, query, projectCode)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get team members")
	}
	defer rows.Close()

	members := []TeamMember{}
	for rows.Next() {
		var m TeamMember
		var personJSON []byte
		if err := rows.Scan(&m.ProjectCode, &m.Role, &personJSON); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan team member")
		}
		if err := unmarshalJSONB(personJSON, &m.Person, "team member"); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// GetFeatureFlag reports known=false when the flag has no row.
func (r *AssignmentPolicyRepository) GetFeatureFlag(ctx context.Context, name string) (bool, bool, error) {
	var enabled bool
	err := r.db.QueryRow(ctx, `SELECT enabled FROM feature_flags WHERE name = $1`, name).Scan(&enabled)
	if isNoRows(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to get feature flag")
	}
	return enabled, true, nil
}

// GetSubjectRecord returns nil when the project has no record.
func (r *AssignmentPolicyRepository) GetSubjectRecord(ctx context.Context, projectCode string) (*SubjectRecord, error) {
	query := `
		SELECT project_code, name, division, region, sector
		FROM subject_records
		WHERE project_code = $1
	`

	rec := &SubjectRecord{}
	err := r.db.QueryRow(ctx, query, projectCode).Scan(
		&rec.ProjectCode, &rec.Name, &rec.Division, &rec.Region, &rec.Sector,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get subject record")
	}
	return rec, nil
}
