package service

import (
	"context"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/logger"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// PermissionInvalidator drops memoized permissions for one (user, project).
type PermissionInvalidator interface {
	Invalidate(ctx context.Context, userEmail, projectCode string) error
}

// SetOverrideRequest names the step to override and its new assignee.
type SetOverrideRequest struct {
	ProjectCode string            `json:"project_code" validate:"required"`
	WorkflowKey string            `json:"workflow_key" validate:"required"`
	StepOrder   int               `json:"step_order" validate:"required,min=1"`
	Assignee    repository.Person `json:"assignee"`
	SetBy       string            `json:"set_by" validate:"required"`
}

// PolicyAdminService applies the policy edits that take effect immediately:
// per-project step overrides and team assignment removal.
type PolicyAdminService struct {
	store PolicyAdminStore
	cache PermissionInvalidator
	log   *logger.Logger
}

// NewPolicyAdminService creates a PolicyAdminService. cache may be nil.
func NewPolicyAdminService(store PolicyAdminStore, cache PermissionInvalidator, log *logger.Logger) *PolicyAdminService {
	if log == nil {
		log = logger.NewNop()
	}
	return &PolicyAdminService{store: store, cache: cache, log: log}
}

// SetStepOverride stores a new active override for one step, retiring the
// previous one.
func (s *PolicyAdminService) SetStepOverride(ctx context.Context, req SetOverrideRequest) (*repository.StepOverride, error) {
	if req.ProjectCode == "" {
		return nil, errors.InvalidInput("project_code", "project code is required")
	}
	if req.WorkflowKey == "" {
		return nil, errors.InvalidInput("workflow_key", "workflow key is required")
	}
	if req.StepOrder < 1 {
		return nil, errors.InvalidInput("step_order", "step order must be positive")
	}
	if req.Assignee.ID == "" && req.Assignee.Email == "" {
		return nil, errors.InvalidInput("assignee", "assignee needs an id or email")
	}

	o := &repository.StepOverride{
		ProjectCode: req.ProjectCode,
		WorkflowKey: req.WorkflowKey,
		StepOrder:   req.StepOrder,
		Assignee:    req.Assignee,
		IsActive:    true,
		SetBy:       req.SetBy,
	}
	if err := s.store.SetStepOverride(ctx, o); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("project_code", o.ProjectCode).
		Str("workflow_key", o.WorkflowKey).
		Int("step_order", o.StepOrder).
		Str("assignee", o.Assignee.Name).
		Msg("Step override set")
	return o, nil
}

// ClearStepOverride retires the active override for one step.
func (s *PolicyAdminService) ClearStepOverride(ctx context.Context, projectCode, workflowKey string, stepOrder int) error {
	if err := s.store.DeactivateStepOverride(ctx, projectCode, workflowKey, stepOrder); err != nil {
		return err
	}
	s.log.Info().
		Str("project_code", projectCode).
		Str("workflow_key", workflowKey).
		Int("step_order", stepOrder).
		Msg("Step override cleared")
	return nil
}

// DeactivateAssignment soft-deletes a user's project team assignment and
// drops their memoized permissions for the project.
func (s *PolicyAdminService) DeactivateAssignment(ctx context.Context, userEmail, projectCode string) error {
	if userEmail == "" || projectCode == "" {
		return errors.InvalidInput("user_email", "user email and project code are required")
	}
	if err := s.store.DeactivateProjectTeamAssignment(ctx, userEmail, projectCode); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, userEmail, projectCode); err != nil {
			s.log.Warn().Err(err).Str("user_email", userEmail).Msg("Failed to invalidate cached permissions")
		}
	}
	s.log.Info().Str("user_email", userEmail).Str("project_code", projectCode).Msg("Project team assignment deactivated")
	return nil
}
