package memory

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// ── Assignment policy ────────────────────────────────────────────────────────

// GetWorkflowDefinition returns nil when the workflow is not defined.
func (s *Store) GetWorkflowDefinition(_ context.Context, key string) (*repository.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.workflows[key]
	if !ok {
		return nil, nil
	}
	out := cloneWorkflow(def)
	return &out, nil
}

// GetStepOverrides returns every override, active or not, for a project.
func (s *Store) GetStepOverrides(_ context.Context, projectCode string) ([]repository.StepOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []repository.StepOverride{}
	for _, o := range s.overrides {
		if o.ProjectCode == projectCode {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Store) GetTeamMembers(_ context.Context, projectCode string) ([]repository.TeamMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]repository.TeamMember{}, s.team[projectCode]...), nil
}

func (s *Store) GetFeatureFlag(_ context.Context, name string) (bool, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, ok := s.flags[name]
	return enabled, ok, nil
}

// GetSubjectRecord returns nil when the project has no record.
func (s *Store) GetSubjectRecord(_ context.Context, projectCode string) (*repository.SubjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.subjects[projectCode]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// ── Permission policy ────────────────────────────────────────────────────────

// GetPermissionTemplate returns nil when the template does not exist.
func (s *Store) GetPermissionTemplate(_ context.Context, id string) (*repository.PermissionTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	out := cloneTemplate(t)
	return &out, nil
}

func (s *Store) GetSecurityGroupMappings(_ context.Context) ([]repository.SecurityGroupMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]repository.SecurityGroupMapping{}, s.mappings...), nil
}

// GetProjectTeamAssignment prefers the active row for (user, project); when
// none is active the most recently stored row is returned.
func (s *Store) GetProjectTeamAssignment(_ context.Context, userEmail, projectCode string) (*repository.ProjectTeamAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *repository.ProjectTeamAssignment
	for i := len(s.assignments) - 1; i >= 0; i-- {
		a := s.assignments[i]
		if !strings.EqualFold(a.UserEmail, userEmail) || a.ProjectCode != projectCode {
			continue
		}
		if a.IsActive {
			out := cloneAssignment(a)
			return &out, nil
		}
		if found == nil {
			out := cloneAssignment(a)
			found = &out
		}
	}
	return found, nil
}

// GetUserRoles returns the user's role memberships, or nil when unknown.
func (s *Store) GetUserRoles(_ context.Context, userEmail string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles, ok := s.roles[strings.ToLower(userEmail)]
	if !ok {
		return nil, nil
	}
	return append([]string{}, roles...), nil
}

// ── Policy administration ────────────────────────────────────────────────────

// SetStepOverride retires the active override for the same step, then stores
// the new one as active.
func (s *Store) SetStepOverride(_ context.Context, o *repository.StepOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.overrides {
		cur := &s.overrides[i]
		if cur.IsActive && cur.ProjectCode == o.ProjectCode && cur.WorkflowKey == o.WorkflowKey && cur.StepOrder == o.StepOrder {
			cur.IsActive = false
		}
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	o.IsActive = true
	s.overrides = append(s.overrides, *o)
	return nil
}

func (s *Store) DeactivateStepOverride(_ context.Context, projectCode, workflowKey string, stepOrder int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for i := range s.overrides {
		cur := &s.overrides[i]
		if cur.IsActive && cur.ProjectCode == projectCode && cur.WorkflowKey == workflowKey && cur.StepOrder == stepOrder {
			cur.IsActive = false
			changed = true
		}
	}
	if !changed {
		return errors.NotFound("step_override", projectCode+"/"+workflowKey)
	}
	return nil
}

// DeactivateProjectTeamAssignment soft-deletes the user's active assignment.
func (s *Store) DeactivateProjectTeamAssignment(_ context.Context, userEmail, projectCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for i := range s.assignments {
		a := &s.assignments[i]
		if a.IsActive && strings.EqualFold(a.UserEmail, userEmail) && a.ProjectCode == projectCode {
			a.IsActive = false
			a.UpdatedAt = s.now()
			changed = true
		}
	}
	if !changed {
		return errors.NotFound("project_team_assignment", userEmail+"/"+projectCode)
	}
	return nil
}

// ── Seeding ──────────────────────────────────────────────────────────────────

// PutWorkflowDefinition validates and stores a workflow definition.
func (s *Store) PutWorkflowDefinition(def repository.WorkflowDefinition) error {
	if err := repository.ValidateWorkflowDefinition(&def); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[def.Key] = cloneWorkflow(def)
	return nil
}

// AddTeamMember appends a roster entry.
func (s *Store) AddTeamMember(m repository.TeamMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.team[m.ProjectCode] = append(s.team[m.ProjectCode], m)
}

func (s *Store) SetFeatureFlag(name string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[name] = enabled
}

func (s *Store) PutSubjectRecord(rec repository.SubjectRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[rec.ProjectCode] = rec
}

// PutPermissionTemplate validates and stores a template.
func (s *Store) PutPermissionTemplate(t repository.PermissionTemplate) error {
	if err := repository.ValidatePermissionTemplate(&t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = cloneTemplate(t)
	return nil
}

func (s *Store) PutSecurityGroupMapping(m repository.SecurityGroupMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.mappings = append(s.mappings, m)
}

// PutProjectTeamAssignment appends an assignment row.
func (s *Store) PutProjectTeamAssignment(a repository.ProjectTeamAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
		a.UpdatedAt = a.CreatedAt
	}
	s.assignments = append(s.assignments, cloneAssignment(a))
}

// SetUserRoles replaces the user's role memberships.
func (s *Store) SetUserRoles(userEmail string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[strings.ToLower(userEmail)] = append([]string{}, roles...)
}
