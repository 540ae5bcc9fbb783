package repository

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-pc-approvals/internal/database"
	"github.com/pesio-ai/be-pc-approvals/internal/errors"
)

// PermissionPolicyRepository reads permission templates, security group
// mappings, project team assignments and role memberships.
type PermissionPolicyRepository struct {
	db *database.DB
}

// NewPermissionPolicyRepository creates a new PermissionPolicyRepository.
func NewPermissionPolicyRepository(db *database.DB) *PermissionPolicyRepository {
	return &PermissionPolicyRepository{db: db}
}

// GetPermissionTemplate returns nil when no template has the id.
func (r *PermissionPolicyRepository) GetPermissionTemplate(ctx context.Context, id string) (*PermissionTemplate, error) {
	query := `
		SELECT id, name, description, global_access, identity_type,
		       tool_access, version, is_active, is_default
		FROM permission_templates
		WHERE id = $1
	`

	tpl := &PermissionTemplate{}
	var toolAccessJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&tpl.ID, &tpl.Name, &tpl.Description, &tpl.GlobalAccess, &tpl.IdentityType,
		&toolAccessJSON, &tpl.Version, &tpl.IsActive, &tpl.IsDefault,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get permission template")
	}
	if err := unmarshalJSONB(toolAccessJSON, &tpl.ToolAccess, "tool access"); err != nil {
		return nil, err
	}
	return tpl, nil
}

// GetSecurityGroupMappings returns every mapping, active or not.
func (r *PermissionPolicyRepository) GetSecurityGroupMappings(ctx context.Context) ([]SecurityGroupMapping, error) {
	query := `
		SELECT id, group_name, default_template_id, is_active
		FROM security_group_mappings
		ORDER BY group_name ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get security group mappings")
	}
	defer rows.Close()

	mappings := []SecurityGroupMapping{}
	for rows.Next() {
		var m SecurityGroupMapping
		if err := rows.Scan(&m.ID, &m.GroupName, &m.DefaultTemplateID, &m.IsActive); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan security group mapping")
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// GetProjectTeamAssignment prefers the active row for (user, project) and
// otherwise returns the most recently updated one. Emails compare
// case-insensitively. Returns nil when the user was never assigned.
func (r *PermissionPolicyRepository) GetProjectTeamAssignment(ctx context.Context, userEmail, projectCode string) (*ProjectTeamAssignment, error) {
	query := `
		SELECT id, user_email, project_code, role, template_override_id,
		       granular_flag_overrides, is_active, assigned_by, created_at, updated_at
		FROM project_team_assignments
		WHERE LOWER(user_email) = LOWER($1) AND project_code = $2
		ORDER BY is_active DESC, updated_at DESC
		LIMIT 1
	`

	a, err := r.scanAssignment(r.db.QueryRow(ctx, query, userEmail, projectCode))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get project team assignment")
	}
	return a, nil
}

// DeactivateProjectTeamAssignment soft-deletes the active assignment rows of
// (user, project).
func (r *PermissionPolicyRepository) DeactivateProjectTeamAssignment(ctx context.Context, userEmail, projectCode string) error {
	query := `
		UPDATE project_team_assignments
		SET is_active  = FALSE,
		    updated_at = NOW()
		WHERE LOWER(user_email) = LOWER($1) AND project_code = $2 AND is_active
	`

	tag, err := r.db.Exec(ctx, query, userEmail, projectCode)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate project team assignment")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("project_team_assignment", userEmail+"/"+projectCode)
	}
	return nil
}

// GetUserRoles returns nil when the user has no role rows.
func (r *PermissionPolicyRepository) GetUserRoles(ctx context.Context, userEmail string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT role FROM user_roles WHERE user_email = $1 ORDER BY role ASC`,
		strings.ToLower(userEmail),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user roles")
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user role")
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *PermissionPolicyRepository) scanAssignment(sc rowScanner) (*ProjectTeamAssignment, error) {
	a := &ProjectTeamAssignment{}
	var overridesJSON []byte
	if err := sc.Scan(
		&a.ID, &a.UserEmail, &a.ProjectCode, &a.Role, &a.TemplateOverrideID,
		&overridesJSON, &a.IsActive, &a.AssignedBy, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(overridesJSON, &a.GranularFlagOverrides, "granular flag overrides"); err != nil {
		return nil, err
	}
	return a, nil
}
