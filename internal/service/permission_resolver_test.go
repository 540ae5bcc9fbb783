package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pc-approvals/internal/logger"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
	"github.com/pesio-ai/be-pc-approvals/internal/repository/memory"
)

func newPermissionStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()

	templates := []repository.PermissionTemplate{
		{
			ID: "tpl-pm", Name: "Project Manager", IdentityType: repository.IdentityInternal, IsActive: true,
			ToolAccess: []repository.ToolAccess{
				{ToolKey: "scorecards", Level: repository.AccessEdit},
				{ToolKey: "project_plans", Level: repository.AccessEdit, GranularFlags: []string{"export"}},
			},
		},
		{
			ID: "tpl-est", Name: "Estimator", IdentityType: repository.IdentityInternal, IsActive: true,
			ToolAccess: []repository.ToolAccess{{ToolKey: "scorecards", Level: repository.AccessRead}},
		},
		{
			ID: "tpl-px", Name: "Project Executive", IdentityType: repository.IdentityInternal, IsActive: true,
			ToolAccess: []repository.ToolAccess{
				{ToolKey: "buyout", Level: repository.AccessAdmin},
				{ToolKey: "project_plans", Level: repository.AccessAdmin},
			},
		},
		{
			ID: "tpl-ro", Name: "Read Only", IdentityType: repository.IdentityInternal, IsActive: true,
			GlobalAccess: true,
			ToolAccess:   []repository.ToolAccess{{ToolKey: "project_hub", Level: repository.AccessRead}},
		},
		{
			ID: "tpl-admin", Name: "Administrator", IdentityType: repository.IdentityInternal, IsActive: true,
			GlobalAccess: true,
			ToolAccess:   []repository.ToolAccess{{ToolKey: "permissions", Level: repository.AccessAdmin}},
		},
		{
			ID: "tpl-retired", Name: "Retired", IdentityType: repository.IdentityInternal, IsActive: false,
			ToolAccess: []repository.ToolAccess{{ToolKey: "scorecards", Level: repository.AccessAdmin}},
		},
	}
	for _, tpl := range templates {
		require.NoError(t, s.PutPermissionTemplate(tpl))
	}

	s.PutSecurityGroupMapping(repository.SecurityGroupMapping{GroupName: "SG-Project-Managers", DefaultTemplateID: "tpl-pm", IsActive: true})
	s.PutSecurityGroupMapping(repository.SecurityGroupMapping{GroupName: "SG-Estimating", DefaultTemplateID: "tpl-est", IsActive: true})
	s.PutSecurityGroupMapping(repository.SecurityGroupMapping{GroupName: "SG-Read-Only", DefaultTemplateID: "tpl-ro", IsActive: true})
	s.PutSecurityGroupMapping(repository.SecurityGroupMapping{GroupName: "SG-Administrators", DefaultTemplateID: "tpl-admin", IsActive: true})
	s.PutSecurityGroupMapping(repository.SecurityGroupMapping{GroupName: "SG-Accounting", DefaultTemplateID: "tpl-missing", IsActive: true})
	s.PutSecurityGroupMapping(repository.SecurityGroupMapping{GroupName: "SG-Executive-Leadership", DefaultTemplateID: "tpl-admin", IsActive: false})

	s.SetUserRoles("pm@example.com", "Estimator", "Project Manager")
	s.SetUserRoles("est@example.com", "Estimator")
	s.SetUserRoles("admin@example.com", "Administrator")
	s.SetUserRoles("exec@example.com", "Executive")
	s.SetUserRoles("acct@example.com", "Accounting")
	return s
}

func TestResolvePermissionsSources(t *testing.T) {
	ctx := context.Background()
	s := newPermissionStore(t)
	s.PutProjectTeamAssignment(repository.ProjectTeamAssignment{
		UserEmail: "est@example.com", ProjectCode: "P1", Role: "Project Executive",
		TemplateOverrideID: strPtr("tpl-px"), IsActive: true,
	})
	s.PutProjectTeamAssignment(repository.ProjectTeamAssignment{
		UserEmail: "est@example.com", ProjectCode: "P2", Role: "Estimator", IsActive: true,
	})
	s.PutProjectTeamAssignment(repository.ProjectTeamAssignment{
		UserEmail: "est@example.com", ProjectCode: "P3", Role: "Project Executive",
		TemplateOverrideID: strPtr("tpl-px"), IsActive: false,
	})
	r := NewPermissionResolver(s, s, nil, logger.NewNop())

	tests := []struct {
		name         string
		user         string
		project      string
		wantTemplate string
		wantSource   PermissionSource
		wantGroup    string
		wantGlobal   bool
	}{
		{name: "highest priority role wins", user: "pm@example.com", wantTemplate: "tpl-pm", wantSource: PermissionSecurityGroupDefault, wantGroup: "SG-Project-Managers"},
		{name: "single role", user: "est@example.com", wantTemplate: "tpl-est", wantSource: PermissionSecurityGroupDefault, wantGroup: "SG-Estimating"},
		{name: "project template override", user: "est@example.com", project: "P1", wantTemplate: "tpl-px", wantSource: PermissionProjectOverride, wantGroup: "SG-Estimating"},
		{name: "direct assignment keeps group template", user: "est@example.com", project: "P2", wantTemplate: "tpl-est", wantSource: PermissionDirectAssignment, wantGroup: "SG-Estimating"},
		{name: "inactive assignment ignored", user: "est@example.com", project: "P3", wantTemplate: "tpl-est", wantSource: PermissionSecurityGroupDefault, wantGroup: "SG-Estimating"},
		{name: "admin keeps global access", user: "admin@example.com", wantTemplate: "tpl-admin", wantSource: PermissionSecurityGroupDefault, wantGroup: "SG-Administrators", wantGlobal: true},
		{name: "inactive mapping falls back to read only", user: "exec@example.com", wantTemplate: "tpl-ro", wantSource: PermissionSecurityGroupDefault, wantGroup: "SG-Read-Only"},
		{name: "unknown user falls back to read only", user: "nobody@example.com", wantTemplate: "tpl-ro", wantSource: PermissionSecurityGroupDefault, wantGroup: "SG-Read-Only"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.user, tt.project)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTemplate, got.TemplateID)
			assert.Equal(t, tt.wantSource, got.Source)
			assert.Equal(t, tt.wantGroup, got.SecurityGroup)
			assert.Equal(t, tt.wantGlobal, got.GlobalAccess)
			assert.NotNil(t, got.Permissions)
		})
	}
}

func TestResolvePermissionsMissingTemplate(t *testing.T) {
	ctx := context.Background()
	s := newPermissionStore(t)
	s.PutProjectTeamAssignment(repository.ProjectTeamAssignment{
		UserEmail: "pm@example.com", ProjectCode: "P1", TemplateOverrideID: strPtr("tpl-retired"), IsActive: true,
	})
	r := NewPermissionResolver(s, s, nil, logger.NewNop())

	for _, tc := range []struct{ user, project string }{
		{user: "acct@example.com"},
		{user: "pm@example.com", project: "P1"},
	} {
		got, err := r.Resolve(ctx, tc.user, tc.project)
		require.NoError(t, err)
		assert.Equal(t, "Unknown", got.TemplateName)
		assert.Equal(t, PermissionUnknown, got.Source)
		assert.False(t, got.GlobalAccess)
		assert.Empty(t, got.Permissions)
		assert.NotNil(t, got.Permissions)
		assert.NotNil(t, got.ToolLevels)
		assert.NotEmpty(t, got.Reason)
	}
}

func TestResolvePermissionsMergesFlagOverrides(t *testing.T) {
	ctx := context.Background()
	s := newPermissionStore(t)
	s.PutProjectTeamAssignment(repository.ProjectTeamAssignment{
		UserEmail: "pm@example.com", ProjectCode: "P1", Role: "Project Manager", IsActive: true,
		GranularFlagOverrides: map[string][]string{
			"project_plans": {"approve_division", "export"},
			"scorecards":    {"view_financials"},
		},
	})
	r := NewPermissionResolver(s, s, nil, logger.NewNop())

	got, err := r.Resolve(ctx, "pm@example.com", "P1")
	require.NoError(t, err)

	assert.Equal(t, []string{"approve_division", "export"}, got.ToolFlags["project_plans"])
	assert.Equal(t, []string{"view_financials"}, got.ToolFlags["scorecards"])
	assert.Equal(t, repository.AccessEdit, got.ToolLevels["scorecards"], "overrides never change levels")

	assert.True(t, got.Has("scorecard:submit"))
	assert.True(t, got.Has("project_plans:approve_division"))
	assert.True(t, got.Has("scorecards:view_financials"))
	assert.False(t, got.Has("scorecard:approve"))

	assert.IsIncreasing(t, got.Permissions)
}

func TestResolvePermissionsReadOnlyFallbackNeverGlobal(t *testing.T) {
	ctx := context.Background()
	s := newPermissionStore(t)
	r := NewPermissionResolver(s, s, nil, logger.NewNop())

	got, err := r.Resolve(ctx, "nobody@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "tpl-ro", got.TemplateID)
	assert.False(t, got.GlobalAccess, "read-only template is global but the fallback must not be")
	assert.Equal(t, []string{"project:read"}, got.Permissions)
}
