package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-pc-approvals/internal/logger"
	"github.com/pesio-ai/be-pc-approvals/internal/metrics"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// PermissionSource records where the winning template came from.
type PermissionSource string

const (
	PermissionSecurityGroupDefault PermissionSource = "security_group_default"
	PermissionProjectOverride      PermissionSource = "project_override"
	PermissionDirectAssignment     PermissionSource = "direct_assignment"
	PermissionUnknown              PermissionSource = "unknown"
)

// ResolvedPermissions is the effective capability set for one (user, project).
type ResolvedPermissions struct {
	UserEmail     string                            `json:"user_email"`
	ProjectCode   string                            `json:"project_code,omitempty"`
	TemplateID    string                            `json:"template_id"`
	TemplateName  string                            `json:"template_name"`
	Source        PermissionSource                  `json:"source"`
	SecurityGroup string                            `json:"security_group,omitempty"`
	ProjectRole   string                            `json:"project_role,omitempty"`
	GlobalAccess  bool                              `json:"global_access"`
	IdentityType  repository.IdentityType           `json:"identity_type,omitempty"`
	Permissions   []string                          `json:"permissions"`
	ToolLevels    map[string]repository.AccessLevel `json:"tool_levels"`
	ToolFlags     map[string][]string               `json:"tool_flags"`
	Reason        string                            `json:"reason,omitempty"`
}

// Has reports whether the flattened permission set contains p.
func (r *ResolvedPermissions) Has(p string) bool {
	i := sort.SearchStrings(r.Permissions, p)
	return i < len(r.Permissions) && r.Permissions[i] == p
}

// PermissionResolver computes effective permissions from security-group
// defaults and per-project assignments. It keeps no cache; callers may
// memoize per session (see the cache package).
type PermissionResolver struct {
	policy  PermissionPolicyStore
	roles   RoleDirectory
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewPermissionResolver creates a new PermissionResolver.
func NewPermissionResolver(policy PermissionPolicyStore, roles RoleDirectory, m *metrics.Metrics, log *logger.Logger) *PermissionResolver {
	if log == nil {
		log = logger.NewNop()
	}
	return &PermissionResolver{policy: policy, roles: roles, metrics: m, log: log}
}

// Resolve computes permissions for userEmail. An empty projectCode resolves
// the user's organization-wide defaults. The result is never nil on success;
// a missing template yields an "Unknown" result with no access.
func (r *PermissionResolver) Resolve(ctx context.Context, userEmail, projectCode string) (*ResolvedPermissions, error) {
	roles, err := r.roles.GetUserRoles(ctx, userEmail)
	if err != nil {
		return nil, err
	}
	mappings, err := r.policy.GetSecurityGroupMappings(ctx)
	if err != nil {
		return nil, err
	}

	out := &ResolvedPermissions{UserEmail: userEmail, ProjectCode: projectCode}

	// 1. Security-group default in role-priority order, read-only fallback.
	templateID := ""
	source := PermissionSecurityGroupDefault
	readOnlyFallback := false
	if m := mappingForRoles(roles, mappings); m != nil {
		templateID = m.DefaultTemplateID
		out.SecurityGroup = m.GroupName
	} else if m := activeMapping(mappings, readOnlyGroup); m != nil {
		templateID = m.DefaultTemplateID
		out.SecurityGroup = m.GroupName
		readOnlyFallback = true
	}

	// 2. Project assignment.
	var assignment *repository.ProjectTeamAssignment
	if projectCode != "" {
		assignment, err = r.policy.GetProjectTeamAssignment(ctx, userEmail, projectCode)
		if err != nil {
			return nil, err
		}
		if assignment != nil && !assignment.IsActive {
			assignment = nil
		}
	}
	if assignment != nil {
		out.ProjectRole = assignment.Role
		if assignment.TemplateOverrideID != nil && *assignment.TemplateOverrideID != "" {
			templateID = *assignment.TemplateOverrideID
			source = PermissionProjectOverride
		} else {
			source = PermissionDirectAssignment
		}
	}

	// 3. Winning template, or the deny-all result.
	var tpl *repository.PermissionTemplate
	if templateID != "" {
		tpl, err = r.policy.GetPermissionTemplate(ctx, templateID)
		if err != nil {
			return nil, err
		}
	}
	if tpl == nil || !tpl.IsActive {
		r.log.Warn().
			Str("user", userEmail).
			Str("project_code", projectCode).
			Str("template_id", templateID).
			Msg("No permission template resolved; denying access")
		out.TemplateName = "Unknown"
		out.Source = PermissionUnknown
		out.Permissions = []string{}
		out.ToolLevels = map[string]repository.AccessLevel{}
		out.ToolFlags = map[string][]string{}
		out.Reason = "no permission template resolved"
		r.metrics.PermissionResolved(string(out.Source))
		return out, nil
	}

	out.TemplateID = tpl.ID
	out.TemplateName = tpl.Name
	out.Source = source
	// The read-only fallback never grants global access, whatever the template says.
	out.GlobalAccess = tpl.GlobalAccess && !(readOnlyFallback && source == PermissionSecurityGroupDefault)
	out.IdentityType = tpl.IdentityType

	// 4. Merge granular overrides, 5. flatten.
	var overrides map[string][]string
	if assignment != nil {
		overrides = assignment.GranularFlagOverrides
	}
	out.ToolLevels, out.ToolFlags = mergeToolAccess(tpl.ToolAccess, overrides)
	out.Permissions = flattenPermissions(out.ToolLevels, out.ToolFlags)

	r.metrics.PermissionResolved(string(out.Source))
	return out, nil
}

func mappingForRoles(roles []string, mappings []repository.SecurityGroupMapping) *repository.SecurityGroupMapping {
	held := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		held[role] = struct{}{}
	}
	for _, rg := range roleSecurityGroups {
		if _, ok := held[rg.Role]; !ok {
			continue
		}
		if m := activeMapping(mappings, rg.Group); m != nil {
			return m
		}
	}
	return nil
}

func activeMapping(mappings []repository.SecurityGroupMapping, group string) *repository.SecurityGroupMapping {
	for i := range mappings {
		if mappings[i].IsActive && mappings[i].GroupName == group {
			return &mappings[i]
		}
	}
	return nil
}

// mergeToolAccess builds the tool → level and tool → flags maps. Overrides
// only add flags; they never remove a flag or change a level.
func mergeToolAccess(access []repository.ToolAccess, overrides map[string][]string) (map[string]repository.AccessLevel, map[string][]string) {
	levels := make(map[string]repository.AccessLevel, len(access))
	flags := make(map[string][]string, len(access))

	for _, ta := range access {
		levels[ta.ToolKey] = ta.Level
		if len(ta.GranularFlags) > 0 {
			flags[ta.ToolKey] = append([]string(nil), ta.GranularFlags...)
		}
	}
	for tool, extra := range overrides {
		if len(extra) == 0 {
			continue
		}
		flags[tool] = append(flags[tool], extra...)
	}
	for tool, fs := range flags {
		flags[tool] = dedupeSorted(fs)
	}
	return levels, flags
}

// flattenPermissions expands levels and flags into a sorted, de-duplicated
// token list. Flags become "<tool>:<flag>" tokens.
func flattenPermissions(levels map[string]repository.AccessLevel, flags map[string][]string) []string {
	var tokens []string
	for tool, level := range levels {
		tokens = append(tokens, toolDefinitions[tool][level]...)
	}
	for tool, fs := range flags {
		for _, f := range fs {
			tokens = append(tokens, tool+":"+f)
		}
	}
	out := dedupeSorted(tokens)
	if out == nil {
		out = []string{}
	}
	return out
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sorted := append([]string(nil), in...)
	sort.Strings(sorted)
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
