package repository

import "time"

// ── Domain types for assignment policy ───────────────────────────────────────

// AssignmentMode selects how a workflow step finds its assignee.
type AssignmentMode string

const (
	ModeNamedPerson AssignmentMode = "named_person"
	ModeProjectRole AssignmentMode = "project_role"
)

// ConditionField is the closed set of subject fields a condition may test.
type ConditionField string

const (
	FieldDivision ConditionField = "division"
	FieldRegion   ConditionField = "region"
	FieldSector   ConditionField = "sector"
)

// ConditionFields lists every valid ConditionField.
var ConditionFields = []ConditionField{FieldDivision, FieldRegion, FieldSector}

// IsValid reports whether f is one of the known fields.
func (f ConditionField) IsValid() bool {
	switch f {
	case FieldDivision, FieldRegion, FieldSector:
		return true
	}
	return false
}

// Person identifies a responsible party.
type Person struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
}

// IsZero reports whether p carries no identity at all.
func (p Person) IsZero() bool {
	return p.ID == "" && p.Name == "" && p.Email == ""
}

// Identifies reports whether userID matches the person's id or email.
// Placeholder identities (no id, no email) match nobody.
func (p Person) Identifies(userID string) bool {
	if userID == "" {
		return false
	}
	return (p.ID != "" && p.ID == userID) || (p.Email != "" && p.Email == userID)
}

// Condition is one exact-match test against a subject field.
type Condition struct {
	Field ConditionField `json:"field" yaml:"field" validate:"required,oneof=division region sector"`
	Value string         `json:"value" yaml:"value" validate:"required"`
}

// ConditionalAssignment routes a step to Assignee when every condition matches.
type ConditionalAssignment struct {
	Conditions []Condition `json:"conditions" yaml:"conditions" validate:"required,min=1,dive"`
	Priority   int         `json:"priority" yaml:"priority"` // lower = evaluated first
	Assignee   Person      `json:"assignee" yaml:"assignee"`
}

// WorkflowStep is one step template of a workflow definition.
type WorkflowStep struct {
	Order           int                     `json:"order" yaml:"order" validate:"required,min=1"`
	Name            string                  `json:"name" yaml:"name" validate:"required"`
	Mode            AssignmentMode          `json:"mode" yaml:"mode" validate:"required,oneof=named_person project_role"`
	DefaultAssignee *Person                 `json:"default_assignee,omitempty" yaml:"default_assignee,omitempty"`
	IsConditional   bool                    `json:"is_conditional" yaml:"is_conditional"`
	Conditions      []ConditionalAssignment `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
	ProjectRole     string                  `json:"project_role,omitempty" yaml:"project_role,omitempty" validate:"required_if=Mode project_role"`
	FeatureFlag     string                  `json:"feature_flag,omitempty" yaml:"feature_flag,omitempty"`
	IsSkippable     bool                    `json:"is_skippable" yaml:"is_skippable"`
}

// WorkflowDefinition is an ordered list of step templates.
type WorkflowDefinition struct {
	Key   string         `json:"key" yaml:"key" validate:"required"`
	Name  string         `json:"name" yaml:"name"`
	Steps []WorkflowStep `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// StepOverride replaces the assignee of one step on one project.
// Only one active override exists per (project, workflow, step).
type StepOverride struct {
	ID          string    `json:"id" yaml:"id"`
	ProjectCode string    `json:"project_code" yaml:"project_code"`
	WorkflowKey string    `json:"workflow_key" yaml:"workflow_key"`
	StepOrder   int       `json:"step_order" yaml:"step_order"`
	Assignee    Person    `json:"assignee" yaml:"assignee"`
	IsActive    bool      `json:"is_active" yaml:"is_active"`
	SetBy       string    `json:"set_by,omitempty" yaml:"set_by,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at,omitempty"`
}

// TeamMember binds a person to a named role on a project roster.
type TeamMember struct {
	ProjectCode string `json:"project_code" yaml:"project_code"`
	Role        string `json:"role" yaml:"role"`
	Person      Person `json:"person" yaml:"person"`
}

// SubjectRecord carries the project attributes conditions are evaluated against.
type SubjectRecord struct {
	ProjectCode string `json:"project_code" yaml:"project_code"`
	Name        string `json:"name" yaml:"name"`
	Division    string `json:"division" yaml:"division"`
	Region      string `json:"region" yaml:"region"`
	Sector      string `json:"sector" yaml:"sector"`
}

// Field returns the value of f on the record. Unknown fields yield "".
func (s SubjectRecord) Field(f ConditionField) string {
	switch f {
	case FieldDivision:
		return s.Division
	case FieldRegion:
		return s.Region
	case FieldSector:
		return s.Sector
	}
	return ""
}

// ── Domain types for permissions ─────────────────────────────────────────────

// AccessLevel is a tool capability level.
type AccessLevel string

const (
	AccessNone  AccessLevel = "none"
	AccessRead  AccessLevel = "read"
	AccessEdit  AccessLevel = "edit"
	AccessAdmin AccessLevel = "admin"
)

// IdentityType distinguishes employees from partners.
type IdentityType string

const (
	IdentityInternal IdentityType = "internal"
	IdentityExternal IdentityType = "external"
)

// ToolAccess grants a level on one tool plus optional granular flags.
type ToolAccess struct {
	ToolKey       string      `json:"tool_key" yaml:"tool_key" validate:"required"`
	Level         AccessLevel `json:"level" yaml:"level" validate:"required,oneof=none read edit admin"`
	GranularFlags []string    `json:"granular_flags,omitempty" yaml:"granular_flags,omitempty"`
}

// PermissionTemplate is a named bundle of tool access.
type PermissionTemplate struct {
	ID           string       `json:"id" yaml:"id" validate:"required"`
	Name         string       `json:"name" yaml:"name" validate:"required"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
	GlobalAccess bool         `json:"global_access" yaml:"global_access"`
	IdentityType IdentityType `json:"identity_type" yaml:"identity_type" validate:"required,oneof=internal external"`
	ToolAccess   []ToolAccess `json:"tool_access" yaml:"tool_access" validate:"dive"`
	Version      int          `json:"version" yaml:"version"`
	IsActive     bool         `json:"is_active" yaml:"is_active"`
	IsDefault    bool         `json:"is_default" yaml:"is_default"`
}

// SecurityGroupMapping maps an external security group to its default template.
type SecurityGroupMapping struct {
	ID                string `json:"id" yaml:"id"`
	GroupName         string `json:"group_name" yaml:"group_name"`
	DefaultTemplateID string `json:"default_template_id" yaml:"default_template_id"`
	IsActive          bool   `json:"is_active" yaml:"is_active"`
}

// ProjectTeamAssignment places a user on a project. Rows are soft-deleted
// through IsActive and never removed.
type ProjectTeamAssignment struct {
	ID                    string              `json:"id" yaml:"id"`
	UserEmail             string              `json:"user_email" yaml:"user_email"`
	ProjectCode           string              `json:"project_code" yaml:"project_code"`
	Role                  string              `json:"role" yaml:"role"`
	TemplateOverrideID    *string             `json:"template_override_id,omitempty" yaml:"template_override_id,omitempty"`
	GranularFlagOverrides map[string][]string `json:"granular_flag_overrides,omitempty" yaml:"granular_flag_overrides,omitempty"`
	IsActive              bool                `json:"is_active" yaml:"is_active"`
	AssignedBy            string              `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty"`
	CreatedAt             time.Time           `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt             time.Time           `json:"updated_at" yaml:"updated_at,omitempty"`
}
