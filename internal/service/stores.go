package service

import (
	"context"

	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// AssignmentPolicyStore supplies the policy snapshot used by AssigneeResolver.
// Lookups that find nothing return a nil/empty value and a nil error.
type AssignmentPolicyStore interface {
	GetWorkflowDefinition(ctx context.Context, key string) (*repository.WorkflowDefinition, error)
	GetStepOverrides(ctx context.Context, projectCode string) ([]repository.StepOverride, error)
	GetTeamMembers(ctx context.Context, projectCode string) ([]repository.TeamMember, error)
	// GetFeatureFlag returns known=false when the flag has no stored value.
	GetFeatureFlag(ctx context.Context, name string) (enabled bool, known bool, err error)
	GetSubjectRecord(ctx context.Context, projectCode string) (*repository.SubjectRecord, error)
}

// PermissionPolicyStore supplies the policy snapshot used by PermissionResolver.
type PermissionPolicyStore interface {
	GetPermissionTemplate(ctx context.Context, id string) (*repository.PermissionTemplate, error)
	GetSecurityGroupMappings(ctx context.Context) ([]repository.SecurityGroupMapping, error)
	GetProjectTeamAssignment(ctx context.Context, userEmail, projectCode string) (*repository.ProjectTeamAssignment, error)
}

// RoleDirectory resolves a user's role memberships from the identity provider.
type RoleDirectory interface {
	GetUserRoles(ctx context.Context, userEmail string) ([]string, error)
}

// PolicyAdminStore persists policy edits. SetStepOverride retires any active
// override for the same (project, workflow, step) before storing the new one.
// Deactivations of rows that do not exist return a NotFound error.
type PolicyAdminStore interface {
	SetStepOverride(ctx context.Context, override *repository.StepOverride) error
	DeactivateStepOverride(ctx context.Context, projectCode, workflowKey string, stepOrder int) error
	DeactivateProjectTeamAssignment(ctx context.Context, userEmail, projectCode string) error
}

// ApprovalStore persists cycles, steps, snapshots and the audit log.
// UpdateCycle and UpdateStep are compare-and-swap on Revision: they fail with
// errors.ErrRevisionConflict when the stored revision differs, and bump the
// revision of the passed record on success. CreateVersionSnapshot fails with
// a conflict when the version number is not greater than every existing one.
//
// InTx runs fn as one unit of work: writes made through this store and the
// subject stores with the context fn receives either all persist or, when fn
// returns an error, none do.
type ApprovalStore interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateCycle(ctx context.Context, cycle *repository.ApprovalCycle) error
	UpdateCycle(ctx context.Context, cycle *repository.ApprovalCycle) error
	GetCycle(ctx context.Context, id string) (*repository.ApprovalCycle, error)
	GetLatestCycle(ctx context.Context, kind repository.SubjectKind, subjectID string) (*repository.ApprovalCycle, error)
	ListCycles(ctx context.Context, kind repository.SubjectKind, subjectID string) ([]*repository.ApprovalCycle, error)

	CreateStep(ctx context.Context, step *repository.ApprovalStep) error
	UpdateStep(ctx context.Context, step *repository.ApprovalStep) error
	GetStep(ctx context.Context, id string) (*repository.ApprovalStep, error)
	ListSteps(ctx context.Context, cycleID string) ([]*repository.ApprovalStep, error)
	ListPendingSteps(ctx context.Context, assignee string) ([]*repository.ApprovalStep, error)

	CreateVersionSnapshot(ctx context.Context, snap *repository.VersionSnapshot) error
	ListVersionSnapshots(ctx context.Context, kind repository.SubjectKind, subjectID string) ([]*repository.VersionSnapshot, error)

	AppendAudit(ctx context.Context, entry *repository.ApprovalAuditEntry) error
	ListAudit(ctx context.Context, kind repository.SubjectKind, subjectID string) ([]*repository.ApprovalAuditEntry, error)
}

// ScorecardStore loads and conditionally updates scorecards.
type ScorecardStore interface {
	GetScorecard(ctx context.Context, id string) (*repository.Scorecard, error)
	UpdateScorecard(ctx context.Context, sc *repository.Scorecard) error
}

// PlanStore loads and conditionally updates management plans.
type PlanStore interface {
	GetPlan(ctx context.Context, id string) (*repository.Plan, error)
	UpdatePlan(ctx context.Context, p *repository.Plan) error
}

// CommitmentStore loads and conditionally updates commitment entries.
type CommitmentStore interface {
	GetCommitment(ctx context.Context, id string) (*repository.Commitment, error)
	UpdateCommitment(ctx context.Context, c *repository.Commitment) error
}
