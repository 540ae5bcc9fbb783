// Package memory is an in-process implementation of every store the
// approval services depend on. It backs the offline CLI and the service tests.
package memory

import (
	"sync"
	"time"

	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// Store keeps policy, approval and subject records in maps guarded by one
// RWMutex. Every value handed out is a copy; callers never share memory with
// the store.
type Store struct {
	mu sync.RWMutex

	// policy
	workflows   map[string]repository.WorkflowDefinition
	overrides   []repository.StepOverride
	team        map[string][]repository.TeamMember
	flags       map[string]bool
	subjects    map[string]repository.SubjectRecord
	templates   map[string]repository.PermissionTemplate
	mappings    []repository.SecurityGroupMapping
	assignments []repository.ProjectTeamAssignment
	roles       map[string][]string

	// approvals
	cycles    map[string]*repository.ApprovalCycle
	steps     map[string]*repository.ApprovalStep
	snapshots []*repository.VersionSnapshot
	audit     []*repository.ApprovalAuditEntry

	// subjects
	scorecards  map[string]*repository.Scorecard
	plans       map[string]*repository.Plan
	commitments map[string]*repository.Commitment

	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		workflows:   make(map[string]repository.WorkflowDefinition),
		team:        make(map[string][]repository.TeamMember),
		flags:       make(map[string]bool),
		subjects:    make(map[string]repository.SubjectRecord),
		templates:   make(map[string]repository.PermissionTemplate),
		roles:       make(map[string][]string),
		cycles:      make(map[string]*repository.ApprovalCycle),
		steps:       make(map[string]*repository.ApprovalStep),
		scorecards:  make(map[string]*repository.Scorecard),
		plans:       make(map[string]*repository.Plan),
		commitments: make(map[string]*repository.Commitment),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ── copy helpers ─────────────────────────────────────────────────────────────

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyAny(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneCycle(c *repository.ApprovalCycle) *repository.ApprovalCycle {
	out := *c
	out.CompletedAt = copyTime(c.CompletedAt)
	return &out
}

func cloneStep(s *repository.ApprovalStep) *repository.ApprovalStep {
	out := *s
	out.ActedBy = copyString(s.ActedBy)
	out.ActedAt = copyTime(s.ActedAt)
	out.Comment = copyString(s.Comment)
	return &out
}

func cloneSnapshot(s *repository.VersionSnapshot) *repository.VersionSnapshot {
	out := *s
	out.Fields = copyAny(s.Fields)
	return &out
}

func cloneAudit(e *repository.ApprovalAuditEntry) *repository.ApprovalAuditEntry {
	out := *e
	out.CycleID = copyString(e.CycleID)
	out.StepID = copyString(e.StepID)
	out.StatusBefore = copyString(e.StatusBefore)
	out.StatusAfter = copyString(e.StatusAfter)
	out.Metadata = copyAny(e.Metadata)
	return &out
}

func cloneScorecard(s *repository.Scorecard) *repository.Scorecard {
	out := *s
	out.OriginatorScores = copyScores(s.OriginatorScores)
	out.CommitteeScores = copyScores(s.CommitteeScores)
	out.DecisionComment = copyString(s.DecisionComment)
	return &out
}

func copyScores(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clonePlan(p *repository.Plan) *repository.Plan {
	out := *p
	if p.DivisionApprover != nil {
		v := *p.DivisionApprover
		out.DivisionApprover = &v
	}
	if p.Sections != nil {
		out.Sections = make(map[string]string, len(p.Sections))
		for k, v := range p.Sections {
			out.Sections[k] = v
		}
	}
	return &out
}

func cloneCommitment(c *repository.Commitment) *repository.Commitment {
	out := *c
	return &out
}

func cloneWorkflow(d repository.WorkflowDefinition) repository.WorkflowDefinition {
	out := d
	out.Steps = make([]repository.WorkflowStep, len(d.Steps))
	for i, s := range d.Steps {
		if s.DefaultAssignee != nil {
			v := *s.DefaultAssignee
			s.DefaultAssignee = &v
		}
		rules := make([]repository.ConditionalAssignment, len(s.Conditions))
		for j, r := range s.Conditions {
			r.Conditions = append([]repository.Condition(nil), r.Conditions...)
			rules[j] = r
		}
		s.Conditions = rules
		out.Steps[i] = s
	}
	return out
}

func cloneTemplate(t repository.PermissionTemplate) repository.PermissionTemplate {
	out := t
	out.ToolAccess = make([]repository.ToolAccess, len(t.ToolAccess))
	for i, ta := range t.ToolAccess {
		ta.GranularFlags = append([]string(nil), ta.GranularFlags...)
		out.ToolAccess[i] = ta
	}
	return out
}

func cloneAssignment(a repository.ProjectTeamAssignment) repository.ProjectTeamAssignment {
	out := a
	out.TemplateOverrideID = copyString(a.TemplateOverrideID)
	if a.GranularFlagOverrides != nil {
		out.GranularFlagOverrides = make(map[string][]string, len(a.GranularFlagOverrides))
		for k, v := range a.GranularFlagOverrides {
			out.GranularFlagOverrides[k] = append([]string(nil), v...)
		}
	}
	return out
}
