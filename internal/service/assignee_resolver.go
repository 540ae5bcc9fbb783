package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/pesio-ai/be-pc-approvals/internal/condition"
	"github.com/pesio-ai/be-pc-approvals/internal/logger"
	"github.com/pesio-ai/be-pc-approvals/internal/metrics"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// AssignmentSource records which rule produced a resolved assignee.
type AssignmentSource string

const (
	SourceOverride    AssignmentSource = "override"
	SourceProjectRole AssignmentSource = "project_role"
	SourceCondition   AssignmentSource = "condition"
	SourceDefault     AssignmentSource = "default"
)

const (
	unassignedName = "(Unassigned)"
	skippedName    = "(Skipped)"
)

// ResolvedStep is the concrete assignee for one workflow step.
type ResolvedStep struct {
	StepOrder    int               `json:"step_order"`
	StepName     string            `json:"step_name"`
	Assignee     repository.Person `json:"assignee"`
	Source       AssignmentSource  `json:"source"`
	ConditionMet bool              `json:"condition_met"`
	// Skipped marks a "(Skipped)" placeholder for a feature-flagged step.
	// Source is always SourceDefault then and names no real resolution.
	Skipped bool `json:"skipped"`
}

// ResolvedChain is the ordered result of resolving a workflow for a project.
// Found is false with a Reason when the workflow has no definition; that is a
// normal policy state, not an error.
type ResolvedChain struct {
	WorkflowKey string         `json:"workflow_key"`
	ProjectCode string         `json:"project_code"`
	Found       bool           `json:"found"`
	Reason      string         `json:"reason,omitempty"`
	Steps       []ResolvedStep `json:"steps"`
}

// Step returns the resolved entry for a step order.
func (c *ResolvedChain) Step(order int) (ResolvedStep, bool) {
	for _, s := range c.Steps {
		if s.StepOrder == order {
			return s, true
		}
	}
	return ResolvedStep{}, false
}

// AssigneeResolver turns workflow policy into a concrete chain of assignees.
// It holds no mutable state; every call reads a fresh policy snapshot.
type AssigneeResolver struct {
	policy  AssignmentPolicyStore
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewAssigneeResolver creates a new AssigneeResolver.
func NewAssigneeResolver(policy AssignmentPolicyStore, m *metrics.Metrics, log *logger.Logger) *AssigneeResolver {
	if log == nil {
		log = logger.NewNop()
	}
	return &AssigneeResolver{policy: policy, metrics: m, log: log}
}

// ResolveChain resolves every step of workflowKey for projectCode. It returns
// one entry per step, in step order, except steps gated off by a disabled
// feature flag that are not skippable. Only store failures return an error.
func (r *AssigneeResolver) ResolveChain(ctx context.Context, workflowKey, projectCode string) (*ResolvedChain, error) {
	chain := &ResolvedChain{WorkflowKey: workflowKey, ProjectCode: projectCode, Steps: []ResolvedStep{}}

	def, err := r.policy.GetWorkflowDefinition(ctx, workflowKey)
	if err != nil {
		return nil, err
	}
	if def == nil {
		chain.Reason = fmt.Sprintf("no workflow definition for %q", workflowKey)
		r.log.Warn().Str("workflow", workflowKey).Str("project_code", projectCode).Msg("Workflow definition not found")
		return chain, nil
	}
	chain.Found = true

	overrides, err := r.policy.GetStepOverrides(ctx, projectCode)
	if err != nil {
		return nil, err
	}
	members, err := r.policy.GetTeamMembers(ctx, projectCode)
	if err != nil {
		return nil, err
	}
	subject, err := r.policy.GetSubjectRecord(ctx, projectCode)
	if err != nil {
		return nil, err
	}
	if subject == nil {
		subject = &repository.SubjectRecord{ProjectCode: projectCode}
	}

	steps := make([]repository.WorkflowStep, len(def.Steps))
	copy(steps, def.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	for _, step := range steps {
		resolved, keep, err := r.resolveStep(ctx, workflowKey, step, overrides, members, *subject)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		r.metrics.ResolvedStep(workflowKey, string(resolved.Source))
		chain.Steps = append(chain.Steps, resolved)
	}

	return chain, nil
}

// resolveStep applies the resolution order to one step. keep is false when
// the step is omitted by its feature flag.
func (r *AssigneeResolver) resolveStep(
	ctx context.Context,
	workflowKey string,
	step repository.WorkflowStep,
	overrides []repository.StepOverride,
	members []repository.TeamMember,
	subject repository.SubjectRecord,
) (ResolvedStep, bool, error) {
	out := ResolvedStep{StepOrder: step.Order, StepName: step.Name}

	// 1. Feature-flag gate. Unknown flags fail open.
	if step.FeatureFlag != "" {
		enabled, known, err := r.policy.GetFeatureFlag(ctx, step.FeatureFlag)
		if err != nil {
			return out, false, err
		}
		if known && !enabled {
			if !step.IsSkippable {
				return out, false, nil
			}
			out.Assignee = repository.Person{Name: skippedName}
			out.Source = SourceDefault
			out.Skipped = true
			return out, true, nil
		}
	}

	// 2. Per-project override.
	if ov := findOverride(overrides, workflowKey, step.Order); ov != nil {
		out.Assignee = ov.Assignee
		out.Source = SourceOverride
		out.ConditionMet = true
		return out, true, nil
	}

	// 3. Project role binding.
	if step.Mode == repository.ModeProjectRole {
		out.Source = SourceProjectRole
		if m := findMember(members, step.ProjectRole); m != nil {
			out.Assignee = m.Person
			out.ConditionMet = true
		} else {
			out.Assignee = repository.Person{Name: fmt.Sprintf("(No %s assigned)", step.ProjectRole)}
		}
		return out, true, nil
	}

	// 4. Named person: conditional rules, then the default.
	if step.IsConditional && len(step.Conditions) > 0 {
		if match := condition.Select(step.Conditions, subject); match != nil {
			out.Assignee = match.Assignee
			out.Source = SourceCondition
			out.ConditionMet = true
			return out, true, nil
		}
	}

	out.Source = SourceDefault
	out.ConditionMet = !step.IsConditional
	if step.DefaultAssignee != nil && !step.DefaultAssignee.IsZero() {
		out.Assignee = *step.DefaultAssignee
	} else {
		// 5. Nothing to fall back on.
		out.Assignee = repository.Person{Name: unassignedName}
	}
	return out, true, nil
}

// findOverride prefers an override naming the workflow over a blanket one.
func findOverride(overrides []repository.StepOverride, workflowKey string, order int) *repository.StepOverride {
	var blanket *repository.StepOverride
	for i := range overrides {
		ov := &overrides[i]
		if !ov.IsActive || ov.StepOrder != order {
			continue
		}
		switch ov.WorkflowKey {
		case workflowKey:
			return ov
		case "":
			if blanket == nil {
				blanket = ov
			}
		}
	}
	return blanket
}

func findMember(members []repository.TeamMember, role string) *repository.TeamMember {
	for i := range members {
		if members[i].Role == role {
			return &members[i]
		}
	}
	return nil
}
