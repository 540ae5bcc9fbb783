package repository

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateWorkflowDefinition checks a definition before it is stored.
// Struct tags cover field shape; the rules below cover cross-field invariants.
func ValidateWorkflowDefinition(def *WorkflowDefinition) error {
	if def == nil {
		return errors.InvalidInput("workflow", "definition is required")
	}
	if err := validate.Struct(def); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, fmt.Sprintf("invalid workflow %q", def.Key))
	}

	seen := make(map[int]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if _, dup := seen[step.Order]; dup {
			return errors.InvalidInput("steps", fmt.Sprintf("duplicate step order %d", step.Order))
		}
		seen[step.Order] = struct{}{}

		if step.Mode == ModeNamedPerson && step.IsConditional && len(step.Conditions) == 0 {
			return errors.InvalidInput("steps",
				fmt.Sprintf("step %d is conditional but has no conditional assignments", step.Order))
		}
		if step.Mode == ModeProjectRole && len(step.Conditions) > 0 {
			return errors.InvalidInput("steps",
				fmt.Sprintf("step %d is bound to a project role and cannot carry conditions", step.Order))
		}
	}
	return nil
}

// ValidatePermissionTemplate checks a template before it is stored.
func ValidatePermissionTemplate(t *PermissionTemplate) error {
	if t == nil {
		return errors.InvalidInput("template", "template is required")
	}
	if err := validate.Struct(t); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, fmt.Sprintf("invalid permission template %q", t.ID))
	}
	seen := make(map[string]struct{}, len(t.ToolAccess))
	for _, ta := range t.ToolAccess {
		if _, dup := seen[ta.ToolKey]; dup {
			return errors.InvalidInput("tool_access", fmt.Sprintf("duplicate tool %q", ta.ToolKey))
		}
		seen[ta.ToolKey] = struct{}{}
	}
	return nil
}
