package memory

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// PolicyFile is the YAML layout of a policy snapshot.
type PolicyFile struct {
	Workflows              []repository.WorkflowDefinition    `yaml:"workflows"`
	Overrides              []repository.StepOverride          `yaml:"overrides"`
	TeamMembers            []repository.TeamMember            `yaml:"team_members"`
	FeatureFlags           map[string]bool                    `yaml:"feature_flags"`
	Subjects               []repository.SubjectRecord         `yaml:"subjects"`
	PermissionTemplates    []repository.PermissionTemplate    `yaml:"permission_templates"`
	SecurityGroupMappings  []repository.SecurityGroupMapping  `yaml:"security_group_mappings"`
	ProjectTeamAssignments []repository.ProjectTeamAssignment `yaml:"project_team_assignments"`
	UserRoles              map[string][]string                `yaml:"user_roles"`
}

// LoadPolicyFile reads a YAML policy snapshot from path into a new Store.
func LoadPolicyFile(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()
	return LoadPolicy(f)
}

// LoadPolicy decodes a YAML policy snapshot into a new Store. Workflow
// definitions and templates are validated as they are stored.
func LoadPolicy(r io.Reader) (*Store, error) {
	var pf PolicyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}

	s := New()
	for _, def := range pf.Workflows {
		if err := s.PutWorkflowDefinition(def); err != nil {
			return nil, err
		}
	}
	for _, o := range pf.Overrides {
		if !o.IsActive {
			s.overrides = append(s.overrides, o)
			continue
		}
		if err := s.SetStepOverride(context.Background(), &o); err != nil {
			return nil, err
		}
	}
	for _, m := range pf.TeamMembers {
		s.AddTeamMember(m)
	}
	for name, enabled := range pf.FeatureFlags {
		s.SetFeatureFlag(name, enabled)
	}
	for _, rec := range pf.Subjects {
		s.PutSubjectRecord(rec)
	}
	for _, t := range pf.PermissionTemplates {
		if err := s.PutPermissionTemplate(t); err != nil {
			return nil, err
		}
	}
	for _, m := range pf.SecurityGroupMappings {
		s.PutSecurityGroupMapping(m)
	}
	for _, a := range pf.ProjectTeamAssignments {
		s.PutProjectTeamAssignment(a)
	}
	for email, roles := range pf.UserRoles {
		s.SetUserRoles(email, roles...)
	}
	return s, nil
}
