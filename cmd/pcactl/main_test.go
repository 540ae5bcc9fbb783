package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pc-approvals/internal/service"
)

const testPolicy = `
workflows:
  - key: GO_NO_GO
    steps:
      - order: 1
        name: Originator
        mode: named_person
        default_assignee: {id: u-olive, name: Olive, email: olive@x.com}
      - order: 2
        name: Director
        mode: named_person
        is_conditional: true
        default_assignee: {id: u-bob, name: Bob, email: bob@x.com}
        conditions:
          - priority: 1
            conditions: [{field: region, value: West}]
            assignee: {id: u-alice, name: Alice, email: alice@x.com}
subjects:
  - {project_code: P1, name: Tower, division: Buildings, region: West, sector: Private}
  - {project_code: P2, name: Clinic, division: Healthcare, region: East, sector: Public}
`

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(context.Background(), append([]string{"pcactl"}, args...))
	return out.String(), err
}

func TestResolveCommand(t *testing.T) {
	path := writePolicy(t, testPolicy)

	tests := []struct {
		project      string
		wantDirector string
		wantSource   service.AssignmentSource
	}{
		{project: "P1", wantDirector: "Alice", wantSource: service.SourceCondition},
		{project: "P2", wantDirector: "Bob", wantSource: service.SourceDefault},
	}
	for _, tt := range tests {
		t.Run(tt.project, func(t *testing.T) {
			out, err := run(t, "--policy", path, "resolve", "--workflow", "GO_NO_GO", "--project", tt.project)
			require.NoError(t, err)

			var chain service.ResolvedChain
			require.NoError(t, json.Unmarshal([]byte(out), &chain))
			assert.True(t, chain.Found)
			director, ok := chain.Step(2)
			require.True(t, ok)
			assert.Equal(t, tt.wantDirector, director.Assignee.Name)
			assert.Equal(t, tt.wantSource, director.Source)
		})
	}
}

func TestResolveCommandUnknownWorkflow(t *testing.T) {
	path := writePolicy(t, testPolicy)
	out, err := run(t, "--policy", path, "resolve", "--workflow", "MISSING", "--project", "P1")
	require.NoError(t, err)

	var chain service.ResolvedChain
	require.NoError(t, json.Unmarshal([]byte(out), &chain))
	assert.False(t, chain.Found)
	assert.NotEmpty(t, chain.Reason)
}

func TestPermissionsCommand(t *testing.T) {
	path := writePolicy(t, testPolicy)
	out, err := run(t, "--policy", path, "permissions", "--email", "nobody@x.com")
	require.NoError(t, err)

	var perms service.ResolvedPermissions
	require.NoError(t, json.Unmarshal([]byte(out), &perms))
	assert.Equal(t, "nobody@x.com", perms.UserEmail)
	assert.NotEmpty(t, perms.Source)
}

func TestValidateCommand(t *testing.T) {
	out, err := run(t, "--policy", writePolicy(t, testPolicy), "validate")
	require.NoError(t, err)
	assert.Equal(t, "policy OK\n", out)

	bad := writePolicy(t, "workflows:\n  - key: BAD\n    steps:\n      - {order: 1, name: A, mode: sideways}\n")
	_, err = run(t, "--policy", bad, "validate")
	assert.Error(t, err)
}
