package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pc-approvals/internal/lock"
	"github.com/pesio-ai/be-pc-approvals/internal/logger"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
	"github.com/pesio-ai/be-pc-approvals/internal/repository/memory"
)

const (
	wfGoNoGo     = "GO_NO_GO"
	wfPlan       = "PMP_APPROVAL"
	wfCommitment = "COMMITMENT_APPROVAL"

	testThreshold int64 = 250000
)

var (
	olive = repository.Person{ID: "u-olive", Name: "Olive", Email: "olive@example.com"}
	alice = repository.Person{ID: "u-alice", Name: "Alice", Email: "alice@example.com"}
	bob   = repository.Person{ID: "u-bob", Name: "Bob", Email: "bob@example.com"}
	carol = repository.Person{ID: "u-carol", Name: "Carol", Email: "carol@example.com"}
	paula = repository.Person{ID: "u-paula", Name: "Paula", Email: "paula@example.com"}
	dana  = repository.Person{ID: "u-dana", Name: "Dana", Email: "dana@example.com"}
	chris = repository.Person{ID: "u-chris", Name: "Chris", Email: "chris@example.com"}
	frank = repository.Person{ID: "u-frank", Name: "Frank", Email: "frank@example.com"}
)

func person(p repository.Person) *repository.Person { return &p }

func goNoGoWorkflow() repository.WorkflowDefinition {
	return repository.WorkflowDefinition{
		Key:  wfGoNoGo,
		Name: "Go / No-Go",
		Steps: []repository.WorkflowStep{
			{Order: 1, Name: "Originator", Mode: repository.ModeNamedPerson, DefaultAssignee: person(olive)},
			{
				Order:           2,
				Name:            "Director",
				Mode:            repository.ModeNamedPerson,
				IsConditional:   true,
				DefaultAssignee: person(bob),
				Conditions: []repository.ConditionalAssignment{
					{
						Priority:   1,
						Conditions: []repository.Condition{{Field: repository.FieldRegion, Value: "West"}},
						Assignee:   alice,
					},
				},
			},
			{Order: 3, Name: "Committee", Mode: repository.ModeProjectRole, ProjectRole: "Committee Chair"},
		},
	}
}

func planWorkflow() repository.WorkflowDefinition {
	return repository.WorkflowDefinition{
		Key: wfPlan,
		Steps: []repository.WorkflowStep{
			{Order: 1, Name: "Project Executive", Mode: repository.ModeProjectRole, ProjectRole: "Project Executive"},
		},
	}
}

func commitmentWorkflow() repository.WorkflowDefinition {
	return repository.WorkflowDefinition{
		Key: wfCommitment,
		Steps: []repository.WorkflowStep{
			{Order: 1, Name: "PX", Mode: repository.ModeProjectRole, ProjectRole: "Project Executive"},
			{Order: 2, Name: "Compliance Manager", Mode: repository.ModeNamedPerson, DefaultAssignee: person(chris)},
			{Order: 3, Name: "CFO", Mode: repository.ModeNamedPerson, DefaultAssignee: person(frank)},
		},
	}
}

// recordingPublisher keeps every published event in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []ApprovalEvent
}

func (p *recordingPublisher) PublishApprovalEvent(_ context.Context, e ApprovalEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type fixture struct {
	store    *memory.Store
	resolver *AssigneeResolver
	events   *recordingPublisher
	deps     EngineDeps
}

// newFixture seeds project P1 (West, with a full roster) and P2 (East, no
// roster) with the three workflows.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.PutWorkflowDefinition(goNoGoWorkflow()))
	require.NoError(t, store.PutWorkflowDefinition(planWorkflow()))
	require.NoError(t, store.PutWorkflowDefinition(commitmentWorkflow()))

	store.PutSubjectRecord(repository.SubjectRecord{ProjectCode: "P1", Name: "Harbor Tower", Division: "Buildings", Region: "West", Sector: "Private"})
	store.PutSubjectRecord(repository.SubjectRecord{ProjectCode: "P2", Name: "Eastside Clinic", Division: "Healthcare", Region: "East", Sector: "Public"})
	store.AddTeamMember(repository.TeamMember{ProjectCode: "P1", Role: "Committee Chair", Person: carol})
	store.AddTeamMember(repository.TeamMember{ProjectCode: "P1", Role: "Project Executive", Person: paula})

	resolver := NewAssigneeResolver(store, nil, logger.NewNop())
	events := &recordingPublisher{}
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &fixture{
		store:    store,
		resolver: resolver,
		events:   events,
		deps: EngineDeps{
			Store:    store,
			Resolver: resolver,
			Locker:   lock.NewKeyedMutex(),
			Events:   events,
			Log:      logger.NewNop(),
			Clock:    func() time.Time { return start },
		},
	}
}

func (f *fixture) scorecard(t *testing.T, project string) *repository.Scorecard {
	t.Helper()
	sc := &repository.Scorecard{
		ProjectCode:      project,
		Title:            "Pursuit " + project,
		Status:           repository.ScorecardDraft,
		OriginatorScores: map[string]int{"client_fit": 4, "margin": 3},
	}
	f.store.PutScorecard(sc)
	return sc
}

func (f *fixture) plan(t *testing.T, project string, divisionApprover *repository.Person) *repository.Plan {
	t.Helper()
	p := &repository.Plan{
		ProjectCode:      project,
		Title:            "PMP " + project,
		Status:           repository.PlanDraft,
		DivisionApprover: divisionApprover,
		Sections:         map[string]string{"scope": "Core and shell"},
	}
	f.store.PutPlan(p)
	return p
}

func (f *fixture) commitment(t *testing.T, project string, value int64, waiver bool) *repository.Commitment {
	t.Helper()
	c := &repository.Commitment{
		ProjectCode:     project,
		VendorName:      "Acme Steel",
		ContractValue:   value,
		WaiverRequired:  waiver,
		Status:          repository.CommitmentDraft,
		ExecutionStatus: repository.ExecutionPending,
	}
	f.store.PutCommitment(c)
	return c
}

// pendingStep returns the single pending step of a result.
func pendingStep(t *testing.T, res *CycleResult) *repository.ApprovalStep {
	t.Helper()
	var found *repository.ApprovalStep
	for _, s := range res.Steps {
		if s.Status == repository.StepPending {
			require.Nil(t, found, "more than one pending step")
			found = s
		}
	}
	require.NotNil(t, found, "no pending step")
	return found
}

func snapshotVersions(t *testing.T, f *fixture, kind repository.SubjectKind, id string) []int {
	t.Helper()
	snaps, err := f.store.ListVersionSnapshots(context.Background(), kind, id)
	require.NoError(t, err)
	out := make([]int, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.VersionNumber)
	}
	return out
}
