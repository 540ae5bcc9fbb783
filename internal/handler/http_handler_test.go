package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pc-approvals/internal/logger"
	"github.com/pesio-ai/be-pc-approvals/internal/middleware"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
	"github.com/pesio-ai/be-pc-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-pc-approvals/internal/service"
)

var (
	paula = repository.Person{ID: "u-paula", Name: "Paula", Email: "paula@example.com"}
	dana  = repository.Person{ID: "u-dana", Name: "Dana", Email: "dana@example.com"}
)

type testAPI struct {
	store *memory.Store
	mux   *http.ServeMux
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.PutWorkflowDefinition(repository.WorkflowDefinition{
		Key: "PMP_APPROVAL",
		Steps: []repository.WorkflowStep{
			{Order: 1, Name: "Project Executive", Mode: repository.ModeProjectRole, ProjectRole: "Project Executive"},
		},
	}))
	store.PutSubjectRecord(repository.SubjectRecord{ProjectCode: "P1", Name: "Harbor Tower", Region: "West"})
	store.AddTeamMember(repository.TeamMember{ProjectCode: "P1", Role: "Project Executive", Person: paula})

	log := logger.NewNop()
	resolver := service.NewAssigneeResolver(store, nil, log)
	deps := service.EngineDeps{Store: store, Resolver: resolver, Log: log}
	h := NewHTTPHandler(Services{
		Scorecards:  service.NewScorecardApprovalService(store, "GO_NO_GO", deps),
		Plans:       service.NewPlanApprovalService(store, "PMP_APPROVAL", deps),
		Commitments: service.NewCommitmentApprovalService(store, "COMMITMENT_APPROVAL", 250000, deps),
		Chains:      resolver,
		Permissions: service.NewPermissionResolver(store, store, nil, log),
		Admin:       service.NewPolicyAdminService(store, nil, log),
		Pending:     service.NewPendingApprovalService(store),
	}, log)

	mux := http.NewServeMux()
	h.Register(mux)
	return &testAPI{store: store, mux: mux}
}

func (a *testAPI) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

type problemBody struct {
	Type     string `json:"type"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance"`
}

func TestPlanApprovalOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	plan := &repository.Plan{ProjectCode: "P1", Title: "PMP", Status: repository.PlanDraft}
	api.store.PutPlan(plan)

	rec := api.do(t, http.MethodPost, "/api/v1/plans/submit", map[string]string{
		"subject_id": plan.ID, "submitted_by": "u-olive",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var submitted service.CycleResult
	decodeBody(t, rec, &submitted)
	assert.Equal(t, string(repository.PlanPendingApproval), submitted.SubjectStatus)
	require.Len(t, submitted.Steps, 1)
	step := submitted.Steps[0]
	assert.Equal(t, paula, step.Assignee)

	rec = api.do(t, http.MethodGet, "/api/v1/approvals/pending?assignee=paula@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending struct {
		Total int `json:"total"`
	}
	decodeBody(t, rec, &pending)
	assert.Equal(t, 1, pending.Total)

	rec = api.do(t, http.MethodPost, "/api/v1/plans/respond", service.RespondRequest{
		SubjectID: plan.ID, StepID: step.ID, ActedBy: paula.ID, Approved: true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved service.CycleResult
	decodeBody(t, rec, &approved)
	assert.Equal(t, string(repository.PlanApproved), approved.SubjectStatus)
	assert.True(t, approved.IsLocked)

	rec = api.do(t, http.MethodGet, "/api/v1/plans/history?id="+plan.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history service.ApprovalHistory
	decodeBody(t, rec, &history)
	assert.Len(t, history.Cycles, 1)
	assert.Len(t, history.Snapshots, 2)
}

func TestHTTPErrorsRenderProblems(t *testing.T) {
	api := newTestAPI(t)
	plan := &repository.Plan{ProjectCode: "P1", Title: "PMP", Status: repository.PlanDraft}
	api.store.PutPlan(plan)
	rec := api.do(t, http.MethodPost, "/api/v1/plans/submit", map[string]string{"subject_id": plan.ID, "submitted_by": "u-olive"})
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name       string
		method     string
		target     string
		body       any
		wantStatus int
		wantType   string
		wantDetail string
	}{
		{
			name:       "missing required field",
			method:     http.MethodPost,
			target:     "/api/v1/plans/submit",
			body:       map[string]string{"subject_id": plan.ID},
			wantStatus: http.StatusBadRequest,
			wantType:   "validation_error",
			wantDetail: "submitted_by: required",
		},
		{
			name:       "unknown subject",
			method:     http.MethodPost,
			target:     "/api/v1/plans/submit",
			body:       map[string]string{"subject_id": "missing", "submitted_by": "u-olive"},
			wantStatus: http.StatusNotFound,
			wantType:   "not_found",
		},
		{
			name:       "already pending",
			method:     http.MethodPost,
			target:     "/api/v1/plans/submit",
			body:       map[string]string{"subject_id": plan.ID, "submitted_by": "u-olive"},
			wantStatus: http.StatusConflict,
			wantType:   "conflict",
		},
		{
			name:       "chain without project",
			method:     http.MethodGet,
			target:     "/api/v1/chains/resolve?workflow_key=PMP_APPROVAL",
			wantStatus: http.StatusBadRequest,
			wantType:   "validation_error",
		},
		{
			name:       "permissions without email",
			method:     http.MethodGet,
			target:     "/api/v1/permissions/resolve?project_code=P1",
			wantStatus: http.StatusBadRequest,
			wantType:   "validation_error",
		},
		{
			name:       "bad step order",
			method:     http.MethodDelete,
			target:     "/api/v1/overrides?project_code=P1&workflow_key=PMP_APPROVAL&step_order=zero",
			wantStatus: http.StatusBadRequest,
			wantType:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, tt.target, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, middleware.ProblemContentType, rec.Header().Get("Content-Type"))

			var p problemBody
			decodeBody(t, rec, &p)
			assert.Equal(t, tt.wantType, p.Type)
			assert.Equal(t, tt.wantStatus, p.Status)
			assert.NotEmpty(t, p.Instance)
			if tt.wantDetail != "" {
				assert.Contains(t, p.Detail, tt.wantDetail)
			}
		})
	}
}

func TestOverrideRoutes(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v1/chains/resolve?workflow_key=PMP_APPROVAL&project_code=P1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var chain service.ResolvedChain
	decodeBody(t, rec, &chain)
	require.True(t, chain.Found)
	require.Len(t, chain.Steps, 1)
	assert.Equal(t, paula, chain.Steps[0].Assignee)

	rec = api.do(t, http.MethodPost, "/api/v1/overrides", service.SetOverrideRequest{
		ProjectCode: "P1", WorkflowKey: "PMP_APPROVAL", StepOrder: 1, Assignee: dana, SetBy: "admin",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/v1/chains/resolve?workflow_key=PMP_APPROVAL&project_code=P1", nil)
	decodeBody(t, rec, &chain)
	assert.Equal(t, dana, chain.Steps[0].Assignee)
	assert.Equal(t, service.SourceOverride, chain.Steps[0].Source)

	target := "/api/v1/overrides?project_code=P1&workflow_key=PMP_APPROVAL&step_order=1"
	rec = api.do(t, http.MethodDelete, target, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(t, http.MethodDelete, target, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutesRejectWrongMethod(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/v1/commitments/submit", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
