package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/logger"
	"github.com/pesio-ai/be-pc-approvals/internal/repository"
	"github.com/pesio-ai/be-pc-approvals/internal/service"
)

// ApprovalWorkflow is the surface shared by the scorecard, plan and
// commitment approval services.
type ApprovalWorkflow interface {
	Submit(ctx context.Context, subjectID, submittedBy string) (*service.CycleResult, error)
	Respond(ctx context.Context, req service.RespondRequest) (*service.CycleResult, error)
	Unlock(ctx context.Context, subjectID, unlockedBy, reason string) (*service.SnapshotResult, error)
	Relock(ctx context.Context, subjectID, relockedBy string, startNewCycle bool) (*service.CycleResult, error)
	History(ctx context.Context, subjectID string) (*service.ApprovalHistory, error)
}

// PermissionResolver is satisfied by *service.PermissionResolver and
// *cache.CachedPermissionResolver.
type PermissionResolver interface {
	Resolve(ctx context.Context, userEmail, projectCode string) (*service.ResolvedPermissions, error)
}

// Services groups the handler's collaborators.
type Services struct {
	Scorecards  *service.ScorecardApprovalService
	Plans       ApprovalWorkflow
	Commitments ApprovalWorkflow
	Chains      service.ChainResolver
	Permissions PermissionResolver
	Admin       *service.PolicyAdminService
	Pending     *service.PendingApprovalService
}

// HTTPHandler serves the approval REST API.
type HTTPHandler struct {
	svc      Services
	validate *validator.Validate
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc Services, log *logger.Logger) *HTTPHandler {
	if log == nil {
		log = logger.NewNop()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	// Report json names in validation problems.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &HTTPHandler{
		svc:      svc,
		validate: validate,
		log:      log.WithComponent("http"),
	}
}

// Register mounts every API route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/chains/resolve", h.ResolveChain)
	mux.HandleFunc("GET /api/v1/permissions/resolve", h.ResolvePermissions)

	workflows := []struct {
		path string
		wf   ApprovalWorkflow
	}{
		{"scorecards", h.svc.Scorecards},
		{"plans", h.svc.Plans},
		{"commitments", h.svc.Commitments},
	}
	for _, w := range workflows {
		base := "/api/v1/" + w.path
		mux.HandleFunc("POST "+base+"/submit", h.submit(w.wf))
		mux.HandleFunc("POST "+base+"/respond", h.respond(w.wf))
		mux.HandleFunc("POST "+base+"/unlock", h.unlock(w.wf))
		mux.HandleFunc("POST "+base+"/relock", h.relock(w.wf))
		mux.HandleFunc("GET "+base+"/history", h.history(w.wf))
	}
	mux.HandleFunc("POST /api/v1/scorecards/reject", h.RejectScorecard)
	mux.HandleFunc("POST /api/v1/scorecards/archive", h.ArchiveScorecard)

	mux.HandleFunc("POST /api/v1/overrides", h.SetOverride)
	mux.HandleFunc("DELETE /api/v1/overrides", h.ClearOverride)
	mux.HandleFunc("DELETE /api/v1/assignments", h.DeactivateAssignment)
	mux.HandleFunc("GET /api/v1/approvals/pending", h.PendingApprovals)
}

type submitRequest struct {
	SubjectID   string `json:"subject_id" validate:"required"`
	SubmittedBy string `json:"submitted_by" validate:"required"`
}

type unlockRequest struct {
	SubjectID  string `json:"subject_id" validate:"required"`
	UnlockedBy string `json:"unlocked_by" validate:"required"`
	Reason     string `json:"reason" validate:"required"`
}

type relockRequest struct {
	SubjectID     string `json:"subject_id" validate:"required"`
	RelockedBy    string `json:"relocked_by" validate:"required"`
	StartNewCycle bool   `json:"start_new_cycle"`
}

type finalizeRequest struct {
	SubjectID string `json:"subject_id" validate:"required"`
	ActedBy   string `json:"acted_by" validate:"required"`
	Reason    string `json:"reason"`
}

// ResolveChain returns the effective assignee chain for a workflow on a
// project: GET ?workflow_key=&project_code=
func (h *HTTPHandler) ResolveChain(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("workflow_key")
	project := r.URL.Query().Get("project_code")
	if key == "" || project == "" {
		badRequest(w, r, "workflow_key and project_code are required")
		return
	}

	chain, err := h.svc.Chains.ResolveChain(r.Context(), key, project)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// ResolvePermissions returns a user's effective permissions:
// GET ?email=&project_code= (project_code optional).
func (h *HTTPHandler) ResolvePermissions(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		badRequest(w, r, "email is required")
		return
	}

	perms, err := h.svc.Permissions.Resolve(r.Context(), email, r.URL.Query().Get("project_code"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (h *HTTPHandler) submit(wf ApprovalWorkflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if !h.decode(w, r, &req) {
			return
		}
		res, err := wf.Submit(r.Context(), req.SubjectID, req.SubmittedBy)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *HTTPHandler) respond(wf ApprovalWorkflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.RespondRequest
		if !h.decode(w, r, &req) {
			return
		}
		res, err := wf.Respond(r.Context(), req)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *HTTPHandler) unlock(wf ApprovalWorkflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req unlockRequest
		if !h.decode(w, r, &req) {
			return
		}
		res, err := wf.Unlock(r.Context(), req.SubjectID, req.UnlockedBy, req.Reason)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *HTTPHandler) relock(wf ApprovalWorkflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req relockRequest
		if !h.decode(w, r, &req) {
			return
		}
		res, err := wf.Relock(r.Context(), req.SubjectID, req.RelockedBy, req.StartNewCycle)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *HTTPHandler) history(wf ApprovalWorkflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			badRequest(w, r, "id is required")
			return
		}
		res, err := wf.History(r.Context(), id)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// RejectScorecard moves a draft or returned scorecard to Rejected.
func (h *HTTPHandler) RejectScorecard(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Scorecards.Reject(r.Context(), req.SubjectID, req.ActedBy, req.Reason)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ArchiveScorecard archives a scorecard with no active cycle.
func (h *HTTPHandler) ArchiveScorecard(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Scorecards.Archive(r.Context(), req.SubjectID, req.ActedBy)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetOverride stores a per-project step override.
func (h *HTTPHandler) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req service.SetOverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.svc.Admin.SetStepOverride(r.Context(), req)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ClearOverride retires the active override:
// DELETE ?project_code=&workflow_key=&step_order=
func (h *HTTPHandler) ClearOverride(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	order, err := strconv.Atoi(q.Get("step_order"))
	if err != nil || order < 1 {
		badRequest(w, r, "step_order must be a positive integer")
		return
	}
	if err := h.svc.Admin.ClearStepOverride(r.Context(), q.Get("project_code"), q.Get("workflow_key"), order); err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeactivateAssignment soft-deletes a project team assignment:
// DELETE ?email=&project_code=
func (h *HTTPHandler) DeactivateAssignment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.svc.Admin.DeactivateAssignment(r.Context(), q.Get("email"), q.Get("project_code")); err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PendingApprovals lists steps awaiting one assignee: GET ?assignee=
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	steps, err := h.svc.Pending.PendingForAssignee(r.Context(), r.URL.Query().Get("assignee"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	if steps == nil {
		steps = []*repository.ApprovalStep{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"steps": steps,
		"total": len(steps),
	})
}

// decode reads a JSON body into dst and validates it. It writes the problem
// response and returns false on failure.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, r, "Invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		badRequest(w, r, validationDetail(err))
		return false
	}
	return true
}

func (h *HTTPHandler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeServiceError(w, r, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
