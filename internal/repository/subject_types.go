package repository

import "time"

// ── Approval subjects ────────────────────────────────────────────────────────

// ScorecardStatus is the Go/No-Go scorecard lifecycle state.
type ScorecardStatus string

const (
	ScorecardDraft               ScorecardStatus = "draft"
	ScorecardAwaitingDirector    ScorecardStatus = "awaiting_director_review"
	ScorecardAwaitingCommittee   ScorecardStatus = "awaiting_committee_scoring"
	ScorecardReturnedForRevision ScorecardStatus = "director_returned_for_revision"
	ScorecardGo                  ScorecardStatus = "go"
	ScorecardNoGo                ScorecardStatus = "no_go"
	ScorecardRejected            ScorecardStatus = "rejected"
	ScorecardArchived            ScorecardStatus = "archived"
)

// IsDecided reports whether the committee has reached a Go or No-Go decision.
func (s ScorecardStatus) IsDecided() bool {
	return s == ScorecardGo || s == ScorecardNoGo
}

// Scorecard is a Go/No-Go pursuit scorecard.
type Scorecard struct {
	ID               string          `json:"id"`
	ProjectCode      string          `json:"project_code"`
	Title            string          `json:"title"`
	Status           ScorecardStatus `json:"status"`
	IsLocked         bool            `json:"is_locked"`
	Version          int             `json:"version"`
	OriginatorScores map[string]int  `json:"originator_scores,omitempty"`
	CommitteeScores  map[string]int  `json:"committee_scores,omitempty"`
	DecisionComment  *string         `json:"decision_comment,omitempty"`
	Revision         int64           `json:"revision"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SnapshotFields returns the scored and decided fields captured in a version snapshot.
func (s *Scorecard) SnapshotFields() map[string]any {
	fields := map[string]any{
		"status":            string(s.Status),
		"is_locked":         s.IsLocked,
		"originator_scores": copyScores(s.OriginatorScores),
		"committee_scores":  copyScores(s.CommitteeScores),
	}
	if s.DecisionComment != nil {
		fields["decision_comment"] = *s.DecisionComment
	}
	return fields
}

// PlanStatus is the project management plan lifecycle state.
type PlanStatus string

const (
	PlanDraft           PlanStatus = "draft"
	PlanPendingApproval PlanStatus = "pending_approval"
	PlanApproved        PlanStatus = "approved"
	PlanReturned        PlanStatus = "returned"
)

// Plan is a project management plan (PMP).
type Plan struct {
	ID               string            `json:"id"`
	ProjectCode      string            `json:"project_code"`
	Title            string            `json:"title"`
	Status           PlanStatus        `json:"status"`
	IsLocked         bool              `json:"is_locked"`
	Version          int               `json:"version"`
	DivisionApprover *Person           `json:"division_approver,omitempty"`
	Sections         map[string]string `json:"sections,omitempty"`
	Revision         int64             `json:"revision"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SnapshotFields returns the approved fields captured in a version snapshot.
func (p *Plan) SnapshotFields() map[string]any {
	sections := make(map[string]string, len(p.Sections))
	for k, v := range p.Sections {
		sections[k] = v
	}
	return map[string]any{
		"status":    string(p.Status),
		"is_locked": p.IsLocked,
		"sections":  sections,
	}
}

// CommitmentStatus is the commitment/waiver approval state.
type CommitmentStatus string

const (
	CommitmentDraft             CommitmentStatus = "draft"
	CommitmentPendingPX         CommitmentStatus = "pending_px"
	CommitmentPendingCompliance CommitmentStatus = "pending_compliance_manager"
	CommitmentPendingCFO        CommitmentStatus = "pending_cfo"
	CommitmentCommitted         CommitmentStatus = "committed"
	CommitmentRejected          CommitmentStatus = "rejected"
)

// ExecutionStatus tracks whether the underlying commitment has been executed.
type ExecutionStatus string

const (
	ExecutionPending  ExecutionStatus = "not_executed"
	ExecutionExecuted ExecutionStatus = "executed"
)

// Commitment is a buyout/purchasing commitment entry, optionally carrying a waiver.
type Commitment struct {
	ID              string           `json:"id"`
	ProjectCode     string           `json:"project_code"`
	VendorName      string           `json:"vendor_name"`
	ContractValue   int64            `json:"contract_value"` // whole currency units
	WaiverRequired  bool             `json:"waiver_required"`
	Status          CommitmentStatus `json:"status"`
	ExecutionStatus ExecutionStatus  `json:"execution_status"`
	IsLocked        bool             `json:"is_locked"`
	Version         int              `json:"version"`
	Revision        int64            `json:"revision"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// SnapshotFields returns the decided fields captured in a version snapshot.
func (c *Commitment) SnapshotFields() map[string]any {
	return map[string]any{
		"status":           string(c.Status),
		"execution_status": string(c.ExecutionStatus),
		"vendor_name":      c.VendorName,
		"contract_value":   c.ContractValue,
		"waiver_required":  c.WaiverRequired,
		"is_locked":        c.IsLocked,
	}
}

func copyScores(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
