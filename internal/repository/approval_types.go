package repository

import "time"

// ── Domain types for approval cycles ─────────────────────────────────────────

// SubjectKind names the record type an approval cycle belongs to.
type SubjectKind string

const (
	SubjectScorecard  SubjectKind = "scorecard"
	SubjectPlan       SubjectKind = "plan"
	SubjectCommitment SubjectKind = "commitment"
)

// CycleStatus is the state of one approval cycle.
type CycleStatus string

const (
	CycleInProgress CycleStatus = "in_progress"
	CycleEscalated  CycleStatus = "escalated"
	CycleApproved   CycleStatus = "approved"
	CycleCompleted  CycleStatus = "completed"
	CycleReturned   CycleStatus = "returned"
	CycleRejected   CycleStatus = "rejected"
)

// IsActive reports whether a cycle still accepts responses.
func (s CycleStatus) IsActive() bool {
	return s == CycleInProgress || s == CycleEscalated
}

// StepStatus is the state of one approval step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepReturned  StepStatus = "returned"
	StepRejected  StepStatus = "rejected"
	StepEscalated StepStatus = "escalated"
)

// SnapshotReason records why a version snapshot was taken.
type SnapshotReason string

const (
	SnapshotSubmission SnapshotReason = "submission"
	SnapshotRejection  SnapshotReason = "rejection"
	SnapshotUnlock     SnapshotReason = "unlock"
	SnapshotDecision   SnapshotReason = "decision"
)

// ApprovalCycle is one attempt at pushing a subject through its approval steps.
type ApprovalCycle struct {
	ID          string      `json:"id"`
	SubjectKind SubjectKind `json:"subject_kind"`
	SubjectID   string      `json:"subject_id"`
	CycleNumber int         `json:"cycle_number"`
	Status      CycleStatus `json:"status"`
	Revision    int64       `json:"revision"`
	SubmittedBy string      `json:"submitted_by"`
	SubmittedAt time.Time   `json:"submitted_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// ApprovalStep is a single cycle-scoped approval step. Steps created by the
// same action share a Wave.
type ApprovalStep struct {
	ID               string      `json:"id"`
	CycleID          string      `json:"cycle_id"`
	SubjectKind      SubjectKind `json:"subject_kind"`
	SubjectID        string      `json:"subject_id"`
	StepOrder        int         `json:"step_order"`
	Wave             int         `json:"wave"`
	Role             string      `json:"role"`
	Assignee         Person      `json:"assignee"`
	AssignmentSource string      `json:"assignment_source,omitempty"`
	Status           StepStatus  `json:"status"`
	ActedBy          *string     `json:"acted_by,omitempty"`
	ActedAt          *time.Time  `json:"acted_at,omitempty"`
	Comment          *string     `json:"comment,omitempty"`
	Revision         int64       `json:"revision"`
	CreatedAt        time.Time   `json:"created_at"`
}

// VersionSnapshot is an immutable copy of a subject's decided fields.
type VersionSnapshot struct {
	ID            string         `json:"id"`
	SubjectKind   SubjectKind    `json:"subject_kind"`
	SubjectID     string         `json:"subject_id"`
	VersionNumber int            `json:"version_number"`
	Reason        SnapshotReason `json:"reason"`
	Fields        map[string]any `json:"fields"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ApprovalAuditEntry is one immutable record in the approval audit log.
type ApprovalAuditEntry struct {
	ID           string         `json:"id"`
	SubjectKind  SubjectKind    `json:"subject_kind"`
	SubjectID    string         `json:"subject_id"`
	CycleID      *string        `json:"cycle_id,omitempty"`
	StepID       *string        `json:"step_id,omitempty"`
	Action       string         `json:"action"` // submitted | approved | returned | rejected | escalated | unlocked | relocked ...
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
