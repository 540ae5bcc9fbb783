package service

import (
	"context"

	"github.com/pesio-ai/be-pc-approvals/internal/repository"
)

// Approval event types.
const (
	EventCycleSubmitted  = "cycle_submitted"
	EventStepPending     = "step_pending"
	EventCycleApproved   = "cycle_approved"
	EventCycleReturned   = "cycle_returned"
	EventCycleRejected   = "cycle_rejected"
	EventCycleEscalated  = "cycle_escalated"
	EventSubjectUnlocked = "subject_unlocked"
	EventSubjectRelocked = "subject_relocked"
)

// ApprovalEvent is handed to the host's notification pipeline. Delivery is
// not the engine's concern.
type ApprovalEvent struct {
	Type        string                 `json:"event_type"`
	SubjectKind repository.SubjectKind `json:"subject_kind"`
	SubjectID   string                 `json:"subject_id"`
	ProjectCode string                 `json:"project_code"`
	CycleID     string                 `json:"cycle_id,omitempty"`
	StepID      string                 `json:"step_id,omitempty"`
	ActorID     string                 `json:"actor_id"`
	Recipients  []string               `json:"recipients,omitempty"`
	Payload     map[string]any         `json:"payload,omitempty"`
}

// EventPublisher publishes approval events. Implementations must not fail
// the calling operation; errors are theirs to log.
type EventPublisher interface {
	PublishApprovalEvent(ctx context.Context, event ApprovalEvent)
}
