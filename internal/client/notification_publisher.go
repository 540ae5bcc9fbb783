// Package client holds the service's outbound integrations.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-pc-approvals/internal/logger"
	"github.com/pesio-ai/be-pc-approvals/internal/service"
)

// JetStreamPublisher is the subset of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher publishes approval events to NATS JetStream for the
// notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g. notifications.pc.step_pending.
//
// Publishing is non-fatal: errors are logged and never reach the caller, so
// a notification outage never interrupts an approval.
type NotificationPublisher struct {
	js      JetStreamPublisher
	prefix  string
	timeout time.Duration
	log     *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ProjectCode  string         `json:"project_code"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	CycleID      string         `json:"cycle_id,omitempty"`
	StepID       string         `json:"step_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// NewNotificationPublisher creates a publisher. A nil js disables publishing.
func NewNotificationPublisher(js JetStreamPublisher, prefix string, log *logger.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.pc"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &NotificationPublisher{js: js, prefix: prefix, timeout: 5 * time.Second, log: log}
}

// ConnectJetStream dials url and returns the connection with a JetStream
// context on it. The caller owns the connection.
func ConnectJetStream(url, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return nc, js, nil
}

// Subject returns the NATS subject for an event type.
func (p *NotificationPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// PublishApprovalEvent implements service.EventPublisher.
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, e service.ApprovalEvent) {
	if p.js == nil {
		return
	}

	event := &NotificationEvent{
		EventType:    e.Type,
		ProjectCode:  e.ProjectCode,
		ActorID:      e.ActorID,
		Recipients:   e.Recipients,
		ResourceType: string(e.SubjectKind),
		ResourceID:   e.SubjectID,
		CycleID:      e.CycleID,
		StepID:       e.StepID,
		IsActionable: e.Type == service.EventStepPending,
		Severity:     severity(e.Type),
		Category:     "pc_approval",
		Payload:      e.Payload,
		OccurredAt:   time.Now().UTC(),
	}
	if event.Recipients == nil {
		event.Recipients = []string{}
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", e.Type).Msg("notification: failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	subject := p.Subject(e.Type)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("subject_id", e.SubjectID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("subject_id", e.SubjectID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}

func severity(eventType string) string {
	switch eventType {
	case service.EventCycleRejected, service.EventCycleEscalated:
		return "warning"
	}
	return "info"
}
