// Package metrics holds the Prometheus collectors for the approval engine.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	resolvedSteps         *prometheus.CounterVec
	permissionResolutions *prometheus.CounterVec
	approvalTransitions   *prometheus.CounterVec
	lockWait              *prometheus.HistogramVec
	invariantViolations   *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		resolvedSteps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pc_approvals",
			Name:      "resolved_steps_total",
			Help:      "Workflow steps resolved, by workflow and assignment source.",
		}, []string{"workflow", "source"}),
		permissionResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pc_approvals",
			Name:      "permission_resolutions_total",
			Help:      "Permission resolutions, by provenance.",
		}, []string{"source"}),
		approvalTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pc_approvals",
			Name:      "approval_transitions_total",
			Help:      "Approval cycle transitions, by subject kind and action.",
		}, []string{"subject_kind", "action"}),
		lockWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pc_approvals",
			Name:      "subject_lock_wait_seconds",
			Help:      "Time spent waiting for the per-subject approval lock.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"subject_kind"}),
		invariantViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pc_approvals",
			Name:      "invariant_violations_total",
			Help:      "Unexpected states met by the approval engine.",
		}, []string{"subject_kind"}),
	}
}

func (m *Metrics) ResolvedStep(workflow, source string) {
	if m == nil {
		return
	}
	m.resolvedSteps.WithLabelValues(workflow, source).Inc()
}

func (m *Metrics) PermissionResolved(source string) {
	if m == nil {
		return
	}
	m.permissionResolutions.WithLabelValues(source).Inc()
}

func (m *Metrics) ApprovalTransition(kind, action string) {
	if m == nil {
		return
	}
	m.approvalTransitions.WithLabelValues(kind, action).Inc()
}

func (m *Metrics) LockWaited(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) InvariantViolation(kind string) {
	if m == nil {
		return
	}
	m.invariantViolations.WithLabelValues(kind).Inc()
}
