package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TriggersMatched    = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_triggers_matched_total", Help: "Triggers created from matched events"})
	TriggersDeduped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_triggers_deduped_total", Help: "Duplicate firings suppressed by the dedupe window"})
	ExecutionsStarted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_executions_started_total", Help: "Executions created"})
	ExecutionsComplete = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_executions_completed_total", Help: "Executions that reached terminal completed"})
	ExecutionsFailed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_executions_failed_total", Help: "Executions that ended failed"})
	ActionAttempts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_action_attempts_total", Help: "Action transport attempts including retries"})
	ScheduleClaims     = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_schedule_claims_total", Help: "Schedule entries claimed by the tick loop"})
	ScheduleReclaims   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_schedule_reclaims_total", Help: "Lapsed schedule leases reclaimed; signals stuck workers"})
	ApprovalsResolved  = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_approvals_resolved_total", Help: "Approval requests resolved by approvers"})
	ApprovalsExpired   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_approvals_expired_total", Help: "Approval requests expired by the sweep"})
	AuditDropped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_audit_dropped_total", Help: "Audit events lost after buffer overflow; operational alert"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_rate_limit_rejects_total", Help: "Events rejected by the ingest rate limiter"})
	AuditBufferGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_audit_buffer_depth", Help: "Audit events waiting for out-of-band retry"})
	RunQueueDepth      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_run_queue_depth", Help: "Runnable executions waiting for a worker"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_executions_inflight", Help: "Executions currently leased by workers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TriggersMatched,
			TriggersDeduped,
			ExecutionsStarted,
			ExecutionsComplete,
			ExecutionsFailed,
			ActionAttempts,
			ScheduleClaims,
			ScheduleReclaims,
			ApprovalsResolved,
			ApprovalsExpired,
			AuditDropped,
			RateLimitRejects,
			AuditBufferGauge,
			RunQueueDepth,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
