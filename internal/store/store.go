package store

import (
	"context"
	"errors"
	"time"

	"automation-workflow-engine/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an atomic claim or versioned write loses.
	ErrConflict = errors.New("conflicting concurrent write")
)

// AutomationStore persists workflow definitions and their rollup stats.
type AutomationStore interface {
	CreateAutomation(ctx context.Context, a *models.Automation) error
	GetAutomation(ctx context.Context, id string) (models.Automation, error)
	ListAutomations(ctx context.Context) ([]models.Automation, error)
	// ListAutomationsByTrigger returns active and paused automations for a
	// trigger kind. Paused ones are needed so skipped firings still audit.
	ListAutomationsByTrigger(ctx context.Context, kind models.TriggerKind) ([]models.Automation, error)
	SetAutomationStatus(ctx context.Context, id, status string) error
	// BumpAutomationStats applies one terminal execution incrementally.
	BumpAutomationStats(ctx context.Context, id string, success bool, executionMs int64) error
}

// TriggerStore persists trigger firings with dedupe-window idempotency.
type TriggerStore interface {
	// InsertTrigger is insert-or-ignore on the dedupe key: created=false
	// means a live key already mapped this logical firing.
	InsertTrigger(ctx context.Context, t *models.Trigger, dedupeTTL time.Duration) (created bool, err error)
	GetTrigger(ctx context.Context, id string) (models.Trigger, error)
	ListTriggers(ctx context.Context, automationID string) ([]models.Trigger, error)
	SetTriggerStatus(ctx context.Context, id, status string, firedAt *time.Time) error
	// ReleaseTriggerDedupe drops a dedupe key consumed by a firing that could
	// not start, so a redelivered event is not suppressed for the whole TTL.
	ReleaseTriggerDedupe(ctx context.Context, dedupeKey string) error
}

// ExecutionFilter narrows execution queries.
type ExecutionFilter struct {
	AutomationID string
	EntityID     string
	Status       string
	Limit        int
}

// ExecutionStore persists executions. Creation claims the per-(automation,
// entity) live slot; saves are guarded by the execution version.
type ExecutionStore interface {
	// CreateExecution inserts the execution and, unless allowReEntry, claims
	// the live-execution marker. Returns ErrConflict when the slot is held.
	CreateExecution(ctx context.Context, e *models.Execution, allowReEntry bool) error
	GetExecution(ctx context.Context, id string) (models.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.Execution, error)
	// SaveExecution writes the execution if the stored version matches
	// e.Version, then increments it. Terminal saves release the live slot.
	SaveExecution(ctx context.Context, e *models.Execution) error
}

// ScheduleStore persists durable delayed continuations.
type ScheduleStore interface {
	CreateScheduleEntry(ctx context.Context, s *models.ScheduleEntry) error
	GetScheduleEntry(ctx context.Context, id string) (models.ScheduleEntry, error)
	// ClaimDueScheduleEntries atomically moves due pending entries to
	// claimed with the given claim token and lease deadline.
	ClaimDueScheduleEntries(ctx context.Context, now time.Time, claimedBy string, leaseFor time.Duration, limit int) ([]models.ScheduleEntry, error)
	// MarkScheduleEntryExecuted completes a claimed entry; the token must
	// still hold the claim.
	MarkScheduleEntryExecuted(ctx context.Context, id, claimedBy string) error
	// ReclaimExpiredLeases folds claimed entries with lapsed leases back to
	// pending and returns how many were reclaimed.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)
	CancelScheduleEntries(ctx context.Context, executionID string) (int, error)
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	CreateApprovalRequest(ctx context.Context, r *models.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (models.ApprovalRequest, error)
	// GetApprovalByStep finds the request gating one step of one execution.
	GetApprovalByStep(ctx context.Context, executionID string, stepIndex int) (models.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, status string) ([]models.ApprovalRequest, error)
	// AddApproval appends a distinct approver to a pending request. added is
	// false when the approver already approved or the request is resolved.
	AddApproval(ctx context.Context, id, approverID string) (models.ApprovalRequest, bool, error)
	// ResolveApproval conditionally transitions pending → status. The bool
	// reports whether this call won the transition, so threshold
	// notifications fire exactly once.
	ResolveApproval(ctx context.Context, id, status string, at time.Time) (bool, error)
	// ListExpiredPending returns pending requests past their expiry.
	ListExpiredPending(ctx context.Context, now time.Time) ([]models.ApprovalRequest, error)
	CancelApprovalRequests(ctx context.Context, executionID string) (int, error)
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	ExecutionID  string
	ResourceType string
	ResourceID   string
	EventType    string
	Since        time.Time
	Until        time.Time
	Limit        int
}

// AuditStore is append-only: no update path exists, and deletion happens
// only through the retention sweep on whole records.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error
	QueryAuditEvents(ctx context.Context, f AuditFilter) ([]models.AuditEvent, error)
	ListExpiredAuditEvents(ctx context.Context, now time.Time, limit int) ([]models.AuditEvent, error)
	DeleteAuditEvents(ctx context.Context, ids []string) (int, error)
}

// Store is the full persistence surface backed by Postgres in production
// and by the in-memory implementation in tests.
type Store interface {
	AutomationStore
	TriggerStore
	ExecutionStore
	ScheduleStore
	ApprovalStore
	AuditStore
}
