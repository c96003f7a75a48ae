package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event is the raw domain event handed to the trigger matcher.
type Event struct {
	Type       TriggerKind    `json:"type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
	Source     string         `json:"source,omitempty"`
}

// Trigger statuses.
const (
	TriggerPending   = "pending"
	TriggerScheduled = "scheduled"
	TriggerFired     = "fired"
	TriggerCancelled = "cancelled"
)

// Trigger is one concrete firing of an automation for one entity.
type Trigger struct {
	ID           string         `json:"id"`
	AutomationID string         `json:"automation_id"`
	EntityID     string         `json:"entity_id"`
	Kind         TriggerKind    `json:"kind"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       string         `json:"status"`
	DedupeKey    string         `json:"dedupe_key"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	FiredAt      *time.Time     `json:"fired_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TriggerDedupeKey derives the idempotency key for one logical firing.
// Go's json encoder sorts map keys, so the payload hash is canonical.
func TriggerDedupeKey(automationID, entityID string, kind TriggerKind, payload map[string]any) string {
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s", automationID, entityID, kind, raw))
	return hex.EncodeToString(sum[:])
}

// Execution statuses.
const (
	ExecutionPending         = "pending"
	ExecutionRunning         = "running"
	ExecutionWaitingDelay    = "waiting_delay"
	ExecutionWaitingApproval = "waiting_approval"
	ExecutionCompleted       = "completed"
	ExecutionFailed          = "failed"
	ExecutionCancelled       = "cancelled"
)

// LiveExecutionStatuses are the non-terminal states that hold the
// per-(automation, entity) live slot.
var LiveExecutionStatuses = []string{
	ExecutionPending,
	ExecutionRunning,
	ExecutionWaitingDelay,
	ExecutionWaitingApproval,
}

// ExecutionIsTerminal reports whether a status ends an execution.
func ExecutionIsTerminal(status string) bool {
	switch status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepResult outcomes.
const (
	StepOutcomeCompleted = "completed"
	StepOutcomeFailed    = "failed"
	StepOutcomeScheduled = "scheduled"
	StepOutcomeBranched  = "branched"
	StepOutcomeSkipped   = "skipped"
)

// StepResult records one step's outcome inside an execution.
type StepResult struct {
	StepIndex int            `json:"step_index"`
	Outcome   string         `json:"outcome"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	At        time.Time      `json:"at"`
}

// Execution is one run of a workflow for one entity. Version backs
// optimistic concurrency on every transition.
type Execution struct {
	ID               string       `json:"id"`
	AutomationID     string       `json:"automation_id"`
	TriggerID        string       `json:"trigger_id"`
	EntityID         string       `json:"entity_id"`
	Status           string       `json:"status"`
	CurrentStepIndex int          `json:"current_step_index"`
	StepResults      []StepResult `json:"step_results"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	ExecutionTimeMs  int64        `json:"execution_time_ms"`
	Version          int          `json:"version"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// ScheduleEntry statuses.
const (
	SchedulePending   = "pending"
	ScheduleClaimed   = "claimed"
	ScheduleExecuted  = "executed"
	ScheduleCancelled = "cancelled"
	ScheduleFailed    = "failed"
)

// ScheduleEntry is the durable record of a delayed continuation. Claiming
// is lease-based so a crashed worker's entries are reclaimed.
type ScheduleEntry struct {
	ID             string     `json:"id"`
	ExecutionID    string     `json:"execution_id"`
	StepIndex      int        `json:"step_index"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	Status         string     `json:"status"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ApprovalRequest statuses.
const (
	ApprovalPending   = "pending"
	ApprovalApproved  = "approved"
	ApprovalRejected  = "rejected"
	ApprovalExpired   = "expired"
	ApprovalCancelled = "cancelled"
)

// ApprovalRequest gates a risk-classified action behind N distinct approvers.
type ApprovalRequest struct {
	ID                string      `json:"id"`
	ExecutionID       string      `json:"execution_id"`
	StepIndex         int         `json:"step_index"`
	Impact            ImpactLevel `json:"impact"`
	RequiredApprovals int         `json:"required_approvals"`
	Approvals         []string    `json:"approvals"`
	Status            string      `json:"status"`
	ExpiresAt         *time.Time  `json:"expires_at,omitempty"`
	ResolvedAt        *time.Time  `json:"resolved_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// ApprovalPolicy maps an impact level to its required approval count and
// expiry window. Low impact auto-approves and never expires.
func ApprovalPolicy(impact ImpactLevel) (required int, ttl time.Duration) {
	switch impact {
	case ImpactMedium:
		return 1, 24 * time.Hour
	case ImpactHigh:
		return 2, 4 * time.Hour
	case ImpactCritical:
		return 3, time.Hour
	default:
		return 0, 0
	}
}

// AuditEvent is an immutable compliance record. Seq is monotonic per
// execution so ordering survives clock skew across workers.
type AuditEvent struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     string         `json:"event_type"`
	ActorID       string         `json:"actor_id"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	StepIndex     *int           `json:"step_index,omitempty"`
	Outcome       string         `json:"outcome"`
	RiskLevel     ImpactLevel    `json:"risk_level,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	RetentionDays int            `json:"retention_days"`
}

// Audit outcomes.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// ActorSystem identifies engine-originated audit events.
const ActorSystem = "system"
