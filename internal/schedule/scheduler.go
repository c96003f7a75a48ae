package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"automation-workflow-engine/internal/audit"
	"automation-workflow-engine/internal/models"
	"automation-workflow-engine/internal/queue"
	"automation-workflow-engine/internal/store"
	"automation-workflow-engine/internal/telemetry"
)

// Scheduler persists delayed continuations and moves due ones back onto the
// run queue. Entries are claimed under a lease so a worker crash between
// claim and enqueue is repaired by Reclaim, never lost.
type Scheduler struct {
	store     store.ScheduleStore
	runq      queue.Enqueuer
	audit     *audit.Log
	claimedBy string
	lease     time.Duration
	batchSize int
	log       *logrus.Entry
	now       func() time.Time
}

func NewScheduler(st store.ScheduleStore, runq queue.Enqueuer, auditLog *audit.Log, workerID string, lease time.Duration) *Scheduler {
	if workerID == "" {
		workerID = uuid.New().String()
	}
	if lease <= 0 {
		lease = time.Minute
	}
	return &Scheduler{
		store:     st,
		runq:      runq,
		audit:     auditLog,
		claimedBy: workerID,
		lease:     lease,
		batchSize: 100,
		log:       logrus.WithField("component", "scheduler"),
		now:       time.Now,
	}
}

// SetNow overrides the clock, used by tests.
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }

// Schedule records a durable continuation for an execution's delay step.
func (s *Scheduler) Schedule(ctx context.Context, executionID string, stepIndex int, fireAt time.Time) (models.ScheduleEntry, error) {
	entry := models.ScheduleEntry{
		ID:           uuid.New().String(),
		ExecutionID:  executionID,
		StepIndex:    stepIndex,
		ScheduledFor: fireAt.UTC(),
		Status:       models.SchedulePending,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateScheduleEntry(ctx, &entry); err != nil {
		return models.ScheduleEntry{}, fmt.Errorf("create schedule entry: %w", err)
	}
	s.audit.Record(ctx, models.AuditEvent{
		EventType:    "schedule.created",
		ResourceType: "schedule_entry",
		ResourceID:   entry.ID,
		ExecutionID:  executionID,
		StepIndex:    &stepIndex,
		Outcome:      models.AuditSuccess,
		Payload:      map[string]any{"scheduled_for": entry.ScheduledFor},
	})
	return entry, nil
}

// Tick claims due entries, enqueues their executions, and marks the entries
// executed. Marking happens after the enqueue succeeds: a crash in between
// leaves a claimed entry whose lease expires and gets reclaimed, and the
// engine's status guards make the duplicate nudge harmless.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	entries, err := s.store.ClaimDueScheduleEntries(ctx, s.now().UTC(), s.claimedBy, s.lease, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due schedule entries: %w", err)
	}
	fired := 0
	for _, entry := range entries {
		telemetry.ScheduleClaims.Inc()
		if err := s.runq.Enqueue(ctx, entry.ExecutionID); err != nil {
			s.log.WithError(err).WithField("entry_id", entry.ID).Warn("enqueue due execution failed, lease will reclaim")
			continue
		}
		if err := s.store.MarkScheduleEntryExecuted(ctx, entry.ID, s.claimedBy); err != nil {
			s.log.WithError(err).WithField("entry_id", entry.ID).Warn("mark schedule entry executed failed")
			continue
		}
		fired++
	}
	return fired, nil
}

// Reclaim folds claimed entries with lapsed leases back to pending.
func (s *Scheduler) Reclaim(ctx context.Context) (int, error) {
	n, err := s.store.ReclaimExpiredLeases(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reclaim schedule leases: %w", err)
	}
	if n > 0 {
		telemetry.ScheduleReclaims.Add(float64(n))
		s.log.WithField("count", n).Warn("reclaimed lapsed schedule leases")
	}
	return n, nil
}
