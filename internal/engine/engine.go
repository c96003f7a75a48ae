package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"automation-workflow-engine/internal/action"
	"automation-workflow-engine/internal/approval"
	"automation-workflow-engine/internal/audit"
	"automation-workflow-engine/internal/condition"
	"automation-workflow-engine/internal/models"
	"automation-workflow-engine/internal/queue"
	"automation-workflow-engine/internal/schedule"
	"automation-workflow-engine/internal/stats"
	"automation-workflow-engine/internal/store"
	"automation-workflow-engine/internal/telemetry"
)

// ErrReEntry is returned by Start when the entity already has a live
// execution of the automation and re-entry is not allowed.
var ErrReEntry = errors.New("entity already has a live execution for this automation")

// Engine drives executions through their step graph. Advance is idempotent:
// every transition is a versioned compare-and-swap, so duplicate nudges from
// the run queue, the scheduler, or lease reclaim are harmless.
type Engine struct {
	store     store.Store
	invoker   *action.Invoker
	evaluator *condition.Evaluator
	gate      *approval.Gate
	scheduler *schedule.Scheduler
	stats     *stats.Aggregator
	runq      queue.Enqueuer
	audit     *audit.Log
	entities  condition.EntityStateProvider
	log       *logrus.Entry
	now       func() time.Time
}

func New(
	st store.Store,
	invoker *action.Invoker,
	evaluator *condition.Evaluator,
	gate *approval.Gate,
	scheduler *schedule.Scheduler,
	aggregator *stats.Aggregator,
	runq queue.Enqueuer,
	auditLog *audit.Log,
	entities condition.EntityStateProvider,
) *Engine {
	return &Engine{
		store:     st,
		invoker:   invoker,
		evaluator: evaluator,
		gate:      gate,
		scheduler: scheduler,
		stats:     aggregator,
		runq:      runq,
		audit:     auditLog,
		entities:  entities,
		log:       logrus.WithField("component", "engine"),
		now:       time.Now,
	}
}

// SetNow overrides the clock, used by tests.
func (e *Engine) SetNow(now func() time.Time) { e.now = now }

// Start creates a pending execution for a fired trigger, claiming the
// per-(automation, entity) live slot, and enqueues it for driving.
func (e *Engine) Start(ctx context.Context, a models.Automation, t models.Trigger) (models.Execution, error) {
	now := e.now().UTC()
	exec := models.Execution{
		ID:               uuid.New().String(),
		AutomationID:     a.ID,
		TriggerID:        t.ID,
		EntityID:         t.EntityID,
		Status:           models.ExecutionPending,
		CurrentStepIndex: 0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateExecution(ctx, &exec, a.AllowReEntry); err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.audit.Record(ctx, models.AuditEvent{
				EventType:    "execution.rejected",
				ResourceType: "automation",
				ResourceID:   a.ID,
				Outcome:      models.AuditFailure,
				Payload:      map[string]any{"entity_id": t.EntityID, "reason": "re_entry"},
			})
			return models.Execution{}, fmt.Errorf("%w: automation %s entity %s", ErrReEntry, a.ID, t.EntityID)
		}
		return models.Execution{}, fmt.Errorf("create execution: %w", err)
	}
	telemetry.ExecutionsStarted.Inc()

	firedAt := now
	if err := e.store.SetTriggerStatus(ctx, t.ID, models.TriggerFired, &firedAt); err != nil {
		e.log.WithError(err).WithField("trigger_id", t.ID).Warn("mark trigger fired failed")
	}
	e.audit.Record(ctx, models.AuditEvent{
		EventType:    "execution.started",
		ResourceType: "execution",
		ResourceID:   exec.ID,
		ExecutionID:  exec.ID,
		Outcome:      models.AuditSuccess,
		Payload:      map[string]any{"automation_id": a.ID, "trigger_id": t.ID, "entity_id": t.EntityID},
	})
	if err := e.runq.Enqueue(ctx, exec.ID); err != nil {
		e.log.WithError(err).WithField("execution_id", exec.ID).Error("enqueue new execution failed")
	}
	return exec, nil
}

// Advance drives an execution as far as it can go right now. Terminal and
// not-yet-due executions are no-ops, so it is safe to call any number of
// times with the same id.
func (e *Engine) Advance(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if models.ExecutionIsTerminal(exec.Status) {
		return nil
	}
	a, err := e.store.GetAutomation(ctx, exec.AutomationID)
	if err != nil {
		return fmt.Errorf("load automation: %w", err)
	}

	switch exec.Status {
	case models.ExecutionPending:
		started := e.now().UTC()
		exec.Status = models.ExecutionRunning
		exec.StartedAt = &started
		if err := e.save(ctx, &exec); err != nil {
			return e.swallowConflict(err, exec.ID)
		}
	case models.ExecutionWaitingDelay:
		if !e.delayElapsed(a, exec) {
			return nil
		}
		exec.Status = models.ExecutionRunning
		if err := e.save(ctx, &exec); err != nil {
			return e.swallowConflict(err, exec.ID)
		}
	case models.ExecutionWaitingApproval:
		exec.Status = models.ExecutionRunning
		if err := e.save(ctx, &exec); err != nil {
			return e.swallowConflict(err, exec.ID)
		}
	}
	return e.drive(ctx, a, exec)
}

// drive interprets steps until the execution parks or terminates. The loop
// is bounded by the graph size; forward-only validation makes anything more
// a store corruption, which fails the execution rather than spinning.
func (e *Engine) drive(ctx context.Context, a models.Automation, exec models.Execution) error {
	for i := 0; i < len(a.Steps)+1; i++ {
		if exec.CurrentStepIndex < 0 || exec.CurrentStepIndex >= len(a.Steps) {
			return e.fail(ctx, &exec, fmt.Sprintf("step index %d out of range", exec.CurrentStepIndex))
		}
		if models.ExecutionIsTerminal(exec.Status) {
			return nil
		}
		step := a.Steps[exec.CurrentStepIndex]
		switch step.Kind {
		case models.StepTerminal:
			return e.complete(ctx, &exec)
		case models.StepAction:
			done, err := e.runAction(ctx, a, &exec, step)
			if err != nil || done {
				return err
			}
		case models.StepDelay:
			return e.runDelay(ctx, &exec, step)
		case models.StepCondition:
			if err := e.runCondition(ctx, &exec, step); err != nil {
				return err
			}
		default:
			return e.fail(ctx, &exec, fmt.Sprintf("unknown step kind %q", step.Kind))
		}
	}
	return e.fail(ctx, &exec, "step budget exhausted, graph did not terminate")
}

// runAction gates risk-classified actions behind approval, then invokes the
// transport. done=true means the drive loop must stop: the execution parked
// behind approvers or reached a terminal status here.
func (e *Engine) runAction(ctx context.Context, a models.Automation, exec *models.Execution, step models.Step) (done bool, err error) {
	if step.Impact.Rank() >= models.ImpactMedium.Rank() {
		req, gerr := e.gate.Request(ctx, exec.ID, step.Index, step.Impact)
		if gerr != nil {
			return true, e.fail(ctx, exec, fmt.Sprintf("approval gate: %v", gerr))
		}
		switch req.Status {
		case models.ApprovalPending:
			exec.Status = models.ExecutionWaitingApproval
			if serr := e.save(ctx, exec); serr != nil {
				return true, e.swallowConflict(serr, exec.ID)
			}
			return true, nil
		case models.ApprovalApproved:
			// fall through to invocation
		case models.ApprovalExpired:
			if a.ResumeOnApprovalTimeout {
				e.recordStep(exec, step.Index, models.StepOutcomeSkipped, nil, "approval expired")
				exec.CurrentStepIndex = step.NextIndex()
				if serr := e.save(ctx, exec); serr != nil {
					return true, e.swallowConflict(serr, exec.ID)
				}
				return false, nil
			}
			return true, e.fail(ctx, exec, "approval_expired")
		default:
			return true, e.fail(ctx, exec, "approval_rejected")
		}
	}

	entity := e.entityState(ctx, exec.EntityID)
	output, ierr := e.invoker.Invoke(ctx, exec.ID, step, entity)
	if ierr != nil {
		e.recordStep(exec, step.Index, models.StepOutcomeFailed, nil, ierr.Error())
		return true, e.fail(ctx, exec, ierr.Error())
	}
	e.recordStep(exec, step.Index, models.StepOutcomeCompleted, output, "")
	exec.CurrentStepIndex = step.NextIndex()
	if serr := e.save(ctx, exec); serr != nil {
		return true, e.swallowConflict(serr, exec.ID)
	}
	return false, nil
}

// runDelay parks the execution behind a durable schedule entry. The entry is
// written before the status flips so a crash in between leaves at worst an
// orphan nudge, never a stuck execution.
func (e *Engine) runDelay(ctx context.Context, exec *models.Execution, step models.Step) error {
	fireAt := e.now().UTC().Add(time.Duration(step.DelaySeconds) * time.Second)
	if _, err := e.scheduler.Schedule(ctx, exec.ID, step.Index, fireAt); err != nil {
		return e.fail(ctx, exec, fmt.Sprintf("schedule delay: %v", err))
	}
	e.recordStep(exec, step.Index, models.StepOutcomeScheduled, map[string]any{"scheduled_for": fireAt.Format(time.RFC3339)}, "")
	exec.CurrentStepIndex = step.NextIndex()
	exec.Status = models.ExecutionWaitingDelay
	if err := e.save(ctx, exec); err != nil {
		return e.swallowConflict(err, exec.ID)
	}
	return nil
}

// runCondition branches on entity state. Evaluation errors select the false
// branch so a flaky state provider degrades a branch, not the execution.
func (e *Engine) runCondition(ctx context.Context, exec *models.Execution, step models.Step) error {
	result, err := e.evaluator.Evaluate(ctx, exec.EntityID, *step.Condition)
	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"execution_id": exec.ID,
			"step_index":   step.Index,
		}).Warn("condition evaluation failed, taking false branch")
		result = false
	}
	e.recordStep(exec, step.Index, models.StepOutcomeBranched, map[string]any{"result": result}, "")
	if result {
		exec.CurrentStepIndex = *step.OnTrue
	} else {
		exec.CurrentStepIndex = *step.OnFalse
	}
	if serr := e.save(ctx, exec); serr != nil {
		return e.swallowConflict(serr, exec.ID)
	}
	return nil
}

// Cancel terminates a live execution and clears its pending schedule entries
// and approval requests.
func (e *Engine) Cancel(ctx context.Context, executionID, actorID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if models.ExecutionIsTerminal(exec.Status) {
		return fmt.Errorf("execution %s is already %s", executionID, exec.Status)
	}
	exec.Status = models.ExecutionCancelled
	e.finishTimes(&exec)
	if err := e.save(ctx, &exec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("execution %s changed concurrently, retry cancel", executionID)
		}
		return err
	}
	if _, err := e.store.CancelScheduleEntries(ctx, executionID); err != nil {
		e.log.WithError(err).WithField("execution_id", executionID).Warn("cancel schedule entries failed")
	}
	if _, err := e.store.CancelApprovalRequests(ctx, executionID); err != nil {
		e.log.WithError(err).WithField("execution_id", executionID).Warn("cancel approval requests failed")
	}
	if actorID == "" {
		actorID = models.ActorSystem
	}
	e.audit.Record(ctx, models.AuditEvent{
		EventType:    "execution.cancelled",
		ResourceType: "execution",
		ResourceID:   exec.ID,
		ExecutionID:  exec.ID,
		ActorID:      actorID,
		Outcome:      models.AuditSuccess,
	})
	if err := e.stats.OnExecutionTerminal(ctx, exec); err != nil {
		e.log.WithError(err).WithField("execution_id", exec.ID).Warn("stats rollup failed")
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, exec *models.Execution) error {
	exec.Status = models.ExecutionCompleted
	e.finishTimes(exec)
	if err := e.save(ctx, exec); err != nil {
		return e.swallowConflict(err, exec.ID)
	}
	e.audit.Record(ctx, models.AuditEvent{
		EventType:    "execution.completed",
		ResourceType: "execution",
		ResourceID:   exec.ID,
		ExecutionID:  exec.ID,
		Outcome:      models.AuditSuccess,
		Payload:      map[string]any{"execution_time_ms": exec.ExecutionTimeMs},
	})
	if err := e.stats.OnExecutionTerminal(ctx, *exec); err != nil {
		e.log.WithError(err).WithField("execution_id", exec.ID).Warn("stats rollup failed")
	}
	return nil
}

// fail terminates the execution with a reason. Failures are confined to the
// one execution; the error is recorded, not propagated to the worker loop.
func (e *Engine) fail(ctx context.Context, exec *models.Execution, reason string) error {
	exec.Status = models.ExecutionFailed
	exec.FailureReason = reason
	e.finishTimes(exec)
	if err := e.save(ctx, exec); err != nil {
		return e.swallowConflict(err, exec.ID)
	}
	if _, err := e.store.CancelScheduleEntries(ctx, exec.ID); err != nil {
		e.log.WithError(err).WithField("execution_id", exec.ID).Warn("cancel schedule entries failed")
	}
	if _, err := e.store.CancelApprovalRequests(ctx, exec.ID); err != nil {
		e.log.WithError(err).WithField("execution_id", exec.ID).Warn("cancel approval requests failed")
	}
	stepIndex := exec.CurrentStepIndex
	e.audit.Record(ctx, models.AuditEvent{
		EventType:    "execution.failed",
		ResourceType: "execution",
		ResourceID:   exec.ID,
		ExecutionID:  exec.ID,
		StepIndex:    &stepIndex,
		Outcome:      models.AuditFailure,
		Payload:      map[string]any{"reason": reason},
	})
	if err := e.stats.OnExecutionTerminal(ctx, *exec); err != nil {
		e.log.WithError(err).WithField("execution_id", exec.ID).Warn("stats rollup failed")
	}
	return nil
}

func (e *Engine) finishTimes(exec *models.Execution) {
	done := e.now().UTC()
	exec.CompletedAt = &done
	if exec.StartedAt != nil {
		exec.ExecutionTimeMs = done.Sub(*exec.StartedAt).Milliseconds()
	}
}

func (e *Engine) save(ctx context.Context, exec *models.Execution) error {
	exec.UpdatedAt = e.now().UTC()
	return e.store.SaveExecution(ctx, exec)
}

// swallowConflict treats a lost version race as success: another driver owns
// the execution and will carry it forward.
func (e *Engine) swallowConflict(err error, executionID string) error {
	if errors.Is(err, store.ErrConflict) {
		e.log.WithField("execution_id", executionID).Debug("lost version race, yielding to concurrent driver")
		return nil
	}
	return err
}

func (e *Engine) recordStep(exec *models.Execution, stepIndex int, outcome string, output map[string]any, errMsg string) {
	exec.StepResults = append(exec.StepResults, models.StepResult{
		StepIndex: stepIndex,
		Outcome:   outcome,
		Output:    output,
		Error:     errMsg,
		At:        e.now().UTC(),
	})
}

// delayElapsed guards waiting_delay resumption against early nudges, such as
// a reclaimed run-queue lease firing before the delay is actually due.
func (e *Engine) delayElapsed(a models.Automation, exec models.Execution) bool {
	for i := len(exec.StepResults) - 1; i >= 0; i-- {
		r := exec.StepResults[i]
		if r.Outcome != models.StepOutcomeScheduled {
			continue
		}
		if r.StepIndex < 0 || r.StepIndex >= len(a.Steps) {
			return true
		}
		due := r.At.Add(time.Duration(a.Steps[r.StepIndex].DelaySeconds) * time.Second)
		return !e.now().UTC().Before(due)
	}
	return true
}

func (e *Engine) entityState(ctx context.Context, entityID string) map[string]any {
	if e.entities == nil {
		return nil
	}
	state, err := e.entities.Get(ctx, entityID)
	if err != nil {
		e.log.WithError(err).WithField("entity_id", entityID).Warn("entity state unavailable for action context")
		return nil
	}
	return state
}
