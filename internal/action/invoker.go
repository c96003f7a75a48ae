package action

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"automation-workflow-engine/internal/audit"
	"automation-workflow-engine/internal/models"
	"automation-workflow-engine/internal/telemetry"
)

// Transport performs one action attempt against an external system. Each
// attempt carries a fresh attempt id so downstream services can dedupe.
type Transport interface {
	Perform(ctx context.Context, attemptID string, params map[string]any, entity map[string]any) (map[string]any, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, attemptID string, params map[string]any, entity map[string]any) (map[string]any, error)

func (f TransportFunc) Perform(ctx context.Context, attemptID string, params map[string]any, entity map[string]any) (map[string]any, error) {
	return f(ctx, attemptID, params, entity)
}

// Invoker dispatches action steps to registered transports with bounded
// retry. Every attempt is audited individually.
type Invoker struct {
	mu          sync.RWMutex
	transports  map[string]Transport
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	auditLog    *audit.Log
	log         *logrus.Entry
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewInvoker builds an invoker. maxAttempts <= 0 defaults to 3.
func NewInvoker(auditLog *audit.Log, maxAttempts int) *Invoker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Invoker{
		transports:  make(map[string]Transport),
		maxAttempts: maxAttempts,
		baseBackoff: time.Second,
		maxBackoff:  30 * time.Second,
		auditLog:    auditLog,
		log:         logrus.WithField("component", "action_invoker"),
		sleep:       sleepCtx,
	}
}

// SetSleep overrides the backoff sleeper, used by tests.
func (v *Invoker) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	v.sleep = sleep
}

// Register binds an action kind to a transport. Later registrations for
// the same kind replace earlier ones.
func (v *Invoker) Register(kind string, t Transport) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.transports[kind] = t
}

// Invoke performs a step's action with retry. On success it returns the
// transport output; after the final failed attempt it returns the last error.
func (v *Invoker) Invoke(ctx context.Context, executionID string, step models.Step, entity map[string]any) (map[string]any, error) {
	v.mu.RLock()
	t, ok := v.transports[step.ActionKind]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no transport registered for action kind %q", step.ActionKind)
	}

	var lastErr error
	for attempt := 1; attempt <= v.maxAttempts; attempt++ {
		attemptID := uuid.New().String()
		telemetry.ActionAttempts.Inc()

		output, err := t.Perform(ctx, attemptID, step.Params, entity)
		stepIndex := step.Index
		event := models.AuditEvent{
			EventType:    "action.attempted",
			ResourceType: "execution",
			ResourceID:   executionID,
			ExecutionID:  executionID,
			StepIndex:    &stepIndex,
			RiskLevel:    step.Impact,
			Payload: map[string]any{
				"action_kind": step.ActionKind,
				"attempt":     attempt,
				"attempt_id":  attemptID,
			},
		}
		if err == nil {
			event.Outcome = models.AuditSuccess
			v.auditLog.Record(ctx, event)
			return output, nil
		}
		event.Outcome = models.AuditFailure
		event.Payload["error"] = err.Error()
		v.auditLog.Record(ctx, event)

		lastErr = err
		v.log.WithError(err).WithFields(logrus.Fields{
			"execution_id": executionID,
			"action_kind":  step.ActionKind,
			"attempt":      attempt,
		}).Warn("action attempt failed")

		if attempt < v.maxAttempts {
			if serr := v.sleep(ctx, backoffWithJitter(v.baseBackoff, v.maxBackoff, attempt)); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, fmt.Errorf("action %q failed after %d attempts: %w", step.ActionKind, v.maxAttempts, lastErr)
}

// backoffWithJitter computes exponential backoff with half-interval jitter.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	wait := base << uint(attempt-1)
	if wait > max {
		wait = max
	}
	half := wait / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
