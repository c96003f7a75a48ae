package approval

import (
	"context"
	"errors"
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

// Gate manages approval requests for risk-classified action steps. It only
// resolves request state; the execution itself is resumed by the engine when
// the run queue nudge arrives, so resolution and resumption stay decoupled.
type Gate struct {
	store store.ApprovalStore
	runq  queue.Enqueuer
	audit *audit.Log
	log   *logrus.Entry
	now   func() time.Time
}

func NewGate(st store.ApprovalStore, runq queue.Enqueuer, auditLog *audit.Log) *Gate {
	return &Gate{
		store: st,
		runq:  runq,
		audit: auditLog,
		log:   logrus.WithField("component", "approval_gate"),
		now:   time.Now,
	}
}

// SetNow overrides the clock, used by tests.
func (g *Gate) SetNow(now func() time.Time) { g.now = now }

// Request opens an approval request for a step, or returns the existing one.
// Idempotent per (execution, step) so a re-driven execution never double-asks.
func (g *Gate) Request(ctx context.Context, executionID string, stepIndex int, impact models.ImpactLevel) (models.ApprovalRequest, error) {
	existing, err := g.store.GetApprovalByStep(ctx, executionID, stepIndex)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.ApprovalRequest{}, fmt.Errorf("look up approval request: %w", err)
	}

	required, ttl := models.ApprovalPolicy(impact)
	now := g.now().UTC()
	req := models.ApprovalRequest{
		ID:                uuid.New().String(),
		ExecutionID:       executionID,
		StepIndex:         stepIndex,
		Impact:            impact,
		RequiredApprovals: required,
		Status:            models.ApprovalPending,
		CreatedAt:         now,
	}
	if required == 0 {
		// Low impact auto-approves; the request row keeps the decision on
		// record.
		req.Status = models.ApprovalApproved
		req.ResolvedAt = &now
	} else {
		expires := now.Add(ttl)
		req.ExpiresAt = &expires
	}
	if err := g.store.CreateApprovalRequest(ctx, &req); err != nil {
		// Lost a race with a concurrent driver; take theirs.
		if errors.Is(err, store.ErrConflict) {
			return g.store.GetApprovalByStep(ctx, executionID, stepIndex)
		}
		return models.ApprovalRequest{}, fmt.Errorf("create approval request: %w", err)
	}
	eventType := "approval.requested"
	if required == 0 {
		eventType = "approval.auto_approved"
	}
	g.audit.Record(ctx, models.AuditEvent{
		EventType:    eventType,
		ResourceType: "approval_request",
		ResourceID:   req.ID,
		ExecutionID:  executionID,
		StepIndex:    &stepIndex,
		Outcome:      models.AuditSuccess,
		RiskLevel:    impact,
		Payload:      map[string]any{"required_approvals": required, "expires_at": req.ExpiresAt},
	})
	return req, nil
}

// Approve records one approver's decision. Duplicate approvers are ignored.
// The caller that pushes the count to the threshold resolves the request and
// enqueues the execution exactly once.
func (g *Gate) Approve(ctx context.Context, requestID, approverID string) (models.ApprovalRequest, error) {
	if approverID == "" {
		return models.ApprovalRequest{}, fmt.Errorf("approver id required")
	}
	req, added, err := g.store.AddApproval(ctx, requestID, approverID)
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("add approval: %w", err)
	}
	if req.Status != models.ApprovalPending {
		return req, fmt.Errorf("approval request is %s", req.Status)
	}
	if added {
		g.audit.Record(ctx, models.AuditEvent{
			EventType:    "approval.granted",
			ResourceType: "approval_request",
			ResourceID:   req.ID,
			ExecutionID:  req.ExecutionID,
			StepIndex:    &req.StepIndex,
			ActorID:      approverID,
			Outcome:      models.AuditSuccess,
			RiskLevel:    req.Impact,
			Payload:      map[string]any{"approvals": len(req.Approvals), "required": req.RequiredApprovals},
		})
	}
	if len(req.Approvals) < req.RequiredApprovals {
		return req, nil
	}
	won, err := g.store.ResolveApproval(ctx, req.ID, models.ApprovalApproved, g.now().UTC())
	if err != nil {
		return req, fmt.Errorf("resolve approval: %w", err)
	}
	req.Status = models.ApprovalApproved
	if won {
		telemetry.ApprovalsResolved.Inc()
		g.resume(ctx, req, "approved", approverID)
	}
	return req, nil
}

// Reject resolves the request rejected. First rejection wins; the engine
// fails the execution when it resumes.
func (g *Gate) Reject(ctx context.Context, requestID, approverID, reason string) (models.ApprovalRequest, error) {
	if approverID == "" {
		return models.ApprovalRequest{}, fmt.Errorf("approver id required")
	}
	req, err := g.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	won, err := g.store.ResolveApproval(ctx, req.ID, models.ApprovalRejected, g.now().UTC())
	if err != nil {
		return req, fmt.Errorf("resolve approval: %w", err)
	}
	if !won {
		cur, gerr := g.store.GetApprovalRequest(ctx, requestID)
		if gerr == nil {
			req = cur
		}
		return req, fmt.Errorf("approval request is %s", req.Status)
	}
	req.Status = models.ApprovalRejected
	telemetry.ApprovalsResolved.Inc()
	g.audit.Record(ctx, models.AuditEvent{
		EventType:    "approval.rejected",
		ResourceType: "approval_request",
		ResourceID:   req.ID,
		ExecutionID:  req.ExecutionID,
		StepIndex:    &req.StepIndex,
		ActorID:      approverID,
		Outcome:      models.AuditSuccess,
		RiskLevel:    req.Impact,
		Payload:      map[string]any{"reason": reason},
	})
	g.resume(ctx, req, "rejected", approverID)
	return req, nil
}

// SweepExpired expires pending requests past their deadline and nudges the
// owning executions so the engine applies the automation's timeout policy.
func (g *Gate) SweepExpired(ctx context.Context) (int, error) {
	pending, err := g.store.ListExpiredPending(ctx, g.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list expired approvals: %w", err)
	}
	expired := 0
	for _, req := range pending {
		won, err := g.store.ResolveApproval(ctx, req.ID, models.ApprovalExpired, g.now().UTC())
		if err != nil {
			g.log.WithError(err).WithField("request_id", req.ID).Warn("expire approval failed")
			continue
		}
		if !won {
			continue
		}
		expired++
		telemetry.ApprovalsExpired.Inc()
		req.Status = models.ApprovalExpired
		g.audit.Record(ctx, models.AuditEvent{
			EventType:    "approval.expired",
			ResourceType: "approval_request",
			ResourceID:   req.ID,
			ExecutionID:  req.ExecutionID,
			StepIndex:    &req.StepIndex,
			Outcome:      models.AuditSuccess,
			RiskLevel:    req.Impact,
		})
		g.resume(ctx, req, "expired", models.ActorSystem)
	}
	return expired, nil
}

func (g *Gate) resume(ctx context.Context, req models.ApprovalRequest, resolution, actor string) {
	if err := g.runq.Enqueue(ctx, req.ExecutionID); err != nil {
		// The schedule/approval sweeps regenerate lost nudges; log and move on.
		g.log.WithError(err).WithFields(logrus.Fields{
			"execution_id": req.ExecutionID,
			"resolution":   resolution,
			"actor":        actor,
		}).Error("enqueue resumed execution failed")
	}
}
