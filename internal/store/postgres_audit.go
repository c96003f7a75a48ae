package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"automation-workflow-engine/internal/models"
)

func (p *Postgres) CreateApprovalRequest(ctx context.Context, r *models.ApprovalRequest) error {
	approvals, err := json.Marshal(r.Approvals)
	if err != nil {
		return fmt.Errorf("marshal approvals: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO approval_requests (id, execution_id, step_index, impact, required_approvals,
			approvals, status, expires_at, resolved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.ExecutionID, r.StepIndex, r.Impact, r.RequiredApprovals,
		approvals, r.Status, r.ExpiresAt, r.ResolvedAt, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

const approvalColumns = `id, execution_id, step_index, impact, required_approvals, approvals, status, expires_at, resolved_at, created_at`

func scanApproval(row pgx.Row) (models.ApprovalRequest, error) {
	var r models.ApprovalRequest
	var approvals []byte
	var expiresAt, resolvedAt pgtype.Timestamptz
	if err := row.Scan(&r.ID, &r.ExecutionID, &r.StepIndex, &r.Impact, &r.RequiredApprovals,
		&approvals, &r.Status, &expiresAt, &resolvedAt, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ApprovalRequest{}, ErrNotFound
		}
		return models.ApprovalRequest{}, fmt.Errorf("scan approval request: %w", err)
	}
	if err := json.Unmarshal(approvals, &r.Approvals); err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("unmarshal approvals: %w", err)
	}
	r.ExpiresAt = timePtr(expiresAt)
	r.ResolvedAt = timePtr(resolvedAt)
	return r, nil
}

func (p *Postgres) GetApprovalRequest(ctx context.Context, id string) (models.ApprovalRequest, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
	return scanApproval(row)
}

func (p *Postgres) GetApprovalByStep(ctx context.Context, executionID string, stepIndex int) (models.ApprovalRequest, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE execution_id = $1 AND step_index = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, executionID, stepIndex)
	return scanApproval(row)
}

func (p *Postgres) ListApprovalRequests(ctx context.Context, status string) ([]models.ApprovalRequest, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func collectApprovals(rows pgx.Rows) ([]models.ApprovalRequest, error) {
	var out []models.ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddApproval appends the approver atomically; the jsonb containment guard
// makes repeat approvals from the same approver no-ops.
func (p *Postgres) AddApproval(ctx context.Context, id, approverID string) (models.ApprovalRequest, bool, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE approval_requests
		SET approvals = approvals || to_jsonb($2::text)
		WHERE id = $1 AND status = $3 AND NOT (approvals ? $2)
		RETURNING `+approvalColumns+`
	`, id, approverID, models.ApprovalPending)
	r, err := scanApproval(row)
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.ApprovalRequest{}, false, err
	}
	// No row updated: the request is resolved, the approver already voted,
	// or the id is unknown. Disambiguate with a plain read.
	r, err = p.GetApprovalRequest(ctx, id)
	if err != nil {
		return models.ApprovalRequest{}, false, err
	}
	return r, false, nil
}

func (p *Postgres) ResolveApproval(ctx context.Context, id, status string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE approval_requests SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = $4
	`, id, status, at, models.ApprovalPending)
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ListExpiredPending(ctx context.Context, now time.Time) ([]models.ApprovalRequest, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2
		ORDER BY created_at
	`, models.ApprovalPending, now)
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func (p *Postgres) CancelApprovalRequests(ctx context.Context, executionID string) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE approval_requests SET status = $2, resolved_at = NOW()
		WHERE execution_id = $1 AND status = $3
	`, executionID, models.ApprovalCancelled, models.ApprovalPending)
	if err != nil {
		return 0, fmt.Errorf("cancel approval requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendAuditEvent assigns the per-execution sequence number inside the
// insert, so ordering holds regardless of worker clocks. Concurrent writers
// for the same execution can compute the same seq; the unique
// (execution_id, seq) index rejects the loser, who recomputes and retries.
func (p *Postgres) AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	for attempt := 0; attempt < 5; attempt++ {
		err = p.pool.QueryRow(ctx, `
			INSERT INTO audit_events (id, seq, ts, event_type, actor_id, resource_type, resource_id,
				execution_id, step_index, outcome, risk_level, payload, retention_days)
			SELECT $1,
				CASE WHEN $8 = '' THEN 0
				     ELSE COALESCE((SELECT MAX(seq) FROM audit_events WHERE execution_id = $8), 0) + 1
				END,
				$2, $3, $4, $5, $6, $7, $9, $10, $11, $12, $13
			RETURNING seq
		`, e.ID, e.Timestamp, e.EventType, e.ActorID, e.ResourceType, e.ResourceID,
			e.ExecutionID, e.ExecutionID, e.StepIndex, e.Outcome, e.RiskLevel, payload, e.RetentionDays).Scan(&e.Seq)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			continue
		}
		break
	}
	return fmt.Errorf("insert audit event: %w", err)
}

const auditColumns = `id, seq, ts, event_type, actor_id, resource_type, resource_id, execution_id, step_index, outcome, risk_level, payload, retention_days`

func scanAuditEvent(row pgx.Row) (models.AuditEvent, error) {
	var e models.AuditEvent
	var payload []byte
	var stepIndex pgtype.Int4
	if err := row.Scan(&e.ID, &e.Seq, &e.Timestamp, &e.EventType, &e.ActorID, &e.ResourceType, &e.ResourceID,
		&e.ExecutionID, &stepIndex, &e.Outcome, &e.RiskLevel, &payload, &e.RetentionDays); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AuditEvent{}, ErrNotFound
		}
		return models.AuditEvent{}, fmt.Errorf("scan audit event: %w", err)
	}
	if stepIndex.Valid {
		v := int(stepIndex.Int32)
		e.StepIndex = &v
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return models.AuditEvent{}, fmt.Errorf("unmarshal audit payload: %w", err)
		}
	}
	return e, nil
}

func (p *Postgres) QueryAuditEvents(ctx context.Context, f AuditFilter) ([]models.AuditEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	var since, until any
	if !f.Since.IsZero() {
		since = f.Since
	}
	if !f.Until.IsZero() {
		until = f.Until
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE ($1 = '' OR execution_id = $1)
		  AND ($2 = '' OR resource_type = $2)
		  AND ($3 = '' OR resource_id = $3)
		  AND ($4 = '' OR event_type = $4)
		  AND ($5::timestamptz IS NULL OR ts >= $5)
		  AND ($6::timestamptz IS NULL OR ts <= $6)
		ORDER BY execution_id, seq, ts
		LIMIT $7
	`, f.ExecutionID, f.ResourceType, f.ResourceID, f.EventType, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	var out []models.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) ListExpiredAuditEvents(ctx context.Context, now time.Time, limit int) ([]models.AuditEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE retention_days > 0 AND ts + make_interval(days => retention_days) < $1
		ORDER BY ts
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired audit events: %w", err)
	}
	defer rows.Close()
	var out []models.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteAuditEvents(ctx context.Context, ids []string) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM audit_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete audit events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
