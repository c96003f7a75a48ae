package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"automation-workflow-engine/internal/models"
)

// CreateExecution inserts the execution and claims the live-execution
// marker in the same transaction. A held marker pointing at a still-live
// execution loses the claim; a stale marker left by a crashed purge is
// taken over.
func (p *Postgres) CreateExecution(ctx context.Context, e *models.Execution, allowReEntry bool) error {
	results, err := json.Marshal(e.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if !allowReEntry {
		tag, err := tx.Exec(ctx, `
			INSERT INTO live_executions (automation_id, entity_id, execution_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (automation_id, entity_id) DO NOTHING
		`, e.AutomationID, e.EntityID, e.ID)
		if err != nil {
			return fmt.Errorf("claim live execution: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var heldStatus string
			err := tx.QueryRow(ctx, `
				SELECT ex.status FROM live_executions le
				JOIN executions ex ON ex.id = le.execution_id
				WHERE le.automation_id = $1 AND le.entity_id = $2
			`, e.AutomationID, e.EntityID).Scan(&heldStatus)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("inspect live execution: %w", err)
			}
			if err == nil && !models.ExecutionIsTerminal(heldStatus) {
				return ErrConflict
			}
			if _, err := tx.Exec(ctx, `
				UPDATE live_executions SET execution_id = $3
				WHERE automation_id = $1 AND entity_id = $2
			`, e.AutomationID, e.EntityID, e.ID); err != nil {
				return fmt.Errorf("take over live execution: %w", err)
			}
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO executions (id, automation_id, trigger_id, entity_id, status, current_step_index,
			step_results, failure_reason, started_at, completed_at, execution_time_ms, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, e.ID, e.AutomationID, e.TriggerID, e.EntityID, e.Status, e.CurrentStepIndex,
		results, e.FailureReason, e.StartedAt, e.CompletedAt, e.ExecutionTimeMs, e.Version, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const executionColumns = `id, automation_id, trigger_id, entity_id, status, current_step_index,
	step_results, failure_reason, started_at, completed_at, execution_time_ms, version, created_at, updated_at`

func scanExecution(row pgx.Row) (models.Execution, error) {
	var e models.Execution
	var results []byte
	var startedAt, completedAt pgtype.Timestamptz
	if err := row.Scan(&e.ID, &e.AutomationID, &e.TriggerID, &e.EntityID, &e.Status, &e.CurrentStepIndex,
		&results, &e.FailureReason, &startedAt, &completedAt, &e.ExecutionTimeMs, &e.Version,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Execution{}, ErrNotFound
		}
		return models.Execution{}, fmt.Errorf("scan execution: %w", err)
	}
	if err := json.Unmarshal(results, &e.StepResults); err != nil {
		return models.Execution{}, fmt.Errorf("unmarshal step results: %w", err)
	}
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completedAt)
	return e, nil
}

func (p *Postgres) GetExecution(ctx context.Context, id string) (models.Execution, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	return scanExecution(row)
}

func (p *Postgres) ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.Execution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE ($1 = '' OR automation_id::text = $1)
		  AND ($2 = '' OR entity_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at
		LIMIT $4
	`, f.AutomationID, f.EntityID, f.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveExecution is a versioned compare-and-swap; terminal transitions
// release the live slot in the same transaction.
func (p *Postgres) SaveExecution(ctx context.Context, e *models.Execution) error {
	results, err := json.Marshal(e.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE executions
		SET status = $2, current_step_index = $3, step_results = $4, failure_reason = $5,
			started_at = $6, completed_at = $7, execution_time_ms = $8, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $9
	`, e.ID, e.Status, e.CurrentStepIndex, results, e.FailureReason,
		e.StartedAt, e.CompletedAt, e.ExecutionTimeMs, e.Version)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	if models.ExecutionIsTerminal(e.Status) {
		if _, err := tx.Exec(ctx, `
			DELETE FROM live_executions WHERE execution_id = $1
		`, e.ID); err != nil {
			return fmt.Errorf("release live execution: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	e.Version++
	return nil
}

func (p *Postgres) CreateScheduleEntry(ctx context.Context, s *models.ScheduleEntry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO schedule_entries (id, execution_id, step_index, scheduled_for, status, claimed_by, claimed_at, lease_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.ID, s.ExecutionID, s.StepIndex, s.ScheduledFor, s.Status, s.ClaimedBy, s.ClaimedAt, s.LeaseExpiresAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule entry: %w", err)
	}
	return nil
}

const scheduleColumns = `id, execution_id, step_index, scheduled_for, status, claimed_by, claimed_at, lease_expires_at, created_at`

func scanScheduleEntry(row pgx.Row) (models.ScheduleEntry, error) {
	var s models.ScheduleEntry
	var claimedAt, leaseExpires pgtype.Timestamptz
	if err := row.Scan(&s.ID, &s.ExecutionID, &s.StepIndex, &s.ScheduledFor, &s.Status,
		&s.ClaimedBy, &claimedAt, &leaseExpires, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ScheduleEntry{}, ErrNotFound
		}
		return models.ScheduleEntry{}, fmt.Errorf("scan schedule entry: %w", err)
	}
	s.ClaimedAt = timePtr(claimedAt)
	s.LeaseExpiresAt = timePtr(leaseExpires)
	return s, nil
}

func (p *Postgres) GetScheduleEntry(ctx context.Context, id string) (models.ScheduleEntry, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedule_entries WHERE id = $1`, id)
	return scanScheduleEntry(row)
}

// ClaimDueScheduleEntries performs the atomic lease claim. SKIP LOCKED
// keeps concurrent workers from fighting over the same rows.
func (p *Postgres) ClaimDueScheduleEntries(ctx context.Context, now time.Time, claimedBy string, leaseFor time.Duration, limit int) ([]models.ScheduleEntry, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE schedule_entries
		SET status = $1, claimed_by = $2, claimed_at = $3, lease_expires_at = $4
		WHERE id IN (
			SELECT id FROM schedule_entries
			WHERE status = $5 AND scheduled_for <= $3
			ORDER BY scheduled_for
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+scheduleColumns+`
	`, models.ScheduleClaimed, claimedBy, now, now.Add(leaseFor), models.SchedulePending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim schedule entries: %w", err)
	}
	defer rows.Close()
	var out []models.ScheduleEntry
	for rows.Next() {
		s, err := scanScheduleEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkScheduleEntryExecuted(ctx context.Context, id, claimedBy string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE schedule_entries SET status = $3
		WHERE id = $1 AND status = $4 AND claimed_by = $2
	`, id, claimedBy, models.ScheduleExecuted, models.ScheduleClaimed)
	if err != nil {
		return fmt.Errorf("mark schedule entry executed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE schedule_entries
		SET status = $1, claimed_by = '', claimed_at = NULL, lease_expires_at = NULL
		WHERE status = $2 AND lease_expires_at < $3
	`, models.SchedulePending, models.ScheduleClaimed, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim schedule leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) CancelScheduleEntries(ctx context.Context, executionID string) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE schedule_entries SET status = $2
		WHERE execution_id = $1 AND status IN ($3, $4)
	`, executionID, models.ScheduleCancelled, models.SchedulePending, models.ScheduleClaimed)
	if err != nil {
		return 0, fmt.Errorf("cancel schedule entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
