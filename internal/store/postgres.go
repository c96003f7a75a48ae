package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"automation-workflow-engine/internal/models"
)

// Postgres is the production Store backed by pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) CreateAutomation(ctx context.Context, a *models.Automation) error {
	conditions, err := json.Marshal(a.TriggerConditions)
	if err != nil {
		return fmt.Errorf("marshal trigger conditions: %w", err)
	}
	steps, err := json.Marshal(a.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO automations (id, name, trigger_kind, trigger_conditions, steps, status, segment_id,
			allow_re_entry, resume_on_approval_timeout, execution_count, success_count, total_execution_ms,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, 0, $10, $10)
	`, a.ID, a.Name, a.TriggerKind, conditions, steps, a.Status, a.SegmentID,
		a.AllowReEntry, a.ResumeOnApprovalTimeout, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert automation: %w", err)
	}
	return nil
}

const automationColumns = `id, name, trigger_kind, trigger_conditions, steps, status, segment_id,
	allow_re_entry, resume_on_approval_timeout, execution_count, success_count, total_execution_ms,
	created_at, updated_at`

func scanAutomation(row pgx.Row) (models.Automation, error) {
	var a models.Automation
	var conditions, steps []byte
	if err := row.Scan(&a.ID, &a.Name, &a.TriggerKind, &conditions, &steps, &a.Status, &a.SegmentID,
		&a.AllowReEntry, &a.ResumeOnApprovalTimeout, &a.ExecutionCount, &a.SuccessCount, &a.TotalExecutionMs,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Automation{}, ErrNotFound
		}
		return models.Automation{}, fmt.Errorf("scan automation: %w", err)
	}
	if err := json.Unmarshal(conditions, &a.TriggerConditions); err != nil {
		return models.Automation{}, fmt.Errorf("unmarshal trigger conditions: %w", err)
	}
	if err := json.Unmarshal(steps, &a.Steps); err != nil {
		return models.Automation{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	return a, nil
}

func (p *Postgres) GetAutomation(ctx context.Context, id string) (models.Automation, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+automationColumns+` FROM automations WHERE id = $1`, id)
	return scanAutomation(row)
}

func (p *Postgres) ListAutomations(ctx context.Context) ([]models.Automation, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+automationColumns+` FROM automations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()
	return collectAutomations(rows)
}

func (p *Postgres) ListAutomationsByTrigger(ctx context.Context, kind models.TriggerKind) ([]models.Automation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+automationColumns+` FROM automations
		WHERE trigger_kind = $1 AND status IN ($2, $3)
		ORDER BY id
	`, kind, models.AutomationActive, models.AutomationPaused)
	if err != nil {
		return nil, fmt.Errorf("list automations by trigger: %w", err)
	}
	defer rows.Close()
	return collectAutomations(rows)
}

func collectAutomations(rows pgx.Rows) ([]models.Automation, error) {
	var out []models.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) SetAutomationStatus(ctx context.Context, id, status string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE automations SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("set automation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpAutomationStats applies a single terminal execution as arithmetic in
// SQL, so concurrent workers never lose an increment.
func (p *Postgres) BumpAutomationStats(ctx context.Context, id string, success bool, executionMs int64) error {
	successInc := 0
	if success {
		successInc = 1
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE automations
		SET execution_count = execution_count + 1,
			success_count = success_count + $2,
			total_execution_ms = total_execution_ms + $3,
			updated_at = NOW()
		WHERE id = $1
	`, id, successInc, executionMs)
	if err != nil {
		return fmt.Errorf("bump automation stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) InsertTrigger(ctx context.Context, t *models.Trigger, dedupeTTL time.Duration) (bool, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal trigger payload: %w", err)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	// Insert-or-ignore on the dedupe key; an expired key is reclaimed in
	// place so the window slides.
	tag, err := tx.Exec(ctx, `
		INSERT INTO trigger_dedupe (dedupe_key, trigger_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (dedupe_key) DO UPDATE
			SET trigger_id = EXCLUDED.trigger_id, expires_at = EXCLUDED.expires_at
			WHERE trigger_dedupe.expires_at <= NOW()
	`, t.DedupeKey, t.ID, time.Now().UTC().Add(dedupeTTL))
	if err != nil {
		return false, fmt.Errorf("insert dedupe key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO triggers (id, automation_id, entity_id, kind, payload, status, dedupe_key, scheduled_for, fired_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.AutomationID, t.EntityID, t.Kind, payload, t.Status, t.DedupeKey, t.ScheduledFor, t.FiredAt, t.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert trigger: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

const triggerColumns = `id, automation_id, entity_id, kind, payload, status, dedupe_key, scheduled_for, fired_at, created_at`

func scanTrigger(row pgx.Row) (models.Trigger, error) {
	var t models.Trigger
	var payload []byte
	var scheduledFor, firedAt pgtype.Timestamptz
	if err := row.Scan(&t.ID, &t.AutomationID, &t.EntityID, &t.Kind, &payload, &t.Status, &t.DedupeKey,
		&scheduledFor, &firedAt, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Trigger{}, ErrNotFound
		}
		return models.Trigger{}, fmt.Errorf("scan trigger: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return models.Trigger{}, fmt.Errorf("unmarshal trigger payload: %w", err)
		}
	}
	t.ScheduledFor = timePtr(scheduledFor)
	t.FiredAt = timePtr(firedAt)
	return t, nil
}

func (p *Postgres) GetTrigger(ctx context.Context, id string) (models.Trigger, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = $1`, id)
	return scanTrigger(row)
}

func (p *Postgres) ListTriggers(ctx context.Context, automationID string) ([]models.Trigger, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+triggerColumns+` FROM triggers
		WHERE ($1 = '' OR automation_id::text = $1)
		ORDER BY created_at
	`, automationID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()
	var out []models.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) SetTriggerStatus(ctx context.Context, id, status string, firedAt *time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE triggers SET status = $2, fired_at = COALESCE($3, fired_at) WHERE id = $1
	`, id, status, firedAt)
	if err != nil {
		return fmt.Errorf("set trigger status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ReleaseTriggerDedupe(ctx context.Context, dedupeKey string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM trigger_dedupe WHERE dedupe_key = $1`, dedupeKey)
	if err != nil {
		return fmt.Errorf("release dedupe key: %w", err)
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
