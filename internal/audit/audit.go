package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"automation-workflow-engine/internal/models"
	"automation-workflow-engine/internal/store"
	"automation-workflow-engine/internal/telemetry"
)

// Log is the append-only audit recorder. Record never fails the caller:
// a failed write is buffered and retried out-of-band, because dropping an
// audit event is a compliance risk but blocking workflow progress is worse.
type Log struct {
	store         store.AuditStore
	archiver      Archiver
	buf           chan models.AuditEvent
	retentionDays int
	log           *logrus.Entry
	now           func() time.Time
}

// New constructs the recorder. archiver may be nil; the retention sweep
// then purges without archiving.
func New(st store.AuditStore, archiver Archiver, retentionDays, bufferSize int) *Log {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if retentionDays <= 0 {
		retentionDays = 365
	}
	return &Log{
		store:         st,
		archiver:      archiver,
		buf:           make(chan models.AuditEvent, bufferSize),
		retentionDays: retentionDays,
		log:           logrus.WithField("component", "audit"),
		now:           time.Now,
	}
}

// SetNow overrides the clock, used by tests.
func (l *Log) SetNow(now func() time.Time) { l.now = now }

// Record appends an audit event. Missing id/timestamp/retention are filled
// in. Write failures are queued for the out-of-band retry loop; overflow is
// counted and alerted, never propagated.
func (l *Log) Record(ctx context.Context, e models.AuditEvent) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.ActorID == "" {
		e.ActorID = models.ActorSystem
	}
	if e.RetentionDays == 0 {
		e.RetentionDays = l.retentionDays
	}
	if err := l.store.AppendAuditEvent(ctx, &e); err == nil {
		return
	} else {
		l.log.WithError(err).WithField("event_type", e.EventType).Warn("audit write failed, buffering")
	}
	select {
	case l.buf <- e:
		telemetry.AuditBufferGauge.Set(float64(len(l.buf)))
	default:
		telemetry.AuditDropped.Inc()
		l.log.WithField("event_type", e.EventType).Error("audit buffer full, event dropped")
	}
}

// Run drains the retry buffer until the context is cancelled.
func (l *Log) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.flush(ctx)
		}
	}
}

func (l *Log) flush(ctx context.Context) {
	for {
		select {
		case e := <-l.buf:
			if err := l.store.AppendAuditEvent(ctx, &e); err != nil {
				// Still failing: put it back and wait for the next tick.
				select {
				case l.buf <- e:
				default:
					telemetry.AuditDropped.Inc()
				}
				telemetry.AuditBufferGauge.Set(float64(len(l.buf)))
				return
			}
		default:
			telemetry.AuditBufferGauge.Set(float64(len(l.buf)))
			return
		}
	}
}

// Query returns audit events matching the filter, ordered by causal
// sequence within each execution.
func (l *Log) Query(ctx context.Context, f store.AuditFilter) ([]models.AuditEvent, error) {
	return l.store.QueryAuditEvents(ctx, f)
}

// ApplyRetention purges whole records past their retention period. Each
// batch is archived before deletion; an archive failure aborts the sweep so
// no record vanishes unarchived. This is the only mutation path for audit
// events.
func (l *Log) ApplyRetention(ctx context.Context) (int, error) {
	const batchSize = 500
	purged := 0
	for {
		expired, err := l.store.ListExpiredAuditEvents(ctx, l.now().UTC(), batchSize)
		if err != nil {
			return purged, fmt.Errorf("list expired audit events: %w", err)
		}
		if len(expired) == 0 {
			return purged, nil
		}
		if l.archiver != nil {
			key := fmt.Sprintf("audit/%s-%s", l.now().UTC().Format("20060102T150405"), expired[0].ID)
			if err := l.archiver.Archive(ctx, key, expired); err != nil {
				return purged, fmt.Errorf("archive audit batch: %w", err)
			}
		}
		ids := make([]string, len(expired))
		for i, e := range expired {
			ids[i] = e.ID
		}
		n, err := l.store.DeleteAuditEvents(ctx, ids)
		if err != nil {
			return purged, fmt.Errorf("delete audit events: %w", err)
		}
		purged += n
		if len(expired) < batchSize {
			return purged, nil
		}
	}
}
