package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"automation-workflow-engine/internal/models"
	"automation-workflow-engine/internal/store"
)

func TestRecordFillsDefaultsAndSequences(t *testing.T) {
	mem := store.NewMemory()
	l := New(mem, nil, 90, 16)
	ctx := context.Background()

	l.Record(ctx, models.AuditEvent{EventType: "execution.started", ResourceType: "execution", ResourceID: "e-1", ExecutionID: "e-1", Outcome: models.AuditSuccess})
	l.Record(ctx, models.AuditEvent{EventType: "action.attempted", ResourceType: "execution", ResourceID: "e-1", ExecutionID: "e-1", Outcome: models.AuditSuccess})

	events, err := mem.QueryAuditEvents(ctx, store.AuditFilter{ExecutionID: "e-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		require.NotEmpty(t, e.ID)
		require.False(t, e.Timestamp.IsZero())
		require.Equal(t, models.ActorSystem, e.ActorID)
		require.Equal(t, 90, e.RetentionDays)
	}
	require.Equal(t, int64(1), events[0].Seq)
	require.Equal(t, int64(2), events[1].Seq, "sequence is monotonic per execution")
}

type failingStore struct {
	*store.Memory
	failures int
}

func (f *failingStore) AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("db unavailable")
	}
	return f.Memory.AppendAuditEvent(ctx, e)
}

func TestRecordBuffersOnStoreFailure(t *testing.T) {
	fs := &failingStore{Memory: store.NewMemory(), failures: 1}
	l := New(fs, nil, 90, 16)
	ctx := context.Background()

	// Record never surfaces the failure to the caller.
	l.Record(ctx, models.AuditEvent{EventType: "execution.failed", ExecutionID: "e-1", Outcome: models.AuditFailure})

	events, err := fs.QueryAuditEvents(ctx, store.AuditFilter{ExecutionID: "e-1"})
	require.NoError(t, err)
	require.Empty(t, events)

	l.flush(ctx)
	events, err = fs.QueryAuditEvents(ctx, store.AuditFilter{ExecutionID: "e-1"})
	require.NoError(t, err)
	require.Len(t, events, 1, "buffered event lands once the store recovers")
}

func TestApplyRetentionArchivesThenDeletes(t *testing.T) {
	mem := store.NewMemory()
	dir := t.TempDir()
	l := New(mem, NewLocalArchiver(dir), 30, 16)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.SetNow(func() time.Time { return base })
	l.Record(ctx, models.AuditEvent{EventType: "old", ExecutionID: "e-1", Outcome: models.AuditSuccess})
	l.SetNow(func() time.Time { return base.AddDate(0, 0, 10) })
	l.Record(ctx, models.AuditEvent{EventType: "newer", ExecutionID: "e-1", Outcome: models.AuditSuccess})

	// 31 days after the first event: only it is past retention.
	l.SetNow(func() time.Time { return base.AddDate(0, 0, 31) })
	purged, err := l.ApplyRetention(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	remaining, err := mem.QueryAuditEvents(ctx, store.AuditFilter{ExecutionID: "e-1"})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "newer", remaining[0].EventType)

	archives, err := filepath.Glob(filepath.Join(dir, "audit", "*.json"))
	require.NoError(t, err)
	require.Len(t, archives, 1, "purged batch is archived before deletion")
}

type failingArchiver struct{}

func (failingArchiver) Archive(context.Context, string, []models.AuditEvent) error {
	return errors.New("bucket unreachable")
}

func TestApplyRetentionAbortsWhenArchiveFails(t *testing.T) {
	mem := store.NewMemory()
	l := New(mem, failingArchiver{}, 30, 16)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.SetNow(func() time.Time { return base })
	l.Record(ctx, models.AuditEvent{EventType: "old", ExecutionID: "e-1", Outcome: models.AuditSuccess})

	l.SetNow(func() time.Time { return base.AddDate(0, 0, 31) })
	_, err := l.ApplyRetention(ctx)
	require.Error(t, err)

	remaining, err := mem.QueryAuditEvents(ctx, store.AuditFilter{ExecutionID: "e-1"})
	require.NoError(t, err)
	require.Len(t, remaining, 1, "nothing is deleted when archiving fails")
}

func TestLocalArchiverWritesBatch(t *testing.T) {
	dir := t.TempDir()
	a := NewLocalArchiver(dir)
	err := a.Archive(context.Background(), "audit/batch-1", []models.AuditEvent{{ID: "x", EventType: "t"}})
	require.NoError(t, err)
	body, err := os.ReadFile(filepath.Join(dir, "audit", "batch-1.json"))
	require.NoError(t, err)
	require.Contains(t, string(body), `"x"`)
}
