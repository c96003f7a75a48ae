package action

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"automation-workflow-engine/internal/audit"
	"automation-workflow-engine/internal/models"
	"automation-workflow-engine/internal/store"
)

func newTestInvoker(t *testing.T) (*Invoker, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	inv := NewInvoker(audit.New(mem, nil, 30, 16), 3)
	inv.SetSleep(func(context.Context, time.Duration) error { return nil })
	return inv, mem
}

func TestInvokeRetriesUntilSuccess(t *testing.T) {
	inv, mem := newTestInvoker(t)
	calls := 0
	seenAttemptIDs := map[string]bool{}
	inv.Register("email.send", TransportFunc(func(_ context.Context, attemptID string, _ map[string]any, _ map[string]any) (map[string]any, error) {
		calls++
		seenAttemptIDs[attemptID] = true
		if calls < 3 {
			return nil, errors.New("smtp unavailable")
		}
		return map[string]any{"message_id": "m-1"}, nil
	}))

	step := models.Step{Index: 0, Kind: models.StepAction, ActionKind: "email.send", Impact: models.ImpactLow}
	out, err := inv.Invoke(context.Background(), "exec-1", step, nil)
	require.NoError(t, err)
	require.Equal(t, "m-1", out["message_id"])
	require.Equal(t, 3, calls)
	require.Len(t, seenAttemptIDs, 3, "each attempt carries a fresh attempt id")

	events, err := mem.QueryAuditEvents(context.Background(), store.AuditFilter{ExecutionID: "exec-1", EventType: "action.attempted"})
	require.NoError(t, err)
	require.Len(t, events, 3, "every attempt is audited")
	require.Equal(t, models.AuditFailure, events[0].Outcome)
	require.Equal(t, models.AuditFailure, events[1].Outcome)
	require.Equal(t, models.AuditSuccess, events[2].Outcome)
}

func TestInvokeGivesUpAfterMaxAttempts(t *testing.T) {
	inv, mem := newTestInvoker(t)
	calls := 0
	inv.Register("webhook.post", TransportFunc(func(context.Context, string, map[string]any, map[string]any) (map[string]any, error) {
		calls++
		return nil, errors.New("boom")
	}))

	step := models.Step{Index: 2, Kind: models.StepAction, ActionKind: "webhook.post"}
	_, err := inv.Invoke(context.Background(), "exec-2", step, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 3 attempts")
	require.Equal(t, 3, calls)

	events, err := mem.QueryAuditEvents(context.Background(), store.AuditFilter{ExecutionID: "exec-2"})
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestInvokeUnknownKind(t *testing.T) {
	inv, _ := newTestInvoker(t)
	step := models.Step{Index: 0, Kind: models.StepAction, ActionKind: "sms.send"}
	_, err := inv.Invoke(context.Background(), "exec-3", step, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no transport registered")
}

func TestInvokeStopsWhenContextCancelled(t *testing.T) {
	mem := store.NewMemory()
	inv := NewInvoker(audit.New(mem, nil, 30, 16), 3)
	inv.SetSleep(func(ctx context.Context, _ time.Duration) error { return context.Canceled })
	inv.Register("email.send", TransportFunc(func(context.Context, string, map[string]any, map[string]any) (map[string]any, error) {
		return nil, errors.New("down")
	}))
	step := models.Step{Index: 0, Kind: models.StepAction, ActionKind: "email.send"}
	_, err := inv.Invoke(context.Background(), "exec-4", step, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffWithJitterBounds(t *testing.T) {
	base := time.Second
	max := 8 * time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		for i := 0; i < 20; i++ {
			b := backoffWithJitter(base, max, attempt)
			if b < base/2 || b > max {
				t.Fatalf("attempt %d: backoff out of range: %s", attempt, b)
			}
		}
	}
}
