package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"automation-workflow-engine/internal/action"
	"automation-workflow-engine/internal/approval"
	"automation-workflow-engine/internal/audit"
	"automation-workflow-engine/internal/condition"
	"automation-workflow-engine/internal/models"
	"automation-workflow-engine/internal/schedule"
	"automation-workflow-engine/internal/stats"
	"automation-workflow-engine/internal/store"
)

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

type staticProvider map[string]map[string]any

func (p staticProvider) Get(_ context.Context, entityID string) (map[string]any, error) {
	state, ok := p[entityID]
	if !ok {
		return nil, errors.New("entity not found")
	}
	return state, nil
}

type recordingTransport struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *recordingTransport) Perform(_ context.Context, _ string, params map[string]any, _ map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
	if r.fail != nil {
		if err, ok := r.fail[name]; ok {
			return nil, err
		}
	}
	return map[string]any{"performed": name}, nil
}

type harness struct {
	store     *store.Memory
	queue     *fakeQueue
	transport *recordingTransport
	scheduler *schedule.Scheduler
	gate      *approval.Gate
	engine    *Engine

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advanceClock(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func newHarness(t *testing.T, entities condition.EntityStateProvider) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemory(),
		queue:     &fakeQueue{},
		transport: &recordingTransport{},
		now:       time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
	}
	auditLog := audit.New(h.store, nil, 30, 64)
	auditLog.SetNow(h.clock)

	invoker := action.NewInvoker(auditLog, 3)
	invoker.SetSleep(func(context.Context, time.Duration) error { return nil })
	for _, kind := range []string{"email.send", "account.delete", "webhook.post"} {
		invoker.Register(kind, h.transport)
	}

	h.scheduler = schedule.NewScheduler(h.store, h.queue, auditLog, "worker-test", time.Minute)
	h.scheduler.SetNow(h.clock)
	h.gate = approval.NewGate(h.store, h.queue, auditLog)
	h.gate.SetNow(h.clock)

	evaluator := condition.NewEvaluator(entities)
	h.engine = New(h.store, invoker, evaluator, h.gate, h.scheduler, stats.NewAggregator(h.store), h.queue, auditLog, entities)
	h.engine.SetNow(h.clock)
	return h
}

func intPtr(i int) *int { return &i }

func (h *harness) createAutomation(t *testing.T, a models.Automation) models.Automation {
	t.Helper()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = models.AutomationActive
	}
	a.CreatedAt = h.clock()
	require.NoError(t, models.ValidateSteps(a.Steps))
	require.NoError(t, h.store.CreateAutomation(context.Background(), &a))
	return a
}

func (h *harness) fireTrigger(t *testing.T, a models.Automation, entityID string) models.Trigger {
	t.Helper()
	tr := models.Trigger{
		ID:           uuid.New().String(),
		AutomationID: a.ID,
		EntityID:     entityID,
		Kind:         a.TriggerKind,
		Status:       models.TriggerPending,
		DedupeKey:    uuid.New().String(),
		CreatedAt:    h.clock(),
	}
	created, err := h.store.InsertTrigger(context.Background(), &tr, time.Hour)
	require.NoError(t, err)
	require.True(t, created)
	return tr
}

// drain advances every enqueued execution until the queue goes quiet, the
// way the worker loop would.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		h.queue.mu.Lock()
		if len(h.queue.ids) == 0 {
			h.queue.mu.Unlock()
			return
		}
		id := h.queue.ids[0]
		h.queue.ids = h.queue.ids[1:]
		h.queue.mu.Unlock()
		require.NoError(t, h.engine.Advance(context.Background(), id))
	}
	t.Fatal("queue did not drain")
}

func TestFullWorkflowRunsToCompletion(t *testing.T) {
	entities := staticProvider{"sub-1": {"plan": "pro"}}
	h := newHarness(t, entities)
	ctx := context.Background()

	a := h.createAutomation(t, models.Automation{
		Name:        "welcome series",
		TriggerKind: models.TriggerSubscriberCreated,
		Steps: []models.Step{
			{Index: 0, Kind: models.StepAction, ActionKind: "email.send", Impact: models.ImpactLow, Params: map[string]any{"name": "welcome"}},
			{Index: 1, Kind: models.StepDelay, DelaySeconds: 3600},
			{Index: 2, Kind: models.StepCondition, Condition: &models.Condition{Field: "plan", Operator: "equals", Value: "pro"}, OnTrue: intPtr(3), OnFalse: intPtr(4)},
			{Index: 3, Kind: models.StepAction, ActionKind: "email.send", Impact: models.ImpactLow, Params: map[string]any{"name": "pro-upsell"}},
			{Index: 4, Kind: models.StepTerminal},
		},
	})
	tr := h.fireTrigger(t, a, "sub-1")

	exec, err := h.engine.Start(ctx, a, tr)
	require.NoError(t, err)
	h.drain(t)

	// Parked on the delay with the first action done.
	got, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionWaitingDelay, got.Status)
	require.Equal(t, []string{"welcome"}, h.transport.calls)

	// An early nudge before the delay is due is a no-op.
	require.NoError(t, h.engine.Advance(ctx, exec.ID))
	got, _ = h.store.GetExecution(ctx, exec.ID)
	require.Equal(t, models.ExecutionWaitingDelay, got.Status)

	h.advanceClock(time.Hour + time.Minute)
	fired, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fired)
	h.drain(t)

	got, err = h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, got.Status)
	require.Equal(t, []string{"welcome", "pro-upsell"}, h.transport.calls)
	require.NotNil(t, got.CompletedAt)

	// Step results record the causal path through the graph.
	outcomes := make([]string, 0, len(got.StepResults))
	for _, r := range got.StepResults {
		outcomes = append(outcomes, r.Outcome)
	}
	require.Equal(t, []string{
		models.StepOutcomeCompleted,
		models.StepOutcomeScheduled,
		models.StepOutcomeBranched,
		models.StepOutcomeCompleted,
	}, outcomes)

	// The trigger was marked fired and stats rolled up.
	trGot, err := h.store.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, models.TriggerFired, trGot.Status)
	aGot, err := h.store.GetAutomation(ctx, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, aGot.ExecutionCount)
	require.EqualValues(t, 1, aGot.SuccessCount)
}

func TestConditionErrorTakesFalseBranch(t *testing.T) {
	// No entity state at all: evaluation errors must degrade to the false
	// branch, not fail the execution.
	h := newHarness(t, staticProvider{})
	ctx := context.Background()

	a := h.createAutomation(t, models.Automation{
		Name:        "branchy",
		TriggerKind: models.TriggerEmailOpened,
		Steps: []models.Step{
			{Index: 0, Kind: models.StepCondition, Condition: &models.Condition{Field: "plan", Operator: "equals", Value: "pro"}, OnTrue: intPtr(1), OnFalse: intPtr(2)},
			{Index: 1, Kind: models.StepAction, ActionKind: "email.send", Params: map[string]any{"name": "true-branch"}},
			{Index: 2, Kind: models.StepTerminal},
		},
	})
	tr := h.fireTrigger(t, a, "ghost")
	exec, err := h.engine.Start(ctx, a, tr)
	require.NoError(t, err)
	h.drain(t)

	got, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, got.Status)
	require.Empty(t, h.transport.calls, "false branch skips the action")
}

func TestActionFailureConfinedToExecution(t *testing.T) {
	h := newHarness(t, staticProvider{"sub-1": {}})
	h.transport.fail = map[string]error{"flaky": errors.New("provider down")}
	ctx := context.Background()

	a := h.createAutomation(t, models.Automation{
		Name:        "fragile",
		TriggerKind: models.TriggerEventCustom,
		Steps: []models.Step{
			{Index: 0, Kind: models.StepAction, ActionKind: "webhook.post", Params: map[string]any{"name": "flaky"}},
			{Index: 1, Kind: models.StepTerminal},
		},
	})
	tr := h.fireTrigger(t, a, "sub-1")
	exec, err := h.engine.Start(ctx, a, tr)
	require.NoError(t, err)
	h.drain(t)

	got, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionFailed, got.Status)
	require.Contains(t, got.FailureReason, "after 3 attempts")
	require.Len(t, h.transport.calls, 3)

	// A second entity still runs: the failure stays confined.
	tr2 := h.fireTrigger(t, a, "sub-1")
	tr2.EntityID = "sub-2"
	h.transport.fail = nil
	exec2, err := h.engine.Start(ctx, a, tr2)
	require.NoError(t, err)
	h.drain(t)
	got2, err := h.store.GetExecution(ctx, exec2.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, got2.Status)

	aGot, err := h.store.GetAutomation(ctx, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, aGot.ExecutionCount)
	require.EqualValues(t, 1, aGot.SuccessCount)
}

func TestReEntryRejectedWhileLive(t *testing.T) {
	h := newHarness(t, staticProvider{"sub-1": {}})
	ctx := context.Background()

	a := h.createAutomation(t, models.Automation{
		Name:        "slow",
		TriggerKind: models.TriggerSegmentJoined,
		Steps: []models.Step{
			{Index: 0, Kind: models.StepDelay, DelaySeconds: 600},
			{Index: 1, Kind: models.StepTerminal},
		},
	})
	tr := h.fireTrigger(t, a, "sub-1")
	exec, err := h.engine.Start(ctx, a, tr)
	require.NoError(t, err)
	h.drain(t)

	tr2 := h.fireTrigger(t, a, "sub-1")
	_, err = h.engine.Start(ctx, a, tr2)
	require.ErrorIs(t, err, ErrReEntry)

	// Once the first completes, the entity may enter again.
	h.advanceClock(11 * time.Minute)
	_, err = h.scheduler.Tick(ctx)
	require.NoError(t, err)
	h.drain(t)
	got, _ := h.store.GetExecution(ctx, exec.ID)
	require.Equal(t, models.ExecutionCompleted, got.Status)

	tr3 := h.fireTrigger(t, a, "sub-1")
	_, err = h.engine.Start(ctx, a, tr3)
	require.NoError(t, err)
}

func TestAllowReEntryBypassesLiveSlot(t *testing.T) {
	h := newHarness(t, staticProvider{"sub-1": {}})
	ctx := context.Background()

	a := h.createAutomation(t, models.Automation{
		Name:         "re-enterable",
		TriggerKind:  models.TriggerSegmentJoined,
		AllowReEntry: true,
		Steps: []models.Step{
			{Index: 0, Kind: models.StepDelay, DelaySeconds: 600},
			{Index: 1, Kind: models.StepTerminal},
		},
	})
	_, err := h.engine.Start(ctx, a, h.fireTrigger(t, a, "sub-1"))
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, a, h.fireTrigger(t, a, "sub-1"))
	require.NoError(t, err)
}

func TestApprovalGateParksAndResumes(t *testing.T) {
	h := newHarness(t, staticProvider{"sub-1": {}})
	ctx := context.Background()

	a := h.createAutomation(t, models.Automation{
		Name:        "dangerous",
		TriggerKind: models.TriggerEventCustom,
		Steps: []models.Step{
			{Index: 0, Kind: models.StepAction, ActionKind: "account.delete", Impact: models.ImpactHigh, Params: map[string]any{"name": "delete"}},
			{Index: 1, Kind: models.StepTerminal},
		},
	})
	tr := h.fireTrigger(t, a, "sub-1")
	exec, err := h.engine.Start(ctx, a, tr)
	require.NoError(t, err)
	h.drain(t)

	got, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionWaitingApproval, got.Status)
	require.Empty(t, h.transport.calls, "gated action must not run before approval")

	req, err := h.store.GetApprovalByStep(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 2, req.RequiredApprovals)

	// A duplicate nudge while pending stays parked.
	require.NoError(t, h.engine.Advance(ctx, exec.ID))
	got, _ = h.store.GetExecution(ctx, exec.ID)
	require.Equal(t, models.ExecutionWaitingApproval, got.Status)

	_, err = h.gate.Approve(ctx, req.ID, "alice")
	require.NoError(t, err)
	_, err = h.gate.Approve(ctx, req.ID, "bob")
	require.NoError(t, err)
	h.drain(t)

	got, err = h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, got.Status)
	require.Equal(t, []string{"delete"}, h.transport.calls, "approved action runs exactly once")
}

func TestApprovalRejectionFailsExecution(t *testing.T) {
	h := newHarness(t, staticProvider{"sub-1": {}})
	ctx := context.Background()

	a := h.createAutomation(t, models.Automation{
		Name:        "dangerous",
		TriggerKind: models.TriggerEventCustom,
		Steps: []models.Step{
			{Index: 0, Kind: models.StepAction, ActionKind: "account.delete", Impact: models.ImpactMedium, Params: map[string]any{"name": "delete"}},
			{Index: 1, Kind: models.StepTerminal},
		},
	})
	exec, err := h.engine.Start(ctx, a, h.fireTrigger(t, a, "sub-1"))
	require.NoError(t, err)
	h.drain(t)

	req, err := h.store.GetApprovalByStep(ctx, exec.ID, 0)
	require.NoError(t, err)
	_, err = h.gate.Reject(ctx, req.ID, "alice", "no")
	require.NoError(t, err)
	h.drain(t)

	got, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionFailed, got.Status)
	require.Equal(t, "approval_rejected", got.FailureReason)
	require.Empty(t, h.transport.calls)

	// The terminal rollup and failure audit happen exactly once.
	aGot, err := h.store.GetAutomation(ctx, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, aGot.ExecutionCount)
	require.EqualValues(t, 0, aGot.SuccessCount)
	failures, err := h.store.QueryAuditEvents(ctx, store.AuditFilter{ExecutionID: exec.ID, EventType: "execution.failed"})
	require.NoError(t, err)
	require.Len(t, failures, 1)
}

func TestApprovalExpiryPolicies(t *testing.T) {
	for _, tc := range []struct {
		name       string
		resume     bool
		wantStatus string
	}{
		{"default fails", false, models.ExecutionFailed},
		{"resume skips step", true, models.ExecutionCompleted},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, staticProvider{"sub-1": {}})
			ctx := context.Background()

			a := h.createAutomation(t, models.Automation{
				Name:                    "timed",
				TriggerKind:             models.TriggerEventCustom,
				ResumeOnApprovalTimeout: tc.resume,
				Steps: []models.Step{
					{Index: 0, Kind: models.StepAction, ActionKind: "account.delete", Impact: models.ImpactCritical, Params: map[string]any{"name": "delete"}},
					{Index: 1, Kind: models.StepTerminal},
				},
			})
			exec, err := h.engine.Start(ctx, a, h.fireTrigger(t, a, "sub-1"))
			require.NoError(t, err)
			h.drain(t)

			h.advanceClock(2 * time.Hour) // past the critical one-hour window
			n, err := h.gate.SweepExpired(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			h.drain(t)

			got, err := h.store.GetExecution(ctx, exec.ID)
			require.NoError(t, err)
			require.Equal(t, tc.wantStatus, got.Status)
			require.Empty(t, h.transport.calls, "expired approval never runs the action")
			aGot, err := h.store.GetAutomation(ctx, a.ID)
			require.NoError(t, err)
			require.EqualValues(t, 1, aGot.ExecutionCount)
			if !tc.resume {
				require.Equal(t, "approval_expired", got.FailureReason)
			} else {
				last := got.StepResults[len(got.StepResults)-1]
				require.Equal(t, models.StepOutcomeSkipped, last.Outcome)
			}
		})
	}
}

func TestCancelClearsPendingWork(t *testing.T) {
	h := newHarness(t, staticProvider{"sub-1": {}})
	ctx := context.Background()

	a := h.createAutomation(t, models.Automation{
		Name:        "slow",
		TriggerKind: models.TriggerSegmentJoined,
		Steps: []models.Step{
			{Index: 0, Kind: models.StepDelay, DelaySeconds: 600},
			{Index: 1, Kind: models.StepTerminal},
		},
	})
	exec, err := h.engine.Start(ctx, a, h.fireTrigger(t, a, "sub-1"))
	require.NoError(t, err)
	h.drain(t)

	require.NoError(t, h.engine.Cancel(ctx, exec.ID, "operator-1"))
	got, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCancelled, got.Status)

	// The schedule entry is gone: advancing the clock fires nothing.
	h.advanceClock(time.Hour)
	fired, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, fired)

	// Cancelling again reports the terminal state.
	require.Error(t, h.engine.Cancel(ctx, exec.ID, "operator-1"))
}

// TestWelcomeSeriesEndToEnd walks the full lifecycle: welcome email, a 48h
// delay, a condition branch on entity state, a gated reminder that needs an
// approver, and the stats rollup at the end.
func TestWelcomeSeriesEndToEnd(t *testing.T) {
	entities := staticProvider{"sub-1": {"opened_welcome": false}}
	h := newHarness(t, entities)
	ctx := context.Background()

	a := h.createAutomation(t, models.Automation{
		Name:        "welcome series",
		TriggerKind: models.TriggerSubscriberCreated,
		Steps: []models.Step{
			{Index: 0, Kind: models.StepAction, ActionKind: "email.send", Impact: models.ImpactLow, Params: map[string]any{"name": "welcome"}},
			{Index: 1, Kind: models.StepDelay, DelaySeconds: 48 * 3600},
			{Index: 2, Kind: models.StepCondition, Condition: &models.Condition{Field: "opened_welcome", Operator: "equals", Value: true}, OnTrue: intPtr(4), OnFalse: intPtr(3)},
			{Index: 3, Kind: models.StepAction, ActionKind: "email.send", Impact: models.ImpactMedium, Params: map[string]any{"name": "reminder"}},
			{Index: 4, Kind: models.StepTerminal},
		},
	})
	exec, err := h.engine.Start(ctx, a, h.fireTrigger(t, a, "sub-1"))
	require.NoError(t, err)
	h.drain(t)

	got, _ := h.store.GetExecution(ctx, exec.ID)
	require.Equal(t, models.ExecutionWaitingDelay, got.Status)
	require.Equal(t, []string{"welcome"}, h.transport.calls)

	h.advanceClock(48*time.Hour + time.Minute)
	fired, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fired)
	h.drain(t)

	// Subscriber never opened the welcome email, so the reminder step runs
	// and parks behind its approval gate.
	got, _ = h.store.GetExecution(ctx, exec.ID)
	require.Equal(t, models.ExecutionWaitingApproval, got.Status)
	require.Equal(t, []string{"welcome"}, h.transport.calls)

	req, err := h.store.GetApprovalByStep(ctx, exec.ID, 3)
	require.NoError(t, err)
	require.Equal(t, 1, req.RequiredApprovals)
	_, err = h.gate.Approve(ctx, req.ID, "alice")
	require.NoError(t, err)
	h.drain(t)

	got, _ = h.store.GetExecution(ctx, exec.ID)
	require.Equal(t, models.ExecutionCompleted, got.Status)
	require.Equal(t, []string{"welcome", "reminder"}, h.transport.calls)

	aGot, _ := h.store.GetAutomation(ctx, a.ID)
	require.EqualValues(t, 1, aGot.ExecutionCount)
	require.EqualValues(t, 1, aGot.SuccessCount)
	require.Greater(t, aGot.AvgExecutionMs(), int64(0))

	// The audit trail for the execution is causally ordered.
	events, err := h.store.QueryAuditEvents(ctx, store.AuditFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Seq, events[i-1].Seq)
	}
	require.Equal(t, "execution.started", events[0].EventType)
	require.Equal(t, "execution.completed", events[len(events)-1].EventType)
}

func TestStatusProgressionIsMonotonic(t *testing.T) {
	h := newHarness(t, staticProvider{"sub-1": {}})
	ctx := context.Background()

	a := h.createAutomation(t, models.Automation{
		Name:        "simple",
		TriggerKind: models.TriggerEventCustom,
		Steps: []models.Step{
			{Index: 0, Kind: models.StepAction, ActionKind: "email.send", Params: map[string]any{"name": "one"}},
			{Index: 1, Kind: models.StepTerminal},
		},
	})
	exec, err := h.engine.Start(ctx, a, h.fireTrigger(t, a, "sub-1"))
	require.NoError(t, err)
	h.drain(t)

	// Duplicate nudges after completion change nothing.
	for i := 0; i < 3; i++ {
		require.NoError(t, h.engine.Advance(ctx, exec.ID))
	}
	got, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, got.Status)
	require.Equal(t, []string{"one"}, h.transport.calls, "replayed nudges never re-run actions")
}
