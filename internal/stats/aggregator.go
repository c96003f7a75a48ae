package stats

import (
	"context"
	"fmt"

	"automation-workflow-engine/internal/models"
	"automation-workflow-engine/internal/store"
	"automation-workflow-engine/internal/telemetry"
)

// Aggregator folds terminal executions into per-automation rollups. The
// rollup lives on the automation row and is updated incrementally, so
// reading stats never scans execution history.
type Aggregator struct {
	store store.AutomationStore
}

func NewAggregator(st store.AutomationStore) *Aggregator {
	return &Aggregator{store: st}
}

// OnExecutionTerminal applies one finished execution to its automation's
// counters. Cancelled executions count as runs, not successes.
func (a *Aggregator) OnExecutionTerminal(ctx context.Context, e models.Execution) error {
	if !models.ExecutionIsTerminal(e.Status) {
		return fmt.Errorf("execution %s is not terminal (%s)", e.ID, e.Status)
	}
	success := e.Status == models.ExecutionCompleted
	switch e.Status {
	case models.ExecutionCompleted:
		telemetry.ExecutionsComplete.Inc()
	case models.ExecutionFailed:
		telemetry.ExecutionsFailed.Inc()
	}
	if err := a.store.BumpAutomationStats(ctx, e.AutomationID, success, e.ExecutionTimeMs); err != nil {
		return fmt.Errorf("bump automation stats: %w", err)
	}
	return nil
}
