package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"automation-workflow-engine/internal/approval"
	"automation-workflow-engine/internal/audit"
	"automation-workflow-engine/internal/config"
	"automation-workflow-engine/internal/engine"
	"automation-workflow-engine/internal/queue"
	"automation-workflow-engine/internal/schedule"
	"automation-workflow-engine/internal/telemetry"
)

// Runner is the worker process loop: it drains the run queue into the
// engine and drives the periodic sweeps that keep the system honest after
// crashes (schedule leases, approval expiry, audit retention).
type Runner struct {
	cfg       config.Config
	queue     *queue.RunQueue
	engine    *engine.Engine
	scheduler *schedule.Scheduler
	gate      *approval.Gate
	audit     *audit.Log
	log       *logrus.Entry
}

func NewRunner(cfg config.Config, q *queue.RunQueue, eng *engine.Engine, sched *schedule.Scheduler, gate *approval.Gate, auditLog *audit.Log) *Runner {
	return &Runner{
		cfg:       cfg,
		queue:     q,
		engine:    eng,
		scheduler: sched,
		gate:      gate,
		audit:     auditLog,
		log:       logrus.WithField("component", "worker"),
	}
}

// Run blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	go r.audit.Run(ctx)
	go r.sweepLoop(ctx)
	go r.retentionLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		id, err := r.queue.DequeueWithLease(ctx)
		if err != nil {
			r.log.WithError(err).Warn("dequeue failed")
			sleep(ctx, r.cfg.WorkerPollInterval)
			continue
		}
		if id == "" {
			sleep(ctx, r.cfg.WorkerPollInterval)
			continue
		}
		telemetry.InFlightGauge.Inc()
		err = r.engine.Advance(ctx, id)
		telemetry.InFlightGauge.Dec()
		if err != nil {
			// Leave the lease in place so the nudge is redelivered after
			// the visibility timeout.
			r.log.WithError(err).WithField("execution_id", id).Error("advance failed")
			continue
		}
		if err := r.queue.Ack(ctx, id); err != nil {
			r.log.WithError(err).WithField("execution_id", id).Warn("ack failed")
		}
	}
}

// sweepLoop runs the recovery sweeps: due schedule entries, lapsed schedule
// leases, lapsed run-queue leases, and expired approvals.
func (r *Runner) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := r.scheduler.Tick(ctx); err != nil {
			r.log.WithError(err).Warn("schedule tick failed")
		}
		if _, err := r.scheduler.Reclaim(ctx); err != nil {
			r.log.WithError(err).Warn("schedule reclaim failed")
		}
		if ids, err := r.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
			r.log.WithError(err).Warn("run queue reclaim failed")
		} else if len(ids) > 0 {
			r.log.WithField("count", len(ids)).Warn("requeued expired run leases")
		}
		if _, err := r.gate.SweepExpired(ctx); err != nil {
			r.log.WithError(err).Warn("approval sweep failed")
		}
		if depth, err := r.queue.ReadyDepth(ctx); err == nil {
			telemetry.RunQueueDepth.Set(float64(depth))
		}
	}
}

func (r *Runner) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := r.audit.ApplyRetention(ctx); err != nil {
			r.log.WithError(err).Warn("audit retention failed")
		} else if n > 0 {
			r.log.WithField("purged", n).Info("audit retention applied")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
