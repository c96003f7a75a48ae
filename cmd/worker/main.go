package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"automation-workflow-engine/internal/action"
	"automation-workflow-engine/internal/approval"
	"automation-workflow-engine/internal/audit"
	"automation-workflow-engine/internal/condition"
	"automation-workflow-engine/internal/config"
	"automation-workflow-engine/internal/engine"
	"automation-workflow-engine/internal/queue"
	"automation-workflow-engine/internal/schedule"
	"automation-workflow-engine/internal/stats"
	"automation-workflow-engine/internal/store"
	"automation-workflow-engine/internal/telemetry"
	workerproc "automation-workflow-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	configureLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logrus.WithError(err).Fatal("migrations")
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	runq := queue.NewRunQueue(redisClient, cfg.VisibilityTimeout)

	auditLog := audit.New(st, newArchiver(ctx, cfg), cfg.AuditRetentionDays, cfg.AuditBufferSize)

	var entities condition.EntityStateProvider
	if cfg.EntityServiceURL != "" {
		entities = condition.NewHTTPProvider(cfg.EntityServiceURL)
	}
	evaluator := condition.NewEvaluator(entities)

	invoker := action.NewInvoker(auditLog, cfg.MaxActionAttempts)
	invoker.Register("webhook.post", action.NewWebhookTransport())
	invoker.Register("email.send", action.NewWebhookTransport())
	invoker.Register("log.write", action.NewLogTransport())

	gate := approval.NewGate(st, runq, auditLog)
	scheduler := schedule.NewScheduler(st, runq, auditLog, workerID, cfg.ScheduleLease)
	aggregator := stats.NewAggregator(st)
	eng := engine.New(st, invoker, evaluator, gate, scheduler, aggregator, runq, auditLog, entities)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logrus.WithError(err).Warn("metrics server stopped")
		}
	}()

	runner := workerproc.NewRunner(cfg, runq, eng, scheduler, gate, auditLog)
	logrus.WithFields(logrus.Fields{
		"worker_id":  workerID,
		"visibility": cfg.VisibilityTimeout,
		"lease":      cfg.ScheduleLease,
	}).Info("worker started")
	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		logrus.WithError(err).Warn("worker stopped")
	}
}

func newArchiver(ctx context.Context, cfg config.Config) audit.Archiver {
	if cfg.AuditS3Bucket != "" {
		client, err := audit.NewS3Client(ctx, cfg.AuditS3Region, cfg.AuditS3Endpoint, cfg.AuditS3PathStyle)
		if err != nil {
			logrus.WithError(err).Fatal("init s3 archiver")
		}
		return audit.NewS3Archiver(client, cfg.AuditS3Bucket)
	}
	if cfg.AuditArchiveDir != "" {
		return audit.NewLocalArchiver(cfg.AuditArchiveDir)
	}
	return nil
}

func configureLogging(cfg config.Config) {
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}
	if cfg.Env != "dev" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}
