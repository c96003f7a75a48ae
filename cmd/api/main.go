package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"automation-workflow-engine/internal/action"
	"automation-workflow-engine/internal/api"
	"automation-workflow-engine/internal/approval"
	"automation-workflow-engine/internal/audit"
	"automation-workflow-engine/internal/condition"
	"automation-workflow-engine/internal/config"
	"automation-workflow-engine/internal/engine"
	"automation-workflow-engine/internal/queue"
	"automation-workflow-engine/internal/ratelimit"
	"automation-workflow-engine/internal/schedule"
	"automation-workflow-engine/internal/stats"
	"automation-workflow-engine/internal/store"
	"automation-workflow-engine/internal/trigger"
)

func main() {
	cfg := config.Load()
	configureLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	runq := queue.NewRunQueue(redisClient, cfg.VisibilityTimeout)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	auditLog := audit.New(st, newArchiver(ctx, cfg), cfg.AuditRetentionDays, cfg.AuditBufferSize)
	go auditLog.Run(ctx)

	var entities condition.EntityStateProvider
	var segments trigger.SegmentMembership
	if cfg.EntityServiceURL != "" {
		entities = condition.NewHTTPProvider(cfg.EntityServiceURL)
		segments = trigger.NewHTTPSegmentProvider(cfg.EntityServiceURL)
	}
	evaluator := condition.NewEvaluator(entities)
	invoker := action.NewInvoker(auditLog, cfg.MaxActionAttempts)
	gate := approval.NewGate(st, runq, auditLog)
	scheduler := schedule.NewScheduler(st, runq, auditLog, cfg.WorkerID, cfg.ScheduleLease)
	aggregator := stats.NewAggregator(st)
	eng := engine.New(st, invoker, evaluator, gate, scheduler, aggregator, runq, auditLog, entities)
	matcher := trigger.NewMatcher(st, eng, evaluator, segments, auditLog, cfg.DedupeWindow)

	server := api.New(cfg, st, matcher, eng, gate, auditLog, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logrus.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
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
