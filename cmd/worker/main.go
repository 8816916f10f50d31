package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"campaign-lifecycle/internal/advisory"
	"campaign-lifecycle/internal/archive"
	"campaign-lifecycle/internal/bounce"
	"campaign-lifecycle/internal/config"
	"campaign-lifecycle/internal/maintenance"
	"campaign-lifecycle/internal/models"
	"campaign-lifecycle/internal/notify"
	"campaign-lifecycle/internal/orchestrator"
	"campaign-lifecycle/internal/provider"
	"campaign-lifecycle/internal/queue"
	"campaign-lifecycle/internal/ratelimit"
	"campaign-lifecycle/internal/store"
	"campaign-lifecycle/internal/telemetry"
	workerproc "campaign-lifecycle/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	flush, err := telemetry.InitSentry(cfg.SentryDSN, cfg.Env)
	if err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient, cfg)

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	prov := provider.NewClient(cfg, logger.Named("provider"))
	notifier := notify.NewQueued(q, cfg)

	var advisor advisory.Advisor = advisory.Disabled{}
	if cfg.GeminiAPIKey != "" {
		g, err := advisory.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger.Named("advisory"))
		if err != nil {
			logger.Warn("advisory disabled", zap.Error(err))
		} else {
			advisor = g
		}
	}

	reports, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init report archive", zap.Error(err))
	}

	engine := bounce.NewEngine(cfg, bounce.DefaultClassifier(), prov, prov, st, logger.Named("bounce"))
	runner := maintenance.NewRunner(cfg, maintenance.Deps{
		Bouncer:  engine,
		Lists:    prov,
		Runs:     st,
		Advisor:  advisor,
		Archive:  reports,
		Notifier: notifier,
	}, logger.Named("maintenance"))

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Rounds:     st,
		Sender:     prov,
		Readiness:  prov,
		Metrics:    prov,
		Notifier:   notifier,
		Maintainer: runner,
	}, logger.Named("orchestrator"))

	var publisher notify.Publisher
	if cfg.AMQPURL != "" {
		p, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger.Named("amqp"))
		if err != nil {
			logger.Fatal("connect amqp", zap.Error(err))
		}
		defer p.Close()
		publisher = p
	}
	dispatcher := notify.NewDispatcher(publisher, logger.Named("notify"))

	limiter := ratelimit.NewQueueLimiter(redisClient, cfg.RateLimitCapacity, cfg.StageQueue, cfg.CleanupQueue, cfg.NotifyQueue)
	processor := workerproc.NewProcessor(cfg, q, limiter, logger, workerID)
	processor.SetAuditor(st)
	processor.SetQueueLock(q)
	for _, stage := range models.Stages {
		processor.RegisterHandler(string(stage), orch.Handle)
	}
	processor.RegisterHandler(notify.Kind, dispatcher.Handle)
	processor.OnDeadLetter(func(ctx context.Context, job models.Job, err error) {
		telemetry.ReportFailure(err, map[string]string{"job_id": job.ID, "queue": job.Queue, "kind": job.Kind})
		if job.Kind == notify.Kind {
			return
		}
		nerr := notifier.Notify(ctx, models.Notification{
			ID:       uuid.NewString(),
			Severity: "critical",
			Title:    fmt.Sprintf("Job %s dead-lettered", job.ID),
			Body:     err.Error(),
			Fields:   map[string]string{"queue": job.Queue, "kind": job.Kind, "attempts": fmt.Sprintf("%d", job.Attempts)},
		})
		if nerr != nil {
			logger.Warn("dead-letter notification failed", zap.String("job_id", job.ID), zap.Error(nerr))
		}
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
}
