package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/config"
	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/engine"
	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/httpapi"
	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/metrics"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("main", logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.Format(cfg.Logging.Format),
	})

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, engine.Options{
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		ScriptLibrary: cfg.ScriptLibrary,
		Logger:        logger.With("subsystem", "engine"),
		Metrics:       recorder,
	})
	if err != nil {
		logger.Error("failed to build engine, exiting", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	dlq := engine.NewDLQ(eng.Redis, eng.Scripts, eng.Broadcaster, logger.With("component", "dlq"), eng.Metrics)
	rules := engine.NewRuleStore(eng.Redis)
	topic := engine.NewTopicExchange(eng.Scripts, rules, eng.Broadcaster, logger.With("component", "topic"), cfg.Topic.ExchangeStream, cfg.Topic.ExchangeName)
	reqReply := engine.NewRequestReply(eng.Redis, eng.Scripts, dlq, eng.Broadcaster, logger.With("component", "request-reply"),
		cfg.RequestReply.RequestStream, cfg.RequestReply.ResponseStream, cfg.RequestReply.Group)
	scheduler := engine.NewScheduler(eng.Redis, eng.Broadcaster, engine.SchedulerConfig{
		ReminderStream: cfg.Scheduler.ReminderStream,
		PollInterval:   cfg.Scheduler.PollInterval,
		BatchSize:      cfg.Scheduler.BatchSize,
	}, logger.With("component", "scheduler"))

	tokenBucket, err := engine.NewTokenBucket(ctx, eng.Redis, dlq, engine.TokenBucketConfig{
		Stream:    cfg.TokenBucket.StreamName,
		Group:     cfg.TokenBucket.Group,
		Workers:   cfg.TokenBucket.Workers,
		IdleClaim: cfg.TokenBucket.IdleClaim,
		PollDelay: 200 * time.Millisecond,
		Max:       cfg.TokenBucket.Max,
		ProcessMs: cfg.TokenBucket.ProcessMs,
	}, logger.With("component", "token-bucket"))
	if err != nil {
		logger.Error("failed to build token bucket, exiting", "error", err)
		os.Exit(1)
	}

	ensureDefaultRules(ctx, rules, cfg.Topic.ExchangeName, logger)
	seedDemoStream(ctx, eng, cfg.DLQ.StreamName, logger)

	startBackgroundTasks(ctx, eng, dlq, reqReply, scheduler, tokenBucket, cfg, logger)

	router := httpapi.NewRouter(&httpapi.Dependencies{
		Redis:               eng.Redis,
		Logger:              logger.With("component", "http"),
		DLQ:                 dlq,
		WorkQueueStream:     cfg.WorkQueue.StreamName,
		FanoutStream:        cfg.Fanout.StreamName,
		FanoutGroupPrefix:   cfg.Fanout.GroupPrefix,
		Topic:               topic,
		ReqReply:            reqReply,
		PerKeyStream:        cfg.PerKey.StreamName,
		TokenBucket:         tokenBucket,
		Scheduler:           scheduler,
		Broadcaster:         eng.Broadcaster,
	})
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	router.GET("/metrics", func(c *gin.Context) { metricsHandler.ServeHTTP(c.Writer, c.Request) })

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
}

func startBackgroundTasks(ctx context.Context, eng *engine.Engine, dlq *engine.DLQ, reqReply *engine.RequestReply, scheduler *engine.Scheduler, tokenBucket *engine.TokenBucket, cfg *config.Config, logger *logging.Logger) {
	tailStreams := []string{
		cfg.DLQ.StreamName, cfg.DLQ.StreamName + ":dlq",
		cfg.WorkQueue.StreamName, cfg.Fanout.StreamName,
		cfg.Topic.ExchangeStream, cfg.RequestReply.ResponseStream,
		cfg.PerKey.StreamName, cfg.TokenBucket.StreamName,
		cfg.Scheduler.ReminderStream,
	}
	for _, stream := range tailStreams {
		tailer := engine.NewTailer(eng.Redis, eng.Broadcaster, engine.DefaultTailerConfig(stream), logger.With("component", "tailer", "stream", stream))
		go tailer.Run(ctx)
	}

	workQueue := engine.NewWorkQueue(dlq, engine.WorkQueueConfig{
		Stream: cfg.WorkQueue.StreamName, Group: cfg.WorkQueue.Group, Workers: cfg.WorkQueue.Workers,
		MinIdleMs: cfg.WorkQueue.MinIdleMs, MaxDeliveries: cfg.WorkQueue.MaxAttempts,
		PollDelay: cfg.WorkQueue.PollDelay, ProcessDelay: 50 * time.Millisecond,
	}, logger.With("component", "work-queue"))
	go func() {
		if err := workQueue.Run(ctx); err != nil {
			logger.Error("work queue exited", "error", err)
		}
	}()

	fanout := engine.NewFanout(dlq, engine.FanoutConfig{
		Stream: cfg.Fanout.StreamName, GroupPrefix: cfg.Fanout.GroupPrefix, Workers: cfg.Fanout.Workers,
		MinIdleMs: cfg.Fanout.MinIdleMs, MaxDeliveries: cfg.Fanout.MaxAttempts,
		PollDelay: cfg.Fanout.PollDelay, ProcessDelay: 50 * time.Millisecond,
	}, logger.With("component", "fanout"))
	go func() {
		if err := fanout.Run(ctx); err != nil {
			logger.Error("fanout exited", "error", err)
		}
	}()

	perKey := engine.NewPerKey(eng.Redis, dlq, engine.PerKeyConfig{
		Stream: cfg.PerKey.StreamName, Group: cfg.PerKey.Group, Workers: cfg.PerKey.Workers,
		LockTTL: cfg.PerKey.LockTTL, IdleClaim: cfg.PerKey.IdleClaim, PollDelay: 100 * time.Millisecond,
		ProcessDelay: 50 * time.Millisecond,
	}, logger.With("component", "per-key"))
	go func() {
		if err := perKey.Run(ctx); err != nil {
			logger.Error("per-key processor exited", "error", err)
		}
	}()

	go func() {
		if err := tokenBucket.Run(ctx); err != nil {
			logger.Error("token bucket exited", "error", err)
		}
	}()

	go scheduler.Run(ctx)

	go reqReply.RunResponder(ctx, "inventory-responder-1")
	go func() {
		if err := reqReply.ExpiryWatcher(ctx); err != nil {
			logger.Error("expiry watcher exited", "error", err)
		}
	}()
}

func ensureDefaultRules(ctx context.Context, rules *engine.RuleStore, exchange string, logger *logging.Logger) {
	existing, err := rules.List(ctx, exchange)
	if err != nil {
		logger.Warn("failed to check existing routing rules", "error", err)
		return
	}
	if len(existing) > 0 {
		return
	}
	if err := rules.ResetToDefaults(ctx, exchange); err != nil {
		logger.Warn("failed to seed default routing rules", "error", err)
	}
}

func seedDemoStream(ctx context.Context, eng *engine.Engine, stream string, logger *logging.Logger) {
	length, err := eng.Redis.XLen(ctx, stream).Result()
	if err != nil {
		logger.Warn("failed to check demo stream length", "stream", stream, "error", err)
		return
	}
	if length > 0 {
		return
	}
	_, err = eng.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: []string{"seed", "true", "createdAt", time.Now().Format(time.RFC3339)},
	}).Result()
	if err != nil {
		logger.Warn("failed to seed demo stream", "stream", stream, "error", err)
	}
}
