// Edgewalker Engine — продвигает runs.
//
// Engine:
//   - Принимает callback'и воркеров из RabbitMQ
//   - Обходит рёбра графа и отправляет готовые узлы воркерам
//   - Публикует события в RabbitMQ и Redis
//   - По расписанию сверяет зависшие узлы
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Edgewalker/internal/config"
	"github.com/shaiso/Edgewalker/internal/engine"
	"github.com/shaiso/Edgewalker/internal/mq"
	"github.com/shaiso/Edgewalker/internal/orchestrator"
	"github.com/shaiso/Edgewalker/internal/redisbus"
	"github.com/shaiso/Edgewalker/internal/repo"
	"github.com/shaiso/Edgewalker/internal/scheduler"
	"github.com/shaiso/Edgewalker/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting edgewalker-engine")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := repo.Migrate(ctx, pool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	// Реестр типов узлов
	registry := engine.DefaultRegistry()
	if cfg.NodeTypesFile != "" {
		if registry, err = engine.LoadRegistryFile(cfg.NodeTypesFile); err != nil {
			logger.Error("failed to load node types", "error", err)
			os.Exit(1)
		}
	}

	// RabbitMQ — без него движок не может ни отправлять задачи, ни получать результаты.
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, "edgewalker-engine", logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}
	publisher := mq.NewPublisher(mqConn, logger)
	logger.Info("RabbitMQ connected")

	events := orchestrator.MultiSink{orchestrator.NewMQEventSink(publisher)}

	// Redis (опционально): поток событий для API и дедупликация callback'ов
	var deduper orchestrator.Deduper
	if cfg.RedisURL != "" {
		bus, err := redisbus.Connect(ctx, cfg.RedisURL, redisbus.WithDedupTTL(cfg.DedupTTL))
		if err != nil {
			logger.Warn("Redis not available, running without event stream and dedup", "error", err)
		} else {
			defer bus.Close()
			events = append(events, bus)
			deduper = bus
			logger.Info("Redis connected")
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:             repo.NewStore(pool),
		Registry:          registry,
		Dispatcher:        orchestrator.NewMQDispatcher(publisher),
		Events:            events,
		Deduper:           deduper,
		Conn:              mqConn,
		CallbackPrefetch:  cfg.CallbackPrefetch,
		StaleAfter:        cfg.StaleAfter,
		MaxAttempts:       cfg.MaxAttempts,
		FanoutConcurrency: cfg.FanoutConcurrency,
		Logger:            logger,
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// Периодическая сверка зависших узлов
	sched := scheduler.New(scheduler.Config{Logger: logger})
	if err := sched.Add("reconcile", cfg.ReconcileSchedule, scheduler.ReconcileJob(orch)); err != nil {
		logger.Error("invalid reconcile schedule", "error", err)
		os.Exit(1)
	}
	sched.Start(ctx)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("rabbitmq disconnected"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":" + cfg.EnginePort
	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	sched.Stop()
	orch.Stop()
	logger.Info("edgewalker-engine stopped")
}
