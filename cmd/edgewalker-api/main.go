// Edgewalker API — HTTP-интерфейс движка.
//
// API:
//   - Компилирует и публикует версии графов
//   - Запускает runs и обходит их entry-узлы
//   - Принимает callback'и по HTTP (user_gate, внешние воркеры)
//   - Отдаёт снимки runs и поток событий (SSE через Redis)
//
// Callback'и из RabbitMQ обрабатывает edgewalker-engine; API их не потребляет.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Edgewalker/internal/api"
	"github.com/shaiso/Edgewalker/internal/config"
	"github.com/shaiso/Edgewalker/internal/engine"
	"github.com/shaiso/Edgewalker/internal/mq"
	"github.com/shaiso/Edgewalker/internal/orchestrator"
	"github.com/shaiso/Edgewalker/internal/redisbus"
	"github.com/shaiso/Edgewalker/internal/repo"
	"github.com/shaiso/Edgewalker/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting edgewalker-api")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Подключаемся к базе данных
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
	logger.Info("connected to database")

	registry := engine.DefaultRegistry()
	if cfg.NodeTypesFile != "" {
		if registry, err = engine.LoadRegistryFile(cfg.NodeTypesFile); err != nil {
			logger.Error("failed to load node types", "error", err)
			os.Exit(1)
		}
	}

	// RabbitMQ — нужен для отправки задач при StartRun, RetryNode и callback'ах.
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, "edgewalker-api", logger)
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

	events := orchestrator.MultiSink{orchestrator.NewMQEventSink(publisher)}

	// Redis (опционально): без него /runs/{id}/events отвечает 503.
	var subscriber api.EventSubscriber
	var deduper orchestrator.Deduper
	if cfg.RedisURL != "" {
		bus, err := redisbus.Connect(ctx, cfg.RedisURL, redisbus.WithDedupTTL(cfg.DedupTTL))
		if err != nil {
			logger.Warn("Redis not available, event stream disabled", "error", err)
		} else {
			defer bus.Close()
			events = append(events, bus)
			subscriber = bus
			deduper = bus
		}
	}

	store := repo.NewStore(pool)
	orch := orchestrator.New(orchestrator.Config{
		Store:             store,
		Registry:          registry,
		Dispatcher:        orchestrator.NewMQDispatcher(publisher),
		Events:            events,
		Deduper:           deduper,
		StaleAfter:        cfg.StaleAfter,
		MaxAttempts:       cfg.MaxAttempts,
		FanoutConcurrency: cfg.FanoutConcurrency,
		Logger:            logger,
	})
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.Config{
		Orchestrator: orch,
		Store:        store,
		Events:       subscriber,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Routes())

	addr := ":" + cfg.APIPort

	// Создаём HTTP сервер с возможностью graceful shutdown
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	orch.Stop()
	logger.Info("stopped")
}
