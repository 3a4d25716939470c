package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/engine"
	"github.com/shaiso/Edgewalker/internal/mq"
	"github.com/shaiso/Edgewalker/internal/repo"
	"github.com/shaiso/Edgewalker/internal/telemetry"
)

// Default configuration values.
const (
	defaultStaleAfter        = 10 * time.Minute
	defaultMaxAttempts       = 3
	defaultFanoutConcurrency = 16
	defaultReconcileBatch    = 100
	defaultCallbackPrefetch  = 10
)

// Orchestrator выполняет runs обходом рёбер скомпилированного графа.
//
// Orchestrator не хранит состояние выполнения в памяти: каждое событие
// (запуск run, callback воркера, retry) читает записи из Store, меняет их
// compare-and-set переходами и запускает готовые downstream узлы.
// Поэтому несколько процессов могут обрабатывать события одного run параллельно,
// а перезапущенный процесс продолжает с того места, где остановился предыдущий.
type Orchestrator struct {
	store      Store
	registry   engine.TypeRegistry
	dispatcher Dispatcher
	events     EventSink
	dedup      Deduper

	// kinds — реализация запуска для каждого вида узла.
	kinds map[engine.NodeKind]nodeKind

	// graphs — кэш скомпилированных графов (graphKey → *engine.ExecutionGraph).
	// Версии графов неизменяемы, поэтому кэш не инвалидируется.
	graphs sync.Map

	conn             *mq.Connection
	callbackConsumer *mq.Consumer
	callbackPrefetch int

	staleAfter        time.Duration
	maxAttempts       int
	fanoutConcurrency int
	reconcileBatch    int

	now func() time.Time

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Store — хранилище графов, runs и состояний узлов. Обязательно.
	Store Store

	// Registry — реестр типов узлов для компиляции (default: engine.DefaultRegistry()).
	Registry engine.TypeRegistry

	// Dispatcher — отправка задач воркерам. Обязательно, если в графах есть worker узлы.
	Dispatcher Dispatcher

	// Events — приёмник событий (default: без публикации).
	Events EventSink

	// Deduper — отсечение повторных callback'ов (default: нет).
	Deduper Deduper

	// Conn — подключение RabbitMQ для consumer'а callback'ов.
	// Без подключения callback'и принимаются только через HandleCallback.
	Conn *mq.Connection

	// CallbackPrefetch — prefetch consumer'а callback'ов (default: 10).
	CallbackPrefetch int

	// StaleAfter — сколько узел может быть running без изменений (default: 10m).
	StaleAfter time.Duration

	// MaxAttempts — сколько попыток даётся зависшему узлу (default: 3).
	MaxAttempts int

	// FanoutConcurrency — сколько экземпляров запускается параллельно (default: 16).
	FanoutConcurrency int

	// ReconcileBatch — сколько зависших узлов обрабатывается за проход (default: 100).
	ReconcileBatch int

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	registry := cfg.Registry
	if registry == nil {
		registry = engine.DefaultRegistry()
	}

	events := cfg.Events
	if events == nil {
		events = nopSink{}
	}

	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = DispatcherFunc(func(context.Context, DispatchRequest) error {
			return errors.New("no dispatcher configured")
		})
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	fanout := cfg.FanoutConcurrency
	if fanout <= 0 {
		fanout = defaultFanoutConcurrency
	}

	batch := cfg.ReconcileBatch
	if batch <= 0 {
		batch = defaultReconcileBatch
	}

	prefetch := cfg.CallbackPrefetch
	if prefetch <= 0 {
		prefetch = defaultCallbackPrefetch
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		store:             cfg.Store,
		registry:          registry,
		dispatcher:        dispatcher,
		events:            events,
		dedup:             cfg.Deduper,
		conn:              cfg.Conn,
		callbackPrefetch:  prefetch,
		staleAfter:        staleAfter,
		maxAttempts:       maxAttempts,
		fanoutConcurrency: fanout,
		reconcileBatch:    batch,
		now:               time.Now,
		logger:            logger,
	}
	o.kinds = map[engine.NodeKind]nodeKind{
		engine.KindWorker:      workerNode{o},
		engine.KindSplitter:    splitterNode{o},
		engine.KindCollector:   collectorNode{o},
		engine.KindUserGate:    userGateNode{o},
		engine.KindPassthrough: passthroughNode{o},
	}
	return o
}

// Start запускает consumer callback'ов, если задано подключение RabbitMQ.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	if o.conn == nil {
		o.logger.Info("orchestrator started without callback consumer")
		return nil
	}

	o.callbackConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
		Queue:    string(mq.QueueCallbacks),
		Handler:  o.handleCallbackDelivery,
		Prefetch: o.callbackPrefetch,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.callbackConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("callback consumer error", "error", err)
		}
	}()

	o.logger.Info("orchestrator started",
		"stale_after", o.staleAfter,
		"max_attempts", o.maxAttempts,
		"fanout_concurrency", o.fanoutConcurrency,
	)
	return nil
}

// Stop останавливает Orchestrator.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	if o.callbackConsumer != nil {
		o.callbackConsumer.Stop()
	}

	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// --- Loading ---

type graphKey struct {
	id      uuid.UUID
	version int
}

// runContext — run и его граф, загруженные для обработки одного события.
type runContext struct {
	run   *domain.Run
	graph *engine.ExecutionGraph
}

// loadGraph возвращает скомпилированный граф версии.
func (o *Orchestrator) loadGraph(ctx context.Context, graphID uuid.UUID, version int) (*engine.ExecutionGraph, error) {
	key := graphKey{graphID, version}
	if g, ok := o.graphs.Load(key); ok {
		return g.(*engine.ExecutionGraph), nil
	}

	v, err := o.store.GetGraphVersion(ctx, graphID, version)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, graphID, version)
		}
		return nil, fmt.Errorf("get graph version: %w", err)
	}

	g, err := engine.DecodeExecutionGraph(v.Execution)
	if err != nil {
		return nil, err
	}

	actual, _ := o.graphs.LoadOrStore(key, g)
	return actual.(*engine.ExecutionGraph), nil
}

// loadRun загружает run и его граф.
func (o *Orchestrator) loadRun(ctx context.Context, runID uuid.UUID) (*runContext, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	g, err := o.loadGraph(ctx, run.GraphID, run.Version)
	if err != nil {
		return nil, err
	}
	return &runContext{run: run, graph: g}, nil
}

// --- Events ---

// nodeChanged публикует событие и считает переход узла.
func (o *Orchestrator) nodeChanged(ctx context.Context, rc *runContext, st *domain.NodeState) {
	kind := ""
	if node, ok := rc.graph.Node(st.NodeID); ok {
		kind = string(node.Kind)
	}
	telemetry.NodeTransitions.WithLabelValues(string(st.Status), kind).Inc()

	o.logger.Debug("node status changed",
		"run_id", st.RunID,
		"node_key", st.Key,
		"status", st.Status,
		"attempt", st.Attempt,
	)

	o.publish(ctx, domain.Event{
		Type:    domain.EventNodeStatus,
		RunID:   st.RunID,
		NodeKey: st.Key,
		NodeID:  st.NodeID,
		Status:  st.Status,
		Error:   st.Error,
		At:      o.now(),
	})
}

// runChanged публикует событие и считает переход run.
func (o *Orchestrator) runChanged(ctx context.Context, runID uuid.UUID, status domain.Status, errMsg string) {
	telemetry.RunTransitions.WithLabelValues(string(status)).Inc()
	o.publish(ctx, domain.Event{
		Type:   domain.EventRunStatus,
		RunID:  runID,
		Status: status,
		Error:  errMsg,
		At:     o.now(),
	})
}

func (o *Orchestrator) publish(ctx context.Context, event domain.Event) {
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Warn("failed to publish event",
			"run_id", event.RunID,
			"type", event.Type,
			"error", err,
		)
	}
}
