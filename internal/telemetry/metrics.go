package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики движка. Регистрируются в prometheus.DefaultRegisterer
// и отдаются через promhttp.Handler() на /metrics.
var (
	// NodeTransitions — переходы узлов по целевому статусу и виду узла.
	NodeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgewalker",
		Name:      "node_transitions_total",
		Help:      "Node status transitions by target status and node kind.",
	}, []string{"status", "kind"})

	// RunTransitions — переходы runs по целевому статусу.
	RunTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgewalker",
		Name:      "run_transitions_total",
		Help:      "Run status transitions by target status.",
	}, []string{"status"})

	// Dispatches — отправленные воркерам задачи по сервису и результату.
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgewalker",
		Name:      "dispatches_total",
		Help:      "Worker dispatch attempts by service and result.",
	}, []string{"service", "result"})

	// Callbacks — обработанные callback'и по статусу и результату.
	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgewalker",
		Name:      "callbacks_total",
		Help:      "Inbound callbacks by reported status and handling result.",
	}, []string{"status", "result"})

	// CollectorFires — срабатывания collector'ов по исходу.
	CollectorFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgewalker",
		Name:      "collector_fires_total",
		Help:      "Collector evaluations that changed state, by outcome.",
	}, []string{"outcome"})

	// FanOutSize — количество экземпляров, созданных splitter'ом.
	FanOutSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "edgewalker",
		Name:      "fanout_size",
		Help:      "Number of parallel instances created per split.",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})

	// CompileFailures — неуспешные компиляции по виду первой ошибки.
	CompileFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgewalker",
		Name:      "compile_failures_total",
		Help:      "Graph compilations rejected, by error kind.",
	}, []string{"kind"})

	// ReconcileActions — действия сверки зависших узлов.
	ReconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgewalker",
		Name:      "reconcile_actions_total",
		Help:      "Actions taken by the stale-node reconciler.",
	}, []string{"action"})

	// WorkerExecutions — выполнения задач во встроенном воркере.
	WorkerExecutions = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edgewalker",
		Name:      "worker_execution_seconds",
		Help:      "Executor run time in the worker kit, by service and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "status"})
)
