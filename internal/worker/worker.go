package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shaiso/Edgewalker/internal/mq"
)

// Default configuration values.
const (
	defaultConcurrency = 4
)

// CallbackPublisher отправляет результаты задач движку (*mq.Publisher).
type CallbackPublisher interface {
	PublishCallback(ctx context.Context, payload mq.CallbackPayload) error
}

// Worker — хост executor'ов для внешних сервисов.
//
// Worker — stateless компонент, который:
//   - Потребляет задачи из очереди dispatch.{service} каждого своего сервиса
//   - Выполняет задачу executor'ом сервиса (с retry по config.retry)
//   - Отправляет результат в exchange callbacks с callback id задачи
//
// Worker не трогает хранилище движка: всё, что он знает о run, пришло в задаче.
// Workers масштабируются горизонтально — несколько экземпляров
// могут потреблять из одной очереди.
type Worker struct {
	// MQ
	publisher CallbackPublisher
	conn      *mq.Connection

	// Executor registry
	registry *Registry

	// Consumers — по одному на сервис
	services    []string
	consumers   []*mq.Consumer
	concurrency int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	// MQ
	Publisher CallbackPublisher
	Conn      *mq.Connection

	// Executor registry (опционально; если nil — используется NewRegistry())
	Registry *Registry

	// Services — сервисы, задачи которых потребляет воркер
	// (default: все сервисы реестра).
	Services []string

	// Concurrency — prefetch каждой очереди (default: 4).
	Concurrency int

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	services := cfg.Services
	if len(services) == 0 {
		services = registry.Services()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Worker{
		publisher:   cfg.Publisher,
		conn:        cfg.Conn,
		registry:    registry,
		services:    services,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start запускает Worker.
//
// Для каждого сервиса объявляет очередь dispatch.{service} и запускает consumer.
// Сервис без executor'а — ошибка конфигурации, Start возвращает её до запуска consumer'ов.
func (w *Worker) Start(ctx context.Context) error {
	if len(w.services) == 0 {
		return ErrNoServices
	}
	for _, service := range w.services {
		if _, err := w.registry.Get(service); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"services", w.services,
		"concurrency", w.concurrency,
	)

	for _, service := range w.services {
		if err := mq.DeclareServiceQueue(ctx, w.conn, service); err != nil {
			cancel()
			return fmt.Errorf("declare queue for %s: %w", service, err)
		}

		consumer := mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    string(mq.DispatchQueue(service)),
			Handler:  w.handleDispatch,
			Prefetch: w.concurrency,
		})
		w.consumers = append(w.consumers, consumer)

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("dispatch consumer error", "service", service, "error", err)
			}
		}()
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	for _, consumer := range w.consumers {
		consumer.Stop()
	}

	// Ждём завершения горутин
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}
