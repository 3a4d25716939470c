package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/Edgewalker/internal/orchestrator"
)

// Job — периодическая задача.
type Job func(ctx context.Context) error

// Scheduler запускает периодические задачи движка по cron-выражениям.
//
// Выполнение runs не зависит от планировщика: runs продвигаются событиями.
// Планировщик нужен только для фоновых проходов (сверка зависших узлов).
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]Job
	ctx  context.Context
}

// Config — конфигурация Scheduler.
type Config struct {
	// Location — часовой пояс cron-выражений (default: UTC).
	Location *time.Location

	Logger *slog.Logger
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			// Следующий проход не начинается, пока не закончился предыдущий.
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		jobs:   make(map[string]Job),
		ctx:    context.Background(),
	}
}

// Add регистрирует задачу name с расписанием spec.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if err := ValidateCronExpr(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	s.jobs[name] = job

	_, err := s.cron.AddFunc(spec, func() {
		if err := s.RunNow(s.context(), name); err != nil {
			s.logger.Error("scheduled job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		delete(s.jobs, name)
		return fmt.Errorf("schedule job %s: %w", name, err)
	}

	s.logger.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

// RunNow выполняет задачу немедленно, вне расписания.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not registered", name)
	}

	start := time.Now()
	err := job(ctx)
	s.logger.Debug("job finished", "job", name, "duration", time.Since(start), "error", err)
	return err
}

// Start запускает планировщик. Задачи получают ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop останавливает планировщик и ждёт завершения выполняющихся задач.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// --- Jobs ---

// Reconciler — источник прохода сверки.
type Reconciler interface {
	Reconcile(ctx context.Context) (orchestrator.ReconcileReport, error)
}

// ReconcileJob возвращает задачу сверки зависших узлов.
func ReconcileJob(r Reconciler) Job {
	return func(ctx context.Context) error {
		_, err := r.Reconcile(ctx)
		return err
	}
}
