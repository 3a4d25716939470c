package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/engine"
	"github.com/shaiso/Edgewalker/internal/mq"
	"github.com/shaiso/Edgewalker/internal/telemetry"
)

// RetryPolicy — повторы внутри одной задачи (config.retry узла).
// Повторы не видны движку: он получает один итоговый callback.
type RetryPolicy struct {
	MaxAttempts    int    `mapstructure:"max_attempts"`
	Backoff        string `mapstructure:"backoff"` // fixed | exponential
	InitialDelayMs int    `mapstructure:"initial_delay_ms"`
	MaxDelayMs     int    `mapstructure:"max_delay_ms"`
}

type taskOptions struct {
	timeout time.Duration
	retry   *RetryPolicy
}

// handleDispatch обрабатывает задачу из очереди dispatch.{service}.
func (w *Worker) handleDispatch(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.DispatchPayload](&delivery.Message)
	if err != nil {
		return err
	}

	telemetry.WithNodeKey(
		telemetry.WithRunID(telemetry.FromContext(ctx), payload.RunID.String()),
		payload.NodeKey, payload.NodeID,
	).Debug("received task", "service", payload.Service, "attempt", payload.Attempt)

	return w.process(ctx, payload)
}

// process выполняет задачу и отправляет результат.
//
// Ошибка возвращается только если результат не удалось отправить
// или воркер останавливается: сообщение уйдёт на повторную доставку.
func (w *Worker) process(ctx context.Context, payload mq.DispatchPayload) error {
	if w.IsStopped() {
		return ErrWorkerStopped
	}

	task := taskFromPayload(payload)
	task.progress = func(ctx context.Context, output any) error {
		return w.report(ctx, task, domain.StatusRunning, output, "")
	}

	executor, err := w.registry.Get(task.Service)
	if err != nil {
		return w.report(ctx, task, domain.StatusFailed, nil, err.Error())
	}

	opts, err := decodeTaskOptions(task.Config)
	if err != nil {
		return w.report(ctx, task, domain.StatusFailed, nil, err.Error())
	}

	w.logger.Info("task started",
		"run_id", task.RunID,
		"node_key", task.NodeKey,
		"service", task.Service,
		"attempt", task.Attempt,
	)

	start := time.Now()
	result, execErr := w.executeWithRetry(ctx, executor, task, opts)

	// Остановка воркера — не ошибка задачи.
	if execErr != nil && ctx.Err() != nil {
		return execErr
	}

	if execErr == nil && (result == nil || result.Error == "") {
		telemetry.WorkerExecutions.WithLabelValues(task.Service, string(domain.StatusCompleted)).Observe(time.Since(start).Seconds())

		var output any
		if result != nil {
			output = result.Output
		}

		w.logger.Info("task completed",
			"run_id", task.RunID,
			"node_key", task.NodeKey,
			"service", task.Service,
		)
		return w.report(ctx, task, domain.StatusCompleted, output, "")
	}

	telemetry.WorkerExecutions.WithLabelValues(task.Service, string(domain.StatusFailed)).Observe(time.Since(start).Seconds())

	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	} else {
		errMsg = result.Error
	}

	w.logger.Warn("task failed",
		"run_id", task.RunID,
		"node_key", task.NodeKey,
		"service", task.Service,
		"error", errMsg,
	)
	return w.report(ctx, task, domain.StatusFailed, nil, errMsg)
}

// report публикует callback для задачи.
func (w *Worker) report(ctx context.Context, task *Task, status domain.Status, output any, errMsg string) error {
	if w.publisher == nil {
		w.logger.Warn("publisher not available, dropping callback",
			"run_id", task.RunID,
			"node_key", task.NodeKey,
			"status", status,
		)
		return nil
	}

	payload := mq.CallbackPayload{
		CallbackID: task.CallbackID,
		RunID:      task.RunID,
		NodeKey:    task.NodeKey,
		Status:     string(status),
		Output:     output,
		Error:      errMsg,
		Attempt:    task.Attempt,
	}
	if err := w.publisher.PublishCallback(ctx, payload); err != nil {
		return fmt.Errorf("publish callback for %s: %w", task.NodeKey, err)
	}
	return nil
}

// executeWithRetry выполняет задачу с retry согласно RetryPolicy.
func (w *Worker) executeWithRetry(ctx context.Context, executor Executor, task *Task, opts taskOptions) (*ExecutionResult, error) {
	maxAttempts := 1
	if opts.retry != nil && opts.retry.MaxAttempts > 0 {
		maxAttempts = opts.retry.MaxAttempts
	}

	var lastResult *ExecutionResult
	var lastErr error

	for attempt := 1; ; attempt++ {
		lastResult, lastErr = w.executeOnce(ctx, executor, task, opts.timeout)

		// Успех — инфраструктурной ошибки нет и логической ошибки нет
		if lastErr == nil && (lastResult == nil || lastResult.Error == "") {
			return lastResult, nil
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			break
		}
		// Неразбираемый config не исправится повтором.
		if errors.Is(lastErr, ErrInvalidTaskConfig) {
			break
		}

		delay := calculateBackoff(attempt, opts.retry)

		w.logger.Debug("retrying task",
			"run_id", task.RunID,
			"node_key", task.NodeKey,
			"attempt", attempt,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	return lastResult, lastErr
}

// executeOnce выполняет одну попытку с таймаутом узла.
func (w *Worker) executeOnce(ctx context.Context, executor Executor, task *Task, timeout time.Duration) (*ExecutionResult, error) {
	if timeout <= 0 {
		return executor.Execute(ctx, task)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := executor.Execute(execCtx, task)
	if err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
	}
	return result, err
}

// calculateBackoff вычисляет задержку перед retry.
func calculateBackoff(attempt int, policy *RetryPolicy) time.Duration {
	if policy == nil {
		return time.Second
	}

	initialDelay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		// delay = initialDelay * 2^(attempt-1)
		delay = initialDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
				break
			}
		}
	default:
		// "fixed" или неизвестный — используем initialDelay
		delay = initialDelay
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}

// decodeTaskOptions разбирает общие для всех сервисов поля config:
// timeout ("30s") и retry.
func decodeTaskOptions(raw map[string]any) (taskOptions, error) {
	var opts taskOptions

	wc, err := engine.DecodeWorkerConfig(raw)
	if err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidTaskConfig, err)
	}
	if wc.Timeout != "" {
		d, err := time.ParseDuration(wc.Timeout)
		if err != nil {
			return opts, fmt.Errorf("%w: timeout: %v", ErrInvalidTaskConfig, err)
		}
		opts.timeout = d
	}

	var retry struct {
		Retry *RetryPolicy `mapstructure:"retry"`
	}
	if err := decodeConfig(raw, &retry); err != nil {
		return opts, err
	}
	opts.retry = retry.Retry
	return opts, nil
}
