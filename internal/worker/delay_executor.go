package worker

import (
	"context"
	"maps"
	"time"
)

// DelayExecutor — executor сервиса "delay".
//
// Ожидает указанное количество секунд и возвращает вход узла.
// Перед ожиданием отправляет прогресс с оставшимся временем.
// Поддерживает отмену через context.
//
// Config:
//   - duration_sec (number): длительность задержки в секундах (default: 1)
type DelayExecutor struct{}

type delayConfig struct {
	DurationSec float64 `mapstructure:"duration_sec"`
}

// Execute выполняет задержку.
func (e *DelayExecutor) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	var cfg delayConfig
	if err := decodeConfig(task.Config, &cfg); err != nil {
		return nil, err
	}

	durationSec := cfg.DurationSec
	if durationSec <= 0 {
		durationSec = 1
	}
	duration := time.Duration(durationSec * float64(time.Second))

	// Прогресс best-effort: потеря отчёта не мешает результату.
	_ = task.ReportProgress(ctx, map[string]any{"remaining_sec": durationSec})

	timer := time.NewTimer(duration)
	defer timer.Stop()

	// Context-aware ожидание
	select {
	case <-timer.C:
		output := make(map[string]any, len(task.Input)+1)
		maps.Copy(output, task.Input)
		output["delayed_sec"] = durationSec
		return &ExecutionResult{Output: output}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
