package worker

import (
	"context"
	"maps"
)

// EchoExecutor — executor сервиса "echo".
//
// Возвращает вход узла как выход. Значения из config.set дописываются поверх.
//
// Config:
//   - set (map): поля, которые добавляются к выходу
//   - fail (string): если задано, задача завершается этой ошибкой
type EchoExecutor struct{}

type echoConfig struct {
	Set  map[string]any `mapstructure:"set"`
	Fail string         `mapstructure:"fail"`
}

// Execute возвращает вход как выход.
func (e *EchoExecutor) Execute(_ context.Context, task *Task) (*ExecutionResult, error) {
	var cfg echoConfig
	if err := decodeConfig(task.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Fail != "" {
		return &ExecutionResult{Error: cfg.Fail}, nil
	}

	output := make(map[string]any, len(task.Input)+len(cfg.Set))
	maps.Copy(output, task.Input)
	maps.Copy(output, cfg.Set)

	return &ExecutionResult{Output: output}, nil
}
