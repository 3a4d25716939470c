package engine

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// SplitterConfig — конфигурация splitter узла.
type SplitterConfig struct {
	// Path — путь к массиву во входе ("items", "data.rows"; "." — весь вход).
	Path string `mapstructure:"path"`

	// MaxItems — ограничение на количество экземпляров; 0 — без ограничения.
	MaxItems int `mapstructure:"max_items"`
}

// GateConfig — конфигурация user_gate узла.
type GateConfig struct {
	// Service — куда отправить уведомление о ожидании; пусто — без уведомления.
	Service string `mapstructure:"service"`

	// Prompt — текст для человека.
	Prompt string `mapstructure:"prompt"`

	// Assignee — кому адресован запрос.
	Assignee string `mapstructure:"assignee"`
}

// WorkerConfig — общая часть конфигурации worker узла.
// Остальные поля передаются воркеру как есть.
type WorkerConfig struct {
	// Service — переопределяет сервис типа.
	Service string `mapstructure:"service"`

	// Timeout — подсказка воркеру, сколько ждать ("30s").
	Timeout string `mapstructure:"timeout"`
}

// DecodeSplitterConfig разбирает конфигурацию splitter.
func DecodeSplitterConfig(raw map[string]any) (SplitterConfig, error) {
	var cfg SplitterConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Path == "" {
		return cfg, fmt.Errorf("%w: splitter requires config.path", ErrInvalidNodeConfig)
	}
	if cfg.MaxItems < 0 {
		return cfg, fmt.Errorf("%w: max_items must not be negative", ErrInvalidNodeConfig)
	}
	return cfg, nil
}

// DecodeGateConfig разбирает конфигурацию user_gate.
func DecodeGateConfig(raw map[string]any) (GateConfig, error) {
	var cfg GateConfig
	err := decodeConfig(raw, &cfg)
	return cfg, err
}

// DecodeWorkerConfig разбирает общую часть конфигурации worker.
func DecodeWorkerConfig(raw map[string]any) (WorkerConfig, error) {
	var cfg WorkerConfig
	err := decodeConfig(raw, &cfg)
	return cfg, err
}

func decodeConfig(raw map[string]any, out any) error {
	if raw == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNodeConfig, err)
	}
	return nil
}
