package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/shaiso/Edgewalker/internal/mq"
)

// Task — задача, полученная из очереди сервиса.
//
// Config — конфигурация узла после рендеринга шаблонов; Input — собранный вход узла.
type Task struct {
	RunID      uuid.UUID
	NodeID     string
	NodeKey    string
	Index      int
	Service    string
	Config     map[string]any
	Input      map[string]any
	CallbackID string
	Attempt    int

	progress func(ctx context.Context, output any) error
}

// taskFromPayload конвертирует сообщение очереди в Task.
func taskFromPayload(p mq.DispatchPayload) *Task {
	return &Task{
		RunID:      p.RunID,
		NodeID:     p.NodeID,
		NodeKey:    p.NodeKey,
		Index:      p.Index,
		Service:    p.Service,
		Config:     p.Config,
		Input:      p.Input,
		CallbackID: p.CallbackID,
		Attempt:    p.Attempt,
	}
}

// ReportProgress отправляет промежуточный результат (callback со статусом running).
// Движок перезаписывает output узла; последний отчёт побеждает.
func (t *Task) ReportProgress(ctx context.Context, output any) error {
	if t.progress == nil {
		return nil
	}
	return t.progress(ctx, output)
}

// Executor — интерфейс для выполнения задач одного сервиса.
//
// Реализации: EchoExecutor, DelayExecutor, HTTPExecutor.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*ExecutionResult, error)
}

// ExecutorFunc — адаптер функции к Executor.
type ExecutorFunc func(ctx context.Context, task *Task) (*ExecutionResult, error)

// Execute вызывает f(ctx, task).
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	return f(ctx, task)
}

// ExecutionResult — результат выполнения задачи.
type ExecutionResult struct {
	// Output — выход узла.
	Output any

	// Error — сообщение об ошибке (логическая ошибка выполнения).
	// Инфраструктурные ошибки возвращаются через error в Execute().
	Error string
}

// Registry — реестр executor'ов по имени сервиса.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry создаёт реестр с executor'ами по умолчанию.
//
// Регистрирует: echo, delay, http.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register("echo", &EchoExecutor{})
	r.Register("delay", &DelayExecutor{})
	r.Register("http", &HTTPExecutor{})
	return r
}

// Register добавляет executor для сервиса. Повторная регистрация заменяет executor.
func (r *Registry) Register(service string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[service] = executor
}

// Get возвращает executor сервиса.
func (r *Registry) Get(service string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return executor, nil
}

// Services возвращает имена зарегистрированных сервисов, отсортированные.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for name := range r.executors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// decodeConfig разбирает конфигурацию узла в типизированную структуру.
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
		return fmt.Errorf("%w: %v", ErrInvalidTaskConfig, err)
	}
	return nil
}
