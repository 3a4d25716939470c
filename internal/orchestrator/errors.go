package orchestrator

import (
	"errors"
	"fmt"
)

// Ошибки оркестратора.
var (
	// ErrRunNotFound — run не найден.
	ErrRunNotFound = errors.New("run not found")

	// ErrGraphNotFound — граф не найден.
	ErrGraphNotFound = errors.New("graph not found")

	// ErrVersionNotFound — версия графа не найдена.
	ErrVersionNotFound = errors.New("graph version not found")

	// ErrNodeNotFound — узел отсутствует в графе или у run нет записи по ключу.
	ErrNodeNotFound = errors.New("node not found")

	// ErrMissingRunInput — во входе run нет обязательных полей entry-узла.
	ErrMissingRunInput = errors.New("missing required run input")

	// ErrInvalidCallback — callback не разбирается или содержит неизвестный статус.
	ErrInvalidCallback = errors.New("invalid callback")

	// ErrNotRetryable — узел не в статусе failed.
	ErrNotRetryable = errors.New("node is not retryable")

	// ErrRunFinished — run уже завершён успешно.
	ErrRunFinished = errors.New("run is already completed")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)

// WorkerExecutionError — ошибка выполнения узла внешним сервисом:
// отправка задачи не удалась или воркер сообщил об ошибке.
// Текст ошибки записывается в NodeState.Error.
type WorkerExecutionError struct {
	NodeKey string
	Service string
	Err     error
}

// Error реализует интерфейс error.
func (e *WorkerExecutionError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("node %s: %v", e.NodeKey, e.Err)
	}
	return fmt.Sprintf("node %s (service %s): %v", e.NodeKey, e.Service, e.Err)
}

// Unwrap возвращает исходную ошибку.
func (e *WorkerExecutionError) Unwrap() error {
	return e.Err
}

// CollectorAggregateError — collector упал, потому что упала одна из параллельных веток.
type CollectorAggregateError struct {
	Collector string

	// Branch — ключ упавшего экземпляра ("enrich_2").
	Branch string

	// Cause — ошибка, записанная в упавшем экземпляре.
	Cause string
}

// Error реализует интерфейс error.
func (e *CollectorAggregateError) Error() string {
	if e.Cause == "" {
		return fmt.Sprintf("collector %s: branch %s failed", e.Collector, e.Branch)
	}
	return fmt.Sprintf("collector %s: branch %s failed: %s", e.Collector, e.Branch, e.Cause)
}
