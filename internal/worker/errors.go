package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownService — нет executor'а для сервиса.
	ErrUnknownService = errors.New("unknown service")

	// ErrInvalidTaskConfig — конфигурация узла не разбирается executor'ом.
	ErrInvalidTaskConfig = errors.New("invalid task config")

	// ErrExecutionTimeout — выполнение задачи превысило таймаут.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrNoServices — воркер запущен без сервисов.
	ErrNoServices = errors.New("no services configured")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")
)
