package domain

import (
	"errors"
	"fmt"
)

// Status — статус выполнения узла (или параллельного экземпляра узла) внутри run.
// Тот же набор статусов используется для run целиком.
//
// Жизненный цикл:
//
//	pending → running → completed
//	                  ↘ failed → running (retry)
//	                  ↘ waiting_for_user → running
type Status string

const (
	// StatusPending — узел ещё не запускался (или создан splitter'ом и ждёт запуска).
	StatusPending Status = "pending"

	// StatusRunning — узел запущен: задача отправлена воркеру или выполняется inline.
	StatusRunning Status = "running"

	// StatusCompleted — узел успешно завершён. Финальный статус.
	StatusCompleted Status = "completed"

	// StatusFailed — узел завершился с ошибкой. Возможен retry.
	StatusFailed Status = "failed"

	// StatusWaitingForUser — узел ждёт действия человека.
	StatusWaitingForUser Status = "waiting_for_user"
)

// ErrInvalidTransition — недопустимый переход статуса.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions — таблица допустимых переходов.
// Единственное место, где описан конечный автомат статусов.
var transitions = map[Status][]Status{
	StatusPending:        {StatusRunning},
	StatusRunning:        {StatusCompleted, StatusFailed, StatusWaitingForUser},
	StatusCompleted:      {},
	StatusFailed:         {StatusRunning},
	StatusWaitingForUser: {StatusRunning},
}

// AllStatuses возвращает все известные статусы в фиксированном порядке.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusWaitingForUser}
}

// IsValid проверяет, что статус известен.
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal возвращает true, если из статуса нет переходов.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// IsActive возвращает true, если узел в процессе выполнения (в том числе ждёт человека).
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusWaitingForUser
}

// String возвращает строковое представление Status.
func (s Status) String() string {
	return string(s)
}

// StatusTransitionError — попытка недопустимой смены статуса.
type StatusTransitionError struct {
	From Status
	To   Status
}

// Error реализует интерфейс error.
func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("status transition %s → %s is not allowed", e.From, e.To)
}

// Unwrap возвращает ErrInvalidTransition.
func (e *StatusTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ValidateTransition проверяет переход from → to.
//
// Переход в тот же статус разрешён всегда: это "progress" запись,
// которая меняет output, но не статус.
// Любая мутация статуса должна пройти эту проверку до сохранения.
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &StatusTransitionError{From: from, To: to}
}

// ParseStatus парсит строку в Status.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return status, nil
}
