package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — экземпляр выполнения скомпилированного графа.
//
// Run создаётся, когда внешний слой (webhook, UI, расписание) вызывает startRun.
// Состояние узлов хранится отдельно (NodeState) и меняется только через
// конечный автомат статусов.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// GraphID — ссылка на граф.
	GraphID uuid.UUID `json:"graph_id"`

	// Version — версия графа, которая выполняется.
	Version int `json:"version"`

	// CorrelationID — идентификатор связанной сущности (лид, заказ, ...).
	// Опционально.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Trigger — метаданные запуска (источник, webhook id и т.д.).
	Trigger map[string]any `json:"trigger,omitempty"`

	// Input — входные данные run; становятся входом entry-узлов.
	Input map[string]any `json:"input,omitempty"`

	// Status — общий статус run.
	Status Status `json:"status"`

	// Error — текст ошибки, если run завершился с failed.
	Error string `json:"error,omitempty"`

	// StartedAt — время запуска.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения (успешного или с ошибкой).
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// RunSnapshot — read-only снимок run вместе с состояниями узлов.
// Отдаётся слоям визуализации и polling.
type RunSnapshot struct {
	Run        *Run                  `json:"run"`
	NodeStates map[string]*NodeState `json:"node_states"`
}

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	GraphID *uuid.UUID
	Status  Status
	Limit   int
	Offset  int
}
