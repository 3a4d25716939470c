package domain

import (
	"time"

	"github.com/google/uuid"
)

// NodeState — запись о выполнении узла (или параллельного экземпляра узла) внутри run.
//
// NodeState создаётся:
//   - неявно в pending при первом обращении (запуск узла)
//   - пачкой в pending, когда срабатывает splitter ({nodeId}_{i})
//
// Переходы статуса — единственный способ изменить запись; записи не удаляются.
type NodeState struct {
	// RunID — ссылка на run.
	RunID uuid.UUID `json:"run_id"`

	// Key — ключ записи: ID узла или ключ экземпляра "{nodeId}_{i}".
	Key string `json:"key"`

	// NodeID — логический ID узла (без суффикса экземпляра).
	NodeID string `json:"node_id"`

	// Index — индекс экземпляра для fan-out; -1 для обычных узлов.
	Index int `json:"index"`

	// Status — текущий статус.
	Status Status `json:"status"`

	// Input — вход, собранный при запуске узла.
	Input map[string]any `json:"input,omitempty"`

	// Output — результат узла. Для pending экземпляров splitter'а —
	// предзаполненный элемент массива.
	Output any `json:"output,omitempty"`

	// Error — текст ошибки при failed.
	Error string `json:"error,omitempty"`

	// Attempt — номер попытки; увеличивается при каждом переходе в running.
	Attempt int `json:"attempt"`

	// StartedAt — время последнего перехода в running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// UpdatedAt — время последней записи; используется для поиска зависших узлов.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewNodeState создаёт pending запись для узла.
// index < 0 — обычный узел, иначе параллельный экземпляр.
func NewNodeState(runID uuid.UUID, nodeID string, index int) *NodeState {
	if index < 0 {
		index = -1
	}
	return &NodeState{
		RunID:     runID,
		Key:       StateKey(nodeID, index),
		NodeID:    nodeID,
		Index:     index,
		Status:    StatusPending,
		UpdatedAt: time.Now(),
	}
}

// IsInstance возвращает true для параллельного экземпляра.
func (s *NodeState) IsInstance() bool {
	return s.Index >= 0
}

// Duration возвращает продолжительность выполнения.
func (s *NodeState) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// Transition — изменение записи NodeState, применяемое как compare-and-set.
//
// Хранилище применяет изменение, только если текущий статус равен From.
// Nil поля не меняются.
type Transition struct {
	// From — ожидаемый текущий статус.
	From Status

	// To — новый статус.
	To Status

	// Input — новый вход (при запуске).
	Input map[string]any

	// Output — новый результат.
	Output any

	// SetOutput — записать Output даже если он nil.
	SetOutput bool

	// Error — текст ошибки; пустая строка очищает ошибку при переходе в running.
	Error string
}

// Validate проверяет переход по конечному автомату.
func (t Transition) Validate() error {
	return ValidateTransition(t.From, t.To)
}

// Apply применяет переход к записи в памяти.
// Используется хранилищами после успешной проверки текущего статуса.
func (t Transition) Apply(s *NodeState, now time.Time) {
	if t.To == StatusRunning && t.From != StatusRunning {
		s.Attempt++
		s.StartedAt = &now
		s.FinishedAt = nil
		s.Error = ""
	}
	if t.To == StatusCompleted || t.To == StatusFailed {
		s.FinishedAt = &now
	}
	if t.Input != nil {
		s.Input = t.Input
	}
	if t.Output != nil || t.SetOutput {
		s.Output = t.Output
	}
	if t.Error != "" {
		s.Error = t.Error
	}
	s.Status = t.To
	s.UpdatedAt = now
}
