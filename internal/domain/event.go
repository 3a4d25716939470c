package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType — тип события о ходе выполнения.
type EventType string

const (
	// EventNodeStatus — изменился статус узла или экземпляра.
	EventNodeStatus EventType = "node.status"

	// EventNodeProgress — воркер прислал промежуточный результат.
	EventNodeProgress EventType = "node.progress"

	// EventRunStatus — изменился статус run.
	EventRunStatus EventType = "run.status"
)

// Event — уведомление для внешних наблюдателей (UI, аудит).
// Движок не читает события обратно; доставка best-effort.
type Event struct {
	Type    EventType `json:"type"`
	RunID   uuid.UUID `json:"run_id"`
	NodeKey string    `json:"node_key,omitempty"`
	NodeID  string    `json:"node_id,omitempty"`
	Status  Status    `json:"status"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
