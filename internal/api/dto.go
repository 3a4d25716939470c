package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/engine"
)

// Graph DTOs

// CreateGraphRequest — запрос на создание графа.
// Если передано определение, сразу публикуется версия 1.
type CreateGraphRequest struct {
	Name       string                  `json:"name"`
	Definition *domain.GraphDefinition `json:"definition,omitempty"`
}

// GraphResponse — ответ с графом.
type GraphResponse struct {
	ID        uuid.UUID             `json:"id"`
	Name      string                `json:"name"`
	CreatedAt time.Time             `json:"created_at"`
	Version   *GraphVersionResponse `json:"version,omitempty"`
}

// GraphFromDomain конвертирует domain.Graph в GraphResponse.
func GraphFromDomain(g domain.Graph) GraphResponse {
	return GraphResponse{
		ID:        g.ID,
		Name:      g.Name,
		CreatedAt: g.CreatedAt,
	}
}

// GraphVersion DTOs

// GraphDefinitionRequest — определение графа для компиляции или публикации версии.
type GraphDefinitionRequest struct {
	Definition domain.GraphDefinition `json:"definition"`
}

// GraphVersionResponse — ответ с версией графа.
type GraphVersionResponse struct {
	GraphID        uuid.UUID              `json:"graph_id"`
	Version        int                    `json:"version"`
	Definition     domain.GraphDefinition `json:"definition"`
	ExecutionGraph json.RawMessage        `json:"execution_graph,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// GraphVersionFromDomain конвертирует domain.GraphVersion в GraphVersionResponse.
func GraphVersionFromDomain(v domain.GraphVersion) GraphVersionResponse {
	resp := GraphVersionResponse{
		GraphID:    v.GraphID,
		Version:    v.Version,
		Definition: v.Definition,
		CreatedAt:  v.CreatedAt,
	}
	if len(v.Execution) > 0 {
		resp.ExecutionGraph = json.RawMessage(v.Execution)
	}
	return resp
}

// CompileResponse — результат пробной компиляции.
type CompileResponse struct {
	ExecutionGraph *engine.ExecutionGraph `json:"execution_graph"`
}

// Run DTOs

// CreateRunRequest — запрос на запуск run.
type CreateRunRequest struct {
	// Version — версия графа; не задана — последняя.
	Version       *int           `json:"version,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Trigger       map[string]any `json:"trigger,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID            uuid.UUID      `json:"id"`
	GraphID       uuid.UUID      `json:"graph_id"`
	Version       int            `json:"version"`
	Status        string         `json:"status"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Trigger       map[string]any `json:"trigger,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	Error         string         `json:"error,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r domain.Run) RunResponse {
	return RunResponse{
		ID:            r.ID,
		GraphID:       r.GraphID,
		Version:       r.Version,
		Status:        string(r.Status),
		CorrelationID: r.CorrelationID,
		Trigger:       r.Trigger,
		Input:         r.Input,
		Error:         r.Error,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		CreatedAt:     r.CreatedAt,
	}
}

// SnapshotResponse — run вместе с состояниями узлов, по ключу записи.
type SnapshotResponse struct {
	Status     string                       `json:"status"`
	Run        RunResponse                  `json:"run"`
	NodeStates map[string]NodeStateResponse `json:"node_states"`
}

// SnapshotFromDomain конвертирует domain.RunSnapshot в SnapshotResponse.
func SnapshotFromDomain(s *domain.RunSnapshot) SnapshotResponse {
	resp := SnapshotResponse{
		Status:     string(s.Run.Status),
		Run:        RunFromDomain(*s.Run),
		NodeStates: make(map[string]NodeStateResponse, len(s.NodeStates)),
	}
	for key, st := range s.NodeStates {
		resp.NodeStates[key] = NodeStateFromDomain(*st)
	}
	return resp
}

// Node state DTOs

// NodeStateResponse — состояние узла или экземпляра.
type NodeStateResponse struct {
	Key        string         `json:"key"`
	NodeID     string         `json:"node_id"`
	Index      *int           `json:"index,omitempty"`
	Status     string         `json:"status"`
	Attempt    int            `json:"attempt"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NodeStateFromDomain конвертирует domain.NodeState в NodeStateResponse.
func NodeStateFromDomain(s domain.NodeState) NodeStateResponse {
	resp := NodeStateResponse{
		Key:        s.Key,
		NodeID:     s.NodeID,
		Status:     string(s.Status),
		Attempt:    s.Attempt,
		Input:      s.Input,
		Output:     s.Output,
		Error:      s.Error,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		UpdatedAt:  s.UpdatedAt,
	}
	if s.IsInstance() {
		idx := s.Index
		resp.Index = &idx
	}
	return resp
}

// Callback DTOs

// CallbackRequest — результат, присланный воркером или пользователем.
// Для /callbacks/{callbackID} поля run_id и node_id не нужны: попытка тоже берётся из id.
type CallbackRequest struct {
	RunID   uuid.UUID `json:"run_id,omitempty"`
	NodeID  string    `json:"node_id,omitempty"`
	Status  string    `json:"status"`
	Output  any       `json:"output,omitempty"`
	Error   string    `json:"error,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
}

// toResult конвертирует запрос в domain.CallbackResult.
func (c CallbackRequest) toResult() domain.CallbackResult {
	return domain.CallbackResult{
		RunID:   c.RunID,
		NodeKey: c.NodeID,
		Status:  domain.Status(c.Status),
		Output:  c.Output,
		Error:   c.Error,
		Attempt: c.Attempt,
	}
}
