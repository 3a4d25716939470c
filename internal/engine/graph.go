package engine

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CompiledNode — узел скомпилированного графа.
// Презентационные поля (label, position) отброшены.
type CompiledNode struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Kind    NodeKind       `json:"kind"`
	Service string         `json:"service,omitempty"`
	Config  map[string]any `json:"config,omitempty"`

	// Defaults — статические значения входа: значения типа, перекрытые значениями узла.
	Defaults map[string]any `json:"defaults,omitempty"`

	// Required — обязательные поля входа.
	Required []string `json:"required,omitempty"`
}

// ExecutionGraph — скомпилированный неизменяемый граф.
//
// Создаётся один раз на версию графа. Все списки отсортированы,
// поэтому компиляция одного и того же определения даёт идентичный результат.
type ExecutionGraph struct {
	GraphID uuid.UUID `json:"graph_id"`
	Version int       `json:"version"`

	// Nodes — таблица узлов id → узел.
	Nodes map[string]*CompiledNode `json:"nodes"`

	// Adjacency — id → downstream ids.
	Adjacency map[string][]string `json:"adjacency"`

	// Upstream — id → upstream ids.
	Upstream map[string][]string `json:"upstream"`

	// EdgeMappings — "src->dst" → маппинг полей (поле источника → поле приёмника).
	EdgeMappings map[string]map[string]string `json:"edge_mappings,omitempty"`

	// EntryNodeIDs — узлы без входящих рёбер.
	EntryNodeIDs []string `json:"entry_node_ids"`

	// TerminalNodeIDs — узлы без исходящих рёбер.
	TerminalNodeIDs []string `json:"terminal_node_ids"`

	// Scopes — узел внутри fan-out → splitter, который его размножает.
	Scopes map[string]string `json:"scopes,omitempty"`

	// Collectors — collector → splitter, чей fan-out он собирает.
	Collectors map[string]string `json:"collectors,omitempty"`

	// Order — топологический порядок узлов.
	Order []string `json:"order"`
}

// EdgeKey возвращает ключ таблицы маппингов для ребра.
func EdgeKey(source, target string) string {
	return source + "->" + target
}

// Node возвращает узел по ID.
func (g *ExecutionGraph) Node(id string) (*CompiledNode, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Downstream возвращает downstream узлы.
func (g *ExecutionGraph) Downstream(id string) []string {
	return g.Adjacency[id]
}

// UpstreamOf возвращает upstream узлы.
func (g *ExecutionGraph) UpstreamOf(id string) []string {
	return g.Upstream[id]
}

// Mapping возвращает маппинг полей ребра source → target.
func (g *ExecutionGraph) Mapping(source, target string) (map[string]string, bool) {
	m, ok := g.EdgeMappings[EdgeKey(source, target)]
	return m, ok
}

// IsEntry проверяет, что узел — entry.
func (g *ExecutionGraph) IsEntry(id string) bool {
	return contains(g.EntryNodeIDs, id)
}

// IsTerminal проверяет, что узел — terminal.
func (g *ExecutionGraph) IsTerminal(id string) bool {
	return contains(g.TerminalNodeIDs, id)
}

// ScopeOf возвращает splitter, внутри fan-out которого находится узел.
func (g *ExecutionGraph) ScopeOf(id string) (string, bool) {
	s, ok := g.Scopes[id]
	return s, ok
}

// CollectorOf возвращает collector, собирающий fan-out splitter'а.
// У fan-out без сборки collector'а нет.
func (g *ExecutionGraph) CollectorOf(splitterID string) (string, bool) {
	for collector, splitter := range g.Collectors {
		if splitter == splitterID {
			return collector, true
		}
	}
	return "", false
}

// ScopeMembers возвращает отсортированные узлы внутри fan-out splitter'а.
func (g *ExecutionGraph) ScopeMembers(splitterID string) []string {
	members := make([]string, 0)
	for _, id := range g.Order {
		if g.Scopes[id] == splitterID {
			members = append(members, id)
		}
	}
	return members
}

// Size возвращает количество узлов.
func (g *ExecutionGraph) Size() int {
	return len(g.Nodes)
}

// Encode сериализует граф для хранения.
func (g *ExecutionGraph) Encode() ([]byte, error) {
	return json.Marshal(g)
}

// DecodeExecutionGraph восстанавливает граф из хранилища.
func DecodeExecutionGraph(data []byte) (*ExecutionGraph, error) {
	var g ExecutionGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode execution graph: %w", err)
	}
	if g.Nodes == nil {
		return nil, fmt.Errorf("decode execution graph: %w", ErrEmptyGraph)
	}
	return &g, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
