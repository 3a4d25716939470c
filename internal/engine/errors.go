package engine

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Ошибки компиляции графа.
var (
	// ErrEmptyGraph — граф не содержит узлов.
	ErrEmptyGraph = errors.New("graph has no nodes")

	// ErrEmptyNodeID — узел без ID.
	ErrEmptyNodeID = errors.New("node has empty ID")

	// ErrDuplicateNodeID — несколько узлов с одинаковым ID.
	ErrDuplicateNodeID = errors.New("duplicate node ID")

	// ErrUnknownNodeType — тип узла отсутствует в реестре.
	ErrUnknownNodeType = errors.New("unknown node type")

	// ErrDanglingEdge — ребро ссылается на несуществующий узел.
	ErrDanglingEdge = errors.New("edge references unknown node")

	// ErrDuplicateEdge — два ребра между одной парой узлов.
	ErrDuplicateEdge = errors.New("duplicate edge")

	// ErrSelfLoop — ребро из узла в самого себя.
	ErrSelfLoop = errors.New("edge points to its own source")

	// ErrCycle — в графе обнаружен цикл.
	ErrCycle = errors.New("cycle detected")

	// ErrOrphanNode — узел недостижим из entry-узлов.
	ErrOrphanNode = errors.New("node is unreachable from entry nodes")

	// ErrMissingRequiredInput — обязательное поле не покрыто маппингом или значением по умолчанию.
	ErrMissingRequiredInput = errors.New("required input is not mapped")

	// ErrInvalidFanOut — некорректная конструкция splitter/collector.
	ErrInvalidFanOut = errors.New("invalid fan-out")

	// ErrInstanceKeyCollision — ID узла совпадает с ключом экземпляра fan-out.
	ErrInstanceKeyCollision = errors.New("node ID collides with instance key")

	// ErrInvalidNodeConfig — конфигурация узла не разбирается.
	ErrInvalidNodeConfig = errors.New("invalid node config")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ErrPathNotFound — путь отсутствует во входных данных.
var ErrPathNotFound = errors.New("path not found")

// CompileErrorKind — категория ошибки компиляции.
type CompileErrorKind string

const (
	KindCycle                CompileErrorKind = "cycle"
	KindOrphan               CompileErrorKind = "orphan"
	KindMissingRequiredInput CompileErrorKind = "missing_required_input"
	KindUnknownType          CompileErrorKind = "unknown_type"
	KindInvalidGraph         CompileErrorKind = "invalid_graph"
)

// CompileError — ошибка компиляции с контекстом.
type CompileError struct {
	Kind    CompileErrorKind `json:"kind"`
	NodeID  string           `json:"node_id,omitempty"`
	EdgeID  string           `json:"edge_id,omitempty"`
	Field   string           `json:"field,omitempty"`
	Path    []string         `json:"path,omitempty"` // путь цикла
	Message string           `json:"message"`
	Err     error            `json:"-"`
}

// Error реализует интерфейс error.
func (e *CompileError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Message)
	case e.EdgeID != "":
		return fmt.Sprintf("%s: edge %s: %s", e.Kind, e.EdgeID, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap возвращает базовую ошибку.
func (e *CompileError) Unwrap() error {
	return e.Err
}

// CompileErrors раскладывает ошибку Compile на список ошибок компиляции.
// Ошибки другого типа пропускаются.
func CompileErrors(err error) []*CompileError {
	if err == nil {
		return nil
	}
	var out []*CompileError
	for _, e := range multierr.Errors(err) {
		var ce *CompileError
		if errors.As(e, &ce) {
			out = append(out, ce)
		}
	}
	return out
}

// newNodeError создаёт ошибку, привязанную к узлу.
func newNodeError(kind CompileErrorKind, nodeID, message string, err error) *CompileError {
	return &CompileError{Kind: kind, NodeID: nodeID, Message: message, Err: err}
}

// newEdgeError создаёт ошибку, привязанную к ребру.
func newEdgeError(kind CompileErrorKind, edgeID, message string, err error) *CompileError {
	return &CompileError{Kind: kind, EdgeID: edgeID, Message: message, Err: err}
}
