package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
)

// GraphStore — хранилище графов и их скомпилированных версий.
type GraphStore interface {
	CreateGraph(ctx context.Context, g *domain.Graph) error
	GetGraph(ctx context.Context, id uuid.UUID) (*domain.Graph, error)
	ListGraphs(ctx context.Context) ([]domain.Graph, error)

	// NextGraphVersion возвращает номер следующей версии графа.
	NextGraphVersion(ctx context.Context, graphID uuid.UUID) (int, error)

	// CreateGraphVersion сохраняет версию. Версия неизменяема;
	// повторное сохранение того же номера даёт repo.ErrAlreadyExists.
	CreateGraphVersion(ctx context.Context, v *domain.GraphVersion) error
	GetGraphVersion(ctx context.Context, graphID uuid.UUID, version int) (*domain.GraphVersion, error)
	GetLatestGraphVersion(ctx context.Context, graphID uuid.UUID) (*domain.GraphVersion, error)
	ListGraphVersions(ctx context.Context, graphID uuid.UUID) ([]domain.GraphVersion, error)
}

// RunStore — хранилище runs и состояний узлов.
//
// Все изменения статусов — compare-and-set по ожидаемому текущему статусу.
// Несовпадение статуса даёт repo.ErrConflict, отсутствие записи — repo.ErrNotFound.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.Run, error)

	// TransitionRun меняет статус run from → to.
	TransitionRun(ctx context.Context, id uuid.UUID, from, to domain.Status, errMsg string) error

	GetNodeState(ctx context.Context, runID uuid.UUID, key string) (*domain.NodeState, error)
	ListNodeStates(ctx context.Context, runID uuid.UUID) ([]domain.NodeState, error)

	// ListInstances возвращает параллельные экземпляры логического узла, упорядоченные по индексу.
	ListInstances(ctx context.Context, runID uuid.UUID, nodeID string) ([]domain.NodeState, error)

	// TransitionNode применяет переход к записи узла (index < 0) или экземпляра.
	// Отсутствующая запись считается pending и создаётся неявно.
	TransitionNode(ctx context.Context, runID uuid.UUID, nodeID string, index int, t domain.Transition) (*domain.NodeState, error)

	// ApplySplit атомарно применяет переход splitter'а (running → completed)
	// и создаёт pending экземпляры с предзаполненным output.
	ApplySplit(ctx context.Context, runID uuid.UUID, splitterID string, t domain.Transition, seeds []domain.NodeState) error

	// ListStaleNodes возвращает записи в заданных статусах, не менявшиеся с before.
	ListStaleNodes(ctx context.Context, statuses []domain.Status, before time.Time, limit int) ([]domain.NodeState, error)
}

// Store — всё постоянное состояние движка.
type Store interface {
	GraphStore
	RunStore
}
