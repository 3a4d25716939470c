package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/engine"
	"github.com/shaiso/Edgewalker/internal/repo"
	"github.com/shaiso/Edgewalker/internal/telemetry"
)

// CreateGraph регистрирует новый граф.
func (o *Orchestrator) CreateGraph(ctx context.Context, name string) (*domain.Graph, error) {
	g := &domain.Graph{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: o.now(),
	}
	if err := o.store.CreateGraph(ctx, g); err != nil {
		return nil, fmt.Errorf("create graph: %w", err)
	}
	return g, nil
}

// CompileGraph компилирует определение без сохранения.
// Ошибки компиляции возвращаются вместе; engine.CompileErrors разворачивает их в список.
func (o *Orchestrator) CompileGraph(def *domain.GraphDefinition) (*engine.ExecutionGraph, error) {
	g, err := engine.Compile(def, o.registry)
	if err != nil {
		kind := "unknown"
		if errs := engine.CompileErrors(err); len(errs) > 0 {
			kind = string(errs[0].Kind)
		}
		telemetry.CompileFailures.WithLabelValues(kind).Inc()
		return nil, err
	}
	return g, nil
}

// PublishGraphVersion компилирует определение и сохраняет его как новую версию графа.
// Невалидное определение не сохраняется.
func (o *Orchestrator) PublishGraphVersion(ctx context.Context, graphID uuid.UUID, def *domain.GraphDefinition) (*domain.GraphVersion, *engine.ExecutionGraph, error) {
	if _, err := o.store.GetGraph(ctx, graphID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
		}
		return nil, nil, fmt.Errorf("get graph: %w", err)
	}

	g, err := o.CompileGraph(def)
	if err != nil {
		return nil, nil, err
	}

	next, err := o.store.NextGraphVersion(ctx, graphID)
	if err != nil {
		return nil, nil, fmt.Errorf("next graph version: %w", err)
	}
	g.GraphID = graphID
	g.Version = next

	data, err := g.Encode()
	if err != nil {
		return nil, nil, fmt.Errorf("encode execution graph: %w", err)
	}

	v := &domain.GraphVersion{
		GraphID:    graphID,
		Version:    next,
		Definition: *def,
		Execution:  data,
	}
	if err := o.store.CreateGraphVersion(ctx, v); err != nil {
		return nil, nil, fmt.Errorf("create graph version: %w", err)
	}

	telemetry.WithGraphID(o.logger, graphID.String()).Info("graph version published",
		"version", next,
		"nodes", g.Size(),
	)
	return v, g, nil
}

// ExecutionGraph возвращает скомпилированный граф версии.
func (o *Orchestrator) ExecutionGraph(ctx context.Context, graphID uuid.UUID, version int) (*engine.ExecutionGraph, error) {
	return o.loadGraph(ctx, graphID, version)
}
