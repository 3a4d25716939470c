package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/engine"
	"github.com/shaiso/Edgewalker/internal/repo"
	"github.com/shaiso/Edgewalker/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// StartRunRequest — параметры запуска run.
type StartRunRequest struct {
	GraphID uuid.UUID

	// Version — версия графа; 0 — последняя.
	Version int

	CorrelationID string
	Trigger       map[string]any
	Input         map[string]any
}

// StartRun создаёт run и запускает все entry-узлы.
//
// Возвращает run после запуска entry-узлов. Worker узлы к этому моменту
// только отправлены; дальнейший ход выполнения определяют callback'и.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRunRequest) (*domain.Run, error) {
	if o.IsStopped() {
		return nil, ErrOrchestratorStopped
	}

	version := req.Version
	if version <= 0 {
		v, err := o.store.GetLatestGraphVersion(ctx, req.GraphID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s has no versions", ErrVersionNotFound, req.GraphID)
			}
			return nil, fmt.Errorf("get latest graph version: %w", err)
		}
		version = v.Version
	}

	g, err := o.loadGraph(ctx, req.GraphID, version)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range g.EntryNodeIDs {
		for _, field := range g.MissingEntryInputs(id, req.Input) {
			missing = append(missing, id+"."+field)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingRunInput, strings.Join(missing, ", "))
	}

	run := &domain.Run{
		ID:            uuid.New(),
		GraphID:       req.GraphID,
		Version:       version,
		CorrelationID: req.CorrelationID,
		Trigger:       req.Trigger,
		Input:         req.Input,
		Status:        domain.StatusPending,
		CreatedAt:     o.now(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := o.store.TransitionRun(ctx, run.ID, domain.StatusPending, domain.StatusRunning, ""); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	o.runChanged(ctx, run.ID, domain.StatusRunning, "")

	telemetry.WithRunID(telemetry.WithGraphID(o.logger, run.GraphID.String()), run.ID.String()).
		Info("run started", "version", run.Version, "nodes", g.Size())

	rc, err := o.loadRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if err := o.fireEntries(ctx, rc); err != nil {
		return nil, err
	}
	if err := o.evaluateRun(ctx, rc); err != nil {
		return nil, err
	}

	return o.store.GetRun(ctx, run.ID)
}

// fireEntries запускает entry-узлы, которые ещё не запускались.
func (o *Orchestrator) fireEntries(ctx context.Context, rc *runContext) error {
	for _, id := range rc.graph.EntryNodeIDs {
		if err := o.fireCandidate(ctx, rc, id, -1); err != nil {
			return err
		}
	}
	return nil
}

// WalkEdges продолжает выполнение после того, как узел с ключом key
// завершился (completed или failed). Повторный и параллельный вызов безопасен:
// каждый запуск узла — compare-and-set pending → running.
func (o *Orchestrator) WalkEdges(ctx context.Context, runID uuid.UUID, key string) error {
	rc, err := o.loadRun(ctx, runID)
	if err != nil {
		return err
	}

	st, err := o.store.GetNodeState(ctx, runID, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, key)
		}
		return fmt.Errorf("get node state: %w", err)
	}

	if err := o.walk(ctx, rc, st); err != nil {
		return err
	}
	return o.evaluateRun(ctx, rc)
}

// walk запускает готовые downstream узлы завершившегося узла.
//
//   - failed узел внутри fan-out сообщает collector'у; дальше падение не идёт
//   - terminal узел не запускает ничего
//   - collector проверяется подсчётом экземпляров, остальные узлы — готовностью всех upstream
//   - узел внутри fan-out наследует индекс экземпляра; после splitter'а запускаются все экземпляры
func (o *Orchestrator) walk(ctx context.Context, rc *runContext, st *domain.NodeState) error {
	g := rc.graph

	switch st.Status {
	case domain.StatusCompleted:
	case domain.StatusFailed:
		return o.notifyCollector(ctx, rc, st.NodeID)
	default:
		return nil
	}

	node, ok := g.Node(st.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s is not in graph %s v%d", ErrNodeNotFound, st.NodeID, g.GraphID, g.Version)
	}
	if g.IsTerminal(node.ID) {
		return nil
	}

	type target struct {
		nodeID string
		index  int
	}
	var targets []target

	for _, cand := range g.Downstream(node.ID) {
		cnode := g.Nodes[cand]
		if cnode.Kind == engine.KindCollector {
			if err := o.fireCollector(ctx, rc, cand); err != nil {
				return err
			}
			continue
		}

		scope, scoped := g.ScopeOf(cand)
		if !scoped {
			targets = append(targets, target{cand, -1})
			continue
		}

		if st.Index >= 0 && g.Scopes[st.NodeID] == scope {
			targets = append(targets, target{cand, st.Index})
			continue
		}

		n, split, err := o.instanceCount(ctx, rc, scope)
		if err != nil {
			return err
		}
		if !split {
			continue
		}
		for i := 0; i < n; i++ {
			targets = append(targets, target{cand, i})
		}
	}

	if node.Kind == engine.KindSplitter {
		n, _, err := o.instanceCount(ctx, rc, node.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			if collector, ok := g.CollectorOf(node.ID); ok {
				return o.fireCollector(ctx, rc, collector)
			}
			return nil
		}
	}

	switch len(targets) {
	case 0:
		return nil
	case 1:
		return o.fireCandidate(ctx, rc, targets[0].nodeID, targets[0].index)
	}

	// Ошибка одного экземпляра не отменяет соседей: у каждого свой результат.
	var eg errgroup.Group
	eg.SetLimit(o.fanoutConcurrency)
	for _, t := range targets {
		eg.Go(func() error {
			return o.fireCandidate(ctx, rc, t.nodeID, t.index)
		})
	}
	return eg.Wait()
}

// fireCandidate запускает узел, если все его upstream зависимости завершены.
func (o *Orchestrator) fireCandidate(ctx context.Context, rc *runContext, nodeID string, index int) error {
	g := rc.graph
	node, ok := g.Node(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	var input map[string]any
	if g.IsEntry(nodeID) {
		input = g.EntryInput(nodeID, rc.run.Input)
	} else {
		upstream, ready, err := o.collectUpstream(ctx, rc, nodeID, index)
		if err != nil || !ready {
			return err
		}
		input = g.MergeInput(nodeID, upstream)
	}

	return o.fire(ctx, &firing{rc: rc, node: node, index: index, input: input})
}

// collectUpstream возвращает выходы upstream узлов, если все они завершены.
//
// Для экземпляра, который непосредственно следует за splitter'ом, выходом splitter'а
// считается предзаполненный элемент массива в записи самого экземпляра.
func (o *Orchestrator) collectUpstream(ctx context.Context, rc *runContext, nodeID string, index int) ([]engine.UpstreamOutput, bool, error) {
	g := rc.graph
	scope, scoped := g.ScopeOf(nodeID)

	upstream := make([]engine.UpstreamOutput, 0, len(g.UpstreamOf(nodeID)))
	for _, up := range g.UpstreamOf(nodeID) {
		key := up
		seeded := false
		switch {
		case scoped && index >= 0 && up == scope:
			key = domain.StateKey(nodeID, index)
			seeded = true
		case scoped && index >= 0 && g.Scopes[up] == scope:
			key = domain.StateKey(up, index)
		}

		st, err := o.store.GetNodeState(ctx, rc.run.ID, key)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("get upstream %s: %w", key, err)
		}
		if !seeded && st.Status != domain.StatusCompleted {
			return nil, false, nil
		}

		upstream = append(upstream, engine.UpstreamOutput{NodeID: up, Output: st.Output})
	}
	return upstream, true, nil
}

// instanceCount возвращает количество экземпляров fan-out splitter'а:
// наибольший индекс плюс один, а не число строк.
// split = false, если splitter ещё не завершился.
func (o *Orchestrator) instanceCount(ctx context.Context, rc *runContext, splitterID string) (n int, split bool, err error) {
	st, err := o.store.GetNodeState(ctx, rc.run.ID, splitterID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get splitter %s: %w", splitterID, err)
	}
	if st.Status != domain.StatusCompleted {
		return 0, false, nil
	}

	roots := rc.graph.Downstream(splitterID)
	if len(roots) == 0 {
		return 0, true, nil
	}
	instances, err := o.store.ListInstances(ctx, rc.run.ID, roots[0])
	if err != nil {
		return 0, false, fmt.Errorf("list instances of %s: %w", roots[0], err)
	}
	for _, inst := range instances {
		if inst.Index >= n {
			n = inst.Index + 1
		}
	}
	return n, true, nil
}
