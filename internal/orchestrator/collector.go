package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/engine"
	"github.com/shaiso/Edgewalker/internal/repo"
	"github.com/shaiso/Edgewalker/internal/telemetry"
)

// collectorNode собирает выходы параллельных экземпляров в массив.
//
// Collector вызывается после каждого завершения ветки и:
//   - падает сразу, как только упал любой экземпляр ветки, не дожидаясь остальных
//   - остаётся pending, пока завершены не все экземпляры
//   - иначе завершается массивом выходов в порядке индексов исходного массива
//
// Запуск — compare-and-set, поэтому при одновременных вызовах collector срабатывает один раз.
type collectorNode struct{ o *Orchestrator }

func (k collectorNode) fire(ctx context.Context, f *firing) error {
	return k.o.fireCollector(ctx, f.rc, f.node.ID)
}

// fireCollector проверяет ветки fan-out и при необходимости завершает collector.
func (o *Orchestrator) fireCollector(ctx context.Context, rc *runContext, collectorID string) error {
	g := rc.graph
	splitterID, ok := g.Collectors[collectorID]
	if !ok {
		return fmt.Errorf("%w: collector %s has no splitter", ErrNodeNotFound, collectorID)
	}

	from := domain.StatusPending
	cur, err := o.store.GetNodeState(ctx, rc.run.ID, collectorID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return fmt.Errorf("get collector %s: %w", collectorID, err)
	default:
		from = cur.Status
	}
	if from != domain.StatusPending && from != domain.StatusFailed {
		return nil
	}

	n, split, err := o.instanceCount(ctx, rc, splitterID)
	if err != nil || !split {
		return err
	}

	failed, err := o.failedBranch(ctx, rc, collectorID, splitterID)
	if err != nil {
		return err
	}
	if failed != nil {
		if from == domain.StatusFailed {
			return nil
		}
		return o.failCollector(ctx, rc, collectorID, failed)
	}

	upstream := g.UpstreamOf(collectorID)[0]
	instances, err := o.store.ListInstances(ctx, rc.run.ID, upstream)
	if err != nil {
		return fmt.Errorf("list instances of %s: %w", upstream, err)
	}

	completed := make([]domain.NodeState, 0, len(instances))
	for _, inst := range instances {
		if inst.Status == domain.StatusCompleted {
			completed = append(completed, inst)
		}
	}
	if len(completed) < n {
		return nil
	}

	sort.Slice(completed, func(i, j int) bool { return completed[i].Index < completed[j].Index })
	outputs := make([]any, len(completed))
	for i, inst := range completed {
		outputs[i] = inst.Output
	}

	st, ok, err := o.claim(ctx, &firing{
		rc:    rc,
		node:  g.Nodes[collectorID],
		index: -1,
		input: map[string]any{"count": n},
		from:  from,
	})
	if err != nil || !ok {
		return err
	}
	telemetry.CollectorFires.WithLabelValues("completed").Inc()

	o.logger.Debug("collector completed",
		"run_id", rc.run.ID,
		"node_id", collectorID,
		"instances", len(outputs),
	)
	return o.complete(ctx, rc, st, outputs)
}

// failCollector переводит collector в failed с указанием упавшей ветки.
func (o *Orchestrator) failCollector(ctx context.Context, rc *runContext, collectorID string, branch *domain.NodeState) error {
	st, ok, err := o.claim(ctx, &firing{
		rc:    rc,
		node:  rc.graph.Nodes[collectorID],
		index: -1,
		from:  domain.StatusPending,
	})
	if err != nil || !ok {
		return err
	}
	telemetry.CollectorFires.WithLabelValues("failed").Inc()

	return o.failNode(ctx, rc, st, &CollectorAggregateError{
		Collector: collectorID,
		Branch:    branch.Key,
		Cause:     branch.Error,
	})
}

// failedBranch возвращает первый упавший экземпляр среди узлов fan-out,
// из которых достижим collector.
func (o *Orchestrator) failedBranch(ctx context.Context, rc *runContext, collectorID, splitterID string) (*domain.NodeState, error) {
	for _, member := range branchMembers(rc.graph, collectorID, splitterID) {
		instances, err := o.store.ListInstances(ctx, rc.run.ID, member)
		if err != nil {
			return nil, fmt.Errorf("list instances of %s: %w", member, err)
		}
		for i := range instances {
			if instances[i].Status == domain.StatusFailed {
				return &instances[i], nil
			}
		}
	}
	return nil, nil
}

// notifyCollector сообщает collector'у о падении экземпляра, если экземпляр
// находится на пути к нему. Падение вне fan-out дальше не распространяется.
func (o *Orchestrator) notifyCollector(ctx context.Context, rc *runContext, nodeID string) error {
	g := rc.graph
	splitterID, ok := g.ScopeOf(nodeID)
	if !ok {
		return nil
	}
	collectorID, ok := g.CollectorOf(splitterID)
	if !ok {
		return nil
	}
	for _, member := range branchMembers(g, collectorID, splitterID) {
		if member == nodeID {
			return o.fireCollector(ctx, rc, collectorID)
		}
	}
	return nil
}

// branchMembers возвращает узлы fan-out splitter'а, из которых достижим collector,
// в топологическом порядке.
func branchMembers(g *engine.ExecutionGraph, collectorID, splitterID string) []string {
	feeds := make(map[string]bool)
	queue := append([]string(nil), g.UpstreamOf(collectorID)...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if feeds[id] || g.Scopes[id] != splitterID {
			continue
		}
		feeds[id] = true
		queue = append(queue, g.UpstreamOf(id)...)
	}

	members := make([]string, 0, len(feeds))
	for _, id := range g.ScopeMembers(splitterID) {
		if feeds[id] {
			members = append(members, id)
		}
	}
	return members
}
