package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/engine"
	"github.com/shaiso/Edgewalker/internal/repo"
	"github.com/shaiso/Edgewalker/internal/telemetry"
)

// splitterNode разбивает массив из входа на параллельные экземпляры downstream узлов.
//
// Завершение splitter'а и создание всех экземпляров {downstream}_{i} — одна
// атомарная запись (Store.ApplySplit): наблюдатель видит либо все ветки, либо ни одной.
type splitterNode struct{ o *Orchestrator }

func (k splitterNode) fire(ctx context.Context, f *firing) error {
	o := k.o

	st, ok, err := o.claim(ctx, f)
	if err != nil || !ok {
		return err
	}

	cfg, err := engine.DecodeSplitterConfig(f.node.Config)
	if err != nil {
		return o.failNode(ctx, f.rc, st, err)
	}

	items, err := engine.LookupArray(st.Input, cfg.Path)
	if err != nil {
		return o.failNode(ctx, f.rc, st, fmt.Errorf("split %s: %w", cfg.Path, err))
	}
	if cfg.MaxItems > 0 && len(items) > cfg.MaxItems {
		return o.failNode(ctx, f.rc, st,
			fmt.Errorf("split %s: %d items exceed max_items %d", cfg.Path, len(items), cfg.MaxItems))
	}

	roots := f.rc.graph.Downstream(f.node.ID)
	seeds := make([]domain.NodeState, 0, len(items)*len(roots))
	for _, root := range roots {
		for i, item := range items {
			seed := domain.NewNodeState(f.rc.run.ID, root, i)
			seed.Output = item
			seeds = append(seeds, *seed)
		}
	}

	err = o.store.ApplySplit(ctx, f.rc.run.ID, f.node.ID, domain.Transition{
		From:   domain.StatusRunning,
		To:     domain.StatusCompleted,
		Output: map[string]any{"count": len(items)},
	}, seeds)
	if errors.Is(err, repo.ErrConflict) {
		cur, gerr := o.store.GetNodeState(ctx, f.rc.run.ID, st.Key)
		if gerr != nil {
			return fmt.Errorf("get splitter %s: %w", st.Key, gerr)
		}
		if cur.Status == domain.StatusRunning && cur.Attempt == st.Attempt {
			// Splitter всё ещё наш: конфликт дали существующие записи экземпляров.
			return o.failNode(ctx, f.rc, cur, err)
		}
		o.logger.Debug("split already applied", "run_id", f.rc.run.ID, "node_key", st.Key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply split %s: %w", st.Key, err)
	}
	telemetry.FanOutSize.Observe(float64(len(items)))

	o.logger.Debug("split applied",
		"run_id", f.rc.run.ID,
		"node_id", f.node.ID,
		"instances", len(items),
		"branches", len(roots),
	)

	done, err := o.store.GetNodeState(ctx, f.rc.run.ID, st.Key)
	if err != nil {
		return fmt.Errorf("get splitter %s: %w", st.Key, err)
	}
	o.nodeChanged(ctx, f.rc, done)
	return o.walk(ctx, f.rc, done)
}
