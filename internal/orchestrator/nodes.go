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

// nodeKind — поведение узла при запуске. Реализации образуют закрытый набор
// по engine.NodeKind: workerNode, splitterNode, collectorNode, userGateNode, passthroughNode.
type nodeKind interface {
	fire(ctx context.Context, f *firing) error
}

// firing — один запуск узла (или экземпляра узла).
type firing struct {
	rc    *runContext
	node  *engine.CompiledNode
	index int

	// input — собранный вход; nil при повторном запуске (используется сохранённый).
	input map[string]any

	// from — статус, из которого узел переводится в running:
	// pending при обычном запуске, failed при retry.
	from domain.Status
}

func (f *firing) key() string {
	return domain.StateKey(f.node.ID, f.index)
}

// fire запускает узел через реализацию его вида.
func (o *Orchestrator) fire(ctx context.Context, f *firing) error {
	if f.from == "" {
		f.from = domain.StatusPending
	}
	kind, ok := o.kinds[f.node.Kind]
	if !ok {
		return fmt.Errorf("%w: node %s has kind %q", ErrNodeNotFound, f.node.ID, f.node.Kind)
	}
	return kind.fire(ctx, f)
}

// --- Transitions ---

// claim переводит узел в running. Проигранная гонка (узел уже запущен
// другим обработчиком) возвращает nil, false без ошибки.
func (o *Orchestrator) claim(ctx context.Context, f *firing) (*domain.NodeState, bool, error) {
	st, err := o.store.TransitionNode(ctx, f.rc.run.ID, f.node.ID, f.index, domain.Transition{
		From:  f.from,
		To:    domain.StatusRunning,
		Input: f.input,
	})
	if errors.Is(err, repo.ErrConflict) || errors.Is(err, repo.ErrNotFound) {
		o.logger.Debug("node already claimed",
			"run_id", f.rc.run.ID,
			"node_key", f.key(),
		)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", f.key(), err)
	}

	o.nodeChanged(ctx, f.rc, st)
	return st, true, nil
}

// transition применяет переход и публикует событие.
func (o *Orchestrator) transition(ctx context.Context, rc *runContext, st *domain.NodeState, t domain.Transition) (*domain.NodeState, error) {
	next, err := o.store.TransitionNode(ctx, rc.run.ID, st.NodeID, st.Index, t)
	if err != nil {
		return nil, fmt.Errorf("transition %s %s → %s: %w", st.Key, t.From, t.To, err)
	}
	o.nodeChanged(ctx, rc, next)
	return next, nil
}

// complete завершает running узел и продолжает обход.
func (o *Orchestrator) complete(ctx context.Context, rc *runContext, st *domain.NodeState, output any) error {
	done, err := o.transition(ctx, rc, st, domain.Transition{
		From:      domain.StatusRunning,
		To:        domain.StatusCompleted,
		Output:    output,
		SetOutput: true,
	})
	if err != nil {
		return err
	}
	return o.walk(ctx, rc, done)
}

// failNode переводит running узел в failed с текстом cause и продолжает обход:
// падение влияет только на collector своего fan-out.
func (o *Orchestrator) failNode(ctx context.Context, rc *runContext, st *domain.NodeState, cause error) error {
	telemetry.WithNodeKey(telemetry.WithRunID(o.logger, rc.run.ID.String()), st.Key, st.NodeID).
		Warn("node failed", "attempt", st.Attempt, "error", cause)

	failed, err := o.transition(ctx, rc, st, domain.Transition{
		From:  domain.StatusRunning,
		To:    domain.StatusFailed,
		Error: cause.Error(),
	})
	if err != nil {
		return err
	}
	return o.walk(ctx, rc, failed)
}

// --- Worker ---

// workerNode отправляет задачу внешнему сервису и возвращается сразу.
// Результат приходит через HandleCallback.
type workerNode struct{ o *Orchestrator }

func (k workerNode) fire(ctx context.Context, f *firing) error {
	st, ok, err := k.o.claim(ctx, f)
	if err != nil || !ok {
		return err
	}
	return k.o.dispatch(ctx, f.rc, f.node, st)
}

// dispatch рендерит конфигурацию и отправляет задачу.
// Ошибка отправки переводит узел в failed.
func (o *Orchestrator) dispatch(ctx context.Context, rc *runContext, node *engine.CompiledNode, st *domain.NodeState) error {
	config, err := engine.RenderConfig(node.Config, templateContext(rc, st))
	if err != nil {
		return o.failNode(ctx, rc, st, &WorkerExecutionError{NodeKey: st.Key, Service: node.Service, Err: err})
	}

	req := DispatchRequest{
		RunID:      rc.run.ID,
		NodeID:     node.ID,
		NodeKey:    st.Key,
		Index:      st.Index,
		Kind:       node.Kind,
		Service:    node.Service,
		Config:     config,
		Input:      st.Input,
		CallbackID: domain.NewCallbackID(rc.run.ID, st.Key, st.Attempt),
		Attempt:    st.Attempt,
	}

	if err := o.dispatcher.Dispatch(ctx, req); err != nil {
		telemetry.Dispatches.WithLabelValues(node.Service, "error").Inc()
		return o.failNode(ctx, rc, st, &WorkerExecutionError{NodeKey: st.Key, Service: node.Service, Err: err})
	}
	telemetry.Dispatches.WithLabelValues(node.Service, "ok").Inc()

	o.logger.Debug("node dispatched",
		"run_id", rc.run.ID,
		"node_key", st.Key,
		"service", node.Service,
		"attempt", st.Attempt,
	)
	return nil
}

func templateContext(rc *runContext, st *domain.NodeState) *engine.TemplateContext {
	return &engine.TemplateContext{
		Input: st.Input,
		Run: engine.RunRef{
			ID:            rc.run.ID.String(),
			CorrelationID: rc.run.CorrelationID,
			Trigger:       rc.run.Trigger,
		},
		Node: engine.NodeRef{
			ID:    st.NodeID,
			Key:   st.Key,
			Index: st.Index,
		},
	}
}

// --- User gate ---

// userGateNode ждёт действия человека. Если у узла задан сервис,
// ему отправляется уведомление; ошибка уведомления не останавливает ожидание.
type userGateNode struct{ o *Orchestrator }

func (k userGateNode) fire(ctx context.Context, f *firing) error {
	st, ok, err := k.o.claim(ctx, f)
	if err != nil || !ok {
		return err
	}

	waiting, err := k.o.transition(ctx, f.rc, st, domain.Transition{
		From: domain.StatusRunning,
		To:   domain.StatusWaitingForUser,
	})
	if err != nil {
		return err
	}

	if f.node.Service == "" {
		return nil
	}

	config, err := engine.RenderConfig(f.node.Config, templateContext(f.rc, waiting))
	if err != nil {
		k.o.logger.Warn("failed to render gate config", "run_id", f.rc.run.ID, "node_key", waiting.Key, "error", err)
		return nil
	}
	req := DispatchRequest{
		RunID:      f.rc.run.ID,
		NodeID:     f.node.ID,
		NodeKey:    waiting.Key,
		Index:      waiting.Index,
		Kind:       f.node.Kind,
		Service:    f.node.Service,
		Config:     config,
		Input:      waiting.Input,
		CallbackID: domain.NewCallbackID(f.rc.run.ID, waiting.Key, waiting.Attempt),
		Attempt:    waiting.Attempt,
	}
	if err := k.o.dispatcher.Dispatch(ctx, req); err != nil {
		telemetry.Dispatches.WithLabelValues(f.node.Service, "error").Inc()
		k.o.logger.Warn("failed to notify gate service",
			"run_id", f.rc.run.ID,
			"node_key", waiting.Key,
			"service", f.node.Service,
			"error", err,
		)
		return nil
	}
	telemetry.Dispatches.WithLabelValues(f.node.Service, "ok").Inc()
	return nil
}

// --- Passthrough ---

// passthroughNode завершается сразу; выход равен входу.
type passthroughNode struct{ o *Orchestrator }

func (k passthroughNode) fire(ctx context.Context, f *firing) error {
	st, ok, err := k.o.claim(ctx, f)
	if err != nil || !ok {
		return err
	}
	return k.o.complete(ctx, f.rc, st, st.Input)
}
