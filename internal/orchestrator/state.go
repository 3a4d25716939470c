package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/engine"
	"github.com/shaiso/Edgewalker/internal/repo"
)

// runView — состояния узлов run, собранные для вычисления общего статуса.
type runView struct {
	graph  *engine.ExecutionGraph
	states map[string]*domain.NodeState
}

func newRunView(g *engine.ExecutionGraph, states []domain.NodeState) *runView {
	v := &runView{graph: g, states: make(map[string]*domain.NodeState, len(states))}
	for i := range states {
		v.states[states[i].Key] = &states[i]
	}
	return v
}

// status вычисляет общий статус run по состояниям узлов:
//
//   - running, если какой-то узел может продвинуться (running или pending с живыми зависимостями)
//   - waiting_for_user, если продвигаться могут только узлы, ждущие человека
//   - completed, если завершены все terminal узлы (и все их экземпляры)
//   - failed, если что-то упало и продвигаться больше нечему
//
// Для failed возвращается текст первой ошибки в порядке ключей.
func (v *runView) status() (domain.Status, string) {
	waiting := false
	for _, st := range v.states {
		switch st.Status {
		case domain.StatusRunning:
			return domain.StatusRunning, ""
		case domain.StatusPending:
			if !v.blocked(st) {
				return domain.StatusRunning, ""
			}
		case domain.StatusWaitingForUser:
			waiting = true
		}
	}
	if waiting {
		return domain.StatusWaitingForUser, ""
	}

	if v.terminalsCompleted() {
		return domain.StatusCompleted, ""
	}

	keys := make([]string, 0, len(v.states))
	for key, st := range v.states {
		if st.Status == domain.StatusFailed {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return domain.StatusRunning, ""
	}
	sort.Strings(keys)
	st := v.states[keys[0]]
	return domain.StatusFailed, fmt.Sprintf("node %s failed: %s", st.Key, st.Error)
}

// blocked возвращает true для pending узла, чья upstream зависимость упала.
func (v *runView) blocked(st *domain.NodeState) bool {
	g := v.graph
	scope, scoped := g.ScopeOf(st.NodeID)
	for _, up := range g.UpstreamOf(st.NodeID) {
		if scoped && st.Index >= 0 && up == scope {
			continue
		}
		key := up
		if scoped && st.Index >= 0 && g.Scopes[up] == scope {
			key = domain.StateKey(up, st.Index)
		}
		if dep, ok := v.states[key]; ok && dep.Status == domain.StatusFailed {
			return true
		}
	}
	return false
}

// terminalsCompleted проверяет, что все terminal узлы завершены.
// Terminal узел внутри fan-out должен быть завершён во всех экземплярах.
func (v *runView) terminalsCompleted() bool {
	g := v.graph
	for _, id := range g.TerminalNodeIDs {
		scope, scoped := g.ScopeOf(id)
		if !scoped {
			if st, ok := v.states[id]; !ok || st.Status != domain.StatusCompleted {
				return false
			}
			continue
		}

		splitter, ok := v.states[scope]
		if !ok || splitter.Status != domain.StatusCompleted {
			return false
		}
		n := v.instances(g.Downstream(scope)[0])
		for i := 0; i < n; i++ {
			if st, ok := v.states[domain.StateKey(id, i)]; !ok || st.Status != domain.StatusCompleted {
				return false
			}
		}
	}
	return true
}

func (v *runView) instances(nodeID string) int {
	n := 0
	for _, st := range v.states {
		if st.NodeID == nodeID && st.Index >= 0 {
			n++
		}
	}
	return n
}

// evaluateRun пересчитывает общий статус run после обхода.
func (o *Orchestrator) evaluateRun(ctx context.Context, rc *runContext) error {
	run, err := o.store.GetRun(ctx, rc.run.ID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run.Status == domain.StatusCompleted || run.Status == domain.StatusPending {
		return nil
	}

	states, err := o.store.ListNodeStates(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list node states: %w", err)
	}

	target, errMsg := newRunView(rc.graph, states).status()
	return o.advanceRun(ctx, run, target, errMsg)
}

// advanceRun переводит run в target по допустимым переходам
// (failed и waiting_for_user возвращаются в running перед сменой статуса).
// Проигранная гонка не считается ошибкой: статус пересчитает другой обработчик.
func (o *Orchestrator) advanceRun(ctx context.Context, run *domain.Run, target domain.Status, errMsg string) error {
	from := run.Status
	if from == target {
		return nil
	}

	if from != domain.StatusRunning {
		if err := o.store.TransitionRun(ctx, run.ID, from, domain.StatusRunning, ""); err != nil {
			return o.runConflict(err)
		}
		o.runChanged(ctx, run.ID, domain.StatusRunning, "")
		from = domain.StatusRunning
		if target == domain.StatusRunning {
			return nil
		}
	}

	if err := o.store.TransitionRun(ctx, run.ID, from, target, errMsg); err != nil {
		return o.runConflict(err)
	}
	o.runChanged(ctx, run.ID, target, errMsg)

	switch target {
	case domain.StatusCompleted:
		o.logger.Info("run completed", "run_id", run.ID)
	case domain.StatusFailed:
		o.logger.Warn("run failed", "run_id", run.ID, "error", errMsg)
	case domain.StatusWaitingForUser:
		o.logger.Info("run waiting for user", "run_id", run.ID)
	}
	return nil
}

func (o *Orchestrator) runConflict(err error) error {
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	return fmt.Errorf("transition run: %w", err)
}

// Snapshot возвращает run вместе с состояниями всех узлов.
func (o *Orchestrator) Snapshot(ctx context.Context, runID uuid.UUID) (*domain.RunSnapshot, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	states, err := o.store.ListNodeStates(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list node states: %w", err)
	}

	snapshot := &domain.RunSnapshot{
		Run:        run,
		NodeStates: make(map[string]*domain.NodeState, len(states)),
	}
	for i := range states {
		snapshot.NodeStates[states[i].Key] = &states[i]
	}
	return snapshot, nil
}
