package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/repo"
	"github.com/shaiso/Edgewalker/internal/telemetry"
)

// RetryNode повторно запускает упавший узел (failed → running).
// Run, завершившийся с failed, возвращается в running.
func (o *Orchestrator) RetryNode(ctx context.Context, runID uuid.UUID, key string) error {
	rc, err := o.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if rc.run.Status == domain.StatusCompleted {
		return fmt.Errorf("%w: %s", ErrRunFinished, runID)
	}

	st, err := o.store.GetNodeState(ctx, runID, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, key)
		}
		return fmt.Errorf("get node state: %w", err)
	}
	if st.Status != domain.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, key, st.Status)
	}

	if err := o.advanceRun(ctx, rc.run, domain.StatusRunning, ""); err != nil {
		return err
	}

	o.logger.Info("retrying node",
		"run_id", runID,
		"node_key", key,
		"attempt", st.Attempt+1,
	)

	if err := o.refire(ctx, rc, st); err != nil {
		return err
	}
	return o.evaluateRun(ctx, rc)
}

// refire запускает failed узел заново с сохранённым входом.
func (o *Orchestrator) refire(ctx context.Context, rc *runContext, st *domain.NodeState) error {
	node, ok := rc.graph.Node(st.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, st.NodeID)
	}
	return o.fire(ctx, &firing{
		rc:    rc,
		node:  node,
		index: st.Index,
		from:  domain.StatusFailed,
	})
}

// ResumeRun продолжает run после перезапуска или потери событий:
// запускает не запущенные entry-узлы и повторяет обход от каждого завершённого узла.
// Повторный вызов безопасен.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID uuid.UUID) error {
	rc, err := o.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if rc.run.Status == domain.StatusCompleted {
		return nil
	}

	if err := o.fireEntries(ctx, rc); err != nil {
		return err
	}

	states, err := o.store.ListNodeStates(ctx, runID)
	if err != nil {
		return fmt.Errorf("list node states: %w", err)
	}
	for i := range states {
		st := &states[i]
		if st.Status != domain.StatusCompleted && st.Status != domain.StatusFailed {
			continue
		}
		if err := o.walk(ctx, rc, st); err != nil {
			return err
		}
	}

	o.logger.Info("run resumed", "run_id", runID, "nodes", len(states))
	return o.evaluateRun(ctx, rc)
}

// ReconcileReport — итог одного прохода сверки.
type ReconcileReport struct {
	// Retried — зависшие узлы, запущенные повторно.
	Retried int `json:"retried"`

	// Failed — зависшие узлы, исчерпавшие попытки.
	Failed int `json:"failed"`

	// Resumed — runs с зависшими pending узлами, для которых повторён обход.
	Resumed int `json:"resumed"`
}

// Reconcile находит узлы, которые дольше StaleAfter находятся в running
// (воркер потерял задачу или процесс упал посреди запуска), и либо запускает
// их повторно (running → failed → running), пока Attempt < MaxAttempts,
// либо оставляет failed и продолжает обход.
// Runs с давно не менявшимися pending узлами возобновляются через ResumeRun.
// Узлы в waiting_for_user не трогаются: ожидание человека не ограничено.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	before := o.now().Add(-o.staleAfter)

	stale, err := o.store.ListStaleNodes(ctx, []domain.Status{domain.StatusRunning}, before, o.reconcileBatch)
	if err != nil {
		return report, fmt.Errorf("list stale nodes: %w", err)
	}

	runs := make(map[uuid.UUID]*runContext)
	for i := range stale {
		st := &stale[i]
		rc, ok := runs[st.RunID]
		if !ok {
			rc, err = o.loadRun(ctx, st.RunID)
			if err != nil {
				o.logger.Error("reconcile: failed to load run", "run_id", st.RunID, "error", err)
				continue
			}
			runs[st.RunID] = rc
		}

		retried, err := o.reconcileNode(ctx, rc, st)
		if err != nil {
			o.logger.Error("reconcile: failed to recover node",
				"run_id", st.RunID,
				"node_key", st.Key,
				"error", err,
			)
			continue
		}
		if retried {
			report.Retried++
		} else {
			report.Failed++
		}
	}
	for _, rc := range runs {
		if err := o.evaluateRun(ctx, rc); err != nil {
			o.logger.Error("reconcile: failed to evaluate run", "run_id", rc.run.ID, "error", err)
		}
	}

	pending, err := o.store.ListStaleNodes(ctx, []domain.Status{domain.StatusPending}, before, o.reconcileBatch)
	if err != nil {
		return report, fmt.Errorf("list stale pending nodes: %w", err)
	}
	resumed := make(map[uuid.UUID]bool)
	for _, st := range pending {
		if resumed[st.RunID] {
			continue
		}
		resumed[st.RunID] = true
		if err := o.ResumeRun(ctx, st.RunID); err != nil {
			o.logger.Error("reconcile: failed to resume run", "run_id", st.RunID, "error", err)
			continue
		}
		report.Resumed++
		telemetry.ReconcileActions.WithLabelValues("resume").Inc()
	}

	if report != (ReconcileReport{}) {
		o.logger.Info("reconcile pass finished",
			"retried", report.Retried,
			"failed", report.Failed,
			"resumed", report.Resumed,
		)
	}
	return report, nil
}

// reconcileNode переводит зависший узел в failed и, если попытки не исчерпаны,
// запускает его заново. retried = true, если узел запущен повторно.
func (o *Orchestrator) reconcileNode(ctx context.Context, rc *runContext, st *domain.NodeState) (bool, error) {
	cause := fmt.Errorf("no result after %s (attempt %d)", o.staleAfter, st.Attempt)

	if st.Attempt >= o.maxAttempts {
		telemetry.ReconcileActions.WithLabelValues("fail").Inc()
		o.logger.Warn("stale node exhausted attempts",
			"run_id", st.RunID,
			"node_key", st.Key,
			"attempt", st.Attempt,
		)
		return false, o.failNode(ctx, rc, st, &WorkerExecutionError{NodeKey: st.Key, Err: cause})
	}

	failed, err := o.transition(ctx, rc, st, domain.Transition{
		From:  domain.StatusRunning,
		To:    domain.StatusFailed,
		Error: cause.Error(),
	})
	if err != nil {
		return false, err
	}

	telemetry.ReconcileActions.WithLabelValues("retry").Inc()
	o.logger.Info("retrying stale node",
		"run_id", st.RunID,
		"node_key", st.Key,
		"attempt", failed.Attempt+1,
	)
	return true, o.refire(ctx, rc, failed)
}
