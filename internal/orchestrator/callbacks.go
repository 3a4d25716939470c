package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/repo"
	"github.com/shaiso/Edgewalker/internal/telemetry"
)

// callbackAttempts — сколько раз callback перечитывает узел после проигранной гонки.
const callbackAttempts = 3

// errStaleCallback — результат относится к попытке, которую уже заменил RetryNode.
var errStaleCallback = errors.New("stale callback")

// HandleCallback применяет результат, присланный воркером или человеком.
//
// Обработка:
//   - completed/failed: переход проверяется конечным автоматом, сохраняется,
//     затем обход продолжается от узла
//   - тот же статус, что уже записан: для running и waiting_for_user это запись
//     прогресса (выход перезаписывается, последний побеждает); для completed и failed —
//     повторная доставка, обход повторяется и ничего не меняет
//   - результат прошлой попытки (res.Attempt меньше текущей) игнорируется
//   - недопустимый переход возвращает *domain.StatusTransitionError
func (o *Orchestrator) HandleCallback(ctx context.Context, res domain.CallbackResult) error {
	if !res.Status.IsValid() || res.Status == domain.StatusPending || res.NodeKey == "" {
		telemetry.Callbacks.WithLabelValues(string(res.Status), "invalid").Inc()
		return fmt.Errorf("%w: status %q for node %q", ErrInvalidCallback, res.Status, res.NodeKey)
	}

	rc, err := o.loadRun(ctx, res.RunID)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < callbackAttempts; attempt++ {
		err := o.applyCallback(ctx, rc, res)
		if errors.Is(err, errStaleCallback) {
			telemetry.Callbacks.WithLabelValues(string(res.Status), "stale").Inc()
			return nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			telemetry.Callbacks.WithLabelValues(string(res.Status), result).Inc()
			return err
		}
		lastErr = err
	}
	telemetry.Callbacks.WithLabelValues(string(res.Status), "conflict").Inc()
	return lastErr
}

// HandleCallbackID применяет результат, адресованный непрозрачным callback id.
func (o *Orchestrator) HandleCallbackID(ctx context.Context, id domain.CallbackID, res domain.CallbackResult) error {
	runID, key, attempt, err := id.Decode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	res.RunID = runID
	res.NodeKey = key
	if res.Attempt == 0 {
		res.Attempt = attempt
	}
	return o.HandleCallback(ctx, res)
}

func (o *Orchestrator) applyCallback(ctx context.Context, rc *runContext, res domain.CallbackResult) error {
	st, err := o.store.GetNodeState(ctx, rc.run.ID, res.NodeKey)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, res.NodeKey)
		}
		return fmt.Errorf("get node state: %w", err)
	}

	if st.Status == domain.StatusPending {
		return fmt.Errorf("%w: node %s has not been started", ErrInvalidCallback, st.Key)
	}

	logger := telemetry.WithNodeKey(telemetry.WithRunID(o.logger, rc.run.ID.String()), st.Key, st.NodeID)

	switch {
	case res.Attempt > 0 && res.Attempt < st.Attempt:
		logger.Debug("stale callback skipped", "attempt", res.Attempt, "current_attempt", st.Attempt)
		return errStaleCallback
	case res.Attempt > st.Attempt:
		return fmt.Errorf("%w: attempt %d of node %s has not been dispatched", ErrInvalidCallback, res.Attempt, st.Key)
	}

	dedupKey := ""
	if o.dedup != nil && (res.Status == domain.StatusCompleted || res.Status == domain.StatusFailed) {
		dedupKey = fmt.Sprintf("%s/%s/%s/%d", rc.run.ID, st.Key, res.Status, st.Attempt)
		seen, err := o.dedup.Seen(ctx, dedupKey)
		if err != nil {
			logger.Warn("callback dedup check failed", "error", err)
		} else if seen {
			logger.Debug("duplicate callback skipped")
			return nil
		}
	}

	if res.Status == st.Status {
		return o.repeatCallback(ctx, logger, rc, st, res, dedupKey)
	}
	// Прогресс принимается только от running узла; перезапуск — через RetryNode.
	if res.Status == domain.StatusRunning {
		return &domain.StatusTransitionError{From: st.Status, To: res.Status}
	}

	if err := domain.ValidateTransition(st.Status, res.Status); err != nil {
		if st.Status != domain.StatusWaitingForUser {
			return err
		}
		// Ответ человека: waiting_for_user → running → completed|failed.
		st, err = o.transition(ctx, rc, st, domain.Transition{
			From: domain.StatusWaitingForUser,
			To:   domain.StatusRunning,
		})
		if err != nil {
			return err
		}
		if err := domain.ValidateTransition(st.Status, res.Status); err != nil {
			return err
		}
	}

	t := domain.Transition{
		From: st.Status,
		To:   res.Status,
	}
	switch res.Status {
	case domain.StatusCompleted, domain.StatusWaitingForUser, domain.StatusRunning:
		t.Output = res.Output
		t.SetOutput = res.Status == domain.StatusCompleted
	case domain.StatusFailed:
		service := ""
		if node, ok := rc.graph.Node(st.NodeID); ok {
			service = node.Service
		}
		t.Error = (&WorkerExecutionError{
			NodeKey: st.Key,
			Service: service,
			Err:     errors.New(callbackError(res.Error)),
		}).Error()
	}

	next, err := o.transition(ctx, rc, st, t)
	if err != nil {
		return err
	}

	logger.Info("callback applied", "status", next.Status, "attempt", next.Attempt)

	if err := o.walk(ctx, rc, next); err != nil {
		return err
	}
	if err := o.evaluateRun(ctx, rc); err != nil {
		return err
	}

	if dedupKey != "" {
		if err := o.dedup.Mark(ctx, dedupKey); err != nil {
			logger.Warn("callback dedup mark failed", "error", err)
		}
	}
	return nil
}

// repeatCallback обрабатывает callback со статусом, который уже записан.
func (o *Orchestrator) repeatCallback(ctx context.Context, logger *slog.Logger, rc *runContext, st *domain.NodeState, res domain.CallbackResult, dedupKey string) error {
	switch st.Status {
	case domain.StatusRunning, domain.StatusWaitingForUser:
		next, err := o.store.TransitionNode(ctx, rc.run.ID, st.NodeID, st.Index, domain.Transition{
			From:      st.Status,
			To:        st.Status,
			Output:    res.Output,
			SetOutput: true,
		})
		if err != nil {
			return fmt.Errorf("progress %s: %w", st.Key, err)
		}
		o.publish(ctx, domain.Event{
			Type:    domain.EventNodeProgress,
			RunID:   rc.run.ID,
			NodeKey: next.Key,
			NodeID:  next.NodeID,
			Status:  next.Status,
			At:      o.now(),
		})
		return nil

	default:
		logger.Debug("repeated callback, re-walking", "status", st.Status)
		if err := o.walk(ctx, rc, st); err != nil {
			return err
		}
		if err := o.evaluateRun(ctx, rc); err != nil {
			return err
		}
		if dedupKey != "" {
			if err := o.dedup.Mark(ctx, dedupKey); err != nil {
				logger.Warn("callback dedup mark failed", "error", err)
			}
		}
		return nil
	}
}

func callbackError(msg string) string {
	if msg == "" {
		return "worker reported failure"
	}
	return msg
}
