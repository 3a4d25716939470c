package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Edgewalker/internal/domain"
)

// NodeStateRepo — репозиторий состояний узлов.
//
// Каждое изменение статуса — один UPDATE ... WHERE status = $from,
// поэтому параллельные обработчики одного run не теряют обновления.
type NodeStateRepo struct {
	pool *pgxpool.Pool
}

// NewNodeStateRepo создаёт новый NodeStateRepo.
func NewNodeStateRepo(pool *pgxpool.Pool) *NodeStateRepo {
	return &NodeStateRepo{pool: pool}
}

const nodeStateColumns = `run_id, node_key, node_id, instance, status, input, output,
	error, attempt, started_at, finished_at, updated_at`

// transitionSQL — compare-and-set перехода. Повторный вход в running
// увеличивает attempt и сбрасывает ошибку и время завершения.
const transitionSQL = `
	UPDATE node_states
	SET status = $4::text,
	    input = COALESCE($5, input),
	    output = CASE WHEN $6::bool THEN $7 ELSE output END,
	    error = CASE WHEN $4::text = 'running' AND $3::text <> 'running' THEN $8 ELSE COALESCE($8, error) END,
	    attempt = attempt + CASE WHEN $4::text = 'running' AND $3::text <> 'running' THEN 1 ELSE 0 END,
	    started_at = CASE WHEN $4::text = 'running' AND $3::text <> 'running' THEN NOW() ELSE started_at END,
	    finished_at = CASE
	        WHEN $4::text IN ('completed', 'failed') THEN NOW()
	        WHEN $4::text = 'running' AND $3::text <> 'running' THEN NULL
	        ELSE finished_at END,
	    updated_at = NOW()
	WHERE run_id = $1 AND node_key = $2 AND status = $3::text
	RETURNING ` + nodeStateColumns

// GetNodeState возвращает запись по ключу.
func (r *NodeStateRepo) GetNodeState(ctx context.Context, runID uuid.UUID, key string) (*domain.NodeState, error) {
	return scanNodeState(r.pool.QueryRow(ctx, `
		SELECT `+nodeStateColumns+`
		FROM node_states
		WHERE run_id = $1 AND node_key = $2
	`, runID, key))
}

// ListNodeStates возвращает все записи run.
func (r *NodeStateRepo) ListNodeStates(ctx context.Context, runID uuid.UUID) ([]domain.NodeState, error) {
	return r.list(ctx, `
		SELECT `+nodeStateColumns+`
		FROM node_states
		WHERE run_id = $1
		ORDER BY node_id, instance
	`, runID)
}

// ListInstances возвращает экземпляры логического узла по возрастанию индекса.
func (r *NodeStateRepo) ListInstances(ctx context.Context, runID uuid.UUID, nodeID string) ([]domain.NodeState, error) {
	return r.list(ctx, `
		SELECT `+nodeStateColumns+`
		FROM node_states
		WHERE run_id = $1 AND node_id = $2 AND instance >= 0
		ORDER BY instance
	`, runID, nodeID)
}

// ListStaleNodes возвращает записи в заданных статусах, не обновлявшиеся с before.
func (r *NodeStateRepo) ListStaleNodes(ctx context.Context, statuses []domain.Status, before time.Time, limit int) ([]domain.NodeState, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return r.list(ctx, `
		SELECT `+nodeStateColumns+`
		FROM node_states
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, names, before, limit)
}

// TransitionNode применяет переход. Отсутствующая запись создаётся в pending.
func (r *NodeStateRepo) TransitionNode(ctx context.Context, runID uuid.UUID, nodeID string, index int, t domain.Transition) (*domain.NodeState, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	key := domain.StateKey(nodeID, index)
	if t.From == domain.StatusPending {
		if err := insertPending(ctx, r.pool, runID, nodeID, index); err != nil {
			return nil, err
		}
	}

	args, err := transitionArgs(runID, key, t)
	if err != nil {
		return nil, err
	}

	state, err := scanNodeState(r.pool.QueryRow(ctx, transitionSQL, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, r.missOrConflict(ctx, runID, key)
	}
	return state, err
}

// ApplySplit в одной транзакции завершает splitter и создаёт pending экземпляры.
func (r *NodeStateRepo) ApplySplit(ctx context.Context, runID uuid.UUID, splitterID string, t domain.Transition, seeds []domain.NodeState) error {
	if err := t.Validate(); err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin split: %w", err)
	}
	defer tx.Rollback(ctx)

	args, err := transitionArgs(runID, splitterID, t)
	if err != nil {
		return err
	}
	if _, err := scanNodeState(tx.QueryRow(ctx, transitionSQL, args...)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrConflict
		}
		return err
	}

	batch := &pgx.Batch{}
	for i := range seeds {
		seed := &seeds[i]
		outputJSON, err := json.Marshal(seed.Output)
		if err != nil {
			return fmt.Errorf("marshal seed %s: %w", seed.Key, err)
		}
		batch.Queue(`
			INSERT INTO node_states (run_id, node_key, node_id, instance, status, output, updated_at)
			VALUES ($1, $2, $3, $4, 'pending', $5, NOW())
			ON CONFLICT (run_id, node_key) DO NOTHING
		`, runID, seed.Key, seed.NodeID, seed.Index, outputJSON)
	}
	if batch.Len() > 0 {
		if err := insertSeeds(ctx, tx.SendBatch(ctx, batch), seeds); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit split: %w", err)
	}
	return nil
}

// --- Helpers ---

// insertSeeds читает результаты вставки экземпляров.
// Существующая запись с тем же ключом — конфликт: экземпляр не перезаписывается.
func insertSeeds(ctx context.Context, br pgx.BatchResults, seeds []domain.NodeState) error {
	for i := range seeds {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return fmt.Errorf("insert instance %s: %w", seeds[i].Key, err)
		}
		if tag.RowsAffected() == 0 {
			br.Close()
			return fmt.Errorf("%w: instance %s already exists", ErrConflict, seeds[i].Key)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert instances: %w", err)
	}
	return nil
}

// execer — общий интерфейс пула и транзакции.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertPending(ctx context.Context, db execer, runID uuid.UUID, nodeID string, index int) error {
	if index < 0 {
		index = -1
	}

	_, err := db.Exec(ctx, `
		INSERT INTO node_states (run_id, node_key, node_id, instance, status, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', NOW())
		ON CONFLICT (run_id, node_key) DO NOTHING
	`, runID, domain.StateKey(nodeID, index), nodeID, index)
	if err != nil {
		return fmt.Errorf("insert node state: %w", err)
	}
	return nil
}

func transitionArgs(runID uuid.UUID, key string, t domain.Transition) ([]any, error) {
	var inputJSON, outputJSON []byte
	var err error

	if t.Input != nil {
		if inputJSON, err = json.Marshal(t.Input); err != nil {
			return nil, fmt.Errorf("marshal input: %w", err)
		}
	}
	setOutput := t.Output != nil || t.SetOutput
	if setOutput {
		if outputJSON, err = json.Marshal(t.Output); err != nil {
			return nil, fmt.Errorf("marshal output: %w", err)
		}
	}

	return []any{runID, key, t.From, t.To, inputJSON, setOutput, outputJSON, nullString(t.Error)}, nil
}

func (r *NodeStateRepo) missOrConflict(ctx context.Context, runID uuid.UUID, key string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM node_states WHERE run_id = $1 AND node_key = $2)
	`, runID, key).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check node state: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (r *NodeStateRepo) list(ctx context.Context, query string, args ...any) ([]domain.NodeState, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list node states: %w", err)
	}
	defer rows.Close()

	var states []domain.NodeState
	for rows.Next() {
		state, err := scanNodeState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

func scanNodeState(row pgx.Row) (*domain.NodeState, error) {
	var s domain.NodeState
	var inputJSON, outputJSON []byte
	var stateError *string

	err := row.Scan(
		&s.RunID,
		&s.Key,
		&s.NodeID,
		&s.Index,
		&s.Status,
		&inputJSON,
		&outputJSON,
		&stateError,
		&s.Attempt,
		&s.StartedAt,
		&s.FinishedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node state: %w", err)
	}

	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &s.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if outputJSON != nil {
		if err := json.Unmarshal(outputJSON, &s.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if stateError != nil {
		s.Error = *stateError
	}

	return &s, nil
}
