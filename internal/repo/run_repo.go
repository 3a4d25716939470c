package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Edgewalker/internal/domain"
)

// RunRepo — репозиторий для работы с runs.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

const runColumns = `id, graph_id, version, correlation_id, trigger, input, status,
	error, started_at, finished_at, created_at`

// CreateRun создаёт новый run.
func (r *RunRepo) CreateRun(ctx context.Context, run *domain.Run) error {
	triggerJSON, err := json.Marshal(run.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	inputJSON, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO runs (id, graph_id, version, correlation_id, trigger, input, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		run.ID,
		run.GraphID,
		run.Version,
		nullString(run.CorrelationID),
		triggerJSON,
		inputJSON,
		run.Status,
		run.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun возвращает run по ID.
func (r *RunRepo) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return scanRun(r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
}

// ListRuns возвращает список runs с фильтрацией.
func (r *RunRepo) ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE ($1::uuid IS NULL OR graph_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`,
		nullUUID(filter.GraphID),
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// TransitionRun меняет статус run, если текущий статус равен from.
func (r *RunRepo) TransitionRun(ctx context.Context, id uuid.UUID, from, to domain.Status, errMsg string) error {
	if err := domain.ValidateTransition(from, to); err != nil {
		return err
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET status = $3::text,
		    error = CASE WHEN $3::text = 'failed' THEN $4 ELSE NULL END,
		    started_at = COALESCE(started_at, CASE WHEN $3::text = 'running' THEN NOW() END),
		    finished_at = CASE WHEN $3::text IN ('completed', 'failed') THEN NOW() ELSE NULL END
		WHERE id = $1 AND status = $2::text
	`, id, from, to, nullString(errMsg))
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *RunRepo) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// --- Helpers ---

// scanRun сканирует одну строку в Run.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var triggerJSON, inputJSON []byte
	var correlationID, runError *string

	err := row.Scan(
		&run.ID,
		&run.GraphID,
		&run.Version,
		&correlationID,
		&triggerJSON,
		&inputJSON,
		&run.Status,
		&runError,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if triggerJSON != nil {
		if err := json.Unmarshal(triggerJSON, &run.Trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger: %w", err)
		}
	}
	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &run.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if correlationID != nil {
		run.CorrelationID = *correlationID
	}
	if runError != nil {
		run.Error = *runError
	}

	return &run, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}
