package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Edgewalker/internal/domain"
)

// uniqueViolation — код ошибки Postgres для нарушения уникальности.
const uniqueViolation = "23505"

// GraphRepo — репозиторий для работы с graphs и graph_versions.
type GraphRepo struct {
	pool *pgxpool.Pool
}

// NewGraphRepo создаёт новый GraphRepo.
func NewGraphRepo(pool *pgxpool.Pool) *GraphRepo {
	return &GraphRepo{pool: pool}
}

// --- Graph ---

// CreateGraph создаёт новый граф.
func (r *GraphRepo) CreateGraph(ctx context.Context, g *domain.Graph) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO graphs (id, name, created_at)
		VALUES ($1, $2, $3)
	`, g.ID, g.Name, g.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert graph: %w", err)
	}
	return nil
}

// GetGraph возвращает граф по ID.
func (r *GraphRepo) GetGraph(ctx context.Context, id uuid.UUID) (*domain.Graph, error) {
	var g domain.Graph
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, created_at
		FROM graphs
		WHERE id = $1
	`, id).Scan(&g.ID, &g.Name, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get graph by id: %w", err)
	}
	return &g, nil
}

// ListGraphs возвращает все графы.
func (r *GraphRepo) ListGraphs(ctx context.Context) ([]domain.Graph, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM graphs
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	defer rows.Close()

	var graphs []domain.Graph
	for rows.Next() {
		var g domain.Graph
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan graph: %w", err)
		}
		graphs = append(graphs, g)
	}
	return graphs, rows.Err()
}

// --- GraphVersion ---

// NextGraphVersion возвращает номер следующей версии.
func (r *GraphRepo) NextGraphVersion(ctx context.Context, graphID uuid.UUID) (int, error) {
	var next int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1
		FROM graph_versions
		WHERE graph_id = $1
	`, graphID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("get next version: %w", err)
	}
	return next, nil
}

// CreateGraphVersion сохраняет версию графа.
func (r *GraphRepo) CreateGraphVersion(ctx context.Context, v *domain.GraphVersion) error {
	defJSON, err := json.Marshal(v.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO graph_versions (graph_id, version, definition, execution_graph, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at
	`, v.GraphID, v.Version, defJSON, v.Execution).Scan(&v.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert graph version: %w", err)
	}
	return nil
}

// GetGraphVersion возвращает конкретную версию графа.
func (r *GraphRepo) GetGraphVersion(ctx context.Context, graphID uuid.UUID, version int) (*domain.GraphVersion, error) {
	return scanGraphVersion(r.pool.QueryRow(ctx, `
		SELECT graph_id, version, definition, execution_graph, created_at
		FROM graph_versions
		WHERE graph_id = $1 AND version = $2
	`, graphID, version))
}

// GetLatestGraphVersion возвращает последнюю версию графа.
func (r *GraphRepo) GetLatestGraphVersion(ctx context.Context, graphID uuid.UUID) (*domain.GraphVersion, error) {
	return scanGraphVersion(r.pool.QueryRow(ctx, `
		SELECT graph_id, version, definition, execution_graph, created_at
		FROM graph_versions
		WHERE graph_id = $1
		ORDER BY version DESC
		LIMIT 1
	`, graphID))
}

// ListGraphVersions возвращает все версии графа, начиная с последней.
func (r *GraphRepo) ListGraphVersions(ctx context.Context, graphID uuid.UUID) ([]domain.GraphVersion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT graph_id, version, definition, execution_graph, created_at
		FROM graph_versions
		WHERE graph_id = $1
		ORDER BY version DESC
	`, graphID)
	if err != nil {
		return nil, fmt.Errorf("list graph versions: %w", err)
	}
	defer rows.Close()

	var versions []domain.GraphVersion
	for rows.Next() {
		v, err := scanGraphVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// --- Helpers ---

func scanGraphVersion(row pgx.Row) (*domain.GraphVersion, error) {
	var v domain.GraphVersion
	var defJSON []byte

	err := row.Scan(&v.GraphID, &v.Version, &defJSON, &v.Execution, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan graph version: %w", err)
	}

	if err := json.Unmarshal(defJSON, &v.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
