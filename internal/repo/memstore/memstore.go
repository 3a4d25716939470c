// Package memstore — хранилище движка в памяти.
//
// Повторяет семантику Postgres хранилища (compare-and-set переходы,
// атомарный split) и используется в тестах и для локального запуска без БД.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/repo"
)

type versionKey struct {
	graphID uuid.UUID
	version int
}

type stateKey struct {
	runID uuid.UUID
	key   string
}

// Store — хранилище в памяти. Безопасно для конкурентного использования.
type Store struct {
	mu sync.Mutex

	graphs   map[uuid.UUID]domain.Graph
	versions map[versionKey]domain.GraphVersion
	runs     map[uuid.UUID]domain.Run
	states   map[stateKey]*domain.NodeState

	// now — источник времени; подменяется в тестах.
	now func() time.Time
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		graphs:   make(map[uuid.UUID]domain.Graph),
		versions: make(map[versionKey]domain.GraphVersion),
		runs:     make(map[uuid.UUID]domain.Run),
		states:   make(map[stateKey]*domain.NodeState),
		now:      time.Now,
	}
}

// SetClock подменяет источник времени.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- Graphs ---

func (s *Store) CreateGraph(_ context.Context, g *domain.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.graphs {
		if existing.ID == g.ID || existing.Name == g.Name {
			return repo.ErrAlreadyExists
		}
	}
	s.graphs[g.ID] = *g
	return nil
}

func (s *Store) GetGraph(_ context.Context, id uuid.UUID) (*domain.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.graphs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &g, nil
}

func (s *Store) ListGraphs(_ context.Context) ([]domain.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Graph, 0, len(s.graphs))
	for _, g := range s.graphs {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) NextGraphVersion(_ context.Context, graphID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := 1
	for k := range s.versions {
		if k.graphID == graphID && k.version >= next {
			next = k.version + 1
		}
	}
	return next, nil
}

func (s *Store) CreateGraphVersion(_ context.Context, v *domain.GraphVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := versionKey{v.GraphID, v.Version}
	if _, exists := s.versions[k]; exists {
		return repo.ErrAlreadyExists
	}
	v.CreatedAt = s.now()
	s.versions[k] = *v
	return nil
}

func (s *Store) GetGraphVersion(_ context.Context, graphID uuid.UUID, version int) (*domain.GraphVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[versionKey{graphID, version}]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &v, nil
}

func (s *Store) GetLatestGraphVersion(ctx context.Context, graphID uuid.UUID) (*domain.GraphVersion, error) {
	versions, err := s.ListGraphVersions(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, repo.ErrNotFound
	}
	return &versions[0], nil
}

func (s *Store) ListGraphVersions(_ context.Context, graphID uuid.UUID) ([]domain.GraphVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.GraphVersion
	for k, v := range s.versions {
		if k.graphID == graphID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// --- Runs ---

func (s *Store) CreateRun(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return repo.ErrAlreadyExists
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *Store) GetRun(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &run, nil
}

func (s *Store) ListRuns(_ context.Context, filter domain.RunFilter) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Run
	for _, run := range s.runs {
		if filter.GraphID != nil && run.GraphID != *filter.GraphID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) TransitionRun(_ context.Context, id uuid.UUID, from, to domain.Status, errMsg string) error {
	if err := domain.ValidateTransition(from, to); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if run.Status != from {
		return repo.ErrConflict
	}

	now := s.now()
	run.Status = to
	run.Error = ""
	run.FinishedAt = nil
	switch to {
	case domain.StatusRunning:
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
	case domain.StatusFailed:
		run.Error = errMsg
		run.FinishedAt = &now
	case domain.StatusCompleted:
		run.FinishedAt = &now
	}
	s.runs[id] = run
	return nil
}

// --- Node states ---

func (s *Store) GetNodeState(_ context.Context, runID uuid.UUID, key string) (*domain.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[stateKey{runID, key}]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) ListNodeStates(_ context.Context, runID uuid.UUID) ([]domain.NodeState, error) {
	return s.filter(runID, func(*domain.NodeState) bool { return true }), nil
}

func (s *Store) ListInstances(_ context.Context, runID uuid.UUID, nodeID string) ([]domain.NodeState, error) {
	return s.filter(runID, func(st *domain.NodeState) bool {
		return st.NodeID == nodeID && st.Index >= 0
	}), nil
}

func (s *Store) ListStaleNodes(_ context.Context, statuses []domain.Status, before time.Time, limit int) ([]domain.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[domain.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var out []domain.NodeState
	for _, st := range s.states {
		if wanted[st.Status] && st.UpdatedAt.Before(before) {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TransitionNode(_ context.Context, runID uuid.UUID, nodeID string, index int, t domain.Transition) (*domain.NodeState, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := stateKey{runID, domain.StateKey(nodeID, index)}
	st, ok := s.states[k]
	if !ok {
		if t.From != domain.StatusPending {
			return nil, repo.ErrNotFound
		}
		st = domain.NewNodeState(runID, nodeID, index)
		st.UpdatedAt = s.now()
		s.states[k] = st
	}
	if st.Status != t.From {
		return nil, repo.ErrConflict
	}

	t.Apply(st, s.now())
	cp := *st
	return &cp, nil
}

func (s *Store) ApplySplit(_ context.Context, runID uuid.UUID, splitterID string, t domain.Transition, seeds []domain.NodeState) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[stateKey{runID, splitterID}]
	if !ok || st.Status != t.From {
		return repo.ErrConflict
	}

	for i := range seeds {
		if _, exists := s.states[stateKey{runID, seeds[i].Key}]; exists {
			return fmt.Errorf("%w: instance %s already exists", repo.ErrConflict, seeds[i].Key)
		}
	}

	now := s.now()
	t.Apply(st, now)

	for i := range seeds {
		seed := seeds[i]
		k := stateKey{runID, seed.Key}
		seed.RunID = runID
		seed.Status = domain.StatusPending
		seed.UpdatedAt = now
		s.states[k] = &seed
	}
	return nil
}

// Put записывает состояние узла напрямую. Только для подготовки тестов.
func (s *Store) Put(st domain.NodeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey{st.RunID, st.Key}] = &st
}

func (s *Store) filter(runID uuid.UUID, keep func(*domain.NodeState) bool) []domain.NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.NodeState
	for k, st := range s.states {
		if k.runID == runID && keep(st) {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Index < out[j].Index
	})
	return out
}
