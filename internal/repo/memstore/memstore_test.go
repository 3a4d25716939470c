package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/repo"
)

func TestTransitionNode_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	runID := uuid.New()

	st, err := s.TransitionNode(ctx, runID, "A", -1, domain.Transition{
		From:  domain.StatusPending,
		To:    domain.StatusRunning,
		Input: map[string]any{"x": 1},
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if st.Key != "A" || st.Status != domain.StatusRunning || st.Attempt != 1 || st.StartedAt == nil {
		t.Errorf("state = %+v", st)
	}

	// Второй claim проигрывает.
	_, err = s.TransitionNode(ctx, runID, "A", -1, domain.Transition{From: domain.StatusPending, To: domain.StatusRunning})
	if !errors.Is(err, repo.ErrConflict) {
		t.Errorf("second claim: err = %v, want ErrConflict", err)
	}

	// Недопустимый переход отклоняется до обращения к записи.
	_, err = s.TransitionNode(ctx, runID, "A", -1, domain.Transition{From: domain.StatusRunning, To: domain.StatusPending})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("running → pending: err = %v, want ErrInvalidTransition", err)
	}

	// Неявно создаётся только pending запись.
	_, err = s.TransitionNode(ctx, runID, "B", -1, domain.Transition{From: domain.StatusRunning, To: domain.StatusCompleted})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("missing node: err = %v, want ErrNotFound", err)
	}

	done, err := s.TransitionNode(ctx, runID, "A", -1, domain.Transition{
		From: domain.StatusRunning, To: domain.StatusCompleted, Output: "ok",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Output != "ok" || done.FinishedAt == nil || done.Input["x"] != 1 {
		t.Errorf("completed state = %+v", done)
	}
}

func TestApplySplit(t *testing.T) {
	ctx := context.Background()
	s := New()
	runID := uuid.New()

	if _, err := s.TransitionNode(ctx, runID, "split", -1, domain.Transition{
		From: domain.StatusPending, To: domain.StatusRunning,
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	seeds := make([]domain.NodeState, 3)
	for i := range seeds {
		seed := domain.NewNodeState(runID, "work", i)
		seed.Output = i * 10
		seeds[i] = *seed
	}
	split := domain.Transition{From: domain.StatusRunning, To: domain.StatusCompleted, Output: map[string]any{"count": 3}}

	if err := s.ApplySplit(ctx, runID, "split", split, seeds); err != nil {
		t.Fatalf("ApplySplit: %v", err)
	}
	if err := s.ApplySplit(ctx, runID, "split", split, seeds); !errors.Is(err, repo.ErrConflict) {
		t.Errorf("repeated split: err = %v, want ErrConflict", err)
	}

	instances, _ := s.ListInstances(ctx, runID, "work")
	if len(instances) != 3 {
		t.Fatalf("instances = %d, want 3", len(instances))
	}
	for i, inst := range instances {
		if inst.Index != i || inst.Status != domain.StatusPending || inst.Output != i*10 {
			t.Errorf("instance %d = %+v", i, inst)
		}
	}

	st, _ := s.GetNodeState(ctx, runID, "split")
	if st.Status != domain.StatusCompleted {
		t.Errorf("splitter status = %s, want completed", st.Status)
	}
}

func TestApplySplit_ExistingInstance(t *testing.T) {
	ctx := context.Background()
	s := New()
	runID := uuid.New()

	if _, err := s.TransitionNode(ctx, runID, "split", -1, domain.Transition{
		From: domain.StatusPending, To: domain.StatusRunning,
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	taken := domain.NewNodeState(runID, "work", 1)
	taken.Status = domain.StatusCompleted
	taken.Output = "kept"
	s.Put(*taken)

	seeds := []domain.NodeState{
		*domain.NewNodeState(runID, "work", 0),
		*domain.NewNodeState(runID, "work", 1),
	}
	split := domain.Transition{From: domain.StatusRunning, To: domain.StatusCompleted}
	if err := s.ApplySplit(ctx, runID, "split", split, seeds); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	// Ничего не записано: splitter остаётся running, чужая запись не тронута.
	st, _ := s.GetNodeState(ctx, runID, "split")
	if st.Status != domain.StatusRunning {
		t.Errorf("splitter status = %s, want running", st.Status)
	}
	if _, err := s.GetNodeState(ctx, runID, "work_0"); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("work_0: err = %v, want ErrNotFound", err)
	}
	if kept, _ := s.GetNodeState(ctx, runID, "work_1"); kept.Status != domain.StatusCompleted || kept.Output != "kept" {
		t.Errorf("work_1 = %+v", kept)
	}
}

func TestTransitionRun(t *testing.T) {
	ctx := context.Background()
	s := New()
	run := &domain.Run{ID: uuid.New(), Status: domain.StatusPending}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, run); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Errorf("duplicate run: err = %v, want ErrAlreadyExists", err)
	}

	if err := s.TransitionRun(ctx, run.ID, domain.StatusPending, domain.StatusRunning, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.TransitionRun(ctx, run.ID, domain.StatusPending, domain.StatusRunning, ""); !errors.Is(err, repo.ErrConflict) {
		t.Errorf("stale from: err = %v, want ErrConflict", err)
	}
	if err := s.TransitionRun(ctx, run.ID, domain.StatusRunning, domain.StatusFailed, "node A failed"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != domain.StatusFailed || got.Error != "node A failed" || got.FinishedAt == nil {
		t.Errorf("run = %+v", got)
	}
	if err := s.TransitionRun(ctx, uuid.New(), domain.StatusPending, domain.StatusRunning, ""); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("unknown run: err = %v, want ErrNotFound", err)
	}
}

func TestListStaleNodes(t *testing.T) {
	ctx := context.Background()
	s := New()
	runID := uuid.New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	s.SetClock(func() time.Time { return base })
	s.TransitionNode(ctx, runID, "old", -1, domain.Transition{From: domain.StatusPending, To: domain.StatusRunning})

	s.SetClock(func() time.Time { return base.Add(time.Hour) })
	s.TransitionNode(ctx, runID, "fresh", -1, domain.Transition{From: domain.StatusPending, To: domain.StatusRunning})

	stale, err := s.ListStaleNodes(ctx, []domain.Status{domain.StatusRunning}, base.Add(30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStaleNodes: %v", err)
	}
	if len(stale) != 1 || stale[0].Key != "old" {
		t.Errorf("stale = %+v, want [old]", stale)
	}

	stale, _ = s.ListStaleNodes(ctx, []domain.Status{domain.StatusPending}, base.Add(2*time.Hour), 10)
	if len(stale) != 0 {
		t.Errorf("stale pending = %d, want 0", len(stale))
	}
}

func TestGraphVersions(t *testing.T) {
	ctx := context.Background()
	s := New()
	g := &domain.Graph{ID: uuid.New(), Name: "leads"}
	if err := s.CreateGraph(ctx, g); err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	if err := s.CreateGraph(ctx, &domain.Graph{ID: uuid.New(), Name: "leads"}); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Errorf("duplicate name: err = %v, want ErrAlreadyExists", err)
	}

	if _, err := s.GetLatestGraphVersion(ctx, g.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("no versions: err = %v, want ErrNotFound", err)
	}

	for i := 0; i < 2; i++ {
		next, _ := s.NextGraphVersion(ctx, g.ID)
		if next != i+1 {
			t.Fatalf("next version = %d, want %d", next, i+1)
		}
		if err := s.CreateGraphVersion(ctx, &domain.GraphVersion{GraphID: g.ID, Version: next}); err != nil {
			t.Fatalf("CreateGraphVersion: %v", err)
		}
	}
	if err := s.CreateGraphVersion(ctx, &domain.GraphVersion{GraphID: g.ID, Version: 2}); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Errorf("duplicate version: err = %v, want ErrAlreadyExists", err)
	}

	latest, _ := s.GetLatestGraphVersion(ctx, g.ID)
	if latest.Version != 2 {
		t.Errorf("latest = %d, want 2", latest.Version)
	}
}
