package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shaiso/Edgewalker/internal/orchestrator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidateCronExpr(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"0 3 * * 1-5", false},
		{"@every 30s", false},
		{"@hourly", false},
		{"* * *", true},
		{"61 * * * *", true},
		{"", true},
	}
	for _, tt := range tests {
		err := ValidateCronExpr(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateCronExpr(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNextAfter(t *testing.T) {
	from := time.Date(2026, 3, 10, 12, 7, 0, 0, time.UTC)

	next, err := NextAfter("*/15 * * * *", from)
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	if want := time.Date(2026, 3, 10, 12, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if _, err := NextAfter("bogus", from); err == nil {
		t.Error("expected error for invalid expression")
	}
}

type fakeReconciler struct {
	calls int
	err   error
}

func (f *fakeReconciler) Reconcile(context.Context) (orchestrator.ReconcileReport, error) {
	f.calls++
	return orchestrator.ReconcileReport{Retried: 1}, f.err
}

func TestScheduler_AddAndRunNow(t *testing.T) {
	s := New(Config{Logger: testLogger()})
	r := &fakeReconciler{}

	if err := s.Add("reconcile", "@every 1h", ReconcileJob(r)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("reconcile", "@every 1h", ReconcileJob(r)); err == nil {
		t.Error("expected error for duplicate job")
	}
	if err := s.Add("broken", "not a cron", ReconcileJob(r)); err == nil {
		t.Error("expected error for invalid spec")
	}

	if err := s.RunNow(context.Background(), "reconcile"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if r.calls != 1 {
		t.Errorf("calls = %d, want 1", r.calls)
	}

	r.err = errors.New("db down")
	if err := s.RunNow(context.Background(), "reconcile"); !errors.Is(err, r.err) {
		t.Errorf("RunNow err = %v, want reconcile error", err)
	}

	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(Config{Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
