package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/mq"
)

// --- Test helpers ---

// fakePublisher запоминает отправленные callback'и.
type fakePublisher struct {
	mu        sync.Mutex
	callbacks []mq.CallbackPayload
	err       error
}

func (p *fakePublisher) PublishCallback(_ context.Context, payload mq.CallbackPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.callbacks = append(p.callbacks, payload)
	return nil
}

func (p *fakePublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.callbacks))
	for i, cb := range p.callbacks {
		out[i] = cb.Status
	}
	return out
}

func (p *fakePublisher) last(t *testing.T) mq.CallbackPayload {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.callbacks) == 0 {
		t.Fatal("no callbacks published")
	}
	return p.callbacks[len(p.callbacks)-1]
}

func newTestWorker(pub CallbackPublisher, reg *Registry) *Worker {
	return New(Config{
		Publisher: pub,
		Registry:  reg,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func dispatch(service string, config, input map[string]any) mq.DispatchPayload {
	return mq.DispatchPayload{
		RunID:      uuid.New(),
		NodeID:     "enrich",
		NodeKey:    "enrich_1",
		Index:      1,
		Service:    service,
		Config:     config,
		Input:      input,
		CallbackID: "cb-1",
		Attempt:    2,
	}
}

func outputMap(t *testing.T, v any) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("output should be map, got %T", v)
	}
	return m
}

// --- Worker Tests ---

func TestProcess_Completed(t *testing.T) {
	pub := &fakePublisher{}
	w := newTestWorker(pub, nil)

	payload := dispatch("echo", map[string]any{"set": map[string]any{"checked": true}}, map[string]any{"email": "a@b.c"})
	if err := w.process(context.Background(), payload); err != nil {
		t.Fatalf("process: %v", err)
	}

	cb := pub.last(t)
	if cb.Status != "completed" || cb.CallbackID != "cb-1" || cb.NodeKey != "enrich_1" || cb.RunID != payload.RunID || cb.Attempt != 2 {
		t.Errorf("callback = %+v", cb)
	}
	out := outputMap(t, cb.Output)
	if out["email"] != "a@b.c" || out["checked"] != true {
		t.Errorf("output = %v", out)
	}
}

func TestProcess_UnknownService(t *testing.T) {
	pub := &fakePublisher{}
	w := newTestWorker(pub, nil)

	if err := w.process(context.Background(), dispatch("nope", nil, nil)); err != nil {
		t.Fatalf("process: %v", err)
	}

	cb := pub.last(t)
	if cb.Status != "failed" || !strings.Contains(cb.Error, "unknown service") {
		t.Errorf("callback = %+v, want failed with unknown service", cb)
	}
}

func TestProcess_LogicalFailure(t *testing.T) {
	pub := &fakePublisher{}
	w := newTestWorker(pub, nil)

	if err := w.process(context.Background(), dispatch("echo", map[string]any{"fail": "no such lead"}, nil)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if cb := pub.last(t); cb.Status != "failed" || cb.Error != "no such lead" {
		t.Errorf("callback = %+v", cb)
	}
}

func TestProcess_RetryThenSuccess(t *testing.T) {
	pub := &fakePublisher{}
	reg := NewRegistry()
	calls := 0
	reg.Register("flaky", ExecutorFunc(func(_ context.Context, _ *Task) (*ExecutionResult, error) {
		calls++
		if calls < 3 {
			return &ExecutionResult{Error: "busy"}, nil
		}
		return &ExecutionResult{Output: "ok"}, nil
	}))
	w := newTestWorker(pub, reg)

	cfg := map[string]any{"retry": map[string]any{"max_attempts": 3, "initial_delay_ms": 1}}
	if err := w.process(context.Background(), dispatch("flaky", cfg, nil)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if cb := pub.last(t); cb.Status != "completed" || cb.Output != "ok" {
		t.Errorf("callback = %+v", cb)
	}
	if got := pub.statuses(); len(got) != 1 {
		t.Errorf("callbacks = %v, want a single one", got)
	}
}

func TestProcess_RetryExhausted(t *testing.T) {
	pub := &fakePublisher{}
	reg := NewRegistry()
	calls := 0
	reg.Register("down", ExecutorFunc(func(_ context.Context, _ *Task) (*ExecutionResult, error) {
		calls++
		return nil, errors.New("connection refused")
	}))
	w := newTestWorker(pub, reg)

	cfg := map[string]any{"retry": map[string]any{"max_attempts": "2", "initial_delay_ms": 1}}
	if err := w.process(context.Background(), dispatch("down", cfg, nil)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if cb := pub.last(t); cb.Status != "failed" || cb.Error != "connection refused" {
		t.Errorf("callback = %+v", cb)
	}
}

func TestProcess_Timeout(t *testing.T) {
	pub := &fakePublisher{}
	reg := NewRegistry()
	reg.Register("slow", ExecutorFunc(func(ctx context.Context, _ *Task) (*ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	w := newTestWorker(pub, reg)

	if err := w.process(context.Background(), dispatch("slow", map[string]any{"timeout": "20ms"}, nil)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if cb := pub.last(t); cb.Status != "failed" || !strings.Contains(cb.Error, ErrExecutionTimeout.Error()) {
		t.Errorf("callback = %+v, want failed with timeout", cb)
	}
}

func TestProcess_InvalidConfig(t *testing.T) {
	pub := &fakePublisher{}
	w := newTestWorker(pub, nil)

	if err := w.process(context.Background(), dispatch("echo", map[string]any{"timeout": "soon"}, nil)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if cb := pub.last(t); cb.Status != "failed" || !strings.Contains(cb.Error, ErrInvalidTaskConfig.Error()) {
		t.Errorf("callback = %+v, want failed with invalid config", cb)
	}
}

func TestProcess_ReportsProgress(t *testing.T) {
	pub := &fakePublisher{}
	w := newTestWorker(pub, nil)

	if err := w.process(context.Background(), dispatch("delay", map[string]any{"duration_sec": 0.01}, nil)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got, want := pub.statuses(), []string{"running", "completed"}; !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func TestProcess_PublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	w := newTestWorker(pub, nil)

	if err := w.process(context.Background(), dispatch("echo", nil, nil)); err == nil {
		t.Error("expected error when callback cannot be published")
	}
}

func TestProcess_Canceled(t *testing.T) {
	pub := &fakePublisher{}
	reg := NewRegistry()
	reg.Register("wait", ExecutorFunc(func(ctx context.Context, _ *Task) (*ExecutionResult, error) {
		return nil, ctx.Err()
	}))
	w := newTestWorker(pub, reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.process(ctx, dispatch("wait", nil, nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if got := pub.statuses(); len(got) != 0 {
		t.Errorf("callbacks = %v, want none", got)
	}
}

func TestStart_UnknownService(t *testing.T) {
	w := New(Config{
		Services: []string{"nope"},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	if err := w.Start(context.Background()); !errors.Is(err, ErrUnknownService) {
		t.Errorf("err = %v, want ErrUnknownService", err)
	}
}

func TestNew_DefaultServices(t *testing.T) {
	w := New(Config{})

	if want := []string{"delay", "echo", "http"}; !reflect.DeepEqual(w.services, want) {
		t.Errorf("services = %v, want %v", w.services, want)
	}
}

// --- HTTPExecutor Tests ---

func TestHTTPExecutor_GET_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("X-Custom", "test-value")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	}))
	defer server.Close()

	executor := &HTTPExecutor{}
	task := &Task{
		Config: map[string]any{
			"method": "get",
			"url":    server.URL,
		},
	}

	result, err := executor.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected execution error: %s", result.Error)
	}

	out := outputMap(t, result.Output)
	if out["status_code"] != http.StatusOK {
		t.Errorf("expected status 200, got %v", out["status_code"])
	}

	headers, ok := out["headers"].(map[string]string)
	if !ok {
		t.Fatal("headers should be map[string]string")
	}
	if headers["X-Custom"] != "test-value" {
		t.Errorf("expected X-Custom header, got %v", headers["X-Custom"])
	}

	body, ok := out["body"].(map[string]any)
	if !ok {
		t.Fatalf("body should be map, got %T", out["body"])
	}
	if body["result"] != "ok" {
		t.Errorf("expected result=ok, got %v", body["result"])
	}
}

func TestHTTPExecutor_POST_InputAsBody(t *testing.T) {
	var receivedBody map[string]any
	var receivedAuth, receivedContentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		receivedContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	executor := &HTTPExecutor{}
	task := &Task{
		Config: map[string]any{
			"method":  "POST",
			"url":     server.URL,
			"headers": map[string]any{"Authorization": "Bearer token123"},
		},
		Input: map[string]any{"email": "a@b.c"},
	}

	result, err := executor.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receivedBody["email"] != "a@b.c" {
		t.Errorf("server should receive node input, got %v", receivedBody)
	}
	if receivedAuth != "Bearer token123" {
		t.Errorf("Authorization = %q", receivedAuth)
	}
	if receivedContentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", receivedContentType)
	}
	if out := outputMap(t, result.Output); out["status_code"] != http.StatusCreated {
		t.Errorf("expected status 201, got %v", out["status_code"])
	}
}

func TestHTTPExecutor_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "internal"}`))
	}))
	defer server.Close()

	executor := &HTTPExecutor{}
	result, err := executor.Execute(context.Background(), &Task{Config: map[string]any{"url": server.URL}})
	if err != nil {
		t.Fatalf("HTTP errors should not be infrastructure errors: %v", err)
	}

	if result.Error == "" {
		t.Error("expected execution error for 500")
	}
	if out := outputMap(t, result.Output); out["status_code"] != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %v", out["status_code"])
	}
}

func TestHTTPExecutor_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	executor := &HTTPExecutor{}
	task := &Task{
		Config: map[string]any{
			"url":         server.URL,
			"timeout_sec": 0.1, // 100ms — сервер не успеет ответить
		},
	}

	if _, err := executor.Execute(context.Background(), task); !errors.Is(err, ErrHTTPRequest) {
		t.Errorf("err = %v, want ErrHTTPRequest", err)
	}
}

func TestHTTPExecutor_MissingURL(t *testing.T) {
	executor := &HTTPExecutor{}

	if _, err := executor.Execute(context.Background(), &Task{Config: map[string]any{"method": "GET"}}); err == nil {
		t.Error("expected error for missing URL")
	}
}

// --- DelayExecutor Tests ---

func TestDelayExecutor_Success(t *testing.T) {
	executor := &DelayExecutor{}
	task := &Task{
		Config: map[string]any{"duration_sec": 0.05}, // 50ms
		Input:  map[string]any{"lead": "l-1"},
	}

	start := time.Now()
	result, err := executor.Execute(context.Background(), task)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := outputMap(t, result.Output)
	if out["delayed_sec"] != 0.05 || out["lead"] != "l-1" {
		t.Errorf("output = %v", out)
	}
	if elapsed < 40*time.Millisecond {
		t.Error("should have waited at least 40ms")
	}
}

func TestDelayExecutor_ContextCancel(t *testing.T) {
	executor := &DelayExecutor{}
	task := &Task{Config: map[string]any{"duration_sec": 10.0}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Отменяем сразу

	if _, err := executor.Execute(ctx, task); err == nil {
		t.Error("expected context canceled error")
	}
}

// --- EchoExecutor Tests ---

func TestEchoExecutor_NilInput(t *testing.T) {
	result, err := (&EchoExecutor{}).Execute(context.Background(), &Task{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out := outputMap(t, result.Output); len(out) != 0 {
		t.Errorf("expected empty output, got %v", out)
	}
}

// --- Registry Tests ---

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	for _, service := range []string{"echo", "delay", "http"} {
		if _, err := r.Get(service); err != nil {
			t.Errorf("expected executor for %s, got error: %v", service, err)
		}
	}

	if _, err := r.Get("unknown"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("err = %v, want ErrUnknownService", err)
	}

	r.Register("custom", &EchoExecutor{})
	if _, err := r.Get("custom"); err != nil {
		t.Errorf("custom executor should be registered: %v", err)
	}
}

// --- Backoff Tests ---

func TestCalculateBackoff_Exponential(t *testing.T) {
	policy := &RetryPolicy{
		Backoff:        "exponential",
		InitialDelayMs: 1000,
		MaxDelayMs:     10000,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped at max
		{6, 10 * time.Second}, // stays at max
	}

	for _, tt := range tests {
		got := calculateBackoff(tt.attempt, policy)
		if got != tt.expected {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}
}

func TestCalculateBackoff_Fixed(t *testing.T) {
	policy := &RetryPolicy{
		Backoff:        "fixed",
		InitialDelayMs: 2000,
		MaxDelayMs:     10000,
	}

	for attempt := 1; attempt <= 5; attempt++ {
		if got := calculateBackoff(attempt, policy); got != 2*time.Second {
			t.Errorf("attempt %d: expected 2s, got %v", attempt, got)
		}
	}

	if got := calculateBackoff(3, nil); got != time.Second {
		t.Errorf("nil policy: expected 1s, got %v", got)
	}
}
