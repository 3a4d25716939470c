package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefinition(t *testing.T) {
	yamlPath := writeFile(t, "graph.yaml", `
name: leads
nodes:
  - id: fetch
    type: task
  - id: enrich
    type: task
    config:
      timeout: 10s
edges:
  - source: fetch
    target: enrich
`)
	jsonPath := writeFile(t, "graph.json", `{"name":"leads","nodes":[{"id":"fetch","type":"task"}],"edges":[]}`)

	for _, path := range []string{yamlPath, jsonPath} {
		def, err := loadDefinition(path)
		if err != nil {
			t.Fatalf("loadDefinition(%s): %v", filepath.Base(path), err)
		}
		if def["name"] != "leads" {
			t.Errorf("%s: name = %v", filepath.Base(path), def["name"])
		}
		// Определение должно сериализоваться в JSON для отправки в API.
		if _, err := json.Marshal(def); err != nil {
			t.Errorf("%s: marshal: %v", filepath.Base(path), err)
		}
	}

	if _, err := loadDefinition(writeFile(t, "empty.yaml", "")); err == nil {
		t.Error("expected error for empty definition")
	}
	if _, err := loadDefinition(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseInput(t *testing.T) {
	file := writeFile(t, "input.yaml", "lead: l-1\ncount: 1\n")

	input, err := parseInput(file, []string{"count=42", "vip=true", "note=", "name=bob"})
	if err != nil {
		t.Fatalf("parseInput: %v", err)
	}

	want := map[string]any{"lead": "l-1", "count": 42, "vip": true, "note": "", "name": "bob"}
	if !reflect.DeepEqual(input, want) {
		t.Errorf("input = %#v, want %#v", input, want)
	}

	if _, err := parseInput("", []string{"novalue"}); err == nil {
		t.Error("expected error for pair without '='")
	}

	empty, err := parseInput("", nil)
	if err != nil || empty != nil {
		t.Errorf("empty input = %v, %v; want nil", empty, err)
	}
}

func TestClient_CompileErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"COMPILE_FAILED","message":"graph has 1 compile error(s)","errors":[{"kind":"cycle","path":["a","b","a"],"message":"cycle detected: a -> b -> a"}]}}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Compile(map[string]any{"nodes": []any{}})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "COMPILE_FAILED" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if len(apiErr.Issues) != 1 || apiErr.Issues[0].Kind != "cycle" {
		t.Errorf("issues = %+v", apiErr.Issues)
	}
	if !strings.Contains(err.Error(), "cycle detected") {
		t.Errorf("error text should list issues: %q", err.Error())
	}
}

func TestClient_UndecodableError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).GetRun("r-1")
	if err == nil || err.Error() != "API error: HTTP 502" {
		t.Errorf("err = %v", err)
	}
}

func TestGraphCompileCmd(t *testing.T) {
	var received map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/compile", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"execution_graph":{
			"nodes":{"fetch":{"id":"fetch","type":"task","kind":"worker","service":"echo"},
			         "enrich":{"id":"enrich","type":"task","kind":"worker","service":"echo"}},
			"entry_node_ids":["fetch"],
			"terminal_node_ids":["enrich"],
			"order":["fetch","enrich"]}}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	path := writeFile(t, "graph.yaml", "nodes:\n  - id: fetch\n    type: task\n")

	var stdout, stderr bytes.Buffer
	cmd := NewGraphCmd(
		func() *Client { return NewClient(server.URL) },
		func() *Output { return NewOutputTo(false, &stdout, &stderr) },
	)
	cmd.SetArgs([]string{"compile", "-f", path})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	def, ok := received["definition"].(map[string]any)
	if !ok {
		t.Fatalf("request body = %v, want definition", received)
	}
	if nodes, _ := def["nodes"].([]any); len(nodes) != 1 {
		t.Errorf("definition nodes = %v", def["nodes"])
	}

	if !strings.Contains(stderr.String(), "Graph compiled: 2 nodes, entry fetch") {
		t.Errorf("stderr = %q", stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("table lines = %d, want 4:\n%s", len(lines), stdout.String())
	}
	if !strings.HasPrefix(lines[2], "1") || !strings.Contains(lines[2], "fetch") {
		t.Errorf("first row = %q", lines[2])
	}
}

func TestRunStartCmd_JSON(t *testing.T) {
	var received CreateRunRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/graphs/g-1/runs", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"r-1","graph_id":"g-1","version":2,"status":"running","created_at":"2026-01-01T00:00:00Z"}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	var stdout, stderr bytes.Buffer
	cmd := NewRunCmd(
		func() *Client { return NewClient(server.URL) },
		func() *Output { return NewOutputTo(true, &stdout, &stderr) },
	)
	cmd.SetArgs([]string{"start", "g-1", "--version", "2", "--input", "lead=l-1", "--correlation-id", "c-9"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if received.Version == nil || *received.Version != 2 || received.CorrelationID != "c-9" || received.Input["lead"] != "l-1" {
		t.Errorf("request = %+v", received)
	}

	var run RunResponse
	if err := json.Unmarshal(stdout.Bytes(), &run); err != nil {
		t.Fatalf("stdout is not JSON: %v", err)
	}
	if run.ID != "r-1" || run.Status != "running" {
		t.Errorf("run = %+v", run)
	}
}

func TestCallbackSendCmd(t *testing.T) {
	var gotPath string
	var received CallbackRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	run := func(args ...string) error {
		cmd := NewCallbackCmd(
			func() *Client { return NewClient(server.URL) },
			func() *Output { return NewOutputTo(false, &bytes.Buffer{}, &bytes.Buffer{}) },
		)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append([]string{"send"}, args...))
		return cmd.Execute()
	}

	if err := run("--run-id", "r-1", "--node", "approve", "--attempt", "2", "--output", `{"approved":true}`); err != nil {
		t.Fatalf("send by node: %v", err)
	}
	if gotPath != "/api/v1/callbacks" || received.RunID != "r-1" || received.NodeID != "approve" || received.Status != "completed" || received.Attempt != 2 {
		t.Errorf("path = %s, request = %+v", gotPath, received)
	}
	if out, ok := received.Output.(map[string]any); !ok || out["approved"] != true {
		t.Errorf("output = %v", received.Output)
	}

	if err := run("--callback-id", "abc", "--status", "failed", "--error", "rejected"); err != nil {
		t.Fatalf("send by id: %v", err)
	}
	if gotPath != "/api/v1/callbacks/abc" || received.Status != "failed" || received.Error != "rejected" {
		t.Errorf("path = %s, request = %+v", gotPath, received)
	}

	if err := run("--status", "completed"); err == nil {
		t.Error("expected error without target")
	}
	if err := run("--callback-id", "abc", "--output", "{oops"); err == nil {
		t.Error("expected error for invalid output JSON")
	}
}

func TestStreamEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: ping\ndata: connected\n\n"))
		w.Write([]byte("event: node.completed\ndata: {\"node_key\":\"fetch\"}\n\n"))
		w.Write([]byte("event: run.completed\ndata: {\"status\":\"completed\"}\n\n"))
	}))
	defer server.Close()

	var types []string
	err := NewClient(server.URL).StreamEvents(context.Background(), "r-1", func(ev Event) error {
		types = append(types, ev.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamEvents: %v", err)
	}

	if want := []string{"node.completed", "run.completed"}; !reflect.DeepEqual(types, want) {
		t.Errorf("events = %v, want %v", types, want)
	}
}
