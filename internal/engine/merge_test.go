package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/shaiso/Edgewalker/internal/domain"
)

func mergeGraph(t *testing.T) *ExecutionGraph {
	t.Helper()
	def := &domain.GraphDefinition{
		Nodes: []domain.NodeDef{
			{ID: "profile", Type: "fetch"},
			{ID: "score", Type: "fetch"},
			{ID: "plain", Type: "fetch"},
			{ID: "target", Type: "notify", Defaults: map[string]any{"channel": "email", "name": "default"}},
		},
		Edges: []domain.EdgeDef{
			edge("profile", "target"),
			{Source: "score", Target: "target", Mapping: map[string]string{"value": "score", "meta.source": "score_source"}},
			edge("plain", "target"),
		},
	}
	g, err := Compile(def, testRegistry(t))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return g
}

func TestMergeInput(t *testing.T) {
	g := mergeGraph(t)

	input := g.MergeInput("target", []UpstreamOutput{
		{NodeID: "plain", Output: 42},
		{NodeID: "score", Output: map[string]any{"value": 0.9, "ignored": true, "meta": map[string]any{"source": "model"}}},
		{NodeID: "profile", Output: map[string]any{"name": "Ann", "email": "ann@example.com"}},
	})

	want := map[string]any{
		"name":         "Ann",
		"email":        "ann@example.com",
		"score":        0.9,
		"score_source": "model",
		"plain":        42,
		"channel":      "email",
	}
	if !reflect.DeepEqual(input, want) {
		t.Errorf("expected %v, got %v", want, input)
	}
}

func TestMergeInput_OrderIndependent(t *testing.T) {
	g := mergeGraph(t)

	outputs := []UpstreamOutput{
		{NodeID: "profile", Output: map[string]any{"name": "Ann"}},
		{NodeID: "plain", Output: map[string]any{"name": "Bob"}},
		{NodeID: "score", Output: map[string]any{"value": 1}},
	}
	first := g.MergeInput("target", outputs)

	reversed := []UpstreamOutput{outputs[2], outputs[1], outputs[0]}
	second := g.MergeInput("target", reversed)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("merge depends on arrival order: %v vs %v", first, second)
	}
	// upstream узлы применяются в порядке ID: plain, затем profile
	if first["name"] != "Ann" {
		t.Errorf("expected name from profile, got %v", first["name"])
	}
}

func TestEntryInput(t *testing.T) {
	g := mergeGraph(t)

	input := g.EntryInput("target", map[string]any{"name": "Run"})
	if input["name"] != "Run" || input["channel"] != "email" {
		t.Errorf("unexpected entry input: %v", input)
	}
}

func TestLookup(t *testing.T) {
	value := map[string]any{
		"data": map[string]any{
			"rows": []any{map[string]any{"id": 1}, map[string]any{"id": 2}},
		},
	}

	tests := []struct {
		path string
		want any
	}{
		{"", value},
		{".", value},
		{"data.rows.1.id", 2},
		{".data.rows.0.id", 1},
	}

	for _, tt := range tests {
		got, err := Lookup(value, tt.path)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.path, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%q: expected %v, got %v", tt.path, tt.want, got)
		}
	}

	for _, path := range []string{"missing", "data.rows.5", "data.rows.x", "data.rows.0.id.deeper"} {
		if _, err := Lookup(value, path); !errors.Is(err, ErrPathNotFound) {
			t.Errorf("%q: expected ErrPathNotFound, got %v", path, err)
		}
	}
}

func TestLookupArray(t *testing.T) {
	input := map[string]any{
		"items": []any{10, 20, 30},
		"names": []string{"a", "b"},
		"count": 3,
	}

	arr, err := LookupArray(input, "items")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(arr, []any{10, 20, 30}) {
		t.Errorf("unexpected array: %v", arr)
	}

	arr, err = LookupArray(input, "names")
	if err != nil || len(arr) != 2 {
		t.Errorf("expected 2 names, got %v (%v)", arr, err)
	}

	_, err = LookupArray(input, "count")
	if err == nil || !strings.Contains(err.Error(), "expected array") {
		t.Errorf("expected type error, got %v", err)
	}
}

func TestLoadRegistry(t *testing.T) {
	src := `
types:
  - name: enrich
    kind: worker
    inputs:
      - name: email
        required: true
  - name: approve
    kind: user_gate
    service: inbox
`
	reg, err := LoadRegistry(strings.NewReader(src))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enrich, ok := reg.Lookup("enrich")
	if !ok {
		t.Fatal("enrich type should be registered")
	}
	if enrich.Service != "enrich" {
		t.Errorf("worker service should default to type name, got %q", enrich.Service)
	}
	if len(enrich.Inputs) != 1 || !enrich.Inputs[0].Required {
		t.Errorf("unexpected inputs: %+v", enrich.Inputs)
	}

	if _, ok := reg.Lookup("splitter"); !ok {
		t.Error("builtin types should be present")
	}
	if names := reg.Names(); len(names) != 6 {
		t.Errorf("expected 6 types, got %v", names)
	}
}

func TestLoadRegistry_InvalidKind(t *testing.T) {
	_, err := LoadRegistry(strings.NewReader("types:\n  - name: x\n    kind: robot\n"))
	if err == nil {
		t.Error("expected error for unknown kind")
	}
}
