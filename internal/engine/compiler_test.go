package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/shaiso/Edgewalker/internal/domain"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := DefaultRegistry()
	types := []NodeType{
		{Name: "fetch", Kind: KindWorker, Service: "http"},
		{Name: "enrich", Kind: KindWorker, Inputs: []FieldSpec{{Name: "email", Required: true}}},
		{Name: "score", Kind: KindWorker, Inputs: []FieldSpec{{Name: "threshold", Required: true, Default: 0.5}}},
		{Name: "notify", Kind: KindWorker},
	}
	for _, nt := range types {
		if err := reg.Register(nt); err != nil {
			t.Fatalf("register %s: %v", nt.Name, err)
		}
	}
	return reg
}

func edge(src, dst string) domain.EdgeDef {
	return domain.EdgeDef{Source: src, Target: dst}
}

func linearDef() *domain.GraphDefinition {
	return &domain.GraphDefinition{
		Nodes: []domain.NodeDef{
			{ID: "A", Type: "fetch", Label: "Fetch", Position: &domain.Position{X: 1, Y: 2}},
			{ID: "B", Type: "notify"},
			{ID: "C", Type: "notify"},
		},
		Edges: []domain.EdgeDef{edge("A", "B"), edge("B", "C")},
	}
}

func fanOutDef() *domain.GraphDefinition {
	return &domain.GraphDefinition{
		Nodes: []domain.NodeDef{
			{ID: "start", Type: "fetch"},
			{ID: "split", Type: "splitter", Config: map[string]any{"path": "items"}},
			{ID: "worker", Type: "notify"},
			{ID: "post", Type: "passthrough"},
			{ID: "collect", Type: "collector"},
			{ID: "done", Type: "notify"},
		},
		Edges: []domain.EdgeDef{
			edge("start", "split"),
			edge("split", "worker"),
			edge("worker", "post"),
			edge("post", "collect"),
			edge("collect", "done"),
		},
	}
}

func TestCompile_Linear(t *testing.T) {
	g, err := Compile(linearDef(), testRegistry(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if g.Size() != 3 {
		t.Errorf("expected 3 nodes, got %d", g.Size())
	}
	if !reflect.DeepEqual(g.EntryNodeIDs, []string{"A"}) {
		t.Errorf("unexpected entry nodes: %v", g.EntryNodeIDs)
	}
	if !reflect.DeepEqual(g.TerminalNodeIDs, []string{"C"}) {
		t.Errorf("unexpected terminal nodes: %v", g.TerminalNodeIDs)
	}
	if !reflect.DeepEqual(g.Downstream("A"), []string{"B"}) {
		t.Errorf("unexpected adjacency for A: %v", g.Downstream("A"))
	}
	if !reflect.DeepEqual(g.UpstreamOf("C"), []string{"B"}) {
		t.Errorf("unexpected upstream for C: %v", g.UpstreamOf("C"))
	}
	if !reflect.DeepEqual(g.Order, []string{"A", "B", "C"}) {
		t.Errorf("unexpected order: %v", g.Order)
	}

	a, _ := g.Node("A")
	if a.Kind != KindWorker || a.Service != "http" {
		t.Errorf("unexpected node A: %+v", a)
	}
}

func TestCompile_Deterministic(t *testing.T) {
	def := fanOutDef()
	reg := testRegistry(t)

	first, err := Compile(def, reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Порядок узлов и рёбер в определении не влияет на результат
	shuffled := fanOutDef()
	for i, j := 0, len(shuffled.Nodes)-1; i < j; i, j = i+1, j-1 {
		shuffled.Nodes[i], shuffled.Nodes[j] = shuffled.Nodes[j], shuffled.Nodes[i]
	}
	for i, j := 0, len(shuffled.Edges)-1; i < j; i, j = i+1, j-1 {
		shuffled.Edges[i], shuffled.Edges[j] = shuffled.Edges[j], shuffled.Edges[i]
	}

	for _, d := range []*domain.GraphDefinition{def, shuffled} {
		second, err := Compile(d, reg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Error("compiling the same graph twice should give identical results")
		}

		a, _ := first.Encode()
		b, _ := second.Encode()
		if string(a) != string(b) {
			t.Error("encoded graphs differ")
		}
	}
}

func TestCompile_Diamond(t *testing.T) {
	def := &domain.GraphDefinition{
		Nodes: []domain.NodeDef{
			{ID: "A", Type: "fetch"},
			{ID: "B", Type: "notify"},
			{ID: "C", Type: "notify"},
			{ID: "D", Type: "notify"},
		},
		Edges: []domain.EdgeDef{edge("A", "C"), edge("A", "B"), edge("C", "D"), edge("B", "D")},
	}

	g, err := Compile(def, testRegistry(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(g.Downstream("A"), []string{"B", "C"}) {
		t.Errorf("adjacency should be sorted, got %v", g.Downstream("A"))
	}
	if !reflect.DeepEqual(g.UpstreamOf("D"), []string{"B", "C"}) {
		t.Errorf("upstream should be sorted, got %v", g.UpstreamOf("D"))
	}
	if !reflect.DeepEqual(g.Order, []string{"A", "B", "C", "D"}) {
		t.Errorf("unexpected order: %v", g.Order)
	}
}

func TestCompile_Cycle(t *testing.T) {
	def := &domain.GraphDefinition{
		Nodes: []domain.NodeDef{
			{ID: "start", Type: "fetch"},
			{ID: "a", Type: "notify"},
			{ID: "b", Type: "notify"},
			{ID: "c", Type: "notify"},
		},
		Edges: []domain.EdgeDef{edge("start", "a"), edge("a", "b"), edge("b", "c"), edge("c", "a")},
	}

	_, err := Compile(def, testRegistry(t))
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}

	var cycle *CompileError
	for _, ce := range CompileErrors(err) {
		if ce.Kind == KindCycle {
			cycle = ce
		}
	}
	if cycle == nil {
		t.Fatalf("no cycle error in %v", err)
	}
	if want := []string{"a", "b", "c", "a"}; !reflect.DeepEqual(cycle.Path, want) {
		t.Errorf("expected cycle path %v, got %v", want, cycle.Path)
	}
	if !strings.Contains(cycle.Error(), "a -> b -> c -> a") {
		t.Errorf("cycle message should contain the path, got %q", cycle.Error())
	}
}

func TestCompile_SelfLoop(t *testing.T) {
	def := &domain.GraphDefinition{
		Nodes: []domain.NodeDef{{ID: "A", Type: "fetch"}, {ID: "B", Type: "notify"}},
		Edges: []domain.EdgeDef{edge("A", "B"), edge("B", "B")},
	}

	_, err := Compile(def, testRegistry(t))
	if !errors.Is(err, ErrSelfLoop) {
		t.Errorf("expected ErrSelfLoop, got %v", err)
	}
}

func TestCompile_IsolatedNodeIsEntry(t *testing.T) {
	def := &domain.GraphDefinition{
		Nodes: []domain.NodeDef{
			{ID: "A", Type: "fetch"},
			{ID: "B", Type: "notify"},
			{ID: "lonely", Type: "notify"},
		},
		Edges: []domain.EdgeDef{edge("A", "B")},
	}

	g, err := Compile(def, testRegistry(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.IsEntry("lonely") || !g.IsTerminal("lonely") {
		t.Error("isolated node should be both entry and terminal")
	}
	if !reflect.DeepEqual(g.EntryNodeIDs, []string{"A", "lonely"}) {
		t.Errorf("entry nodes = %v, want [A lonely]", g.EntryNodeIDs)
	}
}

func TestCompile_UnreachableCycleIsOrphan(t *testing.T) {
	def := &domain.GraphDefinition{
		Nodes: []domain.NodeDef{
			{ID: "A", Type: "fetch"},
			{ID: "B", Type: "notify"},
			{ID: "x", Type: "notify"},
			{ID: "y", Type: "notify"},
		},
		Edges: []domain.EdgeDef{edge("A", "B"), edge("x", "y"), edge("y", "x")},
	}

	_, err := Compile(def, testRegistry(t))
	kinds := make(map[CompileErrorKind]int)
	for _, ce := range CompileErrors(err) {
		kinds[ce.Kind]++
	}
	if kinds[KindCycle] != 1 {
		t.Errorf("expected 1 cycle error, got %d", kinds[KindCycle])
	}
	if kinds[KindOrphan] != 2 {
		t.Errorf("expected 2 orphan errors, got %d", kinds[KindOrphan])
	}
}

func TestCompile_SingleNode(t *testing.T) {
	def := &domain.GraphDefinition{Nodes: []domain.NodeDef{{ID: "only", Type: "fetch"}}}

	g, err := Compile(def, testRegistry(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.IsEntry("only") || !g.IsTerminal("only") {
		t.Error("single node should be both entry and terminal")
	}
}

func TestCompile_RequiredInput(t *testing.T) {
	tests := []struct {
		name    string
		edge    domain.EdgeDef
		node    domain.NodeDef
		wantErr bool
	}{
		{
			name:    "same-name pass-through is not enough",
			edge:    edge("A", "E"),
			node:    domain.NodeDef{ID: "E", Type: "enrich"},
			wantErr: true,
		},
		{
			name:    "explicit mapping",
			edge:    domain.EdgeDef{Source: "A", Target: "E", Mapping: map[string]string{"contact.email": "email"}},
			node:    domain.NodeDef{ID: "E", Type: "enrich"},
			wantErr: false,
		},
		{
			name:    "node default",
			edge:    edge("A", "E"),
			node:    domain.NodeDef{ID: "E", Type: "enrich", Defaults: map[string]any{"email": "ops@example.com"}},
			wantErr: false,
		},
		{
			name:    "type default",
			edge:    edge("A", "E"),
			node:    domain.NodeDef{ID: "E", Type: "score"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &domain.GraphDefinition{
				Nodes: []domain.NodeDef{{ID: "A", Type: "fetch"}, tt.node},
				Edges: []domain.EdgeDef{tt.edge},
			}

			_, err := Compile(def, testRegistry(t))
			if tt.wantErr {
				errs := CompileErrors(err)
				if len(errs) != 1 || errs[0].Kind != KindMissingRequiredInput || errs[0].Field != "email" {
					t.Errorf("expected missing_required_input for email, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCompile_EntryRequiredInputDeferred(t *testing.T) {
	def := &domain.GraphDefinition{
		Nodes: []domain.NodeDef{{ID: "E", Type: "enrich"}, {ID: "N", Type: "notify"}},
		Edges: []domain.EdgeDef{edge("E", "N")},
	}

	g, err := Compile(def, testRegistry(t))
	if err != nil {
		t.Fatalf("entry nodes are checked at run start, got %v", err)
	}
	if missing := g.MissingEntryInputs("E", map[string]any{}); !reflect.DeepEqual(missing, []string{"email"}) {
		t.Errorf("expected [email] missing, got %v", missing)
	}
	if missing := g.MissingEntryInputs("E", map[string]any{"email": "a@b.c"}); len(missing) != 0 {
		t.Errorf("expected nothing missing, got %v", missing)
	}
}

func TestCompile_UnknownType(t *testing.T) {
	def := linearDef()
	def.Nodes[1].Type = "teleport"

	_, err := Compile(def, testRegistry(t))
	errs := CompileErrors(err)
	if len(errs) != 1 || errs[0].Kind != KindUnknownType || errs[0].NodeID != "B" {
		t.Errorf("expected unknown_type for B, got %v", err)
	}
	if !errors.Is(err, ErrUnknownNodeType) {
		t.Error("expected ErrUnknownNodeType")
	}
}

func TestCompile_CollectsAllErrors(t *testing.T) {
	def := &domain.GraphDefinition{
		Nodes: []domain.NodeDef{
			{ID: "A", Type: "fetch"},
			{ID: "A", Type: "fetch"},
			{ID: "B", Type: "teleport"},
			{ID: "E", Type: "enrich"},
		},
		Edges: []domain.EdgeDef{edge("A", "B"), edge("A", "E"), edge("A", "ghost")},
	}

	_, err := Compile(def, testRegistry(t))
	errs := CompileErrors(err)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), err)
	}

	for _, target := range []error{ErrDuplicateNodeID, ErrUnknownNodeType, ErrDanglingEdge, ErrMissingRequiredInput} {
		if !errors.Is(err, target) {
			t.Errorf("expected %v in %v", target, err)
		}
	}
}

func TestCompile_EmptyGraph(t *testing.T) {
	_, err := Compile(&domain.GraphDefinition{}, nil)
	if !errors.Is(err, ErrEmptyGraph) {
		t.Errorf("expected ErrEmptyGraph, got %v", err)
	}
}

func TestCompile_DuplicateEdge(t *testing.T) {
	def := linearDef()
	def.Edges = append(def.Edges, domain.EdgeDef{ID: "again", Source: "A", Target: "B"})

	_, err := Compile(def, testRegistry(t))
	errs := CompileErrors(err)
	if len(errs) != 1 || errs[0].EdgeID != "again" || !errors.Is(errs[0], ErrDuplicateEdge) {
		t.Errorf("expected duplicate edge error, got %v", err)
	}
}

func TestCompile_FanOutScopes(t *testing.T) {
	g, err := Compile(fanOutDef(), testRegistry(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantScopes := map[string]string{"worker": "split", "post": "split"}
	if !reflect.DeepEqual(g.Scopes, wantScopes) {
		t.Errorf("expected scopes %v, got %v", wantScopes, g.Scopes)
	}
	if c, ok := g.CollectorOf("split"); !ok || c != "collect" {
		t.Errorf("expected collector collect, got %q", c)
	}
	if members := g.ScopeMembers("split"); !reflect.DeepEqual(members, []string{"worker", "post"}) {
		t.Errorf("unexpected scope members: %v", members)
	}
	if _, ok := g.ScopeOf("done"); ok {
		t.Error("node after collector should not be in scope")
	}
}

func TestCompile_InvalidFanOut(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *domain.GraphDefinition)
	}{
		{
			name: "splitter without path",
			mutate: func(d *domain.GraphDefinition) {
				d.Nodes[1].Config = nil
			},
		},
		{
			name: "splitter feeds collector directly",
			mutate: func(d *domain.GraphDefinition) {
				d.Edges = append(d.Edges, edge("split", "collect"))
			},
		},
		{
			name: "collector without splitter",
			mutate: func(d *domain.GraphDefinition) {
				d.Nodes = append(d.Nodes, domain.NodeDef{ID: "stray", Type: "collector"})
				d.Edges = append(d.Edges, edge("done", "stray"))
			},
		},
		{
			name: "nested fan-out",
			mutate: func(d *domain.GraphDefinition) {
				d.Nodes[3] = domain.NodeDef{ID: "post", Type: "splitter", Config: map[string]any{"path": "x"}}
			},
		},
		{
			name: "collector with two upstreams",
			mutate: func(d *domain.GraphDefinition) {
				d.Edges = append(d.Edges, edge("worker", "collect"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := fanOutDef()
			tt.mutate(def)

			_, err := Compile(def, testRegistry(t))
			if err == nil {
				t.Fatal("expected error")
			}
			found := false
			for _, ce := range CompileErrors(err) {
				if ce.Kind == KindInvalidGraph {
					found = true
				}
			}
			if !found {
				t.Errorf("expected invalid_graph error, got %v", err)
			}
		})
	}
}

func TestCompile_InstanceKeyCollision(t *testing.T) {
	def := fanOutDef()
	def.Nodes = append(def.Nodes, domain.NodeDef{ID: "worker_0", Type: "notify"})
	def.Edges = append(def.Edges, edge("done", "worker_0"))

	_, err := Compile(def, testRegistry(t))
	if !errors.Is(err, ErrInstanceKeyCollision) {
		t.Fatalf("expected ErrInstanceKeyCollision, got %v", err)
	}
	errs := CompileErrors(err)
	if len(errs) != 1 || errs[0].NodeID != "worker_0" || errs[0].Kind != KindInvalidGraph {
		t.Errorf("unexpected errors: %+v", errs)
	}

	// Суффикс у узла вне fan-out не конфликтует.
	def = fanOutDef()
	def.Nodes = append(def.Nodes, domain.NodeDef{ID: "done_0", Type: "notify"})
	def.Edges = append(def.Edges, edge("done", "done_0"))
	if _, err := Compile(def, testRegistry(t)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCompile_StripsPresentation(t *testing.T) {
	def := linearDef()
	def.Layout = map[string]any{"zoom": 1.5}

	g, err := Compile(def, testRegistry(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := g.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, field := range []string{"Fetch", "position", "zoom"} {
		if strings.Contains(string(data), field) {
			t.Errorf("compiled graph should not contain %q", field)
		}
	}

	decoded, err := DecodeExecutionGraph(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded.EntryNodeIDs, g.EntryNodeIDs) {
		t.Error("decoded graph should keep entry nodes")
	}
}
