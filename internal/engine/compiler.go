package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shaiso/Edgewalker/internal/domain"
	"go.uber.org/multierr"
)

// Compile компилирует определение графа в ExecutionGraph.
//
// Проверяет:
//   - структуру (уникальность ID, висячие рёбра, дубликаты)
//   - типы узлов по реестру
//   - отсутствие циклов (DFS, путь цикла в ошибке)
//   - достижимость всех узлов из entry-узлов
//   - покрытие обязательных полей маппингами или значениями по умолчанию
//   - корректность fan-out (splitter → ... → collector)
//   - отсутствие ID, совпадающих с ключами экземпляров fan-out
//
// Все ошибки собираются и возвращаются вместе; частичного результата нет.
// Компиляция чистая и детерминированная.
func Compile(def *domain.GraphDefinition, reg TypeRegistry) (*ExecutionGraph, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, &CompileError{Kind: KindInvalidGraph, Message: "graph has no nodes", Err: ErrEmptyGraph}
	}
	if reg == nil {
		reg = DefaultRegistry()
	}

	c := &compiler{
		def: def,
		reg: reg,
		g: &ExecutionGraph{
			Nodes:        make(map[string]*CompiledNode, len(def.Nodes)),
			Adjacency:    make(map[string][]string, len(def.Nodes)),
			Upstream:     make(map[string][]string, len(def.Nodes)),
			EdgeMappings: make(map[string]map[string]string),
			Scopes:       make(map[string]string),
			Collectors:   make(map[string]string),
		},
	}

	c.compileNodes()
	c.compileEdges()
	c.computeEntryTerminal()

	acyclic := c.detectCycles()
	c.detectOrphans()
	c.validateRequiredInputs()
	c.analyzeFanOut()
	c.detectKeyCollisions()

	if c.err != nil {
		return nil, c.err
	}

	if acyclic {
		c.g.Order = c.topologicalOrder()
	}

	return c.g, nil
}

// compiler — состояние одной компиляции.
type compiler struct {
	def *domain.GraphDefinition
	reg TypeRegistry
	g   *ExecutionGraph

	// ids — отсортированные ID узлов.
	ids []string

	err error
}

func (c *compiler) fail(e *CompileError) {
	c.err = multierr.Append(c.err, e)
}

// --- Nodes ---

func (c *compiler) compileNodes() {
	for i := range c.def.Nodes {
		nd := &c.def.Nodes[i]

		if nd.ID == "" {
			c.fail(&CompileError{Kind: KindInvalidGraph,
				Message: fmt.Sprintf("node #%d has empty ID", i), Err: ErrEmptyNodeID})
			continue
		}
		if _, dup := c.g.Nodes[nd.ID]; dup {
			c.fail(newNodeError(KindInvalidGraph, nd.ID, "duplicate node ID", ErrDuplicateNodeID))
			continue
		}

		node := &CompiledNode{
			ID:     nd.ID,
			Type:   nd.Type,
			Config: copyMap(nd.Config),
		}
		c.g.Nodes[nd.ID] = node
		c.ids = append(c.ids, nd.ID)

		nt, ok := c.reg.Lookup(nd.Type)
		if !ok {
			c.fail(newNodeError(KindUnknownType, nd.ID,
				fmt.Sprintf("unknown node type %q", nd.Type), ErrUnknownNodeType))
			continue
		}

		node.Kind = nt.Kind
		node.Service = nt.Service
		node.Defaults = mergeDefaults(nt.Inputs, nd.Defaults)
		for _, f := range nt.Inputs {
			if f.Required {
				node.Required = append(node.Required, f.Name)
			}
		}

		c.compileNodeConfig(node)
	}

	sort.Strings(c.ids)
}

// compileNodeConfig проверяет конфигурацию узла по его виду.
func (c *compiler) compileNodeConfig(node *CompiledNode) {
	switch node.Kind {
	case KindSplitter:
		if _, err := DecodeSplitterConfig(node.Config); err != nil {
			c.fail(newNodeError(KindInvalidGraph, node.ID, err.Error(), ErrInvalidNodeConfig))
		}
	case KindUserGate:
		cfg, err := DecodeGateConfig(node.Config)
		if err != nil {
			c.fail(newNodeError(KindInvalidGraph, node.ID, err.Error(), ErrInvalidNodeConfig))
			return
		}
		if cfg.Service != "" {
			node.Service = cfg.Service
		}
	case KindWorker:
		cfg, err := DecodeWorkerConfig(node.Config)
		if err != nil {
			c.fail(newNodeError(KindInvalidGraph, node.ID, err.Error(), ErrInvalidNodeConfig))
			return
		}
		if cfg.Service != "" {
			node.Service = cfg.Service
		}
	}
}

// --- Edges ---

func (c *compiler) compileEdges() {
	seen := make(map[string]bool, len(c.def.Edges))

	for i := range c.def.Edges {
		e := &c.def.Edges[i]
		label := e.Label()

		_, srcOK := c.g.Nodes[e.Source]
		_, dstOK := c.g.Nodes[e.Target]
		if !srcOK || !dstOK {
			missing := e.Source
			if srcOK {
				missing = e.Target
			}
			c.fail(newEdgeError(KindInvalidGraph, label,
				fmt.Sprintf("references unknown node %q", missing), ErrDanglingEdge))
			continue
		}

		if e.Source == e.Target {
			c.fail(&CompileError{Kind: KindCycle, EdgeID: label, NodeID: e.Source,
				Path:    []string{e.Source, e.Source},
				Message: fmt.Sprintf("cycle: %s -> %s", e.Source, e.Source), Err: ErrSelfLoop})
			continue
		}

		key := EdgeKey(e.Source, e.Target)
		if seen[key] {
			c.fail(newEdgeError(KindInvalidGraph, label, "duplicate edge "+key, ErrDuplicateEdge))
			continue
		}
		seen[key] = true

		c.g.Adjacency[e.Source] = append(c.g.Adjacency[e.Source], e.Target)
		c.g.Upstream[e.Target] = append(c.g.Upstream[e.Target], e.Source)

		if len(e.Mapping) > 0 {
			m := make(map[string]string, len(e.Mapping))
			for from, to := range e.Mapping {
				m[from] = to
			}
			c.g.EdgeMappings[key] = m
		}
	}

	for id := range c.g.Adjacency {
		sort.Strings(c.g.Adjacency[id])
	}
	for id := range c.g.Upstream {
		sort.Strings(c.g.Upstream[id])
	}
}

func (c *compiler) computeEntryTerminal() {
	c.g.EntryNodeIDs = make([]string, 0)
	c.g.TerminalNodeIDs = make([]string, 0)

	for _, id := range c.ids {
		if len(c.g.Upstream[id]) == 0 {
			c.g.EntryNodeIDs = append(c.g.EntryNodeIDs, id)
		}
		if len(c.g.Adjacency[id]) == 0 {
			c.g.TerminalNodeIDs = append(c.g.TerminalNodeIDs, id)
		}
	}
}

// --- Cycles ---

const (
	white = iota
	grey
	black
)

// detectCycles ищет циклы обходом в глубину.
// Каждое обратное ребро даёт ошибку с полным путём цикла.
func (c *compiler) detectCycles() bool {
	color := make(map[string]int, len(c.ids))
	stack := make([]string, 0, len(c.ids))
	found := false

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)

		for _, next := range c.g.Adjacency[id] {
			switch color[next] {
			case white:
				visit(next)
			case grey:
				found = true
				path := cyclePath(stack, next)
				c.fail(&CompileError{
					Kind:    KindCycle,
					NodeID:  next,
					Path:    path,
					Message: "cycle: " + strings.Join(path, " -> "),
					Err:     ErrCycle,
				})
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range c.ids {
		if color[id] == white {
			visit(id)
		}
	}

	return !found
}

// cyclePath возвращает путь от start до вершины стека, замкнутый на start.
func cyclePath(stack []string, start string) []string {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == start {
			path := make([]string, 0, len(stack)-i+1)
			path = append(path, stack[i:]...)
			return append(path, start)
		}
	}
	return []string{start, start}
}

// --- Reachability ---

// detectOrphans проверяет, что каждый не-entry узел достижим из entry-узла.
// Узел без рёбер — entry и terminal одновременно, он не сирота.
// В ацикличном графе сирот нет: их порождает только цикл без входа извне.
func (c *compiler) detectOrphans() {
	reached := make(map[string]bool, len(c.ids))
	queue := make([]string, 0, len(c.g.EntryNodeIDs))

	for _, id := range c.g.EntryNodeIDs {
		reached[id] = true
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range c.g.Adjacency[id] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, id := range c.ids {
		if !reached[id] {
			c.fail(newNodeError(KindOrphan, id, "node is unreachable from any entry node", ErrOrphanNode))
		}
	}
}

// --- Required inputs ---

// validateRequiredInputs проверяет, что каждое обязательное поле получает значение
// через явный маппинг входящего ребра или статическое значение по умолчанию.
// Совпадение имён полей без маппинга не считается.
// Entry-узлы проверяются по входу run при старте.
func (c *compiler) validateRequiredInputs() {
	for _, id := range c.ids {
		node := c.g.Nodes[id]
		if len(node.Required) == 0 || len(c.g.Upstream[id]) == 0 {
			continue
		}

		mapped := make(map[string]bool)
		for _, up := range c.g.Upstream[id] {
			for _, to := range c.g.EdgeMappings[EdgeKey(up, id)] {
				mapped[to] = true
			}
		}

		for _, field := range node.Required {
			if mapped[field] {
				continue
			}
			if _, ok := node.Defaults[field]; ok {
				continue
			}
			c.fail(&CompileError{
				Kind:    KindMissingRequiredInput,
				NodeID:  id,
				Field:   field,
				Message: fmt.Sprintf("required input %q has no edge mapping or default", field),
				Err:     ErrMissingRequiredInput,
			})
		}
	}
}

// --- Fan-out ---

// analyzeFanOut вычисляет области fan-out.
//
// Область splitter'а — все узлы, достижимые из его downstream узлов
// до ближайшего collector'а. Узлы области получают индекс экземпляра.
// Вложенный fan-out не поддерживается.
func (c *compiler) analyzeFanOut() {
	for _, id := range c.ids {
		if c.g.Nodes[id].Kind == KindSplitter {
			c.scopeSplitter(id)
		}
	}

	for _, id := range c.ids {
		node := c.g.Nodes[id]
		if node.Kind != KindCollector {
			continue
		}
		if _, ok := c.g.Collectors[id]; !ok {
			c.fail(newNodeError(KindInvalidGraph, id,
				"collector is not downstream of a splitter", ErrInvalidFanOut))
			continue
		}
		if n := len(c.g.Upstream[id]); n != 1 {
			c.fail(newNodeError(KindInvalidGraph, id,
				fmt.Sprintf("collector must have exactly one upstream, got %d", n), ErrInvalidFanOut))
		}
	}
}

func (c *compiler) scopeSplitter(splitterID string) {
	targets := c.g.Adjacency[splitterID]
	if len(targets) == 0 {
		c.fail(newNodeError(KindInvalidGraph, splitterID, "splitter has no downstream nodes", ErrInvalidFanOut))
		return
	}

	queue := make([]string, 0, len(targets))
	for _, t := range targets {
		if c.g.Nodes[t].Kind == KindCollector {
			c.fail(newNodeError(KindInvalidGraph, splitterID,
				fmt.Sprintf("splitter feeds collector %s directly", t), ErrInvalidFanOut))
			continue
		}
		queue = append(queue, t)
	}

	visited := make(map[string]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		node := c.g.Nodes[id]
		switch node.Kind {
		case KindCollector:
			if other, ok := c.g.Collectors[id]; ok && other != splitterID {
				c.fail(newNodeError(KindInvalidGraph, id,
					fmt.Sprintf("collector is reached from splitters %s and %s", other, splitterID), ErrInvalidFanOut))
				continue
			}
			c.g.Collectors[id] = splitterID
			continue
		case KindSplitter:
			c.fail(newNodeError(KindInvalidGraph, id,
				fmt.Sprintf("nested fan-out inside splitter %s", splitterID), ErrInvalidFanOut))
			continue
		}

		if other, ok := c.g.Scopes[id]; ok && other != splitterID {
			c.fail(newNodeError(KindInvalidGraph, id,
				fmt.Sprintf("node is inside fan-out of both %s and %s", other, splitterID), ErrInvalidFanOut))
			continue
		}
		c.g.Scopes[id] = splitterID

		queue = append(queue, c.g.Adjacency[id]...)
	}
}

// detectKeyCollisions отклоняет узлы, чей ID совпадает с ключом
// экземпляра узла внутри fan-out: "step_0" рядом с "step" в области splitter'а.
func (c *compiler) detectKeyCollisions() {
	for _, id := range c.ids {
		prefix, index, ok := domain.SplitInstanceKey(id)
		if !ok {
			continue
		}
		splitter, scoped := c.g.Scopes[prefix]
		if !scoped {
			continue
		}
		c.fail(newNodeError(KindInvalidGraph, id,
			fmt.Sprintf("node ID collides with instance %d of %s in fan-out of %s", index, prefix, splitter),
			ErrInstanceKeyCollision))
	}
}

// --- Order ---

// topologicalOrder возвращает топологический порядок (алгоритм Кана).
// Из готовых узлов первым берётся наименьший ID.
func (c *compiler) topologicalOrder() []string {
	inDegree := make(map[string]int, len(c.ids))
	for _, id := range c.ids {
		inDegree[id] = len(c.g.Upstream[id])
	}

	ready := make([]string, 0)
	for _, id := range c.ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(c.ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, next := range c.g.Adjacency[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = insertSorted(ready, next)
			}
		}
	}

	return order
}

func insertSorted(list []string, v string) []string {
	i := sort.SearchStrings(list, v)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

// --- Helpers ---

// mergeDefaults собирает значения по умолчанию: сначала из типа, затем из узла.
func mergeDefaults(fields []FieldSpec, nodeDefaults map[string]any) map[string]any {
	out := make(map[string]any)
	for _, f := range fields {
		if f.Default != nil {
			out[f.Name] = f.Default
		}
	}
	for k, v := range nodeDefaults {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
