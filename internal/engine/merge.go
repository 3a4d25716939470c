package engine

import "sort"

// UpstreamOutput — выход одного upstream узла для сборки входа.
type UpstreamOutput struct {
	// NodeID — логический ID upstream узла.
	NodeID string

	// Output — выход узла (или предзаполненный элемент для экземпляра splitter'а).
	Output any
}

// MergeInput собирает вход узла target из выходов его upstream узлов.
//
// Для каждого upstream (в порядке сортировки ID):
//   - если у ребра upstream→target есть маппинг, копируются только поля маппинга
//     под новыми именами
//   - иначе объект (map) сливается в вход поверхностно
//   - иначе значение кладётся под ключом ID upstream узла
//
// После этого отсутствующие поля заполняются значениями по умолчанию узла.
// Результат не зависит от порядка, в котором upstream узлы завершились.
func (g *ExecutionGraph) MergeInput(target string, upstream []UpstreamOutput) map[string]any {
	input := make(map[string]any)

	byID := make(map[string]any, len(upstream))
	for _, u := range upstream {
		byID[u.NodeID] = u.Output
	}

	for _, up := range g.Upstream[target] {
		output, ok := byID[up]
		if !ok {
			continue
		}

		if mapping, ok := g.Mapping(up, target); ok {
			applyMapping(input, output, mapping)
			continue
		}

		if record, ok := output.(map[string]any); ok {
			for k, v := range record {
				input[k] = v
			}
			continue
		}

		input[up] = output
	}

	if node, ok := g.Nodes[target]; ok {
		for k, v := range node.Defaults {
			if _, exists := input[k]; !exists {
				input[k] = v
			}
		}
	}

	return input
}

// EntryInput собирает вход entry-узла из входа run и значений по умолчанию.
func (g *ExecutionGraph) EntryInput(target string, runInput map[string]any) map[string]any {
	input := make(map[string]any, len(runInput))
	for k, v := range runInput {
		input[k] = v
	}
	if node, ok := g.Nodes[target]; ok {
		for k, v := range node.Defaults {
			if _, exists := input[k]; !exists {
				input[k] = v
			}
		}
	}
	return input
}

// MissingEntryInputs возвращает обязательные поля entry-узла, которых нет во входе run.
func (g *ExecutionGraph) MissingEntryInputs(target string, runInput map[string]any) []string {
	node, ok := g.Nodes[target]
	if !ok {
		return nil
	}
	var missing []string
	for _, field := range node.Required {
		if _, ok := runInput[field]; ok {
			continue
		}
		if _, ok := node.Defaults[field]; ok {
			continue
		}
		missing = append(missing, field)
	}
	return missing
}

// applyMapping копирует поля источника по маппингу. Ключ маппинга — путь в выходе источника.
// Ключ "." копирует выход целиком.
func applyMapping(input map[string]any, output any, mapping map[string]string) {
	fields := make([]string, 0, len(mapping))
	for from := range mapping {
		fields = append(fields, from)
	}
	sort.Strings(fields)

	for _, from := range fields {
		v, err := Lookup(output, from)
		if err != nil {
			continue
		}
		input[mapping[from]] = v
	}
}
