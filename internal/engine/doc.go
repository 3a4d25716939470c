// Package engine содержит компилятор графов.
//
// Включает:
//   - compiler.go    — компиляция GraphDefinition в ExecutionGraph с валидацией
//   - graph.go       — неизменяемый скомпилированный граф
//   - registry.go    — реестр типов узлов (встроенные + YAML)
//   - merge.go       — сборка входа узла из выходов upstream
//   - path.go        — доступ к значениям по пути через точку
//   - template.go    — рендеринг конфигурации узла ({{ .Input.x }})
//
// Engine не знает о хранилище и выполнении: он отвечает за структуру графа.
package engine
