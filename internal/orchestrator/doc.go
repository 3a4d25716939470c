// Package orchestrator выполняет runs обходом рёбер скомпилированного графа.
//
// Orchestrator отвечает за:
//   - Запуск run: создание записи и запуск entry-узлов
//   - Обход рёбер после завершения узла: запуск downstream узлов, у которых завершены все зависимости
//   - Fan-out (splitter) и fan-in (collector) с атомарным созданием экземпляров
//   - Отправку задач воркерам и приём callback'ов
//   - Вычисление общего статуса run
//   - Восстановление: retry, возобновление run, сверку зависших узлов
//
// Всё состояние выполнения хранится в Store; каждое изменение статуса —
// compare-and-set переход, проверенный конечным автоматом domain.ValidateTransition.
package orchestrator
