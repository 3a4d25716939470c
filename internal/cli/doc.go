// Package cli реализует инструмент командной строки Edgewalker.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Edgewalker API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для компиляции и публикации графов, запуска runs,
// ручного retry/resume и отправки callback'ов для user_gate узлов.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Edgewalker API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (data, list, error) и обработку ошибок.
// Ошибки компиляции приходят списком и возвращаются как *APIError.
//
//	client := cli.NewClient("http://localhost:8080")
//	graph, err := client.Compile(definition)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: edgewalker run nodes ID --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - graph: list, create, show, compile, versions, publish
//   - run: list, start, show, nodes, retry, resume, watch
//   - callback: send
//
// Определения графов и входы run читаются из YAML или JSON файлов.
//
// Каждая группа создаётся через фабричную функцию (NewGraphCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
