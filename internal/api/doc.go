// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (оркестратор, хранилище, шина событий, logger)
//   - routes.go           — chi роутер и регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - graph_handler.go    — обработчики для /graphs и /compile
//   - run_handler.go      — обработчики для /runs (чтение, запуск, retry, resume, SSE)
//   - callback_handler.go — обработчики для /callbacks
//
// API — внешняя поверхность движка: компиляция и версии графов,
// запуск runs, приём callback'ов от воркеров и операторские действия.
package api
