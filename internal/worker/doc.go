// Package worker — набор для внешних воркеров Edgewalker.
//
// # Обзор
//
// Движок не выполняет работу сам: worker узел превращается в задачу,
// опубликованную в exchange edgewalker.dispatch с routing key = сервис.
// Worker из этого пакета — готовый хост для таких сервисов:
//
//   - Объявляет очередь dispatch.{service} для каждого своего сервиса
//   - Выполняет задачу executor'ом сервиса
//   - Повторяет выполнение по config.retry узла (in-process)
//   - Отправляет результат в exchange edgewalker.callbacks с callback id задачи
//
// Workers масштабируются горизонтально — несколько экземпляров
// потребляют из одной очереди сервиса.
//
// # Ключевые компоненты
//
// ## Worker
//
//	w := worker.New(worker.Config{
//	    Publisher: publisher,
//	    Conn:      mqConn,
//	    Services:  []string{"echo", "delay"},
//	    Logger:    logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// ## Executor
//
//	type Executor interface {
//	    Execute(ctx context.Context, task *Task) (*ExecutionResult, error)
//	}
//
// Реализации:
//   - EchoExecutor — возвращает вход узла (для локальных прогонов)
//   - DelayExecutor — задержка с отчётом о прогрессе
//   - HTTPExecutor — HTTP-запрос (method, url, headers, body, timeout_sec)
//
// Executor может отправить промежуточный результат через Task.ReportProgress:
// движок сохранит его как output running узла.
//
// # Общие поля config
//
//   - timeout ("30s") — таймаут одной попытки
//   - retry.max_attempts, retry.backoff (fixed | exponential),
//     retry.initial_delay_ms, retry.max_delay_ms
//
// # Ошибки
//
// Пакет различает два уровня ошибок:
//   - Инфраструктурные (error от Execute) — сеть упала, таймаут
//   - Логические (ExecutionResult.Error) — HTTP 500, валидация не прошла
//
// Оба уровня после исчерпания попыток становятся callback'ом failed.
// Если callback не удалось опубликовать, сообщение возвращается в очередь.
package worker
