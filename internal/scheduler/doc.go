// Package scheduler запускает периодические задачи движка по cron-выражениям.
//
// Runs продвигаются событиями (callback'и, запуск, retry), поэтому планировщик
// не участвует в выполнении. Он запускает только фоновые проходы, прежде всего
// сверку зависших узлов (Orchestrator.Reconcile).
//
// Структура:
//   - scheduler.go — Scheduler (Add, RunNow, Start, Stop) и задачи
//   - cron.go      — разбор cron-выражений, адаптер логгера cron → slog
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{Logger: logger})
//	if err := sched.Add("reconcile", "@every 1m", scheduler.ReconcileJob(orch)); err != nil {
//	    return err
//	}
//	sched.Start(ctx)
//	defer sched.Stop()
//
// Несколько экземпляров engine могут выполнять сверку одновременно:
// все изменения статусов — compare-and-set, проигравший проход ничего не меняет.
package scheduler
