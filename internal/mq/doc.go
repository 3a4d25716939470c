// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение процесса с RabbitMQ, переподключение, каналы consumer'ов
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление очереди и политика ack/requeue/DLQ (Permanent)
//
// Типы сообщений:
//   - node.dispatch — задача для воркера
//   - node.callback — результат выполнения узла
//   - run.event     — изменение статуса узла или run
//
// Exchanges:
//   - edgewalker.dispatch  — задачи, routing key = сервис
//   - edgewalker.callbacks — результаты воркеров
//   - edgewalker.events    — события для наблюдателей
//   - edgewalker.dlq       — dead letter queue
package mq
