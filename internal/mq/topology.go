package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	// ExchangeDispatch — задачи воркерам; routing key = сервис узла.
	ExchangeDispatch Exchange = "edgewalker.dispatch"

	// ExchangeCallbacks — результаты от воркеров.
	ExchangeCallbacks Exchange = "edgewalker.callbacks"

	// ExchangeEvents — события о ходе выполнения (fanout).
	ExchangeEvents Exchange = "edgewalker.events"

	// ExchangeDLQ — dead letter.
	ExchangeDLQ Exchange = "edgewalker.dlq"
)

// Queues — имена очередей.
const (
	QueueCallbacks    Queue = "callbacks"
	QueueDLQDispatch  Queue = "dlq.dispatch"
	QueueDLQCallbacks Queue = "dlq.callbacks"
)

// Routing keys.
const (
	RoutingKeyCallback     RoutingKey = "callback"
	RoutingKeyDLQDispatch  RoutingKey = "dispatch"
	RoutingKeyDLQCallbacks RoutingKey = "callbacks"
)

// DispatchQueue возвращает имя очереди задач сервиса.
func DispatchQueue(service string) Queue {
	return Queue("dispatch." + service)
}

// SetupTopology объявляет общие exchanges и очереди движка.
// Очереди задач объявляет каждый воркер для своих сервисов (DeclareServiceQueue).
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}

		if err := declareQueues(ch); err != nil {
			return err
		}

		return bindQueues(ch)
	})
}

// DeclareServiceQueue объявляет очередь задач сервиса и привязывает её
// к edgewalker.dispatch с routing key = service.
func DeclareServiceQueue(ctx context.Context, conn *Connection, service string) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		queue := string(DispatchQueue(service))
		_, err := ch.QueueDeclare(
			queue, // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			amqp.Table{
				"x-dead-letter-exchange":    string(ExchangeDLQ),
				"x-dead-letter-routing-key": string(RoutingKeyDLQDispatch),
			},
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}

		if err := ch.QueueBind(queue, service, string(ExchangeDispatch), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", queue, ExchangeDispatch, err)
		}
		return nil
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeDispatch, "direct"},
		{ExchangeCallbacks, "direct"},
		{ExchangeEvents, "fanout"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// callbacks — с DLQ: callback, дважды не принятый движком, уходит на разбор
		{QueueCallbacks, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQCallbacks),
		}},

		{QueueDLQDispatch, nil},
		{QueueDLQCallbacks, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueCallbacks, RoutingKeyCallback, ExchangeCallbacks},
		{QueueDLQDispatch, RoutingKeyDLQDispatch, ExchangeDLQ},
		{QueueDLQCallbacks, RoutingKeyDLQCallbacks, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}
