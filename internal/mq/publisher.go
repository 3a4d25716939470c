package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeDispatch MessageType = "node.dispatch"
	MessageTypeCallback MessageType = "node.callback"
	MessageTypeEvent    MessageType = "run.event"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// DispatchPayload — задача для воркера.
type DispatchPayload struct {
	RunID      uuid.UUID      `json:"run_id"`
	NodeID     string         `json:"node_id"`
	NodeKey    string         `json:"node_key"`
	Index      int            `json:"index"`
	Kind       string         `json:"kind"`
	Service    string         `json:"service"`
	Config     map[string]any `json:"config,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	CallbackID string         `json:"callback_id"`
	Attempt    int            `json:"attempt"`
}

// CallbackPayload — результат от воркера.
// Узел адресуется либо CallbackID, либо парой RunID + NodeKey.
type CallbackPayload struct {
	CallbackID string    `json:"callback_id,omitempty"`
	RunID      uuid.UUID `json:"run_id,omitempty"`
	NodeKey    string    `json:"node_id,omitempty"`
	Status     string    `json:"status"` // completed, failed, running (прогресс), waiting_for_user
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
}

// EventPayload — событие о ходе выполнения.
type EventPayload struct {
	Type    string    `json:"type"`
	RunID   uuid.UUID `json:"run_id"`
	NodeKey string    `json:"node_key,omitempty"`
	NodeID  string    `json:"node_id,omitempty"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishDispatch публикует задачу в очередь сервиса.
// Потребитель: Worker.
func (p *Publisher) PublishDispatch(ctx context.Context, payload DispatchPayload) error {
	return p.PublishJSON(ctx, ExchangeDispatch, RoutingKey(payload.Service), MessageTypeDispatch, payload)
}

// PublishCallback публикует результат выполнения узла.
// Потребитель: Engine.
func (p *Publisher) PublishCallback(ctx context.Context, payload CallbackPayload) error {
	return p.PublishJSON(ctx, ExchangeCallbacks, RoutingKeyCallback, MessageTypeCallback, payload)
}

// PublishEvent публикует событие о ходе выполнения.
// Потребители: слои визуализации и аудита.
func (p *Publisher) PublishEvent(ctx context.Context, payload EventPayload) error {
	return p.PublishJSON(ctx, ExchangeEvents, "", MessageTypeEvent, payload)
}

// PublishJSON публикует произвольный JSON payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, exchange, routingKey, msg)
}
