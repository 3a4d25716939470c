package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Edgewalker/internal/telemetry"
)

// Handler обрабатывает одно сообщение.
//
// Логгер с queue и message_id лежит в ctx (telemetry.FromContext).
// Исход доставки определяет возвращённая ошибка:
//   - nil — ack
//   - Permanent(err) — сообщение уходит в DLQ сразу
//   - любая другая — одна повторная доставка, затем DLQ
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — разобранное сообщение.
type Delivery struct {
	Message Message

	// Redelivered — сообщение уже доставлялось и не было подтверждено.
	Redelivered bool
}

// permanentError — ошибка, которую повторная доставка не исправит.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку обработчика как окончательную.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent сообщает, помечена ли ошибка через Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue string

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — сколько неподтверждённых сообщений держит consumer (default: 1).
	Prefetch int
}

// Consumer читает очередь на собственном канале и подтверждает сообщения
// по результату Handler.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	handler  Handler
	prefetch int

	cancel context.CancelFunc
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", cfg.Queue),
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start читает очередь до отмены ctx или Stop.
// После разрыва соединения потребление возобновляется на новом канале.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	for {
		reconnected := c.conn.Reconnected()

		err := c.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrConnectionClosed) {
			return err
		}
		c.logger.Warn("consumer interrupted, waiting for reconnect", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
		}
	}
}

// consume открывает канал и обрабатывает сообщения, пока канал жив.
func (c *Consumer) consume(ctx context.Context) error {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		c.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.logger.Info("consumer started", "prefetch", c.prefetch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery разбирает сообщение, вызывает Handler и подтверждает доставку.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("malformed message sent to DLQ", "error", err, "body", string(raw.Body))
		c.settle(raw, c.logger, Permanent(err))
		return
	}

	logger := c.logger.With("message_id", msg.ID, "type", msg.Type)
	logger.Debug("received message", "redelivered", raw.Redelivered)

	err := c.handler(telemetry.WithLogger(ctx, logger), &Delivery{
		Message:     msg,
		Redelivered: raw.Redelivered,
	})
	c.settle(raw, logger, err)
}

// settle применяет политику подтверждения к результату обработчика.
func (c *Consumer) settle(raw amqp.Delivery, logger *slog.Logger, err error) {
	var ackErr error
	switch {
	case err == nil:
		ackErr = raw.Ack(false)
	case IsPermanent(err):
		logger.Warn("message rejected", "error", err)
		ackErr = raw.Nack(false, false)
	case raw.Redelivered:
		logger.Error("handler failed again, message sent to DLQ", "error", err)
		ackErr = raw.Nack(false, false)
	default:
		logger.Warn("handler failed, message requeued", "error", err)
		ackErr = raw.Nack(false, true)
	}
	if ackErr != nil {
		logger.Warn("failed to settle delivery", "error", ackErr)
	}
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// ParsePayload декодирует payload сообщения в T.
// Нерасшифровываемый payload — окончательная ошибка (Permanent).
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return result, Permanent(fmt.Errorf("unmarshal %s payload: %w", msg.Type, err))
	}
	return result, nil
}
