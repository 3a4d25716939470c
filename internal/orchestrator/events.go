package orchestrator

import (
	"context"

	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/mq"
	"go.uber.org/multierr"
)

// EventSink принимает уведомления о ходе выполнения.
// Ошибка публикации логируется и не влияет на выполнение.
type EventSink interface {
	Publish(ctx context.Context, event domain.Event) error
}

// MultiSink рассылает событие во все приёмники.
type MultiSink []EventSink

// Publish публикует событие во все приёмники и объединяет ошибки.
func (m MultiSink) Publish(ctx context.Context, event domain.Event) error {
	var err error
	for _, sink := range m {
		err = multierr.Append(err, sink.Publish(ctx, event))
	}
	return err
}

// nopSink — приёмник по умолчанию.
type nopSink struct{}

func (nopSink) Publish(context.Context, domain.Event) error { return nil }

// MQEventSink публикует события в exchange edgewalker.events.
type MQEventSink struct {
	publisher *mq.Publisher
}

// NewMQEventSink создаёт MQEventSink.
func NewMQEventSink(publisher *mq.Publisher) *MQEventSink {
	return &MQEventSink{publisher: publisher}
}

// Publish публикует событие.
func (s *MQEventSink) Publish(ctx context.Context, event domain.Event) error {
	return s.publisher.PublishEvent(ctx, mq.EventPayload{
		Type:    string(event.Type),
		RunID:   event.RunID,
		NodeKey: event.NodeKey,
		NodeID:  event.NodeID,
		Status:  string(event.Status),
		Error:   event.Error,
		At:      event.At,
	})
}

// Deduper отсекает повторную доставку одного и того же callback'а.
//
// Seen проверяет ключ, Mark запоминает его после успешной обработки.
// Повторная обработка безопасна и без Deduper'а; он лишь экономит повторные обходы.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}
