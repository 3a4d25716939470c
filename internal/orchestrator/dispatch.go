package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/engine"
	"github.com/shaiso/Edgewalker/internal/mq"
)

// DispatchRequest — задача для внешнего сервиса.
// Отправляется один раз на каждый запуск worker узла (и на каждую попытку).
type DispatchRequest struct {
	RunID   uuid.UUID       `json:"run_id"`
	NodeID  string          `json:"node_id"`
	NodeKey string          `json:"node_key"`
	Index   int             `json:"index"`
	Kind    engine.NodeKind `json:"kind"`

	// Service — сервис-исполнитель; routing key при отправке через RabbitMQ.
	Service string `json:"service"`

	// Config — конфигурация узла после рендеринга шаблонов.
	Config map[string]any `json:"config"`

	Input      map[string]any    `json:"input"`
	CallbackID domain.CallbackID `json:"callback_id"`
	Attempt    int               `json:"attempt"`
}

// Dispatcher отправляет задачи внешним сервисам.
//
// Dispatch не ждёт выполнения: результат придёт позже через HandleCallback.
// Ошибка означает, что задача не была доставлена.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// DispatcherFunc — адаптер функции к Dispatcher.
type DispatcherFunc func(ctx context.Context, req DispatchRequest) error

// Dispatch вызывает f(ctx, req).
func (f DispatcherFunc) Dispatch(ctx context.Context, req DispatchRequest) error {
	return f(ctx, req)
}

// MQDispatcher публикует задачи в exchange edgewalker.dispatch
// с routing key, равным сервису узла.
type MQDispatcher struct {
	publisher *mq.Publisher
}

// NewMQDispatcher создаёт MQDispatcher.
func NewMQDispatcher(publisher *mq.Publisher) *MQDispatcher {
	return &MQDispatcher{publisher: publisher}
}

// Dispatch публикует задачу.
func (d *MQDispatcher) Dispatch(ctx context.Context, req DispatchRequest) error {
	return d.publisher.PublishDispatch(ctx, mq.DispatchPayload{
		RunID:      req.RunID,
		NodeID:     req.NodeID,
		NodeKey:    req.NodeKey,
		Index:      req.Index,
		Kind:       string(req.Kind),
		Service:    req.Service,
		Config:     req.Config,
		Input:      req.Input,
		CallbackID: req.CallbackID.String(),
		Attempt:    req.Attempt,
	})
}
