package orchestrator

import (
	"context"
	"errors"

	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/mq"
	"github.com/shaiso/Edgewalker/internal/telemetry"
)

// handleCallbackDelivery обрабатывает callback из очереди callbacks.
//
// Ошибки, которые не исправятся повторной доставкой (неизвестный run или узел,
// недопустимый переход), помечаются mq.Permanent: consumer отправит сообщение в DLQ.
// Остальные уходят на повтор.
func (o *Orchestrator) handleCallbackDelivery(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.CallbackPayload](&delivery.Message)
	if err != nil {
		return err
	}

	logger := telemetry.WithNodeKey(
		telemetry.WithRunID(telemetry.FromContext(ctx), payload.RunID.String()),
		payload.NodeKey, "",
	)
	logger.Debug("received callback", "status", payload.Status, "attempt", payload.Attempt)

	res := domain.CallbackResult{
		RunID:   payload.RunID,
		NodeKey: payload.NodeKey,
		Status:  domain.Status(payload.Status),
		Output:  payload.Output,
		Error:   payload.Error,
		Attempt: payload.Attempt,
	}

	if payload.CallbackID != "" {
		err = o.HandleCallbackID(ctx, domain.CallbackID(payload.CallbackID), res)
	} else {
		err = o.HandleCallback(ctx, res)
	}

	if err != nil && permanentCallbackError(err) {
		return mq.Permanent(err)
	}
	return err
}

func permanentCallbackError(err error) bool {
	return errors.Is(err, ErrInvalidCallback) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, domain.ErrInvalidTransition)
}
