package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/orchestrator"
	"github.com/shaiso/Edgewalker/internal/telemetry"
)

// EventSubscriber отдаёт поток событий run (redisbus.Bus).
type EventSubscriber interface {
	Subscribe(ctx context.Context, runID uuid.UUID) (<-chan domain.Event, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	orch   *orchestrator.Orchestrator
	store  orchestrator.Store
	events EventSubscriber
	logger *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	// Orchestrator выполняет все изменяющие операции.
	Orchestrator *orchestrator.Orchestrator

	// Store — чтение графов, runs и состояний узлов.
	Store orchestrator.Store

	// Events — источник событий для SSE. Опционально: без него
	// /runs/{id}/events отвечает 503.
	Events EventSubscriber

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orch:   cfg.Orchestrator,
		store:  cfg.Store,
		events: cfg.Events,
		logger: logger,
	}
}

// log возвращает логгер запроса, положенный Logging, или логгер обработчика.
func (h *Handler) log(r *http.Request) *slog.Logger {
	if r.Context().Value(telemetry.CtxLogger) == nil {
		return h.logger
	}
	return telemetry.FromContext(r.Context())
}
