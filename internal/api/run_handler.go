package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/orchestrator"
	"github.com/shaiso/Edgewalker/internal/telemetry"
)

// ListRuns возвращает список runs с фильтрацией.
// GET /api/v1/runs?graph_id=...&status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := domain.RunFilter{Limit: 50}
	query := r.URL.Query()

	if graphIDStr := query.Get("graph_id"); graphIDStr != "" {
		graphID, err := uuid.Parse(graphIDStr)
		if err != nil {
			BadRequest(w, "invalid graph_id")
			return
		}
		filter.GraphID = &graphID
	}

	if status := query.Get("status"); status != "" {
		parsed, err := domain.ParseStatus(status)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		filter.Status = parsed
	}

	filter.Limit = int(mustParseInt(query.Get("limit"), int64(filter.Limit)))
	filter.Offset = int(mustParseInt(query.Get("offset"), 0))

	runs, err := h.store.ListRuns(r.Context(), filter)
	if HandleError(w, h.log(r), err) {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// CreateRun запускает run графа.
// POST /api/v1/graphs/{id}/runs
//
// Ответ приходит после запуска entry-узлов; worker узлы к этому моменту
// только отправлены.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	graphID, ok := h.graphID(w, r)
	if !ok {
		return
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	startReq := orchestrator.StartRunRequest{
		GraphID:       graphID,
		CorrelationID: req.CorrelationID,
		Trigger:       req.Trigger,
		Input:         req.Input,
	}
	if req.Version != nil {
		if *req.Version < 1 {
			BadRequest(w, "invalid version number")
			return
		}
		startReq.Version = *req.Version
	}

	run, err := h.orch.StartRun(r.Context(), startReq)
	if HandleError(w, h.log(r), err) {
		return
	}

	Created(w, RunFromDomain(*run))
}

// GetRun возвращает run вместе с состояниями всех узлов.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}

	snapshot, err := h.orch.Snapshot(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}

	Success(w, SnapshotFromDomain(snapshot))
}

// ListRunNodes возвращает состояния узлов run списком.
// GET /api/v1/runs/{id}/nodes
func (h *Handler) ListRunNodes(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}

	if _, err := h.store.GetRun(r.Context(), id); HandleError(w, h.log(r), err) {
		return
	}

	states, err := h.store.ListNodeStates(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}

	result := make([]NodeStateResponse, len(states))
	for i, st := range states {
		result[i] = NodeStateFromDomain(st)
	}

	List(w, result, len(result))
}

// RetryNode перезапускает упавший узел.
// POST /api/v1/runs/{id}/nodes/{key}/retry
func (h *Handler) RetryNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")

	if err := h.orch.RetryNode(r.Context(), id, key); HandleError(w, h.log(r), err) {
		return
	}

	h.acceptedSnapshot(w, r, id)
}

// ResumeRun продолжает run после потери событий.
// POST /api/v1/runs/{id}/resume
func (h *Handler) ResumeRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}

	if err := h.orch.ResumeRun(r.Context(), id); HandleError(w, h.log(r), err) {
		return
	}

	h.acceptedSnapshot(w, r, id)
}

// RunEvents отдаёт события run как Server-Sent Events.
// GET /api/v1/runs/{id}/events
func (h *Handler) RunEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	if h.events == nil {
		Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "event stream is not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, h.log(r), fmt.Errorf("streaming not supported"))
		return
	}

	if _, err := h.store.GetRun(r.Context(), id); HandleError(w, h.log(r), err) {
		return
	}

	events, err := h.events.Subscribe(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				telemetry.WithRunID(h.log(r), id.String()).Warn("encode event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (h *Handler) acceptedSnapshot(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	snapshot, err := h.orch.Snapshot(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}
	Accepted(w, SnapshotFromDomain(snapshot))
}

// runID разбирает {id} из пути; при ошибке отвечает 400.
func (h *Handler) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return uuid.Nil, false
	}
	return id, true
}

// mustParseInt парсит строку в int с дефолтным значением.
func mustParseInt(s string, defaultVal int64) int64 {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}
