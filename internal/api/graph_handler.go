package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Compile компилирует определение графа без сохранения.
// POST /api/v1/compile
func (h *Handler) Compile(w http.ResponseWriter, r *http.Request) {
	var req GraphDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	g, err := h.orch.CompileGraph(&req.Definition)
	if HandleError(w, h.log(r), err) {
		return
	}

	Success(w, CompileResponse{ExecutionGraph: g})
}

// ListGraphs возвращает список всех графов.
// GET /api/v1/graphs
func (h *Handler) ListGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := h.store.ListGraphs(r.Context())
	if HandleError(w, h.log(r), err) {
		return
	}

	result := make([]GraphResponse, len(graphs))
	for i, g := range graphs {
		result[i] = GraphFromDomain(g)
	}

	List(w, result, len(result))
}

// CreateGraph создаёт граф и, если передано определение, публикует версию 1.
// POST /api/v1/graphs
func (h *Handler) CreateGraph(w http.ResponseWriter, r *http.Request) {
	var req CreateGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Name == "" {
		BadRequest(w, "name is required")
		return
	}

	// Невалидное определение не должно оставлять пустой граф.
	if req.Definition != nil {
		if _, err := h.orch.CompileGraph(req.Definition); HandleError(w, h.log(r), err) {
			return
		}
	}

	g, err := h.orch.CreateGraph(r.Context(), req.Name)
	if HandleError(w, h.log(r), err) {
		return
	}
	resp := GraphFromDomain(*g)

	if req.Definition != nil {
		v, _, err := h.orch.PublishGraphVersion(r.Context(), g.ID, req.Definition)
		if HandleError(w, h.log(r), err) {
			return
		}
		version := GraphVersionFromDomain(*v)
		resp.Version = &version
	}

	Created(w, resp)
}

// GetGraph возвращает граф по ID.
// GET /api/v1/graphs/{id}
func (h *Handler) GetGraph(w http.ResponseWriter, r *http.Request) {
	id, ok := h.graphID(w, r)
	if !ok {
		return
	}

	g, err := h.store.GetGraph(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}

	Success(w, GraphFromDomain(*g))
}

// ListGraphVersions возвращает все версии графа.
// GET /api/v1/graphs/{id}/versions
func (h *Handler) ListGraphVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.graphID(w, r)
	if !ok {
		return
	}

	if _, err := h.store.GetGraph(r.Context(), id); HandleError(w, h.log(r), err) {
		return
	}

	versions, err := h.store.ListGraphVersions(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}

	result := make([]GraphVersionResponse, len(versions))
	for i, v := range versions {
		result[i] = GraphVersionFromDomain(v)
	}

	List(w, result, len(result))
}

// PublishGraphVersion компилирует определение и сохраняет его новой версией.
// POST /api/v1/graphs/{id}/versions
func (h *Handler) PublishGraphVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.graphID(w, r)
	if !ok {
		return
	}

	var req GraphDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	v, _, err := h.orch.PublishGraphVersion(r.Context(), id, &req.Definition)
	if HandleError(w, h.log(r), err) {
		return
	}

	Created(w, GraphVersionFromDomain(*v))
}

// GetGraphVersion возвращает конкретную версию графа.
// GET /api/v1/graphs/{id}/versions/{version}
func (h *Handler) GetGraphVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.graphID(w, r)
	if !ok {
		return
	}

	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		BadRequest(w, "invalid version number")
		return
	}

	v, err := h.store.GetGraphVersion(r.Context(), id, version)
	if HandleError(w, h.log(r), err) {
		return
	}

	Success(w, GraphVersionFromDomain(*v))
}

// graphID разбирает {id} из пути; при ошибке отвечает 400.
func (h *Handler) graphID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid graph id")
		return uuid.Nil, false
	}
	return id, true
}
