package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// GraphResponse — граф из API.
type GraphResponse struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	CreatedAt string                `json:"created_at"`
	Version   *GraphVersionResponse `json:"version,omitempty"`
}

// GraphVersionResponse — версия графа из API.
type GraphVersionResponse struct {
	GraphID        string          `json:"graph_id"`
	Version        int             `json:"version"`
	Definition     map[string]any  `json:"definition"`
	ExecutionGraph *ExecutionGraph `json:"execution_graph,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

// ExecutionGraph — скомпилированный граф (только поля, которые показывает CLI).
type ExecutionGraph struct {
	Nodes           map[string]CompiledNode `json:"nodes"`
	EntryNodeIDs    []string                `json:"entry_node_ids"`
	TerminalNodeIDs []string                `json:"terminal_node_ids"`
	Collectors      map[string]string       `json:"collectors,omitempty"`
	Order           []string                `json:"order"`
}

// CompiledNode — узел скомпилированного графа.
type CompiledNode struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Kind     string   `json:"kind"`
	Service  string   `json:"service,omitempty"`
	Required []string `json:"required,omitempty"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID            string         `json:"id"`
	GraphID       string         `json:"graph_id"`
	Version       int            `json:"version"`
	Status        string         `json:"status"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	Error         string         `json:"error,omitempty"`
	StartedAt     string         `json:"started_at,omitempty"`
	FinishedAt    string         `json:"finished_at,omitempty"`
	CreatedAt     string         `json:"created_at"`
}

// SnapshotResponse — run вместе с состояниями узлов.
type SnapshotResponse struct {
	Status     string                       `json:"status"`
	Run        RunResponse                  `json:"run"`
	NodeStates map[string]NodeStateResponse `json:"node_states"`
}

// NodeStateResponse — состояние узла из API.
type NodeStateResponse struct {
	Key        string `json:"key"`
	NodeID     string `json:"node_id"`
	Index      *int   `json:"index,omitempty"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

// Event — событие run из SSE-потока.
type Event struct {
	Type string
	Data json.RawMessage
}

// --- Request types ---

// CreateRunRequest — создание run.
type CreateRunRequest struct {
	Version       *int           `json:"version,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
}

// CallbackRequest — результат узла.
type CallbackRequest struct {
	RunID   string `json:"run_id,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Status  string `json:"status"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	GraphID string
	Status  string
	Limit   int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Errors  []CompileIssue `json:"errors,omitempty"`
	} `json:"error"`
}

// CompileIssue — одна ошибка компиляции из ответа API.
type CompileIssue struct {
	Kind    string   `json:"kind"`
	NodeID  string   `json:"node_id,omitempty"`
	EdgeID  string   `json:"edge_id,omitempty"`
	Field   string   `json:"field,omitempty"`
	Path    []string `json:"path,omitempty"`
	Message string   `json:"message"`
}

// APIError — ошибка, которую вернул API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Issues     []CompileIssue
}

// Error реализует интерфейс error.
func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	msg := e.Code + ": " + e.Message
	for _, issue := range e.Issues {
		msg += "\n  - " + issue.Kind + ": " + issue.Message
	}
	return msg
}

// --- Client ---

// Client — HTTP-клиент для Edgewalker API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Graphs ---

// Compile компилирует определение без сохранения.
func (c *Client) Compile(definition map[string]any) (*ExecutionGraph, error) {
	body := map[string]any{"definition": definition}
	var resp struct {
		ExecutionGraph *ExecutionGraph `json:"execution_graph"`
	}
	err := c.post("/api/v1/compile", body, &resp)
	return resp.ExecutionGraph, err
}

// ListGraphs возвращает все графы.
func (c *Client) ListGraphs() ([]GraphResponse, error) {
	var graphs []GraphResponse
	err := c.list("/api/v1/graphs", nil, &graphs)
	return graphs, err
}

// CreateGraph создаёт граф. Если definition не nil, публикуется версия 1.
func (c *Client) CreateGraph(name string, definition map[string]any) (*GraphResponse, error) {
	body := map[string]any{"name": name}
	if definition != nil {
		body["definition"] = definition
	}
	var graph GraphResponse
	err := c.post("/api/v1/graphs", body, &graph)
	return &graph, err
}

// GetGraph возвращает граф по ID.
func (c *Client) GetGraph(id string) (*GraphResponse, error) {
	var graph GraphResponse
	err := c.get("/api/v1/graphs/"+id, &graph)
	return &graph, err
}

// ListVersions возвращает версии графа.
func (c *Client) ListVersions(graphID string) ([]GraphVersionResponse, error) {
	var versions []GraphVersionResponse
	err := c.list("/api/v1/graphs/"+graphID+"/versions", nil, &versions)
	return versions, err
}

// GetVersion возвращает версию графа.
func (c *Client) GetVersion(graphID string, version int) (*GraphVersionResponse, error) {
	var v GraphVersionResponse
	err := c.get("/api/v1/graphs/"+graphID+"/versions/"+strconv.Itoa(version), &v)
	return &v, err
}

// PublishVersion компилирует и публикует новую версию графа.
func (c *Client) PublishVersion(graphID string, definition map[string]any) (*GraphVersionResponse, error) {
	body := map[string]any{"definition": definition}
	var version GraphVersionResponse
	err := c.post("/api/v1/graphs/"+graphID+"/versions", body, &version)
	return &version, err
}

// --- Runs ---

// ListRuns возвращает список runs с фильтрацией.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.GraphID != "" {
		params.Set("graph_id", opts.GraphID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// StartRun запускает run графа.
func (c *Client) StartRun(graphID string, req CreateRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/graphs/"+graphID+"/runs", req, &run)
	return &run, err
}

// GetRun возвращает снимок run.
func (c *Client) GetRun(id string) (*SnapshotResponse, error) {
	var snapshot SnapshotResponse
	err := c.get("/api/v1/runs/"+id, &snapshot)
	return &snapshot, err
}

// ListNodes возвращает состояния узлов run.
func (c *Client) ListNodes(runID string) ([]NodeStateResponse, error) {
	var nodes []NodeStateResponse
	err := c.list("/api/v1/runs/"+runID+"/nodes", nil, &nodes)
	return nodes, err
}

// RetryNode повторно запускает упавший узел.
func (c *Client) RetryNode(runID, nodeKey string) (*SnapshotResponse, error) {
	var snapshot SnapshotResponse
	err := c.post("/api/v1/runs/"+runID+"/nodes/"+url.PathEscape(nodeKey)+"/retry", nil, &snapshot)
	return &snapshot, err
}

// ResumeRun продолжает обход run с сохранённого состояния.
func (c *Client) ResumeRun(runID string) (*SnapshotResponse, error) {
	var snapshot SnapshotResponse
	err := c.post("/api/v1/runs/"+runID+"/resume", nil, &snapshot)
	return &snapshot, err
}

// StreamEvents читает SSE-поток событий run и вызывает fn на каждое событие.
// Возвращается, когда поток закрыт, ctx отменён или fn вернула ошибку.
func (c *Client) StreamEvents(ctx context.Context, runID string, fn func(Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/runs/"+runID+"/events", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Поток долгоживущий: таймаут клиента не применяем.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var current Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		case line == "":
			if current.Type != "" && current.Type != "ping" {
				if err := fn(current); err != nil {
					return err
				}
			}
			current = Event{}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

// --- Callbacks ---

// SendCallback отправляет результат узла по run_id и node_id.
func (c *Client) SendCallback(req CallbackRequest) error {
	return c.post("/api/v1/callbacks", req, nil)
}

// SendCallbackByID отправляет результат по callback id задачи.
func (c *Client) SendCallbackByID(callbackID string, req CallbackRequest) error {
	return c.post("/api/v1/callbacks/"+url.PathEscape(callbackID), req, nil)
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return apiErr
	}

	apiErr.Code = er.Error.Code
	apiErr.Message = er.Error.Message
	apiErr.Issues = er.Error.Errors
	return apiErr
}
