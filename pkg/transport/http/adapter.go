package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/observability"
	"github.com/rhuss/mcpbridge/pkg/storage"
	"github.com/rhuss/mcpbridge/pkg/transport"
)

// Adapter serves the OpenAI-compatible chat completions API and the gateway's
// discovery endpoints over HTTP.
type Adapter struct {
	creator transport.CompletionCreator
	deps    Deps
	mux     *http.ServeMux
	config  Config
}

// Deps are the optional collaborators behind the read-only endpoints. A nil
// field disables its endpoints with 501 Not Implemented.
type Deps struct {
	Store   transport.RunStore
	Runs    transport.RunController
	Catalog transport.Catalog
	Models  transport.ModelLister
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout int // seconds

	// MetricsPath serves Prometheus metrics when non-empty.
	MetricsPath string

	// CORSOrigins enables CORS handling for the listed origins.
	CORSOrigins          []string
	CORSAllowCredentials bool
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxBodySize:     10 << 20, // 10 MB
		ShutdownTimeout: 30,
		MetricsPath:     "/metrics",
	}
}

// NewAdapter creates an HTTP adapter for the given CompletionCreator.
// Middleware is applied to the creator in the given order.
func NewAdapter(creator transport.CompletionCreator, deps Deps, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		creator = transport.Chain(middlewares...)(creator)
	}

	a := &Adapter{
		creator: creator,
		deps:    deps,
		mux:     http.NewServeMux(),
		config:  cfg,
	}

	a.mux.HandleFunc("POST /v1/chat/completions", a.handleCreateCompletion)
	a.mux.HandleFunc("GET /v1/models", a.handleListModels)
	a.mux.HandleFunc("GET /v1/tools", a.handleListTools)
	a.mux.HandleFunc("GET /v1/servers", a.handleListServers)
	a.mux.HandleFunc("GET /v1/servers/{name}/resources", a.handleListResources)
	a.mux.HandleFunc("GET /v1/servers/{name}/prompts", a.handleListPrompts)
	a.mux.HandleFunc("GET /v1/runs", a.handleListRuns)
	a.mux.HandleFunc("GET /v1/runs/{id}", a.handleGetRun)
	a.mux.HandleFunc("DELETE /v1/runs/{id}", a.handleCancelRun)
	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	a.mux.HandleFunc("GET /readyz", a.handleReady)
	if cfg.MetricsPath != "" {
		a.mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	}

	return a
}

// Handler returns the http.Handler for this adapter, wrapped in request
// metrics, request ID propagation and, when configured, CORS handling.
func (a *Adapter) Handler() http.Handler {
	var h http.Handler = httpRequestIDMiddleware(a.mux)
	h = observability.MetricsMiddleware(h)
	if len(a.config.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   a.config.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: a.config.CORSAllowCredentials,
			MaxAge:           300,
		}).Handler(h)
	}
	return h
}

// httpRequestIDMiddleware propagates the X-Request-ID header. A client
// supplied ID is placed into the context; the ID in the context (set here
// or by the transport-level RequestID middleware) is echoed in the
// response headers.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			r = r.WithContext(transport.ContextWithRequestID(r.Context(), id))
		}
		next.ServeHTTP(&requestIDResponseWriter{ResponseWriter: w, r: r}, r)
	})
}

// requestIDResponseWriter injects the X-Request-ID header before the first
// write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

func (w *requestIDResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// handleCreateCompletion handles POST /v1/chat/completions.
func (a *Adapter) handleCreateCompletion(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req api.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	// A client disconnect cancels r.Context(), which the engine observes
	// for the upstream call and any in-flight tool calls.
	cw := newSSECompletionWriter(w)
	defer cw.close()

	if err := a.creator.CreateCompletion(r.Context(), &req, cw); err != nil {
		a.writeHandlerError(w, cw, err)
	}
}

// handleListModels handles GET /v1/models by proxying the upstream list.
func (a *Adapter) handleListModels(w http.ResponseWriter, r *http.Request) {
	if a.deps.Models == nil {
		notAvailable(w, "model listing")
		return
	}
	models, err := a.deps.Models.ListModels(r.Context())
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	if models == nil {
		models = []api.Model{}
	}
	writeJSON(w, api.ModelList{Object: api.ObjectList, Data: models})
}

// handleListTools handles GET /v1/tools.
func (a *Adapter) handleListTools(w http.ResponseWriter, r *http.Request) {
	if a.deps.Catalog == nil {
		notAvailable(w, "tool listing")
		return
	}
	tools := a.deps.Catalog.Tools()
	if tools == nil {
		tools = []api.ToolInfo{}
	}
	writeJSON(w, listOf(tools))
}

// handleListServers handles GET /v1/servers.
func (a *Adapter) handleListServers(w http.ResponseWriter, r *http.Request) {
	if a.deps.Catalog == nil {
		notAvailable(w, "server listing")
		return
	}
	servers := a.deps.Catalog.Servers()
	if servers == nil {
		servers = []api.ServerInfo{}
	}
	writeJSON(w, listOf(servers))
}

// handleListResources handles GET /v1/servers/{name}/resources.
func (a *Adapter) handleListResources(w http.ResponseWriter, r *http.Request) {
	if a.deps.Catalog == nil {
		notAvailable(w, "resource listing")
		return
	}
	resources, err := a.deps.Catalog.Resources(r.Context(), r.PathValue("name"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	if resources == nil {
		resources = []api.ResourceInfo{}
	}
	writeJSON(w, listOf(resources))
}

// handleListPrompts handles GET /v1/servers/{name}/prompts.
func (a *Adapter) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	if a.deps.Catalog == nil {
		notAvailable(w, "prompt listing")
		return
	}
	prompts, err := a.deps.Catalog.Prompts(r.Context(), r.PathValue("name"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	if prompts == nil {
		prompts = []api.PromptInfo{}
	}
	writeJSON(w, listOf(prompts))
}

// handleGetRun handles GET /v1/runs/{id}. Runs still executing are answered
// from the run controller with their current state; finished runs come from
// the history store.
func (a *Adapter) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateCompletionID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed run ID"),
			http.StatusBadRequest,
		)
		return
	}

	if a.deps.Runs != nil {
		if state, ok := a.deps.Runs.RunState(id); ok {
			writeJSON(w, &api.RunRecord{ID: id, State: state})
			return
		}
	}

	if a.deps.Store == nil {
		notAvailable(w, "run history")
		return
	}

	rec, err := a.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			transport.WriteAPIError(w, api.NewNotFoundError("run "+id+" not found"))
			return
		}
		transport.WriteError(w, err)
		return
	}
	writeJSON(w, rec)
}

// handleCancelRun handles DELETE /v1/runs/{id}. Only in-flight runs can be
// cancelled; the history is append-only.
func (a *Adapter) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateCompletionID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed run ID"),
			http.StatusBadRequest,
		)
		return
	}

	if a.deps.Runs != nil && a.deps.Runs.CancelRun(id) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	transport.WriteAPIError(w, api.NewNotFoundError("run "+id+" is not in flight"))
}

// handleListRuns handles GET /v1/runs.
func (a *Adapter) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if a.deps.Store == nil {
		notAvailable(w, "run history")
		return
	}

	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		transport.WriteErrorResponse(w, apiErr, http.StatusBadRequest)
		return
	}

	result, err := a.deps.Store.ListRuns(r.Context(), opts)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	writeJSON(w, result)
}

// handleHealth handles GET /healthz. The process is alive once it serves.
// A configured store must answer its health check.
func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.deps.Store != nil {
		if err := a.deps.Store.HealthCheck(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// handleReady handles GET /readyz. The gateway is ready once every enabled
// MCP server finished its first connection attempt.
func (a *Adapter) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.deps.Catalog != nil && !a.deps.Catalog.Ready() {
		http.Error(w, "mcp servers starting", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ready")
}

// parseListOptions extracts pagination parameters from the query string.
func parseListOptions(r *http.Request) (transport.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := transport.ListOptions{
		After: q.Get("after"),
		Model: q.Get("model"),
		Order: q.Get("order"),
	}

	if opts.Order != "" && opts.Order != "asc" && opts.Order != "desc" {
		return opts, api.NewInvalidRequestError("order", "order must be 'asc' or 'desc'")
	}
	if opts.Order == "" {
		opts.Order = "desc"
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return opts, api.NewInvalidRequestError("limit", "limit must be a positive integer")
		}
		opts.Limit = limit
	}

	return opts, nil
}

// writeHandlerError writes an error from the completion handler. Once
// streaming started, the stream is ended with an error event and [DONE];
// otherwise a JSON error response is written.
func (a *Adapter) writeHandlerError(w http.ResponseWriter, cw *sseCompletionWriter, err error) {
	apiErr := api.ToAPIError(err)
	if cw.hasStartedStreaming() {
		cw.writeError(apiErr)
		return
	}
	transport.WriteAPIError(w, apiErr)
}

// list is the envelope of the discovery endpoints.
type list[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

func listOf[T any](data []T) list[T] {
	return list[T]{Object: api.ObjectList, Data: data}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func notAvailable(w http.ResponseWriter, what string) {
	transport.WriteErrorResponse(w,
		api.NewInvalidRequestError("", what+" is not available on this gateway"),
		http.StatusNotImplemented,
	)
}
