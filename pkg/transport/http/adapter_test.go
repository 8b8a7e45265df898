package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/storage"
	"github.com/rhuss/mcpbridge/pkg/transport"
)

// mockCreator is a configurable mock CompletionCreator for testing.
type mockCreator struct {
	completion *api.ChatCompletion
	chunks     []*api.ChatCompletionChunk
	err        error

	mu   sync.Mutex
	last *api.ChatCompletionRequest
}

func (m *mockCreator) CreateCompletion(ctx context.Context, req *api.ChatCompletionRequest, w transport.CompletionWriter) error {
	m.mu.Lock()
	m.last = req
	m.mu.Unlock()

	for _, c := range m.chunks {
		if err := w.WriteChunk(ctx, c); err != nil {
			return err
		}
	}
	if m.err != nil {
		return m.err
	}
	if m.completion != nil {
		return w.WriteCompletion(ctx, m.completion)
	}
	return nil
}

// mockStore is an in-memory RunStore for testing.
type mockStore struct {
	runs      map[string]*api.RunRecord
	healthErr error
	lastOpts  transport.ListOptions
}

func (m *mockStore) SaveRun(_ context.Context, rec *api.RunRecord) error {
	if m.runs == nil {
		m.runs = make(map[string]*api.RunRecord)
	}
	m.runs[rec.ID] = rec
	return nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*api.RunRecord, error) {
	rec, ok := m.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (m *mockStore) ListRuns(_ context.Context, opts transport.ListOptions) (*transport.RunList, error) {
	m.lastOpts = opts
	list := &transport.RunList{Object: api.ObjectList}
	for _, rec := range m.runs {
		list.Data = append(list.Data, rec)
	}
	return list, nil
}

func (m *mockStore) HealthCheck(_ context.Context) error { return m.healthErr }
func (m *mockStore) Close() error                        { return nil }

// mockRuns is a RunController with fixed in-flight runs.
type mockRuns struct {
	mu        sync.Mutex
	states    map[string]api.RunState
	cancelled []string
}

func (m *mockRuns) RunState(id string) (api.RunState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	return s, ok
}

func (m *mockRuns) CancelRun(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[id]; !ok {
		return false
	}
	delete(m.states, id)
	m.cancelled = append(m.cancelled, id)
	return true
}

// mockCatalog serves a fixed catalog.
type mockCatalog struct {
	tools     []api.ToolInfo
	servers   []api.ServerInfo
	resources map[string][]api.ResourceInfo
	prompts   map[string][]api.PromptInfo
	ready     bool
}

func (m *mockCatalog) Tools() []api.ToolInfo     { return m.tools }
func (m *mockCatalog) Servers() []api.ServerInfo { return m.servers }
func (m *mockCatalog) Ready() bool               { return m.ready }

func (m *mockCatalog) Resources(_ context.Context, server string) ([]api.ResourceInfo, error) {
	res, ok := m.resources[server]
	if !ok {
		return nil, api.NewNotFoundError("server " + server + " not found")
	}
	return res, nil
}

func (m *mockCatalog) Prompts(_ context.Context, server string) ([]api.PromptInfo, error) {
	p, ok := m.prompts[server]
	if !ok {
		return nil, api.NewNotFoundError("server " + server + " not found")
	}
	return p, nil
}

type mockModels struct {
	models []api.Model
	err    error
}

func (m *mockModels) ListModels(context.Context) ([]api.Model, error) { return m.models, m.err }

func newTestServer(t *testing.T, creator transport.CompletionCreator, deps Deps) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewAdapter(creator, deps, DefaultConfig()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postCompletion(t *testing.T, srv *httptest.Server, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, srv *httptest.Server, path string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func userRequest(stream bool) api.ChatCompletionRequest {
	return api.ChatCompletionRequest{
		Model:    "test-model",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
		Stream:   stream,
	}
}

func strPtr(s string) *string { return &s }

// sseData returns the data payloads of an SSE body in order.
func sseData(t *testing.T, body io.Reader) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		if line, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			out = append(out, line)
		}
	}
	require.NoError(t, sc.Err())
	return out
}

// --- Completions ---

func TestNonStreamingPostReturnsJSON(t *testing.T) {
	id := api.NewCompletionID()
	creator := &mockCreator{
		completion: &api.ChatCompletion{
			ID:     id,
			Object: api.ObjectChatCompletion,
			Model:  "test-model",
			Choices: []api.Choice{{
				Message:      api.ChatMessage{Role: api.RoleAssistant, Content: "hello"},
				FinishReason: api.FinishReasonStop,
			}},
		},
	}
	srv := newTestServer(t, creator, Deps{})

	resp := postCompletion(t, srv, userRequest(false))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var got api.ChatCompletion
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, id, got.ID)
	require.Len(t, got.Choices, 1)
	assert.Equal(t, "hello", got.Choices[0].Message.Text())

	creator.mu.Lock()
	defer creator.mu.Unlock()
	require.NotNil(t, creator.last)
	assert.Equal(t, "test-model", creator.last.Model)
}

func TestClientRequestIDIsEchoed(t *testing.T) {
	srv := newTestServer(t, &mockCreator{completion: &api.ChatCompletion{}}, Deps{})

	data, _ := json.Marshal(userRequest(false))
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "client-id-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "client-id-42", resp.Header.Get("X-Request-ID"))
}

func TestInvalidJSONBodyReturns400(t *testing.T) {
	srv := newTestServer(t, &mockCreator{}, Deps{})

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, api.ErrorTypeInvalidRequest, errResp.Error.Type)
}

func TestOversizedBodyReturns413(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBodySize = 64
	srv := httptest.NewServer(NewAdapter(&mockCreator{}, Deps{}, cfg).Handler())
	defer srv.Close()

	big := `{"model":"m","messages":[{"role":"user","content":"` + strings.Repeat("x", 200) + `"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(big))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestWrongContentTypeReturns415(t *testing.T) {
	srv := newTestServer(t, &mockCreator{}, Deps{})

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "text/plain", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestUnknownPathReturns404(t *testing.T) {
	srv := newTestServer(t, &mockCreator{}, Deps{})

	resp, err := http.Get(srv.URL + "/v1/unknown")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &mockCreator{}, Deps{})

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/chat/completions", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandlerErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid request", api.NewInvalidRequestError("messages", "required"), http.StatusBadRequest},
		{"not found", api.NewNotFoundError("gone"), http.StatusNotFound},
		{"rate limited", api.NewTooManyRequestsError("slow down"), http.StatusTooManyRequests},
		{"upstream", api.E(api.KindUpstream, api.OpModelCall, errors.New("502 from backend")), http.StatusBadGateway},
		{"run timeout", api.TimeoutError(api.KindCanceled, api.OpRun, errors.New("run exceeded 1s")), http.StatusGatewayTimeout},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &mockCreator{err: tt.err}, Deps{})
			resp := postCompletion(t, srv, userRequest(false))
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

// --- Streaming ---

func TestStreamingPostReturnsSSE(t *testing.T) {
	id := api.NewCompletionID()
	stop := api.FinishReasonStop
	creator := &mockCreator{
		chunks: []*api.ChatCompletionChunk{
			{ID: id, Object: api.ObjectChatCompletionChunk, Choices: []api.ChunkChoice{{Delta: api.ChunkDelta{Role: api.RoleAssistant, Content: strPtr("Hel")}}}},
			{ID: id, Object: api.ObjectChatCompletionChunk, Choices: []api.ChunkChoice{{Delta: api.ChunkDelta{Content: strPtr("lo")}}}},
			{ID: id, Object: api.ObjectChatCompletionChunk, Choices: []api.ChunkChoice{{FinishReason: &stop}}, Usage: &api.Usage{TotalTokens: 3}},
		},
	}
	srv := newTestServer(t, creator, Deps{})

	resp := postCompletion(t, srv, userRequest(true))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	data := sseData(t, resp.Body)
	require.Len(t, data, 4)
	assert.Equal(t, "[DONE]", data[3])

	var text strings.Builder
	for _, d := range data[:3] {
		var chunk api.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(d), &chunk))
		assert.Equal(t, id, chunk.ID)
		if c := chunk.Choices[0].Delta.Content; c != nil {
			text.WriteString(*c)
		}
	}
	assert.Equal(t, "Hello", text.String())
}

func TestStreamingErrorBeforeChunksReturnsJSON(t *testing.T) {
	srv := newTestServer(t, &mockCreator{err: api.NewInvalidRequestError("messages", "required")}, Deps{})

	resp := postCompletion(t, srv, userRequest(true))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"))
}

func TestStreamingErrorMidStreamEndsWithErrorEvent(t *testing.T) {
	creator := &mockCreator{
		chunks: []*api.ChatCompletionChunk{
			{ID: "x", Choices: []api.ChunkChoice{{Delta: api.ChunkDelta{Content: strPtr("partial")}}}},
		},
		err: api.E(api.KindUpstream, api.OpModelCall, errors.New("connection reset")),
	}
	srv := newTestServer(t, creator, Deps{})

	resp := postCompletion(t, srv, userRequest(true))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data := sseData(t, resp.Body)
	require.Len(t, data, 3)

	var errEvent api.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(data[1]), &errEvent))
	require.NotNil(t, errEvent.Error)
	assert.Equal(t, api.ErrorTypeModelError, errEvent.Error.Type)
	assert.Equal(t, "[DONE]", data[2])
}

// --- Discovery ---

func TestListModelsProxiesUpstream(t *testing.T) {
	models := &mockModels{models: []api.Model{{ID: "llama", Object: api.ObjectModel}}}
	srv := newTestServer(t, &mockCreator{}, Deps{Models: models})

	var got api.ModelList
	resp := getJSON(t, srv, "/v1/models", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, api.ObjectList, got.Object)
	require.Len(t, got.Data, 1)
	assert.Equal(t, "llama", got.Data[0].ID)
}

func TestListModelsUpstreamFailure(t *testing.T) {
	models := &mockModels{err: api.E(api.KindUpstream, api.OpModelCall, errors.New("down"))}
	srv := newTestServer(t, &mockCreator{}, Deps{Models: models})

	resp := getJSON(t, srv, "/v1/models", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCatalogEndpoints(t *testing.T) {
	catalog := &mockCatalog{
		tools:   []api.ToolInfo{{Name: "fs.read", Server: "fs", Original: "read"}},
		servers: []api.ServerInfo{{Name: "fs", Transport: "stdio", State: "ready", Tools: 1}},
		resources: map[string][]api.ResourceInfo{
			"fs": {{URI: "file:///etc/hosts", Name: "hosts"}},
		},
		prompts: map[string][]api.PromptInfo{
			"fs": {{Name: "summarize", Arguments: []api.PromptArgument{{Name: "path", Required: true}}}},
		},
	}
	srv := newTestServer(t, &mockCreator{}, Deps{Catalog: catalog})

	var tools list[api.ToolInfo]
	getJSON(t, srv, "/v1/tools", &tools)
	require.Len(t, tools.Data, 1)
	assert.Equal(t, "fs.read", tools.Data[0].Name)

	var servers list[api.ServerInfo]
	getJSON(t, srv, "/v1/servers", &servers)
	require.Len(t, servers.Data, 1)
	assert.Equal(t, "ready", servers.Data[0].State)

	var resources list[api.ResourceInfo]
	getJSON(t, srv, "/v1/servers/fs/resources", &resources)
	require.Len(t, resources.Data, 1)
	assert.Equal(t, "file:///etc/hosts", resources.Data[0].URI)

	var prompts list[api.PromptInfo]
	getJSON(t, srv, "/v1/servers/fs/prompts", &prompts)
	require.Len(t, prompts.Data, 1)
	assert.True(t, prompts.Data[0].Arguments[0].Required)

	resp := getJSON(t, srv, "/v1/servers/nope/resources", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEmptyCatalogListsAreArrays(t *testing.T) {
	srv := newTestServer(t, &mockCreator{}, Deps{Catalog: &mockCatalog{}})

	resp, err := http.Get(srv.URL + "/v1/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"object":"list","data":[]}`, string(body))
}

func TestEndpointsWithoutDepsReturn501(t *testing.T) {
	srv := newTestServer(t, &mockCreator{}, Deps{})

	for _, path := range []string{"/v1/models", "/v1/tools", "/v1/servers", "/v1/runs", "/v1/runs/" + api.NewCompletionID()} {
		resp := getJSON(t, srv, path, nil)
		assert.Equal(t, http.StatusNotImplemented, resp.StatusCode, path)
	}
}

// --- Runs ---

func TestGetRunPrefersInFlightState(t *testing.T) {
	id := api.NewCompletionID()
	runs := &mockRuns{states: map[string]api.RunState{id: api.RunStateToolCallsPending}}
	srv := newTestServer(t, &mockCreator{}, Deps{Runs: runs, Store: &mockStore{}})

	var got api.RunRecord
	resp := getJSON(t, srv, "/v1/runs/"+id, &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, api.RunStateToolCallsPending, got.State)
}

func TestGetRunFromStore(t *testing.T) {
	id := api.NewCompletionID()
	store := &mockStore{runs: map[string]*api.RunRecord{
		id: {ID: id, State: api.RunStateFinished, FinishReason: api.FinishReasonStop, Turns: 2},
	}}
	srv := newTestServer(t, &mockCreator{}, Deps{Runs: &mockRuns{}, Store: store})

	var got api.RunRecord
	resp := getJSON(t, srv, "/v1/runs/"+id, &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, got.Turns)
	assert.Equal(t, api.RunStateFinished, got.State)

	resp = getJSON(t, srv, "/v1/runs/"+api.NewCompletionID(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRunMalformedIDReturns400(t *testing.T) {
	srv := newTestServer(t, &mockCreator{}, Deps{Store: &mockStore{}})

	resp := getJSON(t, srv, "/v1/runs/resp_123", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	id := api.NewCompletionID()
	runs := &mockRuns{states: map[string]api.RunState{id: api.RunStateAwaitingModel}}
	srv := newTestServer(t, &mockCreator{}, Deps{Runs: runs})

	del := func(id string) int {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/runs/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNoContent, del(id))
	assert.Equal(t, []string{id}, runs.cancelled)
	assert.Equal(t, http.StatusNotFound, del(id), "a finished run cannot be cancelled")
	assert.Equal(t, http.StatusBadRequest, del("not-an-id"))
}

func TestListRunsParsesOptions(t *testing.T) {
	store := &mockStore{}
	srv := newTestServer(t, &mockCreator{}, Deps{Store: store})

	var got transport.RunList
	resp := getJSON(t, srv, "/v1/runs?limit=5&order=asc&model=m", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, transport.ListOptions{Limit: 5, Order: "asc", Model: "m"}, store.lastOpts)

	resp = getJSON(t, srv, "/v1/runs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = getJSON(t, srv, "/v1/runs?order=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- Health, metrics, CORS ---

func TestHealthAndReadiness(t *testing.T) {
	catalog := &mockCatalog{}
	store := &mockStore{}
	srv := newTestServer(t, &mockCreator{}, Deps{Catalog: catalog, Store: store})

	assert.Equal(t, http.StatusOK, getJSON(t, srv, "/healthz", nil).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv, "/readyz", nil).StatusCode)

	catalog.ready = true
	assert.Equal(t, http.StatusOK, getJSON(t, srv, "/readyz", nil).StatusCode)

	store.healthErr = errors.New("connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv, "/healthz", nil).StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &mockCreator{}, Deps{})

	// One request so the request counter has a sample.
	getJSON(t, srv, "/healthz", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mcpbridge_requests_total")
}

func TestCORS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORSOrigins = []string{"https://app.example.com"}
	srv := httptest.NewServer(NewAdapter(&mockCreator{}, Deps{}, cfg).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
