// Package integration runs the gateway end to end: a real HTTP adapter,
// engine, session manager and registry in front of an in-process
// OpenAI-compatible upstream and an MCP server reached over streamable
// HTTP. Everything listens on net/http/httptest servers.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/config"
	"github.com/rhuss/mcpbridge/pkg/engine"
	"github.com/rhuss/mcpbridge/pkg/provider/openaicompat"
	"github.com/rhuss/mcpbridge/pkg/session"
	"github.com/rhuss/mcpbridge/pkg/storage/memory"
	mcptools "github.com/rhuss/mcpbridge/pkg/tools/mcp"
	"github.com/rhuss/mcpbridge/pkg/tools/registry"
	transporthttp "github.com/rhuss/mcpbridge/pkg/transport/http"
)

// testEnv holds the shared servers for all integration tests.
var testEnv *TestEnvironment

// TestEnvironment holds the gateway and the servers behind it.
type TestEnvironment struct {
	Gateway   *httptest.Server
	Upstream  *httptest.Server
	MCPServer *httptest.Server

	sessions *session.Manager
}

func TestMain(m *testing.M) {
	env, err := setupTestEnvironment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration setup: %v\n", err)
		os.Exit(1)
	}
	testEnv = env
	code := m.Run()
	testEnv.Teardown()
	os.Exit(code)
}

func setupTestEnvironment() (*TestEnvironment, error) {
	env := &TestEnvironment{
		Upstream:  httptest.NewServer(http.HandlerFunc(handleUpstream)),
		MCPServer: startMCPServer(),
	}

	prov, err := openaicompat.New(config.UpstreamConfig{
		BaseURL:      env.Upstream.URL,
		DefaultModel: "mock-model",
		Timeout:      10 * time.Second,
	})
	if err != nil {
		env.Teardown()
		return nil, fmt.Errorf("creating provider: %w", err)
	}

	cfg := config.Defaults()
	cfg.Sessions.ReconnectInitialInterval = 10 * time.Millisecond
	cfg.MCPServers = map[string]config.MCPServerConfig{
		"tools": {Transport: config.TransportStreamableHTTP, URL: env.MCPServer.URL + "/mcp"},
	}

	reg := registry.New(cfg.Registry.Separator)
	env.sessions = session.NewManager(cfg.Sessions, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := env.sessions.Apply(ctx, cfg.Descriptors()); err != nil {
		env.Teardown()
		return nil, fmt.Errorf("applying servers: %w", err)
	}
	if err := env.sessions.WaitReady(ctx); err != nil {
		env.Teardown()
		return nil, fmt.Errorf("waiting for sessions: %w", err)
	}
	for len(reg.Tools()) == 0 {
		select {
		case <-ctx.Done():
			env.Teardown()
			return nil, fmt.Errorf("tools never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	store := memory.New(100)
	eng, err := engine.New(prov, reg, mcptools.NewExecutor(reg, 4), store, engine.ConfigFrom(cfg))
	if err != nil {
		env.Teardown()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	adapter := transporthttp.NewAdapter(eng,
		transporthttp.Deps{Store: store, Runs: eng, Catalog: env.sessions, Models: prov},
		transporthttp.DefaultConfig())
	env.Gateway = httptest.NewServer(adapter.Handler())
	return env, nil
}

// Teardown stops every server.
func (env *TestEnvironment) Teardown() {
	if env.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		env.sessions.Shutdown(ctx)
		cancel()
	}
	for _, s := range []*httptest.Server{env.Gateway, env.Upstream, env.MCPServer} {
		if s != nil {
			s.Close()
		}
	}
}

// BaseURL returns the gateway base URL.
func (env *TestEnvironment) BaseURL() string {
	return env.Gateway.URL
}

// --- MCP server ---

type echoInput struct {
	Message string `json:"message"`
}

func startMCPServer() *httptest.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "integration", Version: "1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Echoes the message"},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "Echo: " + in.Message}}}, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "broken", Description: "Always fails"},
		func(context.Context, *mcp.CallToolRequest, struct{}) (*mcp.CallToolResult, any, error) {
			res := &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "broken on purpose"}}}
			res.IsError = true
			return res, nil, nil
		})
	server.AddPrompt(&mcp.Prompt{Name: "greet", Arguments: []*mcp.PromptArgument{{Name: "name", Required: true}}},
		func(_ context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{Messages: []*mcp.PromptMessage{
				{Role: "user", Content: &mcp.TextContent{Text: "Hello " + req.Params.Arguments["name"]}},
			}}, nil
		})

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil))
	return httptest.NewServer(mux)
}

// --- Upstream ---

// handleUpstream answers like a model that calls the first offered tool
// named in the user message, then reports the tool output. Requests whose
// message contains "upstream-error" fail with 500.
func handleUpstream(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/models":
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.ModelList{Object: api.ObjectList, Data: []api.Model{{ID: "mock-model", Object: "model"}}})
		return
	case "/v1/chat/completions":
	default:
		http.NotFound(w, r)
		return
	}

	var req openaicompat.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		msg    = api.ChatMessage{Role: api.RoleAssistant}
		finish = "stop"
		last   = req.Messages[len(req.Messages)-1]
	)
	switch {
	case last.Role == api.RoleTool:
		msg.Content = "Tool result: " + last.Text()
	case strings.Contains(last.Text(), "upstream-error"):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"model crashed","type":"server_error"}}`))
		return
	default:
		msg.Content = "Hello, nice day!"
		for _, t := range req.Tools {
			if strings.Contains(last.Text(), t.Function.Name) {
				args, _ := json.Marshal(map[string]string{"message": last.Text()})
				if t.Function.Name != "echo" {
					args = []byte(`{}`)
				}
				msg.Content = nil
				msg.ToolCalls = []api.ToolCall{{ID: "call_1", Type: "function",
					Function: api.FunctionCall{Name: t.Function.Name, Arguments: string(args)}}}
				finish = "tool_calls"
				break
			}
		}
	}
	usage := &openaicompat.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}

	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openaicompat.ChatCompletionResponse{
			ID: "upstream-1", Object: "chat.completion", Model: req.Model,
			Choices: []openaicompat.ChatChoice{{Message: msg, FinishReason: finish}},
			Usage:   usage,
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	send := func(delta openaicompat.ChatChunkDelta, finish *string, u *openaicompat.ChatUsage) {
		data, _ := json.Marshal(openaicompat.ChatCompletionChunk{
			ID: "upstream-1", Object: "chat.completion.chunk", Model: req.Model,
			Choices: []openaicompat.ChatChunkChoice{{Delta: delta, FinishReason: finish}},
			Usage:   u,
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.(http.Flusher).Flush()
	}
	send(openaicompat.ChatChunkDelta{Role: string(api.RoleAssistant)}, nil, nil)
	if text := msg.Text(); text != "" {
		for _, part := range strings.SplitAfter(text, " ") {
			send(openaicompat.ChatChunkDelta{Content: &part}, nil, nil)
		}
	}
	for i, tc := range msg.ToolCalls {
		send(openaicompat.ChatChunkDelta{ToolCalls: []openaicompat.ChatChunkToolCall{{
			Index: i, ID: tc.ID, Type: "function",
			Function: openaicompat.ChatChunkFunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		}}}, nil, nil)
	}
	send(openaicompat.ChatChunkDelta{}, &finish, usage)
	fmt.Fprint(w, "data: [DONE]\n\n")
}

// --- HTTP helpers ---

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func getURL(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

// readChunks collects the data payloads of an SSE response up to [DONE].
func readChunks(t *testing.T, resp *http.Response) (chunks []map[string]any, done bool) {
	t.Helper()
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return chunks, true
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("decoding chunk %q: %v", data, err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, false
}

func chatRequest(content string, stream bool) map[string]any {
	return map[string]any{
		"model":    "mock-model",
		"messages": []map[string]any{{"role": "user", "content": content}},
		"stream":   stream,
	}
}
