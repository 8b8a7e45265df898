// Command mock-backend runs a deterministic Chat Completions upstream for
// exercising the gateway's tool loop without a real model.
//
// Behavior, based on the last message:
//   - a tool result: answer "Tool result: <content>" and stop
//   - a user message naming an offered tool: call that tool
//   - anything else: answer "Hello, nice day!" ("count from 1 to 5"
//     yields "1, 2, 3, 4, 5")
//
// Arguments for a tool call fill every string property of the tool's
// parameter schema with the user's message.
//
// Configuration:
//
//	MOCK_PORT - Listen port (default: 9090)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/provider/openaicompat"
)

const mockModel = "mock-model"

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	srv := &http.Server{Addr: ":" + port, Handler: newMux(), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", handleChatCompletions)
	mux.HandleFunc("GET /v1/models", handleModels)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return mux
}

func handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaicompat.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(openaicompat.ChatErrorResponse{
			Error: openaicompat.ChatError{Message: "invalid request: " + err.Error(), Type: "invalid_request_error"},
		})
		return
	}
	if req.Model == "" {
		req.Model = mockModel
	}

	msg, finish := respond(&req)
	if req.Stream {
		stream(w, req.Model, msg, finish)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(openaicompat.ChatCompletionResponse{
		ID:     "chatcmpl-mock-" + uuid.NewString()[:8],
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []openaicompat.ChatChoice{
			{Message: msg, FinishReason: finish},
		},
		Usage: usage(&req, msg),
	})
}

// respond decides the assistant message for a request.
func respond(req *openaicompat.ChatCompletionRequest) (api.ChatMessage, string) {
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == api.RoleTool {
		var results []string
		for i := n - 1; i >= 0 && req.Messages[i].Role == api.RoleTool; i-- {
			results = append([]string{req.Messages[i].Text()}, results...)
		}
		return api.ChatMessage{Role: api.RoleAssistant, Content: "Tool result: " + strings.Join(results, "; ")}, "stop"
	}

	last := lastUserMessage(req.Messages)
	if tool, ok := mentionedTool(req.Tools, last); ok {
		return api.ChatMessage{
			Role: api.RoleAssistant,
			ToolCalls: []api.ToolCall{{
				ID:   "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
				Type: "function",
				Function: api.FunctionCall{
					Name:      tool.Function.Name,
					Arguments: arguments(tool.Function.Parameters, last),
				},
			}},
		}, "tool_calls"
	}

	text := "Hello, nice day!"
	if strings.Contains(strings.ToLower(last), "count from 1 to 5") {
		text = "1, 2, 3, 4, 5"
	}
	return api.ChatMessage{Role: api.RoleAssistant, Content: text}, "stop"
}

// mentionedTool returns the offered tool with the longest name contained in
// the message, so "fs.read_file" wins over "fs.read".
func mentionedTool(tools []api.Tool, message string) (api.Tool, bool) {
	var (
		best  api.Tool
		found bool
	)
	for _, t := range tools {
		name := t.Function.Name
		if name == "" || !strings.Contains(message, name) {
			continue
		}
		if !found || len(name) > len(best.Function.Name) {
			best, found = t, true
		}
	}
	return best, found
}

// arguments builds call arguments from a JSON Schema: every string property
// gets the message, every number property 1.
func arguments(schema json.RawMessage, message string) string {
	var s struct {
		Properties map[string]struct {
			Type any `json:"type"`
		} `json:"properties"`
	}
	args := map[string]any{}
	if len(schema) > 0 && json.Unmarshal(schema, &s) == nil {
		for name, prop := range s.Properties {
			switch prop.Type {
			case "string":
				args[name] = message
			case "number", "integer":
				args[name] = 1
			case "boolean":
				args[name] = true
			}
		}
	}
	b, _ := json.Marshal(args)
	return string(b)
}

func usage(req *openaicompat.ChatCompletionRequest, msg api.ChatMessage) *openaicompat.ChatUsage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(strings.Fields(m.Text()))
	}
	completion := len(strings.Fields(msg.Text())) + len(msg.ToolCalls)*5
	return &openaicompat.ChatUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// stream writes msg as chat.completion.chunk events: a role chunk, content
// split into words or tool calls split into name and argument fragments,
// then the finish chunk with usage.
func stream(w http.ResponseWriter, model string, msg api.ChatMessage, finish string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := "chatcmpl-mock-" + uuid.NewString()[:8]
	send := func(delta openaicompat.ChatChunkDelta, finish *string, u *openaicompat.ChatUsage) {
		chunk := openaicompat.ChatCompletionChunk{
			ID:     id,
			Object: "chat.completion.chunk",
			Model:  model,
			Choices: []openaicompat.ChatChunkChoice{
				{Delta: delta, FinishReason: finish},
			},
			Usage: u,
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	send(openaicompat.ChatChunkDelta{Role: string(api.RoleAssistant)}, nil, nil)

	for _, word := range splitKeep(msg.Text()) {
		send(openaicompat.ChatChunkDelta{Content: &word}, nil, nil)
	}

	for i, tc := range msg.ToolCalls {
		send(openaicompat.ChatChunkDelta{ToolCalls: []openaicompat.ChatChunkToolCall{{
			Index: i, ID: tc.ID, Type: "function",
			Function: openaicompat.ChatChunkFunctionCall{Name: tc.Function.Name},
		}}}, nil, nil)
		args := tc.Function.Arguments
		for len(args) > 0 {
			n := min(8, len(args))
			send(openaicompat.ChatChunkDelta{ToolCalls: []openaicompat.ChatChunkToolCall{{
				Index:    i,
				Function: openaicompat.ChatChunkFunctionCall{Arguments: args[:n]},
			}}}, nil, nil)
			args = args[n:]
		}
	}

	send(openaicompat.ChatChunkDelta{}, &finish, usage(&openaicompat.ChatCompletionRequest{}, msg))
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// splitKeep splits s after each space, keeping the separators.
func splitKeep(s string) []string {
	var out []string
	for s != "" {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}

func handleModels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.ModelList{
		Object: api.ObjectList,
		Data:   []api.Model{{ID: mockModel, Object: "model", OwnedBy: "mcpbridge-mock"}},
	})
}

func lastUserMessage(msgs []api.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == api.RoleUser {
			return msgs[i].Text()
		}
	}
	return ""
}
