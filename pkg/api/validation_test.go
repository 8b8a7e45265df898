package api

import (
	"encoding/json"
	"strings"
	"testing"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func validRequest() *ChatCompletionRequest {
	return &ChatCompletionRequest{
		Model:    "test-model",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hello"}},
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *ChatCompletionRequest)
		wantParam string
	}{
		{name: "valid", mutate: func(r *ChatCompletionRequest) {}},
		{name: "empty model uses default", mutate: func(r *ChatCompletionRequest) { r.Model = "" }},
		{name: "no messages", mutate: func(r *ChatCompletionRequest) { r.Messages = nil }, wantParam: "messages"},
		{name: "missing role", mutate: func(r *ChatCompletionRequest) { r.Messages[0].Role = "" }, wantParam: "messages[0].role"},
		{name: "unknown role", mutate: func(r *ChatCompletionRequest) { r.Messages[0].Role = "robot" }, wantParam: "messages[0].role"},
		{name: "user without content", mutate: func(r *ChatCompletionRequest) { r.Messages[0].Content = nil }, wantParam: "messages[0].content"},
		{
			name: "tool message without call id",
			mutate: func(r *ChatCompletionRequest) {
				r.Messages = append(r.Messages, ChatMessage{Role: RoleTool, Content: "42"})
			},
			wantParam: "messages[1].tool_call_id",
		},
		{
			name: "assistant with tool calls only",
			mutate: func(r *ChatCompletionRequest) {
				r.Messages = append(r.Messages, ChatMessage{
					Role:      RoleAssistant,
					ToolCalls: []ToolCall{{ID: "call_1", Type: "function", Function: FunctionCall{Name: "f", Arguments: "{}"}}},
				})
			},
		},
		{
			name: "non-function tool",
			mutate: func(r *ChatCompletionRequest) {
				r.Tools = []Tool{{Type: "retrieval", Function: FunctionDefinition{Name: "x"}}}
			},
			wantParam: "tools[0].type",
		},
		{
			name: "invalid parameters",
			mutate: func(r *ChatCompletionRequest) {
				r.Tools = []Tool{{Type: "function", Function: FunctionDefinition{Name: "x", Parameters: json.RawMessage(`{bad`)}}}
			},
			wantParam: "tools[0].function.parameters",
		},
		{name: "temperature too high", mutate: func(r *ChatCompletionRequest) { r.Temperature = floatPtr(2.5) }, wantParam: "temperature"},
		{name: "top_p too high", mutate: func(r *ChatCompletionRequest) { r.TopP = floatPtr(1.5) }, wantParam: "top_p"},
		{name: "n greater than one", mutate: func(r *ChatCompletionRequest) { r.N = intPtr(2) }, wantParam: "n"},
		{name: "zero max_tokens", mutate: func(r *ChatCompletionRequest) { r.MaxTokens = intPtr(0) }, wantParam: "max_tokens"},
		{name: "zero max_turns", mutate: func(r *ChatCompletionRequest) { r.MaxTurns = intPtr(0) }, wantParam: "max_turns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			err := ValidateRequest(req, DefaultValidationConfig())
			if tt.wantParam == "" {
				if err != nil {
					t.Fatalf("ValidateRequest() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateRequest() = nil, want error on %s", tt.wantParam)
			}
			if err.Param != tt.wantParam {
				t.Errorf("Param = %q, want %q", err.Param, tt.wantParam)
			}
		})
	}
}

func TestValidateRequestLimits(t *testing.T) {
	cfg := ValidationConfig{MaxMessages: 1, MaxContentSize: 4, MaxTools: 1}

	req := validRequest()
	req.Messages = append(req.Messages, ChatMessage{Role: RoleUser, Content: "x"})
	if err := ValidateRequest(req, cfg); err == nil || err.Param != "messages" {
		t.Errorf("expected messages limit error, got %v", err)
	}

	req = validRequest()
	req.Messages[0].Content = strings.Repeat("a", 5)
	if err := ValidateRequest(req, cfg); err == nil || err.Param != "messages[0].content" {
		t.Errorf("expected content size error, got %v", err)
	}
}

func TestChatMessageText(t *testing.T) {
	var parts []any
	if err := json.Unmarshal([]byte(`[{"type":"text","text":"foo"},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"bar"}]`), &parts); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		msg  ChatMessage
		want string
	}{
		{"string", ChatMessage{Content: "hi"}, "hi"},
		{"nil", ChatMessage{}, ""},
		{"parts", ChatMessage{Content: parts}, "foobar"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}
