package openaicompat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/provider"
)

func TestTranslateToChat_BasicMessage(t *testing.T) {
	temp := 0.5
	req := &provider.ProviderRequest{
		Model: "m",
		Messages: []api.ChatMessage{
			{Role: api.RoleSystem, Content: "be brief"},
			{Role: api.RoleUser, Content: "hi"},
		},
		Temperature: &temp,
	}

	chatReq := TranslateToChat(req)
	if chatReq.Model != "m" || len(chatReq.Messages) != 2 {
		t.Fatalf("unexpected request: %+v", chatReq)
	}
	if chatReq.Temperature == nil || *chatReq.Temperature != 0.5 {
		t.Errorf("temperature not copied")
	}
	if chatReq.Stream || chatReq.StreamOptions != nil {
		t.Errorf("non-streaming request has stream fields set")
	}
}

func TestTranslateToChat_StreamingOptions(t *testing.T) {
	chatReq := TranslateToChat(&provider.ProviderRequest{Model: "m", Stream: true})
	if !chatReq.Stream || chatReq.StreamOptions == nil || !chatReq.StreamOptions.IncludeUsage {
		t.Errorf("streaming request must ask for usage: %+v", chatReq.StreamOptions)
	}
}

func TestTranslateToChat_ToolChoiceDroppedWithoutTools(t *testing.T) {
	yes := true
	req := &provider.ProviderRequest{
		Model:             "m",
		ToolChoice:        json.RawMessage(`"auto"`),
		ParallelToolCalls: &yes,
	}
	chatReq := TranslateToChat(req)
	if chatReq.ToolChoice != nil || chatReq.ParallelToolCalls != nil {
		t.Errorf("tool_choice kept without tools")
	}

	req.Tools = []api.Tool{{Function: api.FunctionDefinition{Name: "f"}}}
	chatReq = TranslateToChat(req)
	if string(chatReq.ToolChoice) != `"auto"` {
		t.Errorf("tool_choice = %s", chatReq.ToolChoice)
	}
	if chatReq.Tools[0].Type != "function" {
		t.Errorf("tool type = %q, want function", chatReq.Tools[0].Type)
	}
}

func TestTranslateToChat_ReplayedToolCalls(t *testing.T) {
	idx := 0
	req := &provider.ProviderRequest{
		Model: "m",
		Messages: []api.ChatMessage{
			{Role: api.RoleUser, Content: "weather?"},
			{Role: api.RoleAssistant, ToolCalls: []api.ToolCall{{
				Index: &idx, ID: "call_1",
				Function: api.FunctionCall{Name: "weather", Arguments: `{"city":"Berlin"}`},
			}}},
			{Role: api.RoleTool, ToolCallID: "call_1", Content: "sunny"},
		},
	}

	chatReq := TranslateToChat(req)
	data, err := json.Marshal(chatReq)
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)
	if strings.Contains(body, `"index"`) {
		t.Errorf("streaming index leaked into request: %s", body)
	}
	if !strings.Contains(body, `"type":"function"`) {
		t.Errorf("tool call type not defaulted: %s", body)
	}
	if !strings.Contains(body, `"tool_call_id":"call_1"`) {
		t.Errorf("tool result id missing: %s", body)
	}
	if req.Messages[1].ToolCalls[0].Index == nil {
		t.Error("translation modified the caller's messages")
	}
}

func TestTranslateResponse_TextContent(t *testing.T) {
	resp, err := TranslateResponse(&ChatCompletionResponse{
		Model: "m",
		Choices: []ChatChoice{{
			Message:      api.ChatMessage{Role: api.RoleAssistant, Content: "Hello"},
			FinishReason: "stop",
		}},
		Usage: &ChatUsage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Text() != "Hello" || resp.FinishReason != "stop" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestTranslateResponse_ToolCalls(t *testing.T) {
	resp, err := TranslateResponse(&ChatCompletionResponse{
		Choices: []ChatChoice{{
			Message: api.ChatMessage{
				Role: api.RoleAssistant,
				ToolCalls: []api.ToolCall{
					{ID: "call_1", Function: api.FunctionCall{Name: "a", Arguments: "{}"}},
					{Function: api.FunctionCall{Name: "b", Arguments: "{}"}},
				},
			},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.FinishReason != api.FinishReasonToolCalls {
		t.Errorf("finish reason = %q, want tool_calls", resp.FinishReason)
	}
	if resp.Message.ToolCalls[0].ID != "call_1" {
		t.Errorf("existing id replaced")
	}
	if !strings.HasPrefix(resp.Message.ToolCalls[1].ID, "call_") {
		t.Errorf("missing id not generated: %q", resp.Message.ToolCalls[1].ID)
	}
	if resp.Message.ToolCalls[1].Type != "function" {
		t.Errorf("type not defaulted")
	}
}

func TestTranslateResponse_NoChoices(t *testing.T) {
	if _, err := TranslateResponse(&ChatCompletionResponse{}); err == nil {
		t.Error("expected error for response without choices")
	}
}
