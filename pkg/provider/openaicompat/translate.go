package openaicompat

import (
	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/provider"
)

// TranslateToChat converts a ProviderRequest into a Chat Completions request.
// Streaming requests ask for usage in the final chunk.
func TranslateToChat(req *provider.ProviderRequest) *ChatCompletionRequest {
	chatReq := &ChatCompletionRequest{
		Model:               req.Model,
		Messages:            make([]api.ChatMessage, 0, len(req.Messages)),
		ToolChoice:          req.ToolChoice,
		ParallelToolCalls:   req.ParallelToolCalls,
		Stream:              req.Stream,
		Temperature:         req.Temperature,
		TopP:                req.TopP,
		MaxTokens:           req.MaxTokens,
		MaxCompletionTokens: req.MaxCompletionTokens,
		Stop:                req.Stop,
		PresencePenalty:     req.PresencePenalty,
		FrequencyPenalty:    req.FrequencyPenalty,
		Seed:                req.Seed,
		ResponseFormat:      req.ResponseFormat,
		User:                req.User,
	}

	if req.Stream {
		chatReq.StreamOptions = &ChatStreamOptions{IncludeUsage: true}
	}

	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, outboundMessage(m))
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = make([]api.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			if t.Type == "" {
				t.Type = "function"
			}
			chatReq.Tools = append(chatReq.Tools, t)
		}
	} else {
		// tool_choice without tools is rejected by most backends.
		chatReq.ToolChoice = nil
		chatReq.ParallelToolCalls = nil
	}

	return chatReq
}

// outboundMessage drops streaming-only fields from replayed tool calls.
func outboundMessage(m api.ChatMessage) api.ChatMessage {
	if len(m.ToolCalls) == 0 {
		return m
	}
	calls := make([]api.ToolCall, len(m.ToolCalls))
	for i, tc := range m.ToolCalls {
		tc.Index = nil
		if tc.Type == "" {
			tc.Type = "function"
		}
		calls[i] = tc
	}
	m.ToolCalls = calls
	return m
}
