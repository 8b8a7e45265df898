package openaicompat

import (
	"errors"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/provider"
)

// errNoChoices reports a response without any completion choice.
var errNoChoices = errors.New("backend response has no choices")

// TranslateResponse converts a ChatCompletionResponse into a ProviderResponse.
// Only choices[0] is used. Tool calls without an id get a generated one so
// that tool result turns can always be correlated.
func TranslateResponse(resp *ChatCompletionResponse) (*provider.ProviderResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, errNoChoices
	}
	choice := resp.Choices[0]

	msg := choice.Message
	msg.Role = api.RoleAssistant
	if len(msg.ToolCalls) > 0 {
		calls := make([]api.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			calls[i] = normalizeToolCall(tc)
		}
		msg.ToolCalls = calls
	}

	pr := &provider.ProviderResponse{
		Model:        resp.Model,
		Message:      msg,
		FinishReason: NormalizeFinishReason(choice.FinishReason, len(msg.ToolCalls) > 0),
	}
	if u := resp.Usage.toAPI(); u != nil {
		pr.Usage = *u
	}
	return pr, nil
}

func normalizeToolCall(tc api.ToolCall) api.ToolCall {
	tc.Index = nil
	if tc.ID == "" {
		tc.ID = api.NewToolCallID()
	}
	if tc.Type == "" {
		tc.Type = "function"
	}
	return tc
}

// NormalizeFinishReason fills in a missing finish reason. Backends that
// omit it on tool call turns are common enough to handle here.
func NormalizeFinishReason(reason string, hasToolCalls bool) string {
	switch {
	case reason != "":
		return reason
	case hasToolCalls:
		return api.FinishReasonToolCalls
	default:
		return api.FinishReasonStop
	}
}
