package engine

import (
	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/tools"
)

// emptySchema is sent for catalog tools that advertise no input schema.
var emptySchema = []byte(`{"type":"object","properties":{}}`)

// catalogTool converts a registry entry into an outbound function tool.
func catalogTool(info api.ToolInfo) api.Tool {
	params := info.InputSchema
	if len(params) == 0 {
		params = emptySchema
	}
	return api.Tool{
		Type: "function",
		Function: api.FunctionDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  params,
		},
	}
}

// toToolCalls converts model-issued calls into executor calls.
func toToolCalls(calls []api.ToolCall) []tools.ToolCall {
	out := make([]tools.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = tools.ToolCall{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: c.Function.Arguments,
		}
	}
	return out
}

// clientCalls selects the model calls returned to the client, keeping the
// model's order.
func clientCalls(calls []api.ToolCall, selected []tools.ToolCall) []api.ToolCall {
	ids := make(map[string]bool, len(selected))
	for _, c := range selected {
		ids[c.ID] = true
	}
	var out []api.ToolCall
	for _, c := range calls {
		if ids[c.ID] {
			c.Index = nil
			if c.Type == "" {
				c.Type = "function"
			}
			out = append(out, c)
		}
	}
	return out
}

// assistantTurn records the model's tool round in the conversation. Per
// Chat Completions convention it precedes the tool result turns.
func assistantTurn(text string, calls []api.ToolCall) api.ChatMessage {
	msg := api.ChatMessage{Role: api.RoleAssistant, ToolCalls: make([]api.ToolCall, len(calls))}
	if text != "" {
		msg.Content = text
	}
	for i, c := range calls {
		c.Index = nil
		if c.Type == "" {
			c.Type = "function"
		}
		msg.ToolCalls[i] = c
	}
	return msg
}

// toolTurns converts results into tool turns, one per call, in order.
func toolTurns(results []tools.ToolResult) []api.ChatMessage {
	out := make([]api.ChatMessage, len(results))
	for i, r := range results {
		out[i] = api.ChatMessage{
			Role:       api.RoleTool,
			Content:    r.Output,
			ToolCallID: r.CallID,
		}
	}
	return out
}

// activityCalls describes the calls of one round for the tool_activity
// chunk. servers holds the owning server of each attached catalog tool.
func activityCalls(calls []tools.ToolCall, servers map[string]string) []api.ToolActivityCall {
	out := make([]api.ToolActivityCall, len(calls))
	for i, c := range calls {
		out[i] = api.ToolActivityCall{ID: c.ID, Name: c.Name, Server: servers[c.Name]}
	}
	return out
}
