package tools

import (
	"context"
	"encoding/json"
)

// ToolKind classifies how a tool is hosted and executed.
type ToolKind int

const (
	// ToolKindFunction is a client-declared tool. The gateway never runs it;
	// calls are returned to the client with finish reason tool_calls.
	ToolKindFunction ToolKind = iota

	// ToolKindMCP is a tool served by a connected MCP server and executed
	// by the gateway within the completion loop.
	ToolKindMCP
)

// String returns the kind name used in logs.
func (k ToolKind) String() string {
	switch k {
	case ToolKindFunction:
		return "function"
	case ToolKindMCP:
		return "mcp"
	}
	return "unknown"
}

// ToolExecutor executes tool calls.
type ToolExecutor interface {
	// Kind returns the type of tools this executor handles.
	Kind() ToolKind

	// CanExecute checks if this executor can handle the given tool name.
	CanExecute(toolName string) bool

	// Execute runs the tool and returns the result. Tool-level failures are
	// reported through ToolResult.IsError, not the error return.
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)
}

// ToolCall represents a model's request to invoke a tool.
type ToolCall struct {
	// ID is the unique call identifier (from the model, e.g., "call_abc123").
	ID string

	// Name is the tool function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	// CallID matches the originating ToolCall.ID.
	CallID string

	// Output is the tool output content (text).
	Output string

	// IsError indicates that the output is an error message.
	IsError bool

	// Server is the MCP server that produced the result, if any.
	Server string
}

// Definition is a tool as advertised by its backend.
type Definition struct {
	Name        string
	Description string

	// InputSchema is the tool's JSON Schema, kept opaque.
	InputSchema json.RawMessage
}
