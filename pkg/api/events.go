package api

// Object names used in completion payloads.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectList                = "list"
	ObjectModel               = "model"
)

// ChunkDelta carries the incremental part of a streamed assistant message.
type ChunkDelta struct {
	Role      MessageRole `json:"role,omitempty"`
	Content   *string     `json:"content,omitempty"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
}

// ChunkChoice is the per-choice payload of a streaming chunk.
// FinishReason is nil on every chunk except the terminal one.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk is one server-sent event of a streaming completion.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`

	// ToolActivity is set on the synthetic chunk emitted when the gateway
	// starts executing tool calls for the model.
	ToolActivity *ToolActivity `json:"tool_activity,omitempty"`
}

// ToolActivity reports the tool calls of one round that the gateway executes.
type ToolActivity struct {
	Type  string             `json:"type"`
	Round int                `json:"round"`
	Calls []ToolActivityCall `json:"calls"`
}

// ToolActivityTypeDetected is the only ToolActivity type emitted today.
const ToolActivityTypeDetected = "tool_calls_detected"

// ToolActivityCall identifies one executed tool call.
type ToolActivityCall struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Server string `json:"server,omitempty"`
}

// IsTerminal reports whether the chunk ends the stream.
func (c *ChatCompletionChunk) IsTerminal() bool {
	for _, ch := range c.Choices {
		if ch.FinishReason != nil {
			return true
		}
	}
	return false
}
