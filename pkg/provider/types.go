package provider

import (
	"encoding/json"
	"slices"

	"github.com/rhuss/mcpbridge/pkg/api"
)

// ProviderCapabilities declares what features the backend supports.
// Used by the engine for early request validation.
type ProviderCapabilities struct {
	Streaming   bool
	ToolCalling bool
	Vision      bool
	Audio       bool
}

// ProviderRequest is the backend-facing request of one model round.
type ProviderRequest struct {
	Model             string
	Messages          []api.ChatMessage
	Tools             []api.Tool
	ToolChoice        json.RawMessage
	ParallelToolCalls *bool
	Stream            bool

	Temperature         *float64
	TopP                *float64
	MaxTokens           *int
	MaxCompletionTokens *int
	Stop                json.RawMessage
	PresencePenalty     *float64
	FrequencyPenalty    *float64
	Seed                *int64
	ResponseFormat      json.RawMessage
	User                string
}

// NewRequest copies the model and generation parameters of a client request.
// Messages and tools are left to the caller, which owns the conversation.
func NewRequest(req *api.ChatCompletionRequest) *ProviderRequest {
	return &ProviderRequest{
		Model:               req.Model,
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
}

// WithConversation returns a shallow copy of r carrying the given messages
// and tools. The slices are cloned so later appends by the caller do not
// alias a request still in flight.
func (r *ProviderRequest) WithConversation(messages []api.ChatMessage, tools []api.Tool) *ProviderRequest {
	next := *r
	next.Messages = slices.Clone(messages)
	next.Tools = slices.Clone(tools)
	return &next
}

// ProviderResponse is the result of one non-streaming model call.
type ProviderResponse struct {
	Model        string
	Message      api.ChatMessage
	FinishReason string
	Usage        api.Usage
}

// ProviderEventType classifies a streaming event from the backend.
type ProviderEventType int

const (
	ProviderEventTextDelta     ProviderEventType = iota // Incremental text content
	ProviderEventToolCallDelta                          // Incremental tool call arguments
	ProviderEventToolCallDone                           // Tool call complete
	ProviderEventDone                                   // Stream finished
	ProviderEventError                                  // Stream error
)

func (t ProviderEventType) String() string {
	switch t {
	case ProviderEventTextDelta:
		return "text_delta"
	case ProviderEventToolCallDelta:
		return "tool_call_delta"
	case ProviderEventToolCallDone:
		return "tool_call_done"
	case ProviderEventDone:
		return "done"
	case ProviderEventError:
		return "error"
	default:
		return "unknown"
	}
}

// ProviderEvent is a single streaming event from the backend.
type ProviderEvent struct {
	Type ProviderEventType

	// Delta contains incremental text or argument data.
	Delta string

	// ToolCallIndex identifies which tool call a tool call event relates to.
	ToolCallIndex int

	// ToolCallID and FunctionName are set on the first delta of a tool call.
	ToolCallID   string
	FunctionName string

	// ToolCall holds the assembled call on ProviderEventToolCallDone.
	ToolCall *api.ToolCall

	// FinishReason and Usage are set on ProviderEventDone. Usage is nil
	// when the backend did not report it.
	FinishReason string
	Usage        *api.Usage

	// Err is set on ProviderEventError.
	Err error
}
