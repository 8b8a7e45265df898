package api

import (
	"encoding/json"
	"fmt"
)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxMessages    int
	MaxContentSize int
	MaxTools       int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxMessages:    1000,
		MaxContentSize: 10 * 1024 * 1024, // 10MB
		MaxTools:       128,
	}
}

// ValidateRequest checks a ChatCompletionRequest for validity. It returns an
// *APIError describing the first validation failure, or nil if the request
// is valid. An empty model is accepted; the engine substitutes its default.
func ValidateRequest(req *ChatCompletionRequest, cfg ValidationConfig) *APIError {
	if len(req.Messages) == 0 {
		return NewInvalidRequestError("messages", "messages must contain at least one message")
	}

	if cfg.MaxMessages > 0 && len(req.Messages) > cfg.MaxMessages {
		return NewInvalidRequestError("messages",
			fmt.Sprintf("messages exceeds maximum of %d entries", cfg.MaxMessages))
	}

	if cfg.MaxTools > 0 && len(req.Tools) > cfg.MaxTools {
		return NewInvalidRequestError("tools",
			fmt.Sprintf("tools exceeds maximum of %d", cfg.MaxTools))
	}

	for i := range req.Messages {
		if err := validateMessage(i, &req.Messages[i], cfg); err != nil {
			return err
		}
	}

	for i, tool := range req.Tools {
		if tool.Type != "function" {
			return NewInvalidRequestError(fmt.Sprintf("tools[%d].type", i), "only function tools are supported")
		}
		if tool.Function.Name == "" {
			return NewInvalidRequestError(fmt.Sprintf("tools[%d].function.name", i), "function name is required")
		}
		if len(tool.Function.Parameters) > 0 && !json.Valid(tool.Function.Parameters) {
			return NewInvalidRequestError(fmt.Sprintf("tools[%d].function.parameters", i), "parameters must be valid JSON")
		}
	}

	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return NewInvalidRequestError("max_tokens", "max_tokens must be positive")
	}

	if req.MaxCompletionTokens != nil && *req.MaxCompletionTokens <= 0 {
		return NewInvalidRequestError("max_completion_tokens", "max_completion_tokens must be positive")
	}

	if req.Temperature != nil {
		if *req.Temperature < 0.0 || *req.Temperature > 2.0 {
			return NewInvalidRequestError("temperature", "temperature must be between 0.0 and 2.0")
		}
	}

	if req.TopP != nil {
		if *req.TopP < 0.0 || *req.TopP > 1.0 {
			return NewInvalidRequestError("top_p", "top_p must be between 0.0 and 1.0")
		}
	}

	if req.N != nil && *req.N != 1 {
		return NewInvalidRequestError("n", "only n=1 is supported")
	}

	if req.MaxTurns != nil && *req.MaxTurns <= 0 {
		return NewInvalidRequestError("max_turns", "max_turns must be positive")
	}

	if len(req.ToolChoice) > 0 && !json.Valid(req.ToolChoice) {
		return NewInvalidRequestError("tool_choice", "tool_choice must be valid JSON")
	}

	return nil
}

func validateMessage(i int, msg *ChatMessage, cfg ValidationConfig) *APIError {
	param := fmt.Sprintf("messages[%d]", i)

	switch msg.Role {
	case RoleSystem, RoleDeveloper, RoleUser:
		if msg.Content == nil {
			return NewInvalidRequestError(param+".content", "content is required")
		}
	case RoleAssistant:
		if msg.Content == nil && len(msg.ToolCalls) == 0 {
			return NewInvalidRequestError(param, "assistant message needs content or tool_calls")
		}
		for j, tc := range msg.ToolCalls {
			if tc.ID == "" || tc.Function.Name == "" {
				return NewInvalidRequestError(fmt.Sprintf("%s.tool_calls[%d]", param, j), "tool call needs id and function name")
			}
		}
	case RoleTool:
		if msg.ToolCallID == "" {
			return NewInvalidRequestError(param+".tool_call_id", "tool messages require tool_call_id")
		}
	case "":
		return NewInvalidRequestError(param+".role", "role is required")
	default:
		return NewInvalidRequestError(param+".role", fmt.Sprintf("unsupported role %q", msg.Role))
	}

	if cfg.MaxContentSize > 0 && len(msg.Text()) > cfg.MaxContentSize {
		return NewInvalidRequestError(param+".content",
			fmt.Sprintf("content exceeds maximum size of %d bytes", cfg.MaxContentSize))
	}

	return nil
}
