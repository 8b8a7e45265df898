package provider

import (
	"strconv"

	"github.com/rhuss/mcpbridge/pkg/api"
)

// ValidateCapabilities checks whether the given request is compatible with
// the provider's declared capabilities. Returns an APIError identifying
// the specific unsupported feature, or nil if the request is compatible.
// withCatalog reports whether the gateway will attach MCP tools.
func ValidateCapabilities(caps ProviderCapabilities, req *api.ChatCompletionRequest, withCatalog bool) *api.APIError {
	if req.Stream && !caps.Streaming {
		return api.NewInvalidRequestError("stream",
			"the configured provider does not support streaming responses")
	}

	if !caps.ToolCalling {
		if len(req.Tools) > 0 {
			return api.NewInvalidRequestError("tools",
				"the configured provider does not support tool calling")
		}
		if withCatalog {
			return api.NewServerError("the configured provider does not support tool calling")
		}
	}

	for i, msg := range req.Messages {
		parts, ok := msg.Content.([]any)
		if !ok {
			continue
		}
		for _, p := range parts {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			switch part["type"] {
			case "image_url":
				if !caps.Vision {
					return api.NewInvalidRequestError(messageParam(i),
						"the configured provider does not support image inputs")
				}
			case "input_audio":
				if !caps.Audio {
					return api.NewInvalidRequestError(messageParam(i),
						"the configured provider does not support audio inputs")
				}
			}
		}
	}

	return nil
}

func messageParam(i int) string {
	return "messages[" + strconv.Itoa(i) + "].content"
}
