package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/config"
	"github.com/rhuss/mcpbridge/pkg/debug"
	"github.com/rhuss/mcpbridge/pkg/provider"
)

// Sampler answers sampling requests from MCP servers with the upstream
// provider. Its CreateMessage method satisfies session.SamplingFunc.
type Sampler struct {
	provider  provider.Provider
	model     string
	maxTokens int
}

// NewSampler creates a Sampler. The model defaults to defaultModel when
// the sampling config names none.
func NewSampler(p provider.Provider, cfg config.SamplingConfig, defaultModel string) *Sampler {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Sampler{provider: p, model: model, maxTokens: cfg.MaxTokens}
}

// CreateMessage runs one non-streaming completion for a server's sampling
// request. Servers cannot pick the model; their max token request is
// capped by the configured limit. Only text content is supported.
func (s *Sampler) CreateMessage(ctx context.Context, serverID string, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error) {
	if s.model == "" {
		return nil, fmt.Errorf("sampling: no model configured")
	}

	req := &provider.ProviderRequest{Model: s.model}
	if params.SystemPrompt != "" {
		req.Messages = append(req.Messages, api.ChatMessage{Role: api.RoleSystem, Content: params.SystemPrompt})
	}
	for i, m := range params.Messages {
		text, ok := m.Content.(*mcp.TextContent)
		if !ok {
			return nil, fmt.Errorf("sampling: message %d: only text content is supported", i)
		}
		role := api.RoleUser
		if m.Role == "assistant" {
			role = api.RoleAssistant
		}
		req.Messages = append(req.Messages, api.ChatMessage{Role: role, Content: text.Text})
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("sampling: request has no messages")
	}

	maxTokens := int(params.MaxTokens)
	if s.maxTokens > 0 && (maxTokens <= 0 || maxTokens > s.maxTokens) {
		maxTokens = s.maxTokens
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}
	if params.Temperature > 0 {
		t := params.Temperature
		req.Temperature = &t
	}
	if len(params.StopSequences) > 0 {
		stop, err := json.Marshal(params.StopSequences)
		if err != nil {
			return nil, fmt.Errorf("sampling: encoding stop sequences: %w", err)
		}
		req.Stop = stop
	}

	debug.Log("engine", "sampling request", "server", serverID, "messages", len(req.Messages), "max_tokens", maxTokens)

	resp, err := s.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = s.model
	}
	return &mcp.CreateMessageResult{
		Model:      model,
		Role:       "assistant",
		Content:    &mcp.TextContent{Text: resp.Message.Text()},
		StopReason: stopReason(resp.FinishReason),
	}, nil
}

// stopReason maps a finish reason to the MCP sampling vocabulary.
func stopReason(finish string) string {
	switch finish {
	case api.FinishReasonLength:
		return "maxTokens"
	case api.FinishReasonStop:
		return "endTurn"
	}
	return finish
}
