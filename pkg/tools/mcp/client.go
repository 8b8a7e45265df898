package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/tools"
)

// Implementation identifies the gateway to MCP servers during the handshake.
var Implementation = &mcp.Implementation{Name: "mcpbridge", Version: "1.0.0"}

// CallParams builds the MCP call parameters for a tool call. name is the
// tool's name on its server. Arguments must be a JSON object or empty.
func CallParams(name, arguments string) (*mcp.CallToolParams, error) {
	var args map[string]any
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return nil, fmt.Errorf("invalid arguments JSON: %w", err)
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	return &mcp.CallToolParams{Name: name, Arguments: args}, nil
}

// ConvertTool converts an MCP tool to a registry definition. The input
// schema is kept as raw JSON.
func ConvertTool(t *mcp.Tool) (tools.Definition, error) {
	var schema json.RawMessage
	if t.InputSchema != nil {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return tools.Definition{}, fmt.Errorf("marshaling input schema: %w", err)
		}
		schema = data
	}

	description := t.Description
	if description == "" && t.Title != "" {
		description = t.Title
	}
	return tools.Definition{
		Name:        t.Name,
		Description: description,
		InputSchema: schema,
	}, nil
}

// ConvertResult flattens an MCP call result into the text the model sees.
// Text blocks are joined by newlines; other content is summarized. When a
// server returns only structured content, its JSON encoding is used.
func ConvertResult(callID string, result *mcp.CallToolResult) *tools.ToolResult {
	var parts []string
	for _, content := range result.Content {
		switch c := content.(type) {
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes]", c.MIMEType, len(c.Data)))
		case *mcp.AudioContent:
			parts = append(parts, fmt.Sprintf("[audio %s, %d bytes]", c.MIMEType, len(c.Data)))
		case *mcp.ResourceLink:
			parts = append(parts, fmt.Sprintf("[resource %s]", c.URI))
		case *mcp.EmbeddedResource:
			if c.Resource != nil && c.Resource.Text != "" {
				parts = append(parts, c.Resource.Text)
			} else if c.Resource != nil {
				parts = append(parts, fmt.Sprintf("[resource %s]", c.Resource.URI))
			}
		}
	}

	output := strings.Join(parts, "\n")
	if output == "" && result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			output = string(data)
		}
	}

	return &tools.ToolResult{
		CallID:  callID,
		Output:  output,
		IsError: result.IsError,
	}
}

// ConvertResource converts an MCP resource to its API representation.
func ConvertResource(r *mcp.Resource) api.ResourceInfo {
	return api.ResourceInfo{
		URI:         r.URI,
		Name:        r.Name,
		Title:       r.Title,
		Description: r.Description,
		MIMEType:    r.MIMEType,
	}
}

// ConvertPrompt converts an MCP prompt to its API representation.
func ConvertPrompt(p *mcp.Prompt) api.PromptInfo {
	info := api.PromptInfo{
		Name:        p.Name,
		Title:       p.Title,
		Description: p.Description,
	}
	for _, a := range p.Arguments {
		info.Arguments = append(info.Arguments, api.PromptArgument{
			Name:        a.Name,
			Description: a.Description,
			Required:    a.Required,
		})
	}
	return info
}
