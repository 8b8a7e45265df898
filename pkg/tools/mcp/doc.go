// Package mcp connects the gateway to MCP servers through the official MCP
// Go SDK (github.com/modelcontextprotocol/go-sdk).
//
// A [Dialer] knows how to reach one server: as a local subprocess over
// stdio, as a managed container whose attached streams carry stdio, or as a
// remote endpoint speaking streamable HTTP (falling back to SSE). Sessions
// redial through the same Dialer on every reconnect.
//
// The [Executor] implements tools.ToolExecutor on top of the tool registry
// and fans the tool calls of one model round out to their servers, bounded
// per server.
package mcp
