// Package engine implements the completion orchestrator of the gateway.
// The Engine struct implements transport.CompletionCreator: it attaches the
// merged MCP tool catalog to each chat completion request, calls the
// upstream provider, executes the tool calls the model issues against the
// MCP sessions and loops until the model answers, a client-declared tool is
// called or the turn limit is reached. Streaming and non-streaming requests
// share one loop; the streaming path forwards content deltas as chunks.
// Optional capabilities (run history, MCP tools) use nil-safe composition.
package engine
