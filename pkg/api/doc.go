// Package api defines the wire types of the mcpbridge chat completions gateway.
//
// The types follow the OpenAI Chat Completions wire format so that existing
// client libraries can talk to the gateway unchanged. The package also holds
// the error taxonomy shared by every layer of the gateway, request
// validation, run state transitions and ID generation.
//
// Core types:
//   - [ChatCompletionRequest]: client request, including optional tool declarations
//   - [ChatMessage]: one turn of the conversation (system, user, assistant, tool)
//   - [ChatCompletion]: non-streaming result
//   - [ChatCompletionChunk]: one streaming event
//   - [RunRecord]: append-only history entry for one completion run
//   - [APIError]: structured error with type, code, param, and message
//   - [Error]: internal error carrying a taxonomy [Kind]
//
// Extension fields:
//
// Requests may carry "max_turns" to lower the configured tool round limit.
// Streaming chunks may carry "tool_activity" when the gateway executes tool
// calls on behalf of the model. Clients that do not know these fields ignore
// them.
package api
