// Package openaicompat implements provider.Provider for any OpenAI-compatible
// Chat Completions backend (vLLM, LiteLLM, Ollama, OpenAI itself). It handles
// request serialization, response parsing, SSE chunk streaming, tool call
// argument buffering, error mapping and bounded retries of failed calls.
package openaicompat
