// Package transport defines the handler interfaces and middleware chain
// between the HTTP surface of the gateway and its completion engine.
//
// # Handler Interfaces
//
//   - CompletionCreator runs one chat completion and writes the result to a
//     CompletionWriter, either as streamed chunks or as one completion.
//   - RunStore persists the append-only history of finished runs.
//   - RunController exposes runs that are still executing so they can be
//     inspected or cancelled.
//   - Catalog and ModelLister back the read-only discovery endpoints.
//
// # Middleware
//
// The middleware chain wraps CompletionCreator with cross-cutting concerns:
// panic recovery, request ID assignment (X-Request-ID) and structured
// logging via log/slog.
package transport
