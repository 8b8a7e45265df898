// Package session owns the gateway's connections to MCP servers.
//
// Each enabled server descriptor gets one [Session]. A session connects
// through the descriptor's dialer, discovers the server's tools, resources
// and prompts, and keeps them cached. When the connection ends unexpectedly
// the session turns degraded and reconnects with exponential backoff; when
// the budget is exhausted it closes.
//
// The [Manager] holds the session table, applies configuration reloads as a
// diff, and keeps the tool registry in sync with session state.
package session
