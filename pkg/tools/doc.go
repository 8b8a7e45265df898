// Package tools defines the tool executor interface and the call/result
// types exchanged between the completion engine and tool backends.
//
// Tools come from two places: MCP servers, whose catalogs are merged by the
// registry subpackage and executed by the mcp subpackage, and the client,
// which may declare function tools in the request and execute them itself.
//
// The package also provides catalog filtering for per-server include and
// exclude lists.
package tools
