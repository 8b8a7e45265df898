package tools

import "slices"

// FilterCatalog applies a server's include and exclude lists to its
// catalog. An empty include list admits every tool; exclude always wins.
// Catalog order is preserved.
func FilterCatalog(defs []Definition, include, exclude []string) []Definition {
	if len(include) == 0 && len(exclude) == 0 {
		return defs
	}

	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		if len(include) > 0 && !slices.Contains(include, d.Name) {
			continue
		}
		if slices.Contains(exclude, d.Name) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// PartitionResult splits tool calls by the executor that will handle them.
type PartitionResult struct {
	// Served contains calls a gateway-side executor can run.
	Served []ToolCall

	// Client contains calls for client-declared tools, in request order.
	Client []ToolCall
}

// PartitionCalls separates calls for tools the client declared from calls
// the gateway runs. A client-declared name shadows a served tool of the
// same name. Calls nobody claims are served and fail as not found.
func PartitionCalls(calls []ToolCall, declared func(name string) bool) PartitionResult {
	var result PartitionResult
	for _, call := range calls {
		if declared(call.Name) {
			result.Client = append(result.Client, call)
			continue
		}
		result.Served = append(result.Served, call)
	}
	return result
}
