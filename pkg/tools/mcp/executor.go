package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/observability"
	"github.com/rhuss/mcpbridge/pkg/tools"
	"github.com/rhuss/mcpbridge/pkg/tools/registry"
)

// Executor implements tools.ToolExecutor for tools in the merged registry.
type Executor struct {
	reg *registry.Registry

	// limit caps concurrent calls per server within one batch.
	limit int64
}

// Ensure Executor implements tools.ToolExecutor at compile time.
var _ tools.ToolExecutor = (*Executor)(nil)

// NewExecutor creates an executor routing through reg. limit is the
// number of calls a single server may run at once for one batch; values
// below one mean one.
func NewExecutor(reg *registry.Registry, limit int) *Executor {
	if limit < 1 {
		limit = 1
	}
	return &Executor{reg: reg, limit: int64(limit)}
}

// Kind returns ToolKindMCP.
func (e *Executor) Kind() tools.ToolKind {
	return tools.ToolKindMCP
}

// CanExecute reports whether the registry currently routes toolName.
func (e *Executor) CanExecute(toolName string) bool {
	return e.reg.Has(toolName)
}

// Execute resolves and runs a single call. Every failure, including an
// unknown tool, is reported as an error result.
func (e *Executor) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	entry, err := e.reg.Resolve(call.Name)
	if err != nil {
		observability.ToolExecutionsTotal.WithLabelValues("", "not_found").Inc()
		return errorResult(call.ID, "", err), nil
	}
	return e.invoke(ctx, entry, call), nil
}

// ExecuteAll runs the calls concurrently and returns one result per call
// in the order of calls, regardless of completion order. Names are
// resolved up front against one registry snapshot.
func (e *Executor) ExecuteAll(ctx context.Context, calls []tools.ToolCall) []tools.ToolResult {
	results := make([]tools.ToolResult, len(calls))
	snap := e.reg.Snapshot()
	sems := make(map[string]*semaphore.Weighted)

	var wg sync.WaitGroup
	for i, call := range calls {
		entry, ok := snap.Lookup(call.Name)
		if !ok {
			err := api.E(api.KindToolNotFound, api.OpToolCall, fmt.Errorf("%w: %q", registry.ErrToolNotFound, call.Name))
			observability.ToolExecutionsTotal.WithLabelValues("", "not_found").Inc()
			results[i] = *errorResult(call.ID, "", err)
			continue
		}

		sem, ok := sems[entry.Server]
		if !ok {
			sem = semaphore.NewWeighted(e.limit)
			sems[entry.Server] = sem
		}

		wg.Add(1)
		go func(i int, call tools.ToolCall, entry registry.Entry) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = *errorResult(call.ID, entry.Server, api.E(api.KindToolExecution, api.OpToolCall, err))
				return
			}
			defer sem.Release(1)
			results[i] = *e.invoke(ctx, entry, call)
		}(i, call, entry)
	}
	wg.Wait()
	return results
}

// invoke calls the tool on its server under its original name.
func (e *Executor) invoke(ctx context.Context, entry registry.Entry, call tools.ToolCall) *tools.ToolResult {
	start := time.Now()
	result, err := entry.Caller.CallTool(ctx, tools.ToolCall{
		ID:        call.ID,
		Name:      entry.Original,
		Arguments: call.Arguments,
	})
	observability.ToolDuration.WithLabelValues(entry.Server).Observe(time.Since(start).Seconds())

	if err != nil {
		slog.Warn("tool call failed",
			"tool", call.Name,
			"server", entry.Server,
			"error", err,
		)
		observability.ToolExecutionsTotal.WithLabelValues(entry.Server, "error").Inc()
		return errorResult(call.ID, entry.Server, err)
	}

	status := "success"
	if result.IsError {
		status = "error"
	}
	observability.ToolExecutionsTotal.WithLabelValues(entry.Server, status).Inc()

	result.CallID = call.ID
	result.Server = entry.Server
	return result
}

func errorResult(callID, server string, err error) *tools.ToolResult {
	return &tools.ToolResult{
		CallID:  callID,
		Output:  "error: " + err.Error(),
		IsError: true,
		Server:  server,
	}
}
