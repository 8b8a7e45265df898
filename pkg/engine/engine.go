package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/provider"
	"github.com/rhuss/mcpbridge/pkg/tools"
	"github.com/rhuss/mcpbridge/pkg/transport"
)

// ToolCatalog lists the tools the gateway serves.
type ToolCatalog interface {
	Tools() []api.ToolInfo
}

// ToolRunner executes the calls of one tool round. Results come back in
// the order of calls; failures are error results, never errors.
type ToolRunner interface {
	ExecuteAll(ctx context.Context, calls []tools.ToolCall) []tools.ToolResult
}

// Engine orchestrates completion runs between the transport layer, the
// upstream provider and the MCP tool registry. It implements
// transport.CompletionCreator and transport.RunController.
type Engine struct {
	provider provider.Provider
	catalog  ToolCatalog
	runner   ToolRunner
	store    transport.RunStore
	inflight *transport.InFlightRegistry
	cfg      Config
}

// Ensure Engine implements the transport contracts at compile time.
var (
	_ transport.CompletionCreator = (*Engine)(nil)
	_ transport.RunController     = (*Engine)(nil)
)

// New creates a new Engine. The provider must not be nil. catalog and
// runner may be nil, in which case the engine proxies completions without
// MCP tools. store can be nil for operation without run history.
func New(p provider.Provider, catalog ToolCatalog, runner ToolRunner, store transport.RunStore, cfg Config) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("engine: provider must not be nil")
	}
	if runner == nil {
		runner = noTools{}
	}
	return &Engine{
		provider: p,
		catalog:  catalog,
		runner:   runner,
		store:    store,
		inflight: transport.NewInFlightRegistry(),
		cfg:      cfg,
	}, nil
}

// CreateCompletion runs one chat completion. Streaming requests receive
// chunks through w.WriteChunk; the others one w.WriteCompletion call.
// Failures before any output are returned for the transport to render.
func (e *Engine) CreateCompletion(ctx context.Context, req *api.ChatCompletionRequest, w transport.CompletionWriter) error {
	// Apply default model if the request omits it.
	if req.Model == "" {
		if e.cfg.DefaultModel == "" {
			return api.NewInvalidRequestError("model", "model is required")
		}
		req.Model = e.cfg.DefaultModel
	}

	if apiErr := api.ValidateRequest(req, e.cfg.Validation); apiErr != nil {
		return apiErr
	}

	catalog := e.attachableTools(req)
	if apiErr := provider.ValidateCapabilities(e.provider.Capabilities(), req, len(catalog) > 0); apiErr != nil {
		return apiErr
	}

	r := newRun(req, catalog, e.cfg.maxTurns(req))
	if req.Stream {
		r.emitter = newChunkEmitter(w, r.id, r.model, r.created)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if e.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.inflight.Register(r.id, cancel)
	defer e.inflight.Remove(r.id)
	r.onState = func(s api.RunState) { e.inflight.Update(r.id, s) }

	if err := r.advance(api.RunStateStarted); err != nil {
		return err
	}

	slog.Debug("run started",
		"run_id", r.id,
		"model", r.model,
		"stream", req.Stream,
		"catalog_tools", len(catalog),
		"max_turns", r.maxTurns,
	)

	out, err := e.runLoop(runCtx, r)
	if err != nil {
		err = e.classify(ctx, runCtx, err)
		r.advance(api.RunStateFailed)
		e.record(ctx, r, nil, api.FinishReasonError, err)
		return err
	}

	if out.finishReason == api.FinishReasonMaxTurns {
		r.advance(api.RunStateFailed)
	} else {
		r.advance(api.RunStateFinished)
	}
	e.record(ctx, r, &out.message, out.finishReason, nil)

	if r.emitter != nil {
		if err := r.emitter.toolCalls(ctx, out.message.ToolCalls); err != nil {
			return err
		}
		return r.emitter.finish(ctx, out.finishReason, r.usage)
	}
	return w.WriteCompletion(ctx, &api.ChatCompletion{
		ID:      r.id,
		Object:  api.ObjectChatCompletion,
		Created: r.created,
		Model:   r.model,
		Choices: []api.Choice{{
			Index:        0,
			Message:      out.message,
			FinishReason: out.finishReason,
		}},
		Usage: &r.usage,
	})
}

// RunState reports the state of an in-flight run.
func (e *Engine) RunState(id string) (api.RunState, bool) {
	return e.inflight.State(id)
}

// CancelRun cancels an in-flight run. The run ends as failed with a
// canceled error.
func (e *Engine) CancelRun(id string) bool {
	return e.inflight.Cancel(id)
}

// InFlight returns the number of runs currently executing.
func (e *Engine) InFlight() int {
	return e.inflight.Len()
}

// attachableTools returns the catalog entries attached to req. Tools the
// client declares under the same name are sent as declared by the client.
func (e *Engine) attachableTools(req *api.ChatCompletionRequest) []api.ToolInfo {
	if e.catalog == nil {
		return nil
	}
	all := e.catalog.Tools()
	out := make([]api.ToolInfo, 0, len(all))
	for _, info := range all {
		if req.HasTool(info.Name) {
			continue
		}
		out = append(out, info)
	}
	return out
}

// classify turns a loop failure into the error reported to the client.
// Cancellation of the run context is told apart by its cause: the client
// went away, the run budget elapsed, or the run was cancelled explicitly.
func (e *Engine) classify(parent, runCtx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return api.E(api.KindCanceled, api.OpRun, parent.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return api.TimeoutError(api.KindCanceled, api.OpRun, fmt.Errorf("run exceeded %s", e.cfg.RunTimeout))
	case runCtx.Err() != nil:
		return api.E(api.KindCanceled, api.OpRun, errors.New("run cancelled"))
	}
	return err
}

// noTools is the runner used when the gateway has no MCP servers.
type noTools struct{}

func (noTools) ExecuteAll(_ context.Context, calls []tools.ToolCall) []tools.ToolResult {
	out := make([]tools.ToolResult, len(calls))
	for i, call := range calls {
		out[i] = tools.ToolResult{
			CallID:  call.ID,
			Output:  fmt.Sprintf("error: tool %q not found", call.Name),
			IsError: true,
		}
	}
	return out
}
