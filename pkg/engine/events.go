package engine

import (
	"context"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/transport"
)

// chunkEmitter writes the chunks of one streaming run. All methods are
// no-ops on a nil emitter, which is what non-streaming runs carry.
type chunkEmitter struct {
	w       transport.CompletionWriter
	id      string
	model   string
	created int64

	// roleSent records whether the assistant role went out on a delta.
	roleSent bool
}

func newChunkEmitter(w transport.CompletionWriter, id, model string, created int64) *chunkEmitter {
	return &chunkEmitter{w: w, id: id, model: model, created: created}
}

func (em *chunkEmitter) chunk(choices []api.ChunkChoice) *api.ChatCompletionChunk {
	return &api.ChatCompletionChunk{
		ID:      em.id,
		Object:  api.ObjectChatCompletionChunk,
		Created: em.created,
		Model:   em.model,
		Choices: choices,
	}
}

// delta returns a choice for d, carrying the role on the first one.
func (em *chunkEmitter) delta(d api.ChunkDelta, finish *string) []api.ChunkChoice {
	if !em.roleSent {
		d.Role = api.RoleAssistant
		em.roleSent = true
	}
	return []api.ChunkChoice{{Index: 0, Delta: d, FinishReason: finish}}
}

// content forwards one content delta. Empty deltas are dropped.
func (em *chunkEmitter) content(ctx context.Context, text string) error {
	if em == nil || text == "" {
		return nil
	}
	return em.w.WriteChunk(ctx, em.chunk(em.delta(api.ChunkDelta{Content: &text}, nil)))
}

// toolActivity announces the calls the gateway is about to execute. The
// chunk has no choices so clients that ignore the extension see nothing.
func (em *chunkEmitter) toolActivity(ctx context.Context, round int, calls []api.ToolActivityCall) error {
	if em == nil || len(calls) == 0 {
		return nil
	}
	c := em.chunk([]api.ChunkChoice{})
	c.ToolActivity = &api.ToolActivity{
		Type:  api.ToolActivityTypeDetected,
		Round: round,
		Calls: calls,
	}
	if err := em.w.WriteChunk(ctx, c); err != nil {
		return err
	}
	// Tool execution may take a while; make sure the client sees why.
	return em.w.Flush()
}

// toolCalls streams the calls handed back to the client, one complete
// call per delta entry.
func (em *chunkEmitter) toolCalls(ctx context.Context, calls []api.ToolCall) error {
	if em == nil || len(calls) == 0 {
		return nil
	}
	deltas := make([]api.ToolCall, len(calls))
	for i, c := range calls {
		idx := i
		c.Index = &idx
		deltas[i] = c
	}
	return em.w.WriteChunk(ctx, em.chunk(em.delta(api.ChunkDelta{ToolCalls: deltas}, nil)))
}

// finish writes the single terminal chunk with the run's finish reason
// and total usage.
func (em *chunkEmitter) finish(ctx context.Context, reason string, usage api.Usage) error {
	if em == nil {
		return nil
	}
	c := em.chunk(em.delta(api.ChunkDelta{}, &reason))
	c.Usage = &usage
	return em.w.WriteChunk(ctx, c)
}
