package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/observability"
)

// saveTimeout bounds writing one run record.
const saveTimeout = 5 * time.Second

// record writes the run to the history store and updates the run metrics.
// It runs after the request may have been cancelled, so the store write
// is detached from ctx. Store failures are logged; they never fail the
// completion.
func (e *Engine) record(ctx context.Context, r *run, out *api.ChatMessage, finishReason string, runErr error) {
	observability.RunsTotal.WithLabelValues(finishReason).Inc()
	observability.RunTurns.Observe(float64(r.turns))

	if runErr != nil {
		slog.Warn("run failed",
			"run_id", r.id,
			"model", r.model,
			"turns", r.turns,
			"duration", time.Since(r.started),
			"error", runErr,
		)
	} else {
		slog.Debug("run finished",
			"run_id", r.id,
			"finish_reason", finishReason,
			"turns", r.turns,
			"duration", time.Since(r.started),
		)
	}

	if e.store == nil {
		return
	}

	rec := &api.RunRecord{
		ID:           r.id,
		Model:        r.model,
		CreatedAt:    r.created,
		CompletedAt:  time.Now().Unix(),
		State:        r.state,
		FinishReason: finishReason,
		Turns:        r.turns,
		Stream:       r.req.Stream,
		Messages:     r.messages,
		Usage:        r.usage,
	}
	if out != nil {
		rec.Output = *out
	}
	if runErr != nil {
		rec.Error = api.ToAPIError(runErr)
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := e.store.SaveRun(saveCtx, rec); err != nil {
		slog.Warn("failed to save run", "run_id", r.id, "error", err)
	}
}
