package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/debug"
	"github.com/rhuss/mcpbridge/pkg/provider"
	"github.com/rhuss/mcpbridge/pkg/tools"
)

// errStreamIncomplete reports a provider stream that closed without a
// done or error event.
var errStreamIncomplete = errors.New("provider stream closed without a result")

// run is the mutable state of one completion run. It is owned by the
// goroutine serving the request.
type run struct {
	id       string
	created  int64
	started  time.Time
	model    string
	req      *api.ChatCompletionRequest
	maxTurns int

	// tools is the outbound tool list: client tools, then the catalog.
	tools []api.Tool

	// servers maps attached catalog tool names to their server.
	servers map[string]string

	// messages is the conversation sent upstream, growing by one assistant
	// turn and its tool turns per round.
	messages []api.ChatMessage

	// text accumulates assistant content across rounds; it is what a
	// streaming client has received as content deltas.
	text strings.Builder

	usage   api.Usage
	turns   int
	state   api.RunState
	onState func(api.RunState)
	emitter *chunkEmitter
}

// outcome is the result of a run that produced an answer.
type outcome struct {
	message      api.ChatMessage
	finishReason string
}

func newRun(req *api.ChatCompletionRequest, catalog []api.ToolInfo, maxTurns int) *run {
	started := time.Now()
	r := &run{
		id:       api.NewCompletionID(),
		created:  started.Unix(),
		started:  started,
		model:    req.Model,
		req:      req,
		maxTurns: maxTurns,
		servers:  make(map[string]string, len(catalog)),
		messages: append([]api.ChatMessage(nil), req.Messages...),
	}
	r.tools = append(r.tools, req.Tools...)
	for _, info := range catalog {
		r.tools = append(r.tools, catalogTool(info))
		r.servers[info.Name] = info.Server
	}
	return r
}

// advance moves the run to state to, enforcing the run state machine.
func (r *run) advance(to api.RunState) error {
	if err := api.ValidateRunTransition(r.state, to); err != nil {
		return err
	}
	r.state = to
	if r.onState != nil {
		r.onState(to)
	}
	return nil
}

// answer builds the final assistant message from the accumulated content.
func (r *run) answer(calls []api.ToolCall) api.ChatMessage {
	msg := api.ChatMessage{Role: api.RoleAssistant, ToolCalls: calls}
	if text := r.text.String(); text != "" || len(calls) == 0 {
		msg.Content = text
	}
	return msg
}

// runLoop drives the run until the model answers, hands calls to the
// client, or the turn limit is reached.
func (e *Engine) runLoop(ctx context.Context, r *run) (*outcome, error) {
	base := provider.NewRequest(r.req)
	base.Model = r.model

	for {
		if err := r.advance(api.RunStateAwaitingModel); err != nil {
			return nil, err
		}

		resp, err := e.callModel(ctx, r, base.WithConversation(r.messages, r.tools))
		if err != nil {
			return nil, err
		}
		r.usage.Add(resp.Usage)
		text := resp.Message.Text()
		r.text.WriteString(text)

		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			return &outcome{message: r.answer(nil), finishReason: finishReason(resp.FinishReason)}, nil
		}

		part := tools.PartitionCalls(toToolCalls(calls), r.req.HasTool)
		if len(part.Client) > 0 {
			// The client answers this round. Gateway-served calls of the
			// same round are dropped; the model issues them again if needed.
			debug.Log("engine", "client tool calls", "run_id", r.id, "client", len(part.Client), "dropped", len(part.Served))
			return &outcome{
				message:      r.answer(clientCalls(calls, part.Client)),
				finishReason: api.FinishReasonToolCalls,
			}, nil
		}

		if err := r.advance(api.RunStateToolCallsPending); err != nil {
			return nil, err
		}
		r.turns++
		r.messages = append(r.messages, assistantTurn(text, calls))

		if err := r.emitter.toolActivity(ctx, r.turns, activityCalls(part.Served, r.servers)); err != nil {
			return nil, err
		}

		start := time.Now()
		results := e.runner.ExecuteAll(ctx, part.Served)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.messages = append(r.messages, toolTurns(results)...)

		debug.Log("engine", "tool round",
			"run_id", r.id,
			"round", r.turns,
			"calls", len(results),
			"failed", countFailed(results),
			"duration", time.Since(start),
		)

		if r.turns >= r.maxTurns {
			notice := maxTurnsNotice(r.maxTurns, r.text.Len() > 0)
			if err := r.emitter.content(ctx, notice); err != nil {
				return nil, err
			}
			r.text.WriteString(notice)
			slog.Warn("run reached turn limit",
				"run_id", r.id,
				"model", r.model,
				"max_turns", r.maxTurns,
			)
			return &outcome{message: r.answer(nil), finishReason: api.FinishReasonMaxTurns}, nil
		}
	}
}

// callModel performs one model round. Streaming runs forward content
// deltas while the round is assembled; both paths return the same
// response shape.
func (e *Engine) callModel(ctx context.Context, r *run, req *provider.ProviderRequest) (*provider.ProviderResponse, error) {
	if r.emitter == nil {
		return e.provider.Complete(ctx, req)
	}

	events, err := e.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return consumeStream(ctx, events, r.emitter, req.Model)
}

// consumeStream reads one provider stream to its end, writing content
// deltas to em and assembling the round's assistant message.
func consumeStream(ctx context.Context, events <-chan provider.ProviderEvent, em *chunkEmitter, model string) (*provider.ProviderResponse, error) {
	resp := &provider.ProviderResponse{
		Model:   model,
		Message: api.ChatMessage{Role: api.RoleAssistant},
	}
	var text strings.Builder
	done := false

	for ev := range events {
		switch ev.Type {
		case provider.ProviderEventTextDelta:
			text.WriteString(ev.Delta)
			if err := em.content(ctx, ev.Delta); err != nil {
				return nil, err
			}
		case provider.ProviderEventToolCallDone:
			if ev.ToolCall != nil {
				resp.Message.ToolCalls = append(resp.Message.ToolCalls, *ev.ToolCall)
			}
		case provider.ProviderEventDone:
			done = true
			resp.FinishReason = ev.FinishReason
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
		case provider.ProviderEventError:
			return nil, ev.Err
		}
	}

	if !done {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errStreamIncomplete
	}
	if text.Len() > 0 {
		resp.Message.Content = text.String()
	}
	return resp, nil
}

// finishReason maps the provider's reason for a round without tool calls.
func finishReason(reason string) string {
	switch reason {
	case api.FinishReasonLength, api.FinishReasonContentFilter:
		return reason
	}
	return api.FinishReasonStop
}

// maxTurnsNotice is appended to the partial answer of a run cut short by
// the turn limit.
func maxTurnsNotice(limit int, afterText bool) string {
	notice := fmt.Sprintf("[Stopped after %d tool rounds: the turn limit was reached before a final answer.]", limit)
	if afterText {
		return "\n\n" + notice
	}
	return notice
}

func countFailed(results []tools.ToolResult) int {
	n := 0
	for _, r := range results {
		if r.IsError {
			n++
		}
	}
	return n
}
