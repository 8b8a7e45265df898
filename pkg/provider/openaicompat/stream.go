package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/provider"
)

// errStreamTruncated reports a stream that ended without a finish reason
// and without the [DONE] sentinel.
var errStreamTruncated = errors.New("stream ended before completion")

const maxChunkSize = 1 << 20

// ToolCallBuffer tracks incremental tool call argument assembly across
// multiple SSE chunks for a single tool call index.
type ToolCallBuffer struct {
	ID   string
	Name string
	Args strings.Builder
}

// StreamSummary describes what ParseSSEStream forwarded.
type StreamSummary struct {
	// Events counts the events sent on the channel.
	Events       int
	FinishReason string
	Usage        *api.Usage
}

// chunkTranslator holds the per-stream state needed to turn chunks into
// events.
type chunkTranslator struct {
	ctx       context.Context
	ch        chan<- provider.ProviderEvent
	toolCalls map[int]*ToolCallBuffer
	summary   StreamSummary
	finished  bool
}

func (t *chunkTranslator) send(ev provider.ProviderEvent) bool {
	select {
	case t.ch <- ev:
		t.summary.Events++
		return true
	case <-t.ctx.Done():
		return false
	}
}

// ParseSSEStream reads Chat Completions SSE chunks from body, translates
// them to ProviderEvent values and sends them on ch. The channel is not
// closed by this function.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	\n
//	data: [DONE]\n
//	\n
//
// On success exactly one ProviderEventDone is sent last. Failures are
// returned rather than sent, so the caller can decide whether the stream
// may be retried (only when StreamSummary.Events is zero). Malformed chunks
// are logged and skipped.
func ParseSSEStream(ctx context.Context, body io.Reader, ch chan<- provider.ProviderEvent) (StreamSummary, error) {
	t := &chunkTranslator{
		ctx:       ctx,
		ch:        ch,
		toolCalls: make(map[int]*ToolCallBuffer),
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChunkSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return t.summary, ctx.Err()
		}

		// Empty lines, comments and other SSE fields are ignored.
		payload, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)

		if payload == "[DONE]" {
			return t.summary, t.finish()
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Warn("skipping malformed SSE chunk",
				"error", err.Error(),
				"data", Truncate(payload, 200),
			)
			continue
		}
		if chunk.Error != nil {
			return t.summary, fmt.Errorf("backend stream error: %s", chunk.Error.Message)
		}
		if !t.translate(&chunk) {
			return t.summary, ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return t.summary, ctx.Err()
		}
		return t.summary, fmt.Errorf("reading stream: %w", err)
	}
	if ctx.Err() != nil {
		return t.summary, ctx.Err()
	}

	// Some backends close the connection without [DONE] after the final
	// chunk. That is only acceptable once a finish reason was seen.
	if !t.finished {
		return t.summary, errStreamTruncated
	}
	return t.summary, t.finish()
}

// translate converts one chunk into events. It returns false if ctx ended
// while sending.
func (t *chunkTranslator) translate(chunk *ChatCompletionChunk) bool {
	if u := chunk.Usage.toAPI(); u != nil {
		t.summary.Usage = u
	}

	// Usage-only chunks (stream_options.include_usage) have no choices.
	if len(chunk.Choices) == 0 {
		return true
	}

	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Content != nil && *delta.Content != "" {
		if !t.send(provider.ProviderEvent{Type: provider.ProviderEventTextDelta, Delta: *delta.Content}) {
			return false
		}
	}

	for _, tc := range delta.ToolCalls {
		buf, exists := t.toolCalls[tc.Index]
		ev := provider.ProviderEvent{
			Type:          provider.ProviderEventToolCallDelta,
			ToolCallIndex: tc.Index,
			Delta:         tc.Function.Arguments,
		}
		if !exists {
			// The first chunk of a call carries its id and function name.
			id := tc.ID
			if id == "" {
				id = api.NewToolCallID()
			}
			buf = &ToolCallBuffer{ID: id, Name: tc.Function.Name}
			t.toolCalls[tc.Index] = buf
			ev.FunctionName = tc.Function.Name
		} else if buf.Name == "" && tc.Function.Name != "" {
			buf.Name = tc.Function.Name
			ev.FunctionName = tc.Function.Name
		}
		ev.ToolCallID = buf.ID
		buf.Args.WriteString(tc.Function.Arguments)

		if !t.send(ev) {
			return false
		}
	}

	if choice.FinishReason != nil {
		t.finished = true
		t.summary.FinishReason = *choice.FinishReason
	}
	return true
}

// finish flushes buffered tool calls and sends the terminal done event.
func (t *chunkTranslator) finish() error {
	hasToolCalls := len(t.toolCalls) > 0
	if !FlushToolCalls(t.ctx, t.toolCalls, t.send) {
		return t.ctx.Err()
	}

	t.summary.FinishReason = NormalizeFinishReason(t.summary.FinishReason, hasToolCalls)
	done := provider.ProviderEvent{
		Type:         provider.ProviderEventDone,
		FinishReason: t.summary.FinishReason,
		Usage:        t.summary.Usage,
	}
	if !t.send(done) {
		return t.ctx.Err()
	}
	return nil
}

// FlushToolCalls emits ProviderEventToolCallDone for each buffered tool
// call in index order and clears the buffer. It returns false if send
// failed.
func FlushToolCalls(ctx context.Context, toolCalls map[int]*ToolCallBuffer, send func(provider.ProviderEvent) bool) bool {
	for _, idx := range slices.Sorted(maps.Keys(toolCalls)) {
		buf := toolCalls[idx]
		args := buf.Args.String()
		if args == "" {
			args = "{}"
		}
		ok := send(provider.ProviderEvent{
			Type:          provider.ProviderEventToolCallDone,
			ToolCallIndex: idx,
			ToolCallID:    buf.ID,
			FunctionName:  buf.Name,
			Delta:         args,
			ToolCall: &api.ToolCall{
				ID:   buf.ID,
				Type: "function",
				Function: api.FunctionCall{
					Name:      buf.Name,
					Arguments: args,
				},
			},
		})
		if !ok || ctx.Err() != nil {
			return false
		}
	}
	clear(toolCalls)
	return true
}

// Truncate shortens s to at most maxLen bytes for log output.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
