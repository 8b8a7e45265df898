package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/observability"
)

func deltaChunk(text string) *api.ChatCompletionChunk {
	return &api.ChatCompletionChunk{
		ID:      "chatcmpl-test",
		Object:  api.ObjectChatCompletionChunk,
		Choices: []api.ChunkChoice{{Delta: api.ChunkDelta{Content: &text}}},
	}
}

func terminalChunk(reason string) *api.ChatCompletionChunk {
	return &api.ChatCompletionChunk{
		ID:      "chatcmpl-test",
		Object:  api.ObjectChatCompletionChunk,
		Choices: []api.ChunkChoice{{FinishReason: &reason}},
		Usage:   &api.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}
}

func TestWriteCompletionJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := newSSECompletionWriter(rec)

	c := &api.ChatCompletion{ID: "chatcmpl-abc", Object: api.ObjectChatCompletion, Model: "test-model"}
	if err := cw.WriteCompletion(context.Background(), c); err != nil {
		t.Fatalf("WriteCompletion error: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
	var got api.ChatCompletion
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got.ID != "chatcmpl-abc" {
		t.Errorf("ID = %q, want %q", got.ID, "chatcmpl-abc")
	}
}

func TestWriteChunkSSEFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := newSSECompletionWriter(rec)

	if err := cw.WriteChunk(context.Background(), deltaChunk("Hello")); err != nil {
		t.Fatalf("WriteChunk error: %v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") || !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("unexpected SSE framing: %q", body)
	}
	if strings.Contains(body, "event: ") {
		t.Errorf("chat completion chunks carry no event line: %q", body)
	}

	var got api.ChatCompletionChunk
	if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(body, "data: "))), &got); err != nil {
		t.Fatalf("failed to parse chunk JSON: %v", err)
	}
	if got.Choices[0].Delta.Content == nil || *got.Choices[0].Delta.Content != "Hello" {
		t.Errorf("delta = %+v", got.Choices[0].Delta)
	}
	if got.Choices[0].FinishReason != nil {
		t.Error("non-terminal chunk must carry a null finish_reason")
	}
}

func TestWriteChunkSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := newSSECompletionWriter(rec)
	cw.WriteChunk(context.Background(), deltaChunk("x"))

	headers := map[string]string{
		"Content-Type":  "text/event-stream",
		"Cache-Control": "no-cache",
		"Connection":    "keep-alive",
	}
	for k, want := range headers {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestTerminalChunkSendsDone(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := newSSECompletionWriter(rec)
	ctx := context.Background()

	cw.WriteChunk(ctx, deltaChunk("Hi"))
	if err := cw.WriteChunk(ctx, terminalChunk(api.FinishReasonStop)); err != nil {
		t.Fatalf("terminal chunk error: %v", err)
	}

	body := rec.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("body does not end with [DONE]:\n%s", body)
	}
	if strings.Count(body, "[DONE]") != 1 {
		t.Errorf("expected exactly one [DONE]:\n%s", body)
	}
}

func TestWriteChunkAfterTerminalReturnsError(t *testing.T) {
	cw := newSSECompletionWriter(httptest.NewRecorder())
	ctx := context.Background()

	cw.WriteChunk(ctx, terminalChunk(api.FinishReasonStop))
	if err := cw.WriteChunk(ctx, deltaChunk("late")); err == nil {
		t.Error("expected error writing after the terminal chunk")
	}
}

func TestWriteCompletionAfterChunkReturnsError(t *testing.T) {
	cw := newSSECompletionWriter(httptest.NewRecorder())
	ctx := context.Background()

	cw.WriteChunk(ctx, deltaChunk("x"))
	if err := cw.WriteCompletion(ctx, &api.ChatCompletion{}); err == nil {
		t.Error("expected error writing a completion after streaming started")
	}
}

func TestWriteChunkAfterCompletionReturnsError(t *testing.T) {
	cw := newSSECompletionWriter(httptest.NewRecorder())
	ctx := context.Background()

	cw.WriteCompletion(ctx, &api.ChatCompletion{})
	if err := cw.WriteChunk(ctx, deltaChunk("x")); err == nil {
		t.Error("expected error writing a chunk after the completion")
	}
}

func TestWriteErrorOnlyWhileStreaming(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := newSSECompletionWriter(rec)

	if err := cw.writeError(api.NewServerError("boom")); err != nil {
		t.Fatal(err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("writeError before streaming wrote %q", rec.Body.String())
	}

	cw.WriteChunk(context.Background(), deltaChunk("x"))
	cw.writeError(api.NewServerError("boom"))
	body := rec.Body.String()
	if !strings.Contains(body, `"error":{"type":"server_error"`) {
		t.Errorf("missing error event:\n%s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("error event not followed by [DONE]:\n%s", body)
	}
}

func TestStreamingGaugeTracksOpenStreams(t *testing.T) {
	before := testutil.ToFloat64(observability.StreamingConnections)

	cw := newSSECompletionWriter(httptest.NewRecorder())
	cw.WriteChunk(context.Background(), deltaChunk("x"))
	if got := testutil.ToFloat64(observability.StreamingConnections); got != before+1 {
		t.Errorf("gauge = %v while streaming, want %v", got, before+1)
	}

	cw.WriteChunk(context.Background(), terminalChunk(api.FinishReasonStop))
	cw.close()
	if got := testutil.ToFloat64(observability.StreamingConnections); got != before {
		t.Errorf("gauge = %v after the stream, want %v", got, before)
	}
}
