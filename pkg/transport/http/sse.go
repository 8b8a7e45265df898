package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/observability"
	"github.com/rhuss/mcpbridge/pkg/transport"
)

// writerState tracks the state of an SSE CompletionWriter.
type writerState int

const (
	writerIdle      writerState = iota // Initial state, no writes yet
	writerStreaming                    // WriteChunk has been called at least once
	writerCompleted                    // Terminal chunk sent or WriteCompletion called
)

// sseCompletionWriter implements transport.CompletionWriter for HTTP. It
// serves both streaming (SSE) and non-streaming (JSON) output.
type sseCompletionWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu       sync.Mutex
	state    writerState
	streamed bool

	// streamDone decrements the active stream gauge; set while streaming.
	streamDone func()
}

var _ transport.CompletionWriter = (*sseCompletionWriter)(nil)

func newSSECompletionWriter(w http.ResponseWriter) *sseCompletionWriter {
	return &sseCompletionWriter{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

// WriteChunk sends a single chunk as
//
//	data: {json}\n
//	\n
//
// A terminal chunk is followed by
//
//	data: [DONE]\n
//	\n
func (s *sseCompletionWriter) WriteChunk(ctx context.Context, chunk *api.ChatCompletionChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerCompleted {
		return errors.New("cannot write chunk: writer is completed")
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}
	if err := s.writeData(data); err != nil {
		return err
	}

	if chunk.IsTerminal() {
		return s.done()
	}
	return nil
}

// WriteCompletion sends a complete non-streaming JSON body.
// This is mutually exclusive with WriteChunk.
func (s *sseCompletionWriter) WriteCompletion(ctx context.Context, c *api.ChatCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerStreaming {
		return errors.New("cannot write completion: streaming has already started")
	}
	if s.state == writerCompleted {
		return errors.New("cannot write completion: writer is completed")
	}

	s.w.Header().Set("Content-Type", "application/json")
	s.state = writerCompleted

	if err := json.NewEncoder(s.w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode completion: %w", err)
	}
	return nil
}

// Flush ensures buffered data is sent to the client.
func (s *sseCompletionWriter) Flush() error {
	return s.rc.Flush()
}

// writeError ends a started stream with an error event and [DONE]. It is a
// no-op once the stream is complete.
func (s *sseCompletionWriter) writeError(apiErr *api.APIError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != writerStreaming {
		return nil
	}
	data, err := json.Marshal(api.ErrorResponse{Error: apiErr})
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}
	if err := s.writeData(data); err != nil {
		return err
	}
	return s.done()
}

// writeData writes one data line and flushes it. Must be called with mu held.
func (s *sseCompletionWriter) writeData(data []byte) error {
	if s.state == writerIdle {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.state = writerStreaming
		s.streamed = true
		s.streamDone = observability.StreamStarted()
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// done sends [DONE] and marks the writer completed. Must be called with mu held.
func (s *sseCompletionWriter) done() error {
	s.state = writerCompleted
	s.release()
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("failed to write [DONE]: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush [DONE]: %w", err)
	}
	return nil
}

// release ends the stream gauge. Must be called with mu held.
func (s *sseCompletionWriter) release() {
	if s.streamDone != nil {
		s.streamDone()
		s.streamDone = nil
	}
}

// close releases the stream gauge when the handler returns without a
// terminal chunk, for example after a client disconnect.
func (s *sseCompletionWriter) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
}

// hasStartedStreaming reports whether at least one SSE chunk was written.
func (s *sseCompletionWriter) hasStartedStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamed
}
