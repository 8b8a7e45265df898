package transport

import (
	"context"

	"github.com/rhuss/mcpbridge/pkg/api"
)

// CompletionCreator handles the chat completion operation. The
// implementation receives a request and writes the result (streamed chunks
// or a complete completion) to the CompletionWriter.
type CompletionCreator interface {
	CreateCompletion(ctx context.Context, req *api.ChatCompletionRequest, w CompletionWriter) error
}

// CompletionCreatorFunc is an adapter that allows using an ordinary function
// as a CompletionCreator.
type CompletionCreatorFunc func(ctx context.Context, req *api.ChatCompletionRequest, w CompletionWriter) error

// CreateCompletion calls f(ctx, req, w).
func (f CompletionCreatorFunc) CreateCompletion(ctx context.Context, req *api.ChatCompletionRequest, w CompletionWriter) error {
	return f(ctx, req, w)
}

// CompletionWriter abstracts streaming and non-streaming output for the
// handler. The transport layer creates one per request.
//
// WriteChunk and WriteCompletion are mutually exclusive on a single writer
// instance. Calling WriteChunk after a terminal chunk (one carrying a
// finish reason) returns an error.
type CompletionWriter interface {
	// WriteChunk sends a single streaming chunk. The writer closes the
	// stream after a terminal chunk.
	WriteChunk(ctx context.Context, chunk *api.ChatCompletionChunk) error

	// WriteCompletion sends a complete non-streaming result.
	WriteCompletion(ctx context.Context, c *api.ChatCompletion) error

	// Flush ensures buffered data is sent to the client. Returns an error
	// if the client has disconnected.
	Flush() error
}

// ListOptions controls pagination, filtering, and ordering for list operations.
type ListOptions struct {
	After string // Cursor: return runs after this ID.
	Limit int    // Maximum number of runs to return (default 20, max 100).
	Model string // Filter runs by model name.
	Order string // Sort order: "asc" or "desc" (default "desc").
}

// RunList holds a paginated list of run records.
type RunList struct {
	Object  string           `json:"object"`
	Data    []*api.RunRecord `json:"data"`
	HasMore bool             `json:"has_more"`
	FirstID string           `json:"first_id"`
	LastID  string           `json:"last_id"`
}

// RunStore persists the append-only run history. Records are written once,
// when a run ends, and never updated.
type RunStore interface {
	// SaveRun persists a finished or failed run. Saving an ID twice
	// returns storage.ErrConflict.
	SaveRun(ctx context.Context, rec *api.RunRecord) error

	// GetRun retrieves a run by ID. Returns storage.ErrNotFound if the
	// run is unknown.
	GetRun(ctx context.Context, id string) (*api.RunRecord, error)

	// ListRuns returns a paginated list of stored runs.
	ListRuns(ctx context.Context, opts ListOptions) (*RunList, error)

	// HealthCheck verifies the store connection is functional.
	HealthCheck(ctx context.Context) error

	// Close releases database connections and resources.
	Close() error
}

// RunController exposes runs that are still executing.
type RunController interface {
	// RunState reports the state of an in-flight run.
	RunState(id string) (api.RunState, bool)

	// CancelRun cancels an in-flight run. It returns false when no run
	// with that ID is executing.
	CancelRun(id string) bool
}

// Catalog exposes the gateway's MCP servers and their merged tools.
type Catalog interface {
	// Tools returns the merged tool catalog.
	Tools() []api.ToolInfo

	// Servers returns the runtime state of every configured server.
	Servers() []api.ServerInfo

	// Resources lists the resources of one server.
	Resources(ctx context.Context, server string) ([]api.ResourceInfo, error)

	// Prompts lists the prompt templates of one server.
	Prompts(ctx context.Context, server string) ([]api.PromptInfo, error)

	// Ready reports whether every enabled server finished its first
	// connection attempt.
	Ready() bool
}

// ModelLister returns the models served upstream.
type ModelLister interface {
	ListModels(ctx context.Context) ([]api.Model, error)
}
