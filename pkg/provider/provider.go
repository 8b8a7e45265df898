package provider

import (
	"context"

	"github.com/rhuss/mcpbridge/pkg/api"
)

// Provider abstracts an LLM inference backend.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Provider interface {
	// Name returns the provider identifier used in logs and metrics.
	Name() string

	// Capabilities returns what this provider supports.
	Capabilities() ProviderCapabilities

	// Complete performs one non-streaming model call.
	Complete(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error)

	// Stream performs one streaming model call. The returned channel is
	// closed by the provider when the stream completes, fails, or ctx is
	// done. A successful stream ends with exactly one ProviderEventDone; a
	// failed one with exactly one ProviderEventError.
	Stream(ctx context.Context, req *ProviderRequest) (<-chan ProviderEvent, error)

	// ListModels returns the models served by the backend.
	ListModels(ctx context.Context) ([]api.Model, error)

	// Close releases provider resources (HTTP clients, connections).
	Close() error
}
