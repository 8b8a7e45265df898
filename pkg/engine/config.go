package engine

import (
	"time"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/config"
)

const defaultMaxTurns = 10

// Config holds configuration for the core engine.
type Config struct {
	// DefaultModel is used when the request omits the model field.
	// Empty string means a model is always required in the request.
	DefaultModel string

	// MaxTurns is the maximum number of tool rounds per run. Zero or
	// negative means the default of 10.
	MaxTurns int

	// RunTimeout bounds the wall-clock time of one run. Zero disables it.
	RunTimeout time.Duration

	// Validation holds the request size limits.
	Validation api.ValidationConfig
}

// ConfigFrom builds the engine configuration from the gateway config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		DefaultModel: cfg.Upstream.DefaultModel,
		MaxTurns:     cfg.Engine.MaxTurns,
		RunTimeout:   cfg.Engine.RunTimeout,
		Validation:   api.DefaultValidationConfig(),
	}
}

// maxTurns returns the effective limit for req. A request may lower the
// configured limit but never raise it.
func (c Config) maxTurns(req *api.ChatCompletionRequest) int {
	limit := c.MaxTurns
	if limit <= 0 {
		limit = defaultMaxTurns
	}
	if req.MaxTurns != nil && *req.MaxTurns > 0 && *req.MaxTurns < limit {
		limit = *req.MaxTurns
	}
	return limit
}
