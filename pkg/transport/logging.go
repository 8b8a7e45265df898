package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/mcpbridge/pkg/api"
)

// Logging returns middleware that emits one structured log entry per
// completion request with the request ID, model, stream flag, conversation
// size and duration. HTTP status codes are recorded by the metrics
// middleware of the HTTP adapter.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next CompletionCreator) CompletionCreator {
		return CompletionCreatorFunc(func(ctx context.Context, req *api.ChatCompletionRequest, w CompletionWriter) error {
			start := time.Now()

			err := next.CreateCompletion(ctx, req, w)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("model", req.Model),
				slog.Bool("stream", req.Stream),
				slog.Int("messages", len(req.Messages)),
				slog.Int("client_tools", len(req.Tools)),
				slog.Duration("duration", time.Since(start)),
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "completion failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "completion served", attrs...)
			}

			return err
		})
	}
}
