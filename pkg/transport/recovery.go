package transport

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/observability"
)

// Recovery returns middleware that turns a panic in the completion path
// into a server error. The panic value and stack are logged with the
// request ID and never sent to the client. A panic after streaming began
// reaches the adapter as an error, which ends the stream with an error
// event.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next CompletionCreator) CompletionCreator {
		return CompletionCreatorFunc(func(ctx context.Context, req *api.ChatCompletionRequest, w CompletionWriter) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				observability.PanicsRecoveredTotal.Inc()
				logger.ErrorContext(ctx, "completion handler panicked",
					"request_id", RequestIDFromContext(ctx),
					"model", req.Model,
					"stream", req.Stream,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				err = api.NewServerError("internal server error")
			}()
			return next.CreateCompletion(ctx, req, w)
		})
	}
}
