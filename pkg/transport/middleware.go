package transport

import (
	"log/slog"
	"slices"
)

// Middleware decorates a CompletionCreator.
type Middleware func(CompletionCreator) CompletionCreator

// Chain composes middleware so that the first one sees the request first:
// Chain(a, b)(h) is a(b(h)).
func Chain(mws ...Middleware) Middleware {
	return func(h CompletionCreator) CompletionCreator {
		for _, mw := range slices.Backward(mws) {
			h = mw(h)
		}
		return h
	}
}

// Defaults returns the middleware stack the gateway's HTTP server puts in
// front of the engine. RequestID runs first so that Recovery and Logging
// both report the ID.
func Defaults(logger *slog.Logger) []Middleware {
	return []Middleware{
		RequestID(),
		Recovery(logger),
		Logging(logger),
	}
}
