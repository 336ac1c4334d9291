package main

import (
	"context"
	"log/slog"

	"github.com/c360/semtree/dispatch"
	"github.com/c360/semtree/registry"
)

// builtinHandlers are the service handlers a tree file may name.
func builtinHandlers(logger *slog.Logger) registry.Handlers {
	logger = logger.With("component", "handler")
	return registry.Handlers{
		"log": func(ctx context.Context, payload any) (any, error) {
			if env, ok := payload.(dispatch.Envelope); ok {
				logger.InfoContext(ctx, "event received",
					"address", env.Address, "event_no", env.Data.EventNo, "entries", len(env.Data.Data))
				return nil, nil
			}
			logger.InfoContext(ctx, "service invoked", "payload", payload)
			return nil, nil
		},
		"echo": func(_ context.Context, payload any) (any, error) {
			return payload, nil
		},
	}
}
