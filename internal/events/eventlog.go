package events

import (
	"context"

	"github.com/inkstone-app/inkstone/internal/model"
)

// LogWriter returns the middleware that appends every published event to the
// durable event log. The sink is typically the batch write coordinator's
// enqueue for the domain_events table, so publishes stay fast and the write
// is durable by the next flush (and by Close's final drain on shutdown).
func LogWriter(sink func(ctx context.Context, e model.DomainEvent) error) Middleware {
	return func(ctx context.Context, e model.DomainEvent) error {
		return sink(ctx, e)
	}
}
