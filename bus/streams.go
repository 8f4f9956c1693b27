package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Stream and subject names. Dispatch is a work queue consumed by engine
// instances; events feeds the realtime fan-out and short-term consumers;
// analytics is the append-only audit and training log.
const (
	DispatchStream  = "PS_DISPATCH"
	DispatchSubject = "dispatch.workflow"

	EventsStream        = "PS_EVENTS"
	EventsSubjectPrefix = "events."

	AnalyticsStream        = "PS_ANALYTICS"
	AnalyticsSubjectPrefix = "analytics."
)

// EnsureStreams creates or updates the JetStream streams the service needs.
// Idempotent; safe to run on every startup.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      DispatchStream,
			Subjects:  []string{"dispatch.>"},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
			MaxAge:    24 * time.Hour,
		},
		{
			Name:      EventsStream,
			Subjects:  []string{"events.>"},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
			MaxAge:    24 * time.Hour,
		},
		{
			Name:      AnalyticsStream,
			Subjects:  []string{"analytics.>"},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
			// Audit and training history; pruned by message count, not age.
			MaxMsgs: 1_000_000,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
	}

	return nil
}
