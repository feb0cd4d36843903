// Package events carries completion events between the optimizer, the
// external stage engines, and the pipeline state machine. Handlers must be
// idempotent: delivery is at-least-once and the pipeline re-checks persisted
// state before acting.
package events

import "context"

// Handler processes one event payload. The payload is the JSON encoding of
// the topic's event type from the domain package.
type Handler func(ctx context.Context, payload []byte)

// Bus is a topic-based publish/subscribe channel.
type Bus interface {
	// Publish encodes the event as JSON and delivers it to all subscribers
	// of the topic.
	Publish(ctx context.Context, topic string, event interface{}) error

	// Subscribe registers a handler for a topic. Handlers registered after a
	// publish do not see earlier events.
	Subscribe(ctx context.Context, topic string, h Handler) error

	// Close stops delivery and releases resources.
	Close() error
}
