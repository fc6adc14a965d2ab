package streaming

import (
	"context"

	"github.com/avennor/ensemble/pkg/schema"
)

// EventFilter specifies which status events a subscriber wants to receive.
type EventFilter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	Statuses   []string `json:"statuses,omitempty"`
}

// EventHub provides pub/sub for real-time workflow status events.
type EventHub interface {
	Publish(ctx context.Context, event schema.StatusEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.StatusEvent, func(), error)
}
