package streaming

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/avennor/ensemble/internal/store"
	"github.com/avennor/ensemble/pkg/schema"
)

// Emitter publishes status events with a never-fails-the-caller contract:
// a panicking hub, a closed store, or any sink error is logged and counted
// but can never influence scheduling. The audit store is optional.
type Emitter struct {
	hub      EventHub
	auditlog store.Store
	logger   *slog.Logger
	failures atomic.Int64
}

// NewEmitter creates an Emitter. auditlog may be nil to disable the
// durable status event trail.
func NewEmitter(hub EventHub, auditlog store.Store, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{hub: hub, auditlog: auditlog, logger: logger}
}

// Emit publishes the event to the hub and appends it to the audit trail.
func (e *Emitter) Emit(ctx context.Context, ev schema.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.failures.Add(1)
			e.logger.Error("status sink panicked", slog.Any("panic", r))
		}
	}()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if e.hub != nil {
		if err := e.hub.Publish(ctx, ev); err != nil {
			e.failures.Add(1)
			e.logger.Warn("status publish failed",
				slog.String("instance_id", ev.InstanceID),
				slog.String("status", ev.Status),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.auditlog != nil {
		if err := e.auditlog.AppendStatusEvent(ctx, &ev); err != nil {
			e.failures.Add(1)
			e.logger.Warn("status event append failed",
				slog.String("instance_id", ev.InstanceID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Failures returns how many sink errors have been swallowed so far.
func (e *Emitter) Failures() int64 {
	return e.failures.Load()
}
