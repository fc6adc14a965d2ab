package store

import (
	"context"

	"github.com/avennor/ensemble/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Reads never observe
// a partially-applied write: a row is visible either before or after an
// upsert, never in between.
type Store interface {
	// Definitions (raw JSON document per workflow name)
	UpsertDefinition(ctx context.Context, name string, raw []byte) error
	GetDefinition(ctx context.Context, name string) ([]byte, error)
	ListDefinitions(ctx context.Context) (map[string][]byte, error)

	// Instance snapshots (one record per instance id, full JSON mirror)
	SaveInstance(ctx context.Context, inst *schema.Instance) error
	GetInstance(ctx context.Context, id string) (*schema.Instance, error)
	ListInstances(ctx context.Context) ([]*schema.Instance, error)

	// Status event audit trail (best-effort, append-only)
	AppendStatusEvent(ctx context.Context, ev *schema.StatusEvent) error
	ListStatusEvents(ctx context.Context, instanceID string) ([]*schema.StatusEvent, error)

	// Scheduled starts
	CreateScheduledStart(ctx context.Context, job *ScheduledStart) error
	ListScheduledStarts(ctx context.Context, onlyEnabled bool) ([]*ScheduledStart, error)
	UpdateScheduledStart(ctx context.Context, id string, update ScheduledStartUpdate) error
	DeleteScheduledStart(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
