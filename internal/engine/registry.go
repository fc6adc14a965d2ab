package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/avennor/ensemble/internal/store"
	"github.com/avennor/ensemble/pkg/schema"
)

// Registry holds every known workflow instance in memory and mirrors each
// state transition synchronously to the backing store. Persistence failures
// are logged and swallowed: the in-memory instance remains authoritative for
// the lifetime of the process.
type Registry struct {
	backing store.Store
	logger  *slog.Logger

	mu        sync.RWMutex
	instances map[string]*schema.Instance
}

// NewRegistry creates an empty instance registry.
func NewRegistry(backing store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backing:   backing,
		logger:    logger,
		instances: make(map[string]*schema.Instance),
	}
}

// Add registers a new instance and persists its initial snapshot.
func (r *Registry) Add(ctx context.Context, inst *schema.Instance) {
	r.mu.Lock()
	r.instances[inst.ID] = inst
	r.mu.Unlock()
	r.persist(ctx, inst)
}

// Get returns a deep copy of the instance, safe to hand to callers while the
// scheduler keeps mutating the original.
func (r *Registry) Get(id string) (*schema.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance %q not found", id)
	}
	return copyInstance(inst), nil
}

// List returns deep copies of all known instances.
func (r *Registry) List() []*schema.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*schema.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, copyInstance(inst))
	}
	return out
}

// Mutate applies fn to the instance under the registry lock, then persists
// the updated snapshot. Every scheduler state transition goes through here
// so readers never observe a half-applied update.
func (r *Registry) Mutate(ctx context.Context, id string, fn func(*schema.Instance)) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	// Unlock via defer so a panicking callback cannot leave the lock held.
	func() {
		defer r.mu.Unlock()
		fn(inst)
	}()
	r.persist(ctx, inst)
}

// LoadAll repopulates the registry from persisted snapshots. Called once at
// boot so status queries survive restarts. Instances left in "running" by a
// previous process are not resumed; their status stands as recorded.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	stored, err := r.backing.ListInstances(ctx)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range stored {
		if _, exists := r.instances[inst.ID]; !exists {
			r.instances[inst.ID] = inst
		}
	}
	return len(stored), nil
}

func (r *Registry) persist(ctx context.Context, inst *schema.Instance) {
	r.mu.RLock()
	snapshot := copyInstance(inst)
	r.mu.RUnlock()

	if err := r.backing.SaveInstance(ctx, snapshot); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist instance snapshot",
			slog.String("instance_id", inst.ID), slog.String("error", err.Error()))
	}
}

// copyInstance returns a deep copy of an instance. Caller must hold at least
// a read lock on the registry.
func copyInstance(inst *schema.Instance) *schema.Instance {
	out := *inst

	out.Steps = make(map[string]*schema.StepState, len(inst.Steps))
	for id, st := range inst.Steps {
		s := *st
		if st.Result != nil {
			res := *st.Result
			if st.Result.Fields != nil {
				res.Fields = make(map[string]any, len(st.Result.Fields))
				for k, v := range st.Result.Fields {
					res.Fields[k] = v
				}
			}
			s.Result = &res
		}
		out.Steps[id] = &s
	}

	if inst.Results != nil {
		out.Results = make(map[string]map[string]any, len(inst.Results))
		for id, outputs := range inst.Results {
			m := make(map[string]any, len(outputs))
			for k, v := range outputs {
				m[k] = v
			}
			out.Results[id] = m
		}
	}

	if inst.FinishedAt != nil {
		t := *inst.FinishedAt
		out.FinishedAt = &t
	}

	return &out
}
