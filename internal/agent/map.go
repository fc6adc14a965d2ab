package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/avennor/ensemble/pkg/schema"
)

// InvokeFunc is an in-process executor implementation.
type InvokeFunc func(ctx context.Context, prompt, sessionID string) (*schema.AgentResult, error)

// MapInvoker is an Invoker backed by in-process functions. Hosts embedding
// the engine register executors directly; tests use it to simulate agents.
type MapInvoker struct {
	mu    sync.RWMutex
	funcs map[string]InvokeFunc
}

// NewMapInvoker creates an empty MapInvoker.
func NewMapInvoker() *MapInvoker {
	return &MapInvoker{funcs: make(map[string]InvokeFunc)}
}

// Register binds an executor name to a function, replacing any previous binding.
func (m *MapInvoker) Register(name string, fn InvokeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs[name] = fn
}

func (m *MapInvoker) Invoke(ctx context.Context, executor, prompt, sessionID string) (*schema.AgentResult, error) {
	m.mu.RLock()
	fn, ok := m.funcs[executor]
	m.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "executor %q is not registered", executor)
	}
	return fn(ctx, prompt, sessionID)
}

func (m *MapInvoker) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.funcs))
	for n := range m.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
