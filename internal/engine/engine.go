// Package engine executes multi-participant workflows: dependency-ordered
// rounds of concurrent step dispatch, per-step retry with fallback-guided
// correction, runtime graph mutation, and instance lifecycle tracking.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avennor/ensemble/internal/agent"
	"github.com/avennor/ensemble/internal/debuglog"
	"github.com/avennor/ensemble/internal/definitions"
	"github.com/avennor/ensemble/internal/streaming"
	"github.com/avennor/ensemble/pkg/schema"
)

// AgentLauncher is implemented by invokers that can spawn new executors at
// runtime, letting UpdateWorkflows extend the roster from declared agent
// specs.
type AgentLauncher interface {
	Launch(ctx context.Context, spec schema.AgentSpec) error
}

// Engine is the explicit context object owning all mutable engine state:
// the definition cache, the instance registry, and the executor roster.
// There are no process-wide singletons; the hosting process creates one
// Engine and passes it to every caller surface.
type Engine struct {
	definitions *definitions.Store
	registry    *Registry
	invoker     agent.Invoker
	emitter     *streaming.Emitter
	debug       *debuglog.Writer
	logger      *slog.Logger
	sched       *scheduler

	wg sync.WaitGroup
}

// New wires an Engine from its collaborators.
func New(defs *definitions.Store, registry *Registry, invoker agent.Invoker,
	emitter *streaming.Emitter, debug *debuglog.Writer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		definitions: defs,
		registry:    registry,
		invoker:     invoker,
		emitter:     emitter,
		debug:       debug,
		logger:      logger,
	}
	e.sched = &scheduler{
		registry: registry,
		emitter:  emitter,
		runner:   &stepRunner{invoker: invoker, logger: logger},
		logger:   logger,
	}
	return e
}

// StartWorkflow creates a new instance of the named workflow and begins
// executing it in the background. It returns the instance id immediately;
// progress is observable via GetWorkflowStatus and status events.
func (e *Engine) StartWorkflow(ctx context.Context, name, userTask, sessionID string) (string, error) {
	def, err := e.definitions.Get(name)
	if err != nil {
		return "", err
	}
	if err := schema.ValidateDefinition(def).ToError(); err != nil {
		return "", err
	}

	inst := &schema.Instance{
		ID:        uuid.NewString(),
		Workflow:  name,
		Status:    schema.InstanceStatusRunning,
		Steps:     make(map[string]*schema.StepState, len(def.Steps)),
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
	for _, step := range def.Steps {
		inst.Steps[step.ID] = &schema.StepState{
			StepID: step.ID,
			Role:   step.Role,
			Status: schema.StepStatusPending,
		}
	}
	e.registry.Add(ctx, inst)

	e.emitter.Emit(ctx, schema.StatusEvent{
		InstanceID: inst.ID,
		Workflow:   name,
		Status:     schema.EventInstanceStarted,
		Message:    userTask,
	})
	for _, step := range def.Steps {
		e.emitter.Emit(ctx, schema.StatusEvent{
			InstanceID: inst.ID,
			Workflow:   name,
			StepID:     step.ID,
			Role:       step.Role,
			Status:     schema.EventStepWaiting,
		})
	}

	// Execution is detached from the caller's request lifetime.
	runCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sched.execute(runCtx, def, inst, userTask)
		if e.debug != nil {
			if final, err := e.registry.Get(inst.ID); err == nil {
				e.debug.WriteRecord(final, def)
			}
		}
	}()

	e.logger.InfoContext(ctx, "workflow instance started",
		slog.String("workflow", name), slog.String("instance_id", inst.ID))
	return inst.ID, nil
}

// Wait blocks until every in-flight instance reaches a terminal status.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// GetWorkflowStatus returns a snapshot of the instance, or NOT_FOUND.
func (e *Engine) GetWorkflowStatus(id string) (*schema.Instance, error) {
	return e.registry.Get(id)
}

// ListInstances returns snapshots of every known instance.
func (e *Engine) ListInstances() []*schema.Instance {
	return e.registry.List()
}

// ListWorkflows returns all registered workflow definitions, sorted by name.
func (e *Engine) ListWorkflows() []*schema.WorkflowDefinition {
	names := e.definitions.List()
	sort.Strings(names)

	defs := make([]*schema.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		if def, err := e.definitions.Get(name); err == nil {
			defs = append(defs, def)
		}
	}
	return defs
}

// HasWorkflow reports whether a workflow definition is registered.
func (e *Engine) HasWorkflow(name string) bool {
	_, err := e.definitions.Get(name)
	return err == nil
}

// ListRoster returns the names of every reachable executor.
func (e *Engine) ListRoster() []string {
	names := e.invoker.Names()
	sort.Strings(names)
	return names
}

// ConfigureWorkflow generates a skeleton workflow from free-form stage
// descriptions (one per line) and persists it.
func (e *Engine) ConfigureWorkflow(ctx context.Context, name, commander string, participants []string, stagesText string) (*schema.WorkflowDefinition, error) {
	var stages []string
	for _, line := range strings.Split(stagesText, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stages = append(stages, line)
		}
	}

	def, err := definitions.Generate(name, commander, participants, stages)
	if err != nil {
		return nil, err
	}
	if err := e.definitions.Upsert(ctx, name, def); err != nil {
		return nil, err
	}
	return def, nil
}

// UpdateWorkflows ingests a raw definition payload, upserting every workflow
// it contains. Declared agents not yet in the roster are launched when the
// invoker supports it.
func (e *Engine) UpdateWorkflows(ctx context.Context, payload []byte) ([]string, error) {
	agents, updated, err := e.definitions.ParsePayload(ctx, payload)
	if err != nil {
		return nil, err
	}

	if launcher, ok := e.invoker.(AgentLauncher); ok {
		known := make(map[string]bool)
		for _, n := range e.invoker.Names() {
			known[n] = true
		}
		for _, spec := range agents {
			if known[spec.Name] || spec.Command == "" {
				continue
			}
			if err := launcher.Launch(ctx, spec); err != nil {
				e.logger.WarnContext(ctx, "failed to launch declared agent",
					slog.String("agent", spec.Name), slog.String("error", err.Error()))
			}
		}
	}

	return updated, nil
}

// ReloadWorkflows replaces the definition cache from persistent storage and
// returns the number of definitions loaded.
func (e *Engine) ReloadWorkflows(ctx context.Context) (int, error) {
	return e.definitions.Reload(ctx)
}
