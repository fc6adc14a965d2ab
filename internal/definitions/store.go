// Package definitions manages workflow definitions: an in-memory cache
// backed by the persistence layer, payload parsing for bulk updates, and
// template generation.
package definitions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/avennor/ensemble/internal/store"
	"github.com/avennor/ensemble/internal/validation"
	"github.com/avennor/ensemble/pkg/schema"
)

// Store caches workflow definitions in memory and persists them through the
// backing store. All reads are served from the cache; writes go through to
// the store before the cache is updated. Safe for concurrent use.
type Store struct {
	backing   store.Store
	validator *validation.PayloadValidator
	logger    *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*schema.WorkflowDefinition
}

// NewStore creates a definition store over the given backing store.
func NewStore(backing store.Store, validator *validation.PayloadValidator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backing:   backing,
		validator: validator,
		logger:    logger,
		workflows: make(map[string]*schema.WorkflowDefinition),
	}
}

// Get returns a deep copy of the named workflow definition. Callers may
// mutate the returned value freely without affecting the cache.
func (s *Store) Get(name string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	def, ok := s.workflows[name]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name)
	}
	return copyDefinition(def), nil
}

// List returns the names of all cached workflow definitions.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.workflows))
	for name := range s.workflows {
		names = append(names, name)
	}
	return names
}

// Upsert validates and persists a single workflow definition, then refreshes
// the cache entry.
func (s *Store) Upsert(ctx context.Context, name string, def *schema.WorkflowDefinition) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	def.Name = name

	if err := schema.ValidateDefinition(def).ToError(); err != nil {
		return err
	}

	payload, err := json.Marshal(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := s.backing.UpsertDefinition(ctx, name, payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.workflows[name] = copyDefinition(def)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "workflow definition upserted", slog.String("workflow", name))
	return nil
}

// Reload replaces the cache with the definitions currently persisted in the
// backing store. Rows that fail to decode are skipped with a warning so one
// corrupt definition cannot take down the rest.
func (s *Store) Reload(ctx context.Context) (int, error) {
	rows, err := s.backing.ListDefinitions(ctx)
	if err != nil {
		return 0, err
	}

	fresh := make(map[string]*schema.WorkflowDefinition, len(rows))
	for name, payload := range rows {
		var def schema.WorkflowDefinition
		if err := json.Unmarshal(payload, &def); err != nil {
			s.logger.WarnContext(ctx, "skipping undecodable workflow definition",
				slog.String("workflow", name), slog.String("error", err.Error()))
			continue
		}
		def.Name = name
		fresh[name] = &def
	}

	s.mu.Lock()
	s.workflows = fresh
	s.mu.Unlock()

	return len(fresh), nil
}

// ParsePayload validates a raw DefinitionFile payload, decodes it, and
// upserts every workflow it contains. It returns the declared agent specs so
// the caller can extend the executor roster. Validation failures reject the
// whole payload; no partial upserts happen.
func (s *Store) ParsePayload(ctx context.Context, payload []byte) ([]schema.AgentSpec, []string, error) {
	if s.validator != nil {
		if err := s.validator.ValidatePayload(payload); err != nil {
			return nil, nil, err
		}
	}

	var file schema.DefinitionFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "failed to decode definition payload").WithCause(err)
	}
	if len(file.Workflows) == 0 {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "definition payload contains no workflows")
	}

	// Validate everything before persisting anything.
	for name, def := range file.Workflows {
		d := def
		d.Name = name
		if err := schema.ValidateDefinition(&d).ToError(); err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %q is invalid: %s", name, err.Error())
		}
	}

	updated := make([]string, 0, len(file.Workflows))
	for name, def := range file.Workflows {
		d := def
		if err := s.Upsert(ctx, name, &d); err != nil {
			return nil, nil, err
		}
		updated = append(updated, name)
	}

	return file.Agents, updated, nil
}

// Generate builds a skeleton workflow definition from a commander, a list of
// participants, and free-form stage descriptions (one stage per line). Each
// stage becomes a sequential step assigned round-robin across participants.
func Generate(name, commander string, participants []string, stages []string) (*schema.WorkflowDefinition, error) {
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	if commander == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "commander agent name is required")
	}
	if len(participants) == 0 {
		participants = []string{commander}
	}
	if len(stages) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "at least one stage description is required")
	}

	def := &schema.WorkflowDefinition{
		Name:         name,
		Commander:    commander,
		Participants: participants,
		Steps:        make([]schema.StepDefinition, 0, len(stages)),
	}

	prev := ""
	for i, stage := range stages {
		id := fmt.Sprintf("s%d", i+1)
		step := schema.StepDefinition{
			ID:    id,
			Role:  participants[i%len(participants)],
			Input: stage + "\n\nTask: {{user_task}}",
		}
		if prev != "" {
			step.DependOn = []string{prev}
			step.Input += fmt.Sprintf("\n\nPrevious result: {{%s.result}}", prev)
		}
		def.Steps = append(def.Steps, step)
		prev = id
	}

	return def, nil
}

// copyDefinition returns a deep copy of a workflow definition.
func copyDefinition(def *schema.WorkflowDefinition) *schema.WorkflowDefinition {
	if def == nil {
		return nil
	}
	out := *def

	if def.RoleMap != nil {
		out.RoleMap = make(map[string]string, len(def.RoleMap))
		for k, v := range def.RoleMap {
			out.RoleMap[k] = v
		}
	}
	if def.Participants != nil {
		out.Participants = append([]string(nil), def.Participants...)
	}
	out.Steps = make([]schema.StepDefinition, len(def.Steps))
	for i, step := range def.Steps {
		s := step
		if step.DependOn != nil {
			s.DependOn = append([]string(nil), step.DependOn...)
		}
		if step.Outputs != nil {
			s.Outputs = append([]string(nil), step.Outputs...)
		}
		out.Steps[i] = s
	}
	if def.Retry != nil {
		r := *def.Retry
		out.Retry = &r
	}
	if def.Log != nil {
		l := *def.Log
		out.Log = &l
	}
	return &out
}
