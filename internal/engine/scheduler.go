package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avennor/ensemble/internal/logging"
	"github.com/avennor/ensemble/internal/streaming"
	"github.com/avennor/ensemble/pkg/schema"
)

// scheduler drives one instance through the round loop: compute the ready
// set, fan out every ready step concurrently, join the whole round, record
// outcomes, then apply deferred graph mutations. A round is a barrier —
// remaining is never mutated while a round is in flight.
type scheduler struct {
	registry *Registry
	emitter  *streaming.Emitter
	runner   *stepRunner
	logger   *slog.Logger
}

// dispatched pairs a step with its outcome after the round joins.
type dispatched struct {
	step    schema.StepDefinition
	outcome stepOutcome
}

// execute runs the instance to a terminal status. It blocks until the
// instance completes, fails, or deadlocks; callers run it in a goroutine.
func (s *scheduler) execute(ctx context.Context, def *schema.WorkflowDefinition, inst *schema.Instance, userTask string) {
	ctx = logging.WithInstanceID(ctx, inst.ID)

	remaining := append([]schema.StepDefinition(nil), def.Steps...)
	completed := make(map[string]bool, len(def.Steps))
	results := make(map[string]map[string]any, len(def.Steps))
	runCtx := map[string]string{"user_task": userTask}

	for len(remaining) > 0 {
		ready, rest := splitReady(remaining, completed)
		if len(ready) == 0 {
			s.failInstance(ctx, inst, schema.NewErrorf(schema.ErrCodeDeadlock,
				"no ready steps while %d remain: unsatisfiable dependencies", len(remaining)))
			return
		}
		remaining = rest

		round := s.runRound(ctx, def, inst, ready, runCtx, results)

		// Join point. Record outcomes; first failure is fatal to the
		// instance, and sibling results of a failed round are discarded.
		var fatal error
		for _, d := range round {
			if d.outcome.err != nil {
				fatal = d.outcome.err
				break
			}
		}
		if fatal != nil {
			s.failInstance(ctx, inst, fatal)
			return
		}

		var pending []Override
		for _, d := range round {
			outputs := extractOutputs(d.step, d.outcome.result)
			results[d.step.ID] = outputs
			runCtx["STEP_"+d.step.ID] = d.outcome.result.String()
			completed[d.step.ID] = true
			pending = append(pending, d.outcome.overrides...)
		}

		if len(pending) > 0 {
			before := len(remaining)
			remaining = ApplyOverrides(remaining, pending, s.logger)
			s.emitter.Emit(ctx, schema.StatusEvent{
				InstanceID: inst.ID,
				Workflow:   inst.Workflow,
				Status:     schema.EventGraphMutated,
				Message:    fmt.Sprintf("remaining steps %d -> %d", before, len(remaining)),
			})
			// Steps added at runtime need state entries before dispatch.
			s.registry.Mutate(ctx, inst.ID, func(i *schema.Instance) {
				for _, step := range remaining {
					if _, ok := i.Steps[step.ID]; !ok {
						i.Steps[step.ID] = &schema.StepState{
							StepID: step.ID,
							Role:   step.Role,
							Status: schema.StepStatusPending,
						}
					}
				}
			})
		}
	}

	now := time.Now().UTC()
	s.registry.Mutate(ctx, inst.ID, func(i *schema.Instance) {
		i.Status = schema.InstanceStatusCompleted
		i.Results = results
		i.FinishedAt = &now
	})
	s.emitter.Emit(ctx, schema.StatusEvent{
		InstanceID: inst.ID,
		Workflow:   inst.Workflow,
		Status:     schema.EventInstanceCompleted,
	})
	s.logger.InfoContext(ctx, "instance completed", slog.Int("steps", len(completed)))
}

// runRound dispatches every ready step concurrently and blocks until all of
// them reach a terminal per-attempt outcome. Each step runs behind a panic
// boundary so one misbehaving executor cannot take down the process.
func (s *scheduler) runRound(
	ctx context.Context,
	def *schema.WorkflowDefinition,
	inst *schema.Instance,
	ready []schema.StepDefinition,
	runCtx map[string]string,
	results map[string]map[string]any,
) []dispatched {
	round := make([]dispatched, len(ready))

	var wg sync.WaitGroup
	for i, step := range ready {
		wg.Add(1)
		go func(i int, step schema.StepDefinition) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					round[i] = dispatched{step: step, outcome: stepOutcome{
						attempts: 1,
						err: schema.NewErrorf(schema.ErrCodeInvocation,
							"step panicked: %v", r).WithStep(step.ID),
					}}
				}
			}()
			round[i] = dispatched{step: step, outcome: s.runStep(ctx, def, inst, step, runCtx, results)}
		}(i, step)
	}
	wg.Wait()

	return round
}

// runStep wraps one stepRunner execution with state transitions and events.
func (s *scheduler) runStep(
	ctx context.Context,
	def *schema.WorkflowDefinition,
	inst *schema.Instance,
	step schema.StepDefinition,
	runCtx map[string]string,
	results map[string]map[string]any,
) stepOutcome {
	ctx = logging.WithStepID(ctx, step.ID)
	ctx = logging.WithRole(ctx, step.Role)

	started := time.Now().UTC()
	s.registry.Mutate(ctx, inst.ID, func(i *schema.Instance) {
		st := i.Steps[step.ID]
		st.Status = schema.StepStatusRunning
		st.Attempts = 1
		st.StartedAt = &started
	})
	s.emitStep(ctx, inst, step, schema.EventStepRunning, "")

	onRetry := func(attempt int, lastErr error) {
		s.registry.Mutate(ctx, inst.ID, func(i *schema.Instance) {
			st := i.Steps[step.ID]
			st.Status = schema.StepStatusRetrying
			st.Attempts = attempt
		})
		s.emitStep(ctx, inst, step, schema.EventStepRetrying,
			fmt.Sprintf("attempt %d: %s", attempt, lastErr.Error()))
	}

	outcome := s.runner.run(ctx, def, step, inst, runCtx, results, onRetry)

	finished := time.Now().UTC()
	s.registry.Mutate(ctx, inst.ID, func(i *schema.Instance) {
		st := i.Steps[step.ID]
		st.Attempts = outcome.attempts
		st.CompletedAt = &finished
		if outcome.err != nil {
			st.Status = schema.StepStatusFailed
			st.Error = outcome.err.Error()
		} else {
			st.Status = schema.StepStatusSuccess
			st.Result = outcome.result
		}
	})

	if outcome.err != nil {
		s.emitStep(ctx, inst, step, schema.EventStepFailed, outcome.err.Error())
	} else {
		s.emitStep(ctx, inst, step, schema.EventStepSuccess, "")
	}
	return outcome
}

func (s *scheduler) failInstance(ctx context.Context, inst *schema.Instance, cause error) {
	now := time.Now().UTC()
	s.registry.Mutate(ctx, inst.ID, func(i *schema.Instance) {
		i.Status = schema.InstanceStatusFailed
		i.Error = cause.Error()
		i.FinishedAt = &now
	})
	s.emitter.Emit(ctx, schema.StatusEvent{
		InstanceID: inst.ID,
		Workflow:   inst.Workflow,
		Status:     schema.EventInstanceFailed,
		Message:    cause.Error(),
	})
	s.logger.ErrorContext(ctx, "instance failed", slog.String("error", cause.Error()))
}

func (s *scheduler) emitStep(ctx context.Context, inst *schema.Instance, step schema.StepDefinition, status, message string) {
	s.emitter.Emit(ctx, schema.StatusEvent{
		InstanceID: inst.ID,
		Workflow:   inst.Workflow,
		StepID:     step.ID,
		Role:       step.Role,
		Status:     status,
		Message:    message,
	})
}

// splitReady partitions remaining into steps whose dependencies are all
// completed and the rest, preserving order.
func splitReady(remaining []schema.StepDefinition, completed map[string]bool) (ready, rest []schema.StepDefinition) {
	for _, step := range remaining {
		if depsSatisfied(step, completed) {
			ready = append(ready, step)
		} else {
			rest = append(rest, step)
		}
	}
	return ready, rest
}

func depsSatisfied(step schema.StepDefinition, completed map[string]bool) bool {
	for _, dep := range step.DependOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}
