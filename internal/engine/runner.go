package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/avennor/ensemble/internal/agent"
	"github.com/avennor/ensemble/internal/template"
	"github.com/avennor/ensemble/pkg/schema"
)

// stepOutcome is what one step execution hands back to the scheduler: the
// final result (nil on failure), parsed graph overrides, and the number of
// attempts consumed.
type stepOutcome struct {
	result    *schema.AgentResult
	overrides []Override
	attempts  int
	err       error
}

// stepRunner executes a single step: role resolution, template rendering,
// invocation, and the retry/fallback loop. It never touches shared scheduler
// state; all recording happens at the join point.
type stepRunner struct {
	invoker agent.Invoker
	logger  *slog.Logger
}

// run executes one step to a terminal per-attempt outcome. runCtx and
// results are read-only views: the scheduler guarantees no concurrent writer
// while a round is in flight.
func (r *stepRunner) run(
	ctx context.Context,
	def *schema.WorkflowDefinition,
	step schema.StepDefinition,
	inst *schema.Instance,
	runCtx map[string]string,
	results map[string]map[string]any,
	onRetry func(attempt int, lastErr error),
) stepOutcome {
	roster := r.invoker.Names()

	executor, err := agent.ResolveExecutor(def, step.Role, roster)
	if err != nil {
		// Non-retryable: no attempt budget is consumed resolving a role
		// that cannot exist.
		return stepOutcome{attempts: 1, err: err}
	}

	maxAttempts := def.Retry.MaxAttempts()
	hint := ""

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			if werr := WaitForBackoff(ctx, ComputeBackoff(def.Retry, attempt-2)); werr != nil {
				return stepOutcome{attempts: attempt, err: werr}
			}
		}

		rendered := template.Render(step.Input, runCtx, results)
		payload := composePayload(def, step, inst, rendered, hint)

		result, ierr := r.invoker.Invoke(ctx, executor, payload, inst.SessionID)
		if ierr == nil {
			outcome := stepOutcome{result: result, attempts: attempt}
			if raw := result.RawText(); raw != "" {
				outcome.overrides = ParseOverrides(raw, step.ID)
				if len(outcome.overrides) > 0 {
					// Override blocks are consumed here; recorded results
					// carry only the narrative text.
					outcome.result = schema.TextResult(strings.TrimSpace(StripOverrides(raw)))
				}
			}
			return outcome
		}

		lastErr = ierr
		r.logger.WarnContext(ctx, "step attempt failed",
			slog.Int("attempt", attempt), slog.Int("max_attempts", maxAttempts),
			slog.String("executor", executor), slog.String("error", ierr.Error()))

		if !IsRetryableError(ierr) {
			return stepOutcome{attempts: attempt, err: ierr}
		}
		if attempt == maxAttempts {
			break
		}

		hint = r.consultFallback(ctx, def, step, roster, rendered, ierr)
	}

	exhausted := schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"step failed after %d attempts: %s", maxAttempts, lastErr.Error()).
		WithStep(step.ID).WithCause(lastErr)
	return stepOutcome{attempts: maxAttempts, err: exhausted}
}

// consultFallback asks the configured fallback role for a correction hint
// after a failed attempt. Any failure here is swallowed: the retry proceeds
// without a hint.
func (r *stepRunner) consultFallback(
	ctx context.Context,
	def *schema.WorkflowDefinition,
	step schema.StepDefinition,
	roster []string,
	rendered string,
	attemptErr error,
) string {
	if def.Retry == nil || def.Retry.FallbackRole == "" {
		return ""
	}

	executor, err := agent.ResolveExecutor(def, def.Retry.FallbackRole, roster)
	if err != nil {
		r.logger.WarnContext(ctx, "fallback role does not resolve, retrying without hint",
			slog.String("fallback_role", def.Retry.FallbackRole))
		return ""
	}

	prompt := fmt.Sprintf(
		"Step %q (role %q) failed with error:\n%s\n\nThe task was:\n%s\n\n"+
			"Reply with concise corrective guidance for the next attempt.",
		step.ID, step.Role, attemptErr.Error(), rendered)

	advice, err := r.invoker.Invoke(ctx, executor, prompt, "")
	if err != nil {
		r.logger.WarnContext(ctx, "fallback consultation failed, retrying without hint",
			slog.String("executor", executor), slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(advice.String())
}

// composePayload assembles the full invocation prompt: shared prefix,
// rendered input, correction hint, and a trailing metadata block.
func composePayload(def *schema.WorkflowDefinition, step schema.StepDefinition, inst *schema.Instance, rendered, hint string) string {
	var b strings.Builder
	if def.CommonPrompt != "" {
		b.WriteString(def.CommonPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString(rendered)
	if hint != "" {
		b.WriteString("\n\nCorrection from previous attempt:\n")
		b.WriteString(hint)
	}
	fmt.Fprintf(&b, "\n\n---\nworkflow: %s\ninstance: %s\nstep: %s\nrole: %s\n",
		inst.Workflow, inst.ID, step.ID, step.Role)
	return b.String()
}

// extractOutputs applies the output binding rule: structured results pull
// each declared name (whole mapping when absent), text results bind every
// declared name to the text, and zero declared outputs get the implicit
// "result" name.
func extractOutputs(step schema.StepDefinition, result *schema.AgentResult) map[string]any {
	names := step.Outputs
	if len(names) == 0 {
		names = []string{"result"}
	}
	outputs := make(map[string]any, len(names))
	for _, name := range names {
		outputs[name] = result.Output(name)
	}
	return outputs
}
