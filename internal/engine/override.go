package engine

import (
	"log/slog"
	"strings"

	"github.com/avennor/ensemble/pkg/schema"
)

// Override block sentinels. Blocks are embedded in free-form step output,
// so everything between the markers is parsed defensively: unknown actions
// and malformed bodies are dropped, never applied.
const (
	overrideStart = "[[ensemble:override]]"
	overrideEnd   = "[[/ensemble:override]]"
)

// OverrideAction enumerates the graph mutations a step may request.
type OverrideAction string

const (
	ActionAddStep    OverrideAction = "add_step"
	ActionSkipStep   OverrideAction = "skip_step"
	ActionChangeRole OverrideAction = "change_role"
)

// Override is a validated graph mutation request parsed from step output.
type Override struct {
	Action OverrideAction

	// Origin is the id of the step whose output carried the block.
	Origin string

	// add_step
	NewStepID string
	Role      string
	Input     string
	AfterStep string

	// skip_step / change_role
	TargetStepID string
	NewRole      string
}

// ParseOverrides extracts every well-formed override block from result text.
// Block bodies are `key: value` lines. Blocks missing required fields or
// naming an unknown action are silently discarded.
func ParseOverrides(text, origin string) []Override {
	var overrides []Override

	rest := text
	for {
		start := strings.Index(rest, overrideStart)
		if start < 0 {
			break
		}
		rest = rest[start+len(overrideStart):]
		end := strings.Index(rest, overrideEnd)
		if end < 0 {
			break // unterminated block, ignore the remainder
		}
		body := rest[:end]
		rest = rest[end+len(overrideEnd):]

		if ov, ok := parseBlock(body, origin); ok {
			overrides = append(overrides, ov)
		}
	}

	return overrides
}

// parseBlock parses one block body and validates required fields per action.
func parseBlock(body, origin string) (Override, bool) {
	fields := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	ov := Override{
		Action:       OverrideAction(fields["action"]),
		Origin:       origin,
		NewStepID:    fields["new_step_id"],
		Role:         fields["role"],
		Input:        fields["input"],
		AfterStep:    fields["after_step"],
		TargetStepID: fields["target_step_id"],
		NewRole:      fields["new_role"],
	}

	switch ov.Action {
	case ActionAddStep:
		if ov.NewStepID == "" || ov.Role == "" {
			return Override{}, false
		}
	case ActionSkipStep:
		if ov.TargetStepID == "" {
			return Override{}, false
		}
	case ActionChangeRole:
		if ov.TargetStepID == "" || ov.NewRole == "" {
			return Override{}, false
		}
	default:
		return Override{}, false
	}

	return ov, true
}

// StripOverrides removes every complete override block from result text so
// downstream consumers see only the step's actual output.
func StripOverrides(text string) string {
	var b strings.Builder
	rest := text
	for {
		start := strings.Index(rest, overrideStart)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], overrideEnd)
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		rest = rest[start+end+len(overrideEnd):]
	}
	return strings.TrimSpace(b.String())
}

// ApplyOverrides mutates the remaining step list in place and returns the
// updated slice. Only not-yet-dispatched steps are touched; completed and
// in-flight steps are out of reach because the caller applies overrides at
// the round join point.
func ApplyOverrides(remaining []schema.StepDefinition, overrides []Override, logger *slog.Logger) []schema.StepDefinition {
	if logger == nil {
		logger = slog.Default()
	}

	for _, ov := range overrides {
		switch ov.Action {
		case ActionAddStep:
			if indexOfStep(remaining, ov.NewStepID) >= 0 {
				logger.Warn("override add_step skipped: step id already pending",
					slog.String("step_id", ov.NewStepID), slog.String("origin", ov.Origin))
				continue
			}
			step := schema.StepDefinition{
				ID:    ov.NewStepID,
				Role:  ov.Role,
				Input: ov.Input,
			}
			pos := indexOfStep(remaining, ov.AfterStep)
			if pos < 0 {
				// The origin step has already left remaining, so this
				// usually resolves to an append.
				pos = indexOfStep(remaining, ov.Origin)
			}
			if pos >= 0 {
				remaining = append(remaining[:pos+1],
					append([]schema.StepDefinition{step}, remaining[pos+1:]...)...)
			} else {
				remaining = append(remaining, step)
			}
			logger.Info("override applied: step added",
				slog.String("step_id", ov.NewStepID), slog.String("role", ov.Role),
				slog.String("origin", ov.Origin))

		case ActionSkipStep:
			pos := indexOfStep(remaining, ov.TargetStepID)
			if pos < 0 {
				continue // already dispatched or unknown, no-op
			}
			remaining = append(remaining[:pos], remaining[pos+1:]...)
			logger.Info("override applied: step skipped",
				slog.String("step_id", ov.TargetStepID), slog.String("origin", ov.Origin))

		case ActionChangeRole:
			pos := indexOfStep(remaining, ov.TargetStepID)
			if pos < 0 {
				continue
			}
			remaining[pos].Role = ov.NewRole
			logger.Info("override applied: role changed",
				slog.String("step_id", ov.TargetStepID), slog.String("new_role", ov.NewRole),
				slog.String("origin", ov.Origin))
		}
	}

	return remaining
}

func indexOfStep(steps []schema.StepDefinition, id string) int {
	if id == "" {
		return -1
	}
	for i, s := range steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}
