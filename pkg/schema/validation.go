package schema

import "fmt"

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates all issues from definition validation.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// ToError converts the result to an EnsembleError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

// ValidateDefinition performs semantic checks on a workflow definition.
// Duplicate or empty step IDs are errors. A dependency referencing an
// unknown step is only a warning: the engine does not pre-validate the
// graph, and dangling references surface at runtime as a deadlock.
func ValidateDefinition(def *WorkflowDefinition) *ValidationResult {
	res := &ValidationResult{}
	if def == nil {
		res.AddError("", ErrCodeValidation, "definition is nil")
		return res
	}
	if len(def.Steps) == 0 {
		res.AddError("steps", ErrCodeValidation, "workflow has no steps")
		return res
	}

	ids := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if step.ID == "" {
			res.AddError(path, ErrCodeValidation, "step has empty id")
			continue
		}
		if ids[step.ID] {
			res.AddError(path, ErrCodeValidation, fmt.Sprintf("duplicate step id: %s", step.ID))
		}
		ids[step.ID] = true
		if step.Role == "" {
			res.AddError(path, ErrCodeValidation, fmt.Sprintf("step %s has no role", step.ID))
		}
	}

	for i, step := range def.Steps {
		for _, dep := range step.DependOn {
			if !ids[dep] {
				res.AddWarning(fmt.Sprintf("steps[%d].depend_on", i), ErrCodeValidation,
					fmt.Sprintf("step %s depends on unknown step %s", step.ID, dep))
			}
		}
	}

	return res
}
