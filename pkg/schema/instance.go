package schema

import "time"

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
)

// StepStatus represents the lifecycle state of a step within an instance.
type StepStatus string

const (
	StepStatusPending  StepStatus = "pending"
	StepStatusRunning  StepStatus = "running"
	StepStatusRetrying StepStatus = "retrying"
	StepStatusSuccess  StepStatus = "success"
	StepStatusFailed   StepStatus = "failed"
)

// Instance is one execution of a WorkflowDefinition. It is mutated only by
// the owning scheduler while status is "running" and becomes immutable once
// the status leaves "running". The persisted snapshot is a JSON mirror of
// this struct.
type Instance struct {
	ID         string                    `json:"id"`
	Workflow   string                    `json:"workflow"`
	Status     InstanceStatus            `json:"status"`
	Steps      map[string]*StepState     `json:"steps"`
	Results    map[string]map[string]any `json:"results,omitempty"` // step ID → named outputs
	Error      string                    `json:"error,omitempty"`
	SessionID  string                    `json:"session_id,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	FinishedAt *time.Time                `json:"finished_at,omitempty"`
}

// StepState is the per-step execution state within an instance.
// Transitions are driven only by the owning step runner invocation.
type StepState struct {
	StepID      string       `json:"step_id"`
	Role        string       `json:"role"`
	Status      StepStatus   `json:"status"`
	Attempts    int          `json:"attempts"`
	Result      *AgentResult `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Terminal reports whether the instance has left the running state.
func (i *Instance) Terminal() bool {
	return i.Status != InstanceStatusRunning
}
