package schema

import "time"

// Status event kinds emitted on meaningful transitions.
const (
	EventInstanceStarted   = "instance_started"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"

	EventStepWaiting  = "step_waiting"
	EventStepRunning  = "step_running"
	EventStepRetrying = "step_retrying"
	EventStepSuccess  = "step_success"
	EventStepFailed   = "step_failed"

	EventGraphMutated = "graph_mutated"
)

// StatusEvent is the fire-and-forget notification payload observed by
// external sinks. Emitting one never participates in control flow.
type StatusEvent struct {
	InstanceID string    `json:"instance_id"`
	Workflow   string    `json:"workflow"`
	StepID     string    `json:"step_id,omitempty"`
	Role       string    `json:"role,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
