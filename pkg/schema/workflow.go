package schema

// DefinitionFile is the JSON-serializable definition record consumed by
// UpdateWorkflows and the bootstrap loader. It bundles the agent roster
// declaration with one or more workflow definitions.
type DefinitionFile struct {
	Agents    []AgentSpec                   `json:"agents,omitempty"`
	Workflows map[string]WorkflowDefinition `json:"workflows"`
}

// AgentSpec declares an external executor: how it is named and, for
// subprocess agents, how it is launched.
type AgentSpec struct {
	Name    string   `json:"name"`
	Type    string   `json:"type,omitempty"` // llm, system, human, service
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// WorkflowDefinition is the immutable-per-run workflow template.
// Mutation mid-run requires a new version via the definition store.
type WorkflowDefinition struct {
	Name         string            `json:"name,omitempty"`
	Commander    string            `json:"commander_agent_name,omitempty"`
	RoleMap      map[string]string `json:"role_map,omitempty"`
	Participants []string          `json:"participants,omitempty"`
	Steps        []StepDefinition  `json:"steps"`
	CommonPrompt string            `json:"common_prompt,omitempty"`
	Retry        *RetryPolicy      `json:"retry_policy,omitempty"`
	Log          *LogOptions       `json:"log_options,omitempty"`
}

// StepDefinition describes a single step template in a workflow.
type StepDefinition struct {
	ID       string   `json:"id"`
	Role     string   `json:"role"`
	Input    string   `json:"input_template"`
	DependOn []string `json:"depend_on,omitempty"` // step IDs that must complete first
	Outputs  []string `json:"outputs,omitempty"`   // declared output names
}

// RetryPolicy configures per-step retry behavior for a workflow.
type RetryPolicy struct {
	MaxRetries   int    `json:"max_retries"`
	FallbackRole string `json:"fallback_role,omitempty"` // consulted for a correction hint between attempts
	Backoff      string `json:"backoff,omitempty"`       // none | constant | linear | exponential (default: none)
	Delay        string `json:"delay,omitempty"`         // initial delay (e.g. "1s", "500ms")
	MaxDelay     string `json:"max_delay,omitempty"`
}

// MaxAttempts returns the attempt budget for a step under this policy.
// A nil policy or non-positive max_retries means a single attempt.
func (p *RetryPolicy) MaxAttempts() int {
	if p == nil || p.MaxRetries <= 0 {
		return 1
	}
	return p.MaxRetries
}

// LogOptions controls the terminal-state debug record.
type LogOptions struct {
	DebugLog bool   `json:"debug_log,omitempty"`
	Dir      string `json:"dir,omitempty"`
}
