// Package agent is the boundary to external executors. The engine only
// depends on the Invoker contract; how an executor is actually reached
// (subprocess, network, in-process) is a collaborator concern.
package agent

import (
	"context"

	"github.com/avennor/ensemble/pkg/schema"
)

// Invoker dispatches a prompt to a named executor and returns its result.
// A non-success response must be reported as an error (INVOCATION_ERROR);
// the result is only meaningful when err is nil. Timeout discipline belongs
// to the executor side; the engine imposes no deadline of its own beyond
// the passed context.
type Invoker interface {
	Invoke(ctx context.Context, executor, prompt, sessionID string) (*schema.AgentResult, error)

	// Names lists every executor this invoker can reach, for roster
	// queries and role resolution.
	Names() []string
}
