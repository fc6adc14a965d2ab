package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"

	"github.com/avennor/ensemble/pkg/schema"
)

// ProcInvoker reaches executors running as child processes speaking
// line-delimited JSON-RPC over stdio. Each agent is launched once and
// reused across invocations; requests are serialized per process.
type ProcInvoker struct {
	mu     sync.RWMutex
	agents map[string]*procAgent
	logger *slog.Logger
}

type procAgent struct {
	spec   schema.AgentSpec
	cmd    *exec.Cmd
	stdin  *json.Encoder
	stdout *bufio.Scanner
	cancel context.CancelFunc

	mu     sync.Mutex // serializes request/response pairs
	nextID int64
	dead   bool // set when a call was abandoned mid-read; the agent must be relaunched
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// invokeReply is the executor contract payload: success flag, a result
// that is either free text or a structured mapping, and an error message.
type invokeReply struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewProcInvoker creates an empty invoker. Agents are added with Launch.
func NewProcInvoker(logger *slog.Logger) *ProcInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcInvoker{
		agents: make(map[string]*procAgent),
		logger: logger,
	}
}

// Launch starts the agent subprocess and performs the hello handshake.
func (p *ProcInvoker) Launch(ctx context.Context, spec schema.AgentSpec) error {
	if spec.Name == "" || spec.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent spec requires name and command")
	}

	p.mu.Lock()
	if _, exists := p.agents[spec.Name]; exists {
		p.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already launched", spec.Name)
	}
	p.mu.Unlock()

	agentCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(agentCtx, spec.Command, spec.Args...)
	cmd.Env = spec.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start agent %q: %w", spec.Name, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	a := &procAgent{
		spec:   spec,
		cmd:    cmd,
		stdin:  json.NewEncoder(stdin),
		stdout: scanner,
		cancel: cancel,
	}

	if _, err := a.call(ctx, "agent.hello", map[string]any{"engine": "ensemble"}); err != nil {
		cancel()
		_ = cmd.Process.Kill()
		return fmt.Errorf("handshake with agent %q: %w", spec.Name, err)
	}

	p.mu.Lock()
	p.agents[spec.Name] = a
	p.mu.Unlock()

	p.logger.Info("agent launched", slog.String("agent", spec.Name), slog.String("command", spec.Command))
	return nil
}

// Invoke sends one agent.invoke request and interprets the reply per the
// executor contract. A non-success reply or transport failure yields an
// INVOCATION_ERROR; callers decide retryability.
func (p *ProcInvoker) Invoke(ctx context.Context, executor, prompt, sessionID string) (*schema.AgentResult, error) {
	p.mu.RLock()
	a, ok := p.agents[executor]
	p.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "executor %q is not launched", executor)
	}

	raw, err := a.call(ctx, "agent.invoke", map[string]any{
		"prompt":     prompt,
		"session_id": sessionID,
	})
	if err != nil {
		a.mu.Lock()
		dead := a.dead
		a.mu.Unlock()
		if dead {
			// Drop the torn-down agent so Launch can bring up a fresh one.
			p.mu.Lock()
			if p.agents[executor] == a {
				delete(p.agents, executor)
			}
			p.mu.Unlock()
			p.logger.Warn("agent removed from roster after abandoned call", slog.String("agent", executor))
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvocation, "invoke %s: %s", executor, err.Error()).WithCause(err)
	}

	var reply invokeReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvocation, "invoke %s: malformed reply: %s", executor, err.Error()).WithCause(err)
	}
	if !reply.Success {
		msg := reply.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvocation, "invoke %s: %s", executor, msg)
	}

	return schema.DecodeResult(reply.Result), nil
}

// Names lists launched executors in stable order.
func (p *ProcInvoker) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.agents))
	for n := range p.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Shutdown stops all agent subprocesses.
func (p *ProcInvoker) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, a := range p.agents {
		a.cancel()
		if a.cmd.Process != nil {
			_ = a.cmd.Process.Kill()
		}
		delete(p.agents, name)
	}
}

// call performs one request/response round trip. Responses are matched by
// request id; stray lines (notifications, partial output) are skipped.
func (a *procAgent) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dead {
		return nil, fmt.Errorf("agent %q was shut down after an abandoned call; relaunch it", a.spec.Name)
	}

	a.nextID++
	req := rpcRequest{JSONRPC: "2.0", ID: a.nextID, Method: method, Params: params}
	if err := a.stdin.Encode(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	type scanResult struct {
		resp *rpcResponse
		err  error
	}
	done := make(chan scanResult, 1)

	go func() {
		for a.stdout.Scan() {
			var resp rpcResponse
			if err := json.Unmarshal(a.stdout.Bytes(), &resp); err != nil {
				continue
			}
			if resp.ID != req.ID {
				continue
			}
			done <- scanResult{resp: &resp}
			return
		}
		done <- scanResult{err: fmt.Errorf("agent closed its stdout")}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Error != nil {
			return nil, fmt.Errorf("agent error %d: %s", r.resp.Error.Code, r.resp.Error.Message)
		}
		return r.resp.Result, nil
	case <-ctx.Done():
		// The reader goroutine is still parked in Scan and would race any
		// future call sharing this scanner, possibly swallowing its
		// response. Tear the agent down instead of reusing it.
		a.dead = true
		if a.cancel != nil {
			a.cancel()
		}
		if a.cmd != nil && a.cmd.Process != nil {
			_ = a.cmd.Process.Kill()
		}
		return nil, ctx.Err()
	}
}
