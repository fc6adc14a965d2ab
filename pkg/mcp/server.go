// Package mcp exposes the workflow engine as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/avennor/ensemble/internal/engine"
	"github.com/avennor/ensemble/internal/store"
	"github.com/avennor/ensemble/internal/streaming"
)

// EnsembleServerDeps holds the dependencies for creating an EnsembleServer.
type EnsembleServerDeps struct {
	Engine *engine.Engine
	Hub    streaming.EventHub
	Store  store.Store // backs the ensemble.schedule tool
	Logger *slog.Logger
}

// EnsembleServer wraps an MCP server with workflow tool handlers.
type EnsembleServer struct {
	engine    *engine.Engine
	hub       streaming.EventHub
	store     store.Store
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewEnsembleServer creates a new EnsembleServer with all 8 tools registered.
func NewEnsembleServer(deps EnsembleServerDeps) *EnsembleServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &EnsembleServer{
		engine:   deps.Engine,
		hub:      deps.Hub,
		store:    deps.Store,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"ensemble",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Ensemble orchestrates multi-agent workflows. Use ensemble.start to launch a workflow, ensemble.status to inspect an instance, ensemble.workflows and ensemble.roster to discover what is available, ensemble.configure to generate a workflow from stage descriptions, ensemble.update/ensemble.reload to manage definitions, and ensemble.schedule to manage recurring starts."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Status notifications are forwarded to connected sessions
// for as long as Serve runs.
func (s *EnsembleServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		go s.forwardEvents(ctx)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *EnsembleServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *EnsembleServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
		{Tool: rosterTool(), Handler: s.handleRoster},
		{Tool: configureTool(), Handler: s.handleConfigure},
		{Tool: updateTool(), Handler: s.handleUpdate},
		{Tool: reloadTool(), Handler: s.handleReload},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("ensemble.start",
		mcp.WithDescription("Start a workflow instance; returns the instance id immediately while execution continues in the background"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the workflow to start")),
		mcp.WithString("user_task", mcp.Required(), mcp.Description("The task to perform, available to step templates as {{user_task}}")),
		mcp.WithString("session_id", mcp.Description("Optional session identifier passed through to executors")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("ensemble.status",
		mcp.WithDescription("Get the status snapshot of a workflow instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance to query")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("ensemble.workflows",
		mcp.WithDescription("List all registered workflow definitions"),
	)
}

func rosterTool() mcp.Tool {
	return mcp.NewTool("ensemble.roster",
		mcp.WithDescription("List the names of all reachable executors"),
	)
}

func configureTool() mcp.Tool {
	return mcp.NewTool("ensemble.configure",
		mcp.WithDescription("Generate and persist a workflow from free-form stage descriptions, one stage per line"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name for the new workflow")),
		mcp.WithString("commander", mcp.Required(), mcp.Description("Commander agent name")),
		mcp.WithArray("participants", mcp.Description("Participant executor names; defaults to the commander"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("stages", mcp.Required(), mcp.Description("Stage descriptions, one per line")),
	)
}

func updateTool() mcp.Tool {
	return mcp.NewTool("ensemble.update",
		mcp.WithDescription("Ingest a definition payload: {agents: [...], workflows: {name: definition}}"),
		mcp.WithObject("payload", mcp.Required(), mcp.Description("Definition payload object")),
	)
}

func reloadTool() mcp.Tool {
	return mcp.NewTool("ensemble.reload",
		mcp.WithDescription("Reload all workflow definitions from persistent storage"),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("ensemble.schedule",
		mcp.WithDescription("Manage recurring workflow starts driven by cron expressions"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "list", "delete", "enable", "disable"),
			mcp.Description("Operation to perform")),
		mcp.WithString("workflow", mcp.Description("Workflow to start on each firing (create)")),
		mcp.WithString("user_task", mcp.Description("Task handed to each run, available to templates as {{user_task}} (create)")),
		mcp.WithString("cron", mcp.Description("Standard 5-field cron expression, e.g. \"0 3 * * *\" (create)")),
		mcp.WithString("schedule_id", mcp.Description("Scheduled start id (delete/enable/disable)")),
	)
}
