package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/avennor/ensemble/internal/schedule"
	"github.com/avennor/ensemble/internal/store"
)

// handleStart launches a workflow instance.
func (s *EnsembleServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	userTask, err := req.RequireString("user_task")
	if err != nil {
		return mcp.NewToolResultError("user_task is required"), nil
	}
	sessionID := req.GetString("session_id", "")

	instanceID, startErr := s.engine.StartWorkflow(ctx, workflow, userTask, sessionID)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start workflow: %v", startErr)), nil
	}

	// Map the instance to the calling session for push notifications.
	s.captureSession(ctx, instanceID)

	return marshalResult(map[string]any{
		"instance_id": instanceID,
		"workflow":    workflow,
	})
}

// handleStatus returns the instance snapshot.
func (s *EnsembleServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	inst, statusErr := s.engine.GetWorkflowStatus(instanceID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(inst)
}

// handleWorkflows lists registered definitions.
func (s *EnsembleServer) handleWorkflows(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"workflows": s.engine.ListWorkflows(),
	})
}

// handleRoster lists reachable executors.
func (s *EnsembleServer) handleRoster(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"roster": s.engine.ListRoster(),
	})
}

// handleConfigure generates a workflow from stage descriptions.
func (s *EnsembleServer) handleConfigure(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	commander, err := req.RequireString("commander")
	if err != nil {
		return mcp.NewToolResultError("commander is required"), nil
	}
	stages, err := req.RequireString("stages")
	if err != nil {
		return mcp.NewToolResultError("stages is required"), nil
	}
	participants := req.GetStringSlice("participants", nil)

	def, cfgErr := s.engine.ConfigureWorkflow(ctx, workflow, commander, participants, stages)
	if cfgErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("configure failed: %v", cfgErr)), nil
	}

	return marshalResult(map[string]any{
		"workflow": workflow,
		"steps":    len(def.Steps),
	})
}

// handleUpdate ingests a bulk definition payload.
func (s *EnsembleServer) handleUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload := mcp.ParseStringMap(req, "payload", nil)
	if payload == nil {
		return mcp.NewToolResultError("payload is required"), nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", err)), nil
	}

	updated, updErr := s.engine.UpdateWorkflows(ctx, raw)
	if updErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update failed: %v", updErr)), nil
	}

	return marshalResult(map[string]any{
		"updated": updated,
	})
}

// handleReload refreshes the definition cache from storage.
func (s *EnsembleServer) handleReload(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := s.engine.ReloadWorkflows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reload failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"loaded": n,
	})
}

// handleSchedule manages cron-triggered recurring starts.
func (s *EnsembleServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("scheduled starts are not available: no store configured"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		workflow := req.GetString("workflow", "")
		cronExpr := req.GetString("cron", "")
		if workflow == "" || cronExpr == "" {
			return mcp.NewToolResultError("workflow and cron are required for create"), nil
		}
		if !s.engine.HasWorkflow(workflow) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown workflow: %s", workflow)), nil
		}
		next, nerr := schedule.NextRun(cronExpr, time.Now().UTC())
		if nerr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", nerr)), nil
		}
		job := &store.ScheduledStart{
			ID:             uuid.NewString(),
			Workflow:       workflow,
			UserTask:       req.GetString("user_task", ""),
			CronExpression: cronExpr,
			Enabled:        true,
			NextRunAt:      &next,
			CreatedAt:      time.Now().UTC(),
		}
		if cerr := s.store.CreateScheduledStart(ctx, job); cerr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create schedule failed: %v", cerr)), nil
		}
		return marshalResult(map[string]any{
			"id":          job.ID,
			"next_run_at": next,
		})

	case "list":
		jobs, lerr := s.store.ListScheduledStarts(ctx, false)
		if lerr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list schedules failed: %v", lerr)), nil
		}
		return marshalResult(map[string]any{"schedules": jobs})

	case "delete":
		id := req.GetString("schedule_id", "")
		if id == "" {
			return mcp.NewToolResultError("schedule_id is required for delete"), nil
		}
		if derr := s.store.DeleteScheduledStart(ctx, id); derr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete schedule failed: %v", derr)), nil
		}
		return marshalResult(map[string]any{"deleted": id})

	case "enable", "disable":
		id := req.GetString("schedule_id", "")
		if id == "" {
			return mcp.NewToolResultError(fmt.Sprintf("schedule_id is required for %s", action)), nil
		}
		enabled := action == "enable"
		if uerr := s.store.UpdateScheduledStart(ctx, id, store.ScheduledStartUpdate{Enabled: &enabled}); uerr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s schedule failed: %v", action, uerr)), nil
		}
		return marshalResult(map[string]any{"id": id, "enabled": enabled})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// captureSession maps an instance ID to the calling MCP session so status
// notifications can be pushed back to the client that started it.
func (s *EnsembleServer) captureSession(ctx context.Context, instanceID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(instanceID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
