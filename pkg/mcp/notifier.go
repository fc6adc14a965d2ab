package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/avennor/ensemble/internal/streaming"
	"github.com/avennor/ensemble/pkg/schema"
)

// forwardEvents subscribes to the event hub and pushes each status event to
// the session that started the instance. Best-effort: disconnected sessions
// and send failures are logged and dropped.
func (s *EnsembleServer) forwardEvents(ctx context.Context) {
	events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		s.logger.Error("failed to subscribe to status events", slog.String("error", err.Error()))
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.notify(ev)
		}
	}
}

// notify pushes one status event to the owning session, if connected.
func (s *EnsembleServer) notify(ev schema.StatusEvent) {
	sessionID, ok := s.sessions.SessionFor(ev.InstanceID)
	if !ok {
		return // nobody is watching this instance
	}

	payload := map[string]any{
		"instance_id": ev.InstanceID,
		"workflow":    ev.Workflow,
		"status":      ev.Status,
		"timestamp":   ev.Timestamp,
	}
	if ev.StepID != "" {
		payload["step_id"] = ev.StepID
	}
	if ev.Role != "" {
		payload["role"] = ev.Role
	}
	if ev.Message != "" {
		payload["message"] = ev.Message
	}

	err := s.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		s.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		s.logger.Warn("failed to push status notification",
			slog.String("session_id", sessionID),
			slog.String("instance_id", ev.InstanceID),
			slog.String("error", err.Error()),
		)
	}
}
