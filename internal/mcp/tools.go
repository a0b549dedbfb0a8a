package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("kiai_active_streams",
			mcplib.WithDescription("List stream sessions that are still active, with their prompts and last callback time."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleActiveStreams,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kiai_stream_events",
			mcplib.WithDescription(`List observation events recorded for a stream, newest first.

Each event carries the provider's text, timestamp and status code, and
whether gamification has processed it. Events are kept for task IDs
the registry never saw.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("task_id",
				mcplib.Description("Provider task ID of the stream"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum events to return"),
				mcplib.Min(1),
				mcplib.Max(storage.MaxListLimit),
				mcplib.DefaultNumber(storage.DefaultEventLimit),
			),
		),
		s.handleStreamEvents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kiai_game_stats",
			mcplib.WithDescription("Get a user's HP (0-100), total detected exercise reps and last activity time."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("user_id",
				mcplib.Description("User whose score to read"),
				mcplib.Required(),
			),
		),
		s.handleGameStats,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kiai_coach_messages",
			mcplib.WithDescription("List coach messages generated for a user, newest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("user_id",
				mcplib.Description("User whose messages to list"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum messages to return"),
				mcplib.Min(1),
				mcplib.Max(storage.MaxListLimit),
				mcplib.DefaultNumber(storage.DefaultMessageLimit),
			),
		),
		s.handleCoachMessages,
	)
}

func (s *Server) handleActiveStreams(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tasks, err := s.registry.Active(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("list active streams failed: %v", err)), nil
	}
	if tasks == nil {
		tasks = []model.StreamTask{}
	}
	return jsonResult(map[string]any{"streams": tasks, "total": len(tasks)})
}

func (s *Server) handleStreamEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	taskID := request.GetString("task_id", "")
	if taskID == "" {
		return errorResult("task_id is required"), nil
	}
	limit := storage.ClampLimit(request.GetInt("limit", storage.DefaultEventLimit), storage.DefaultEventLimit)

	events, err := s.store.ListEventsByTask(ctx, taskID, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list events failed: %v", err)), nil
	}
	if events == nil {
		events = []model.StreamEvent{}
	}
	return jsonResult(map[string]any{"task_id": taskID, "events": events, "total": len(events)})
}

func (s *Server) handleGameStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID := request.GetString("user_id", "")
	if userID == "" {
		return errorResult("user_id is required"), nil
	}
	stats, err := s.store.GetGameStats(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("no stats recorded for user %q", userID)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("get stats failed: %v", err)), nil
	}
	return jsonResult(stats)
}

func (s *Server) handleCoachMessages(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID := request.GetString("user_id", "")
	if userID == "" {
		return errorResult("user_id is required"), nil
	}
	limit := storage.ClampLimit(request.GetInt("limit", storage.DefaultMessageLimit), storage.DefaultMessageLimit)

	msgs, err := s.store.ListCoachMessages(ctx, userID, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list messages failed: %v", err)), nil
	}
	if msgs == nil {
		msgs = []model.CoachMessage{}
	}
	return jsonResult(map[string]any{"user_id": userID, "messages": msgs, "total": len(msgs)})
}
