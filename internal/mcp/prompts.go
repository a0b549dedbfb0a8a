package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("workout-summary",
			mcplib.WithPromptDescription("Summarize a user's workout progress from their score and coach messages"),
			mcplib.WithArgument("user_id",
				mcplib.ArgumentDescription("User to summarize"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleWorkoutSummaryPrompt,
	)
}

func (s *Server) handleWorkoutSummaryPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	userID := request.Params.Arguments["user_id"]
	if userID == "" {
		return nil, fmt.Errorf("user_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Workout summary for %s", userID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Summarize the workout progress of user %q.

1. CALL kiai_game_stats with user_id=%q for current HP and total reps.
2. CALL kiai_coach_messages with user_id=%q to see what was detected recently.
3. If kiai_active_streams lists a stream for this user, CALL kiai_stream_events
   on it to read the latest observations.

Report total reps, current HP out of 100, and the most recent activity.
Keep it short and encouraging.`, userID, userID, userID),
				},
			},
		},
	}, nil
}
