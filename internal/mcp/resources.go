package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kiai/internal/storage"
)

const (
	uriActiveStreams = "kiai://streams/active"
	uriRecentEvents  = "kiai://events/recent"
	uriUserPrefix    = "kiai://users/"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(uriActiveStreams, "Active Streams",
			mcplib.WithResourceDescription("Stream sessions that are still active"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveStreamsResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(uriRecentEvents, "Recent Events",
			mcplib.WithResourceDescription("The most recent callback events across all streams"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentEventsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(uriUserPrefix+"{id}/stats", "User Stats",
			mcplib.WithTemplateDescription("HP and exercise count for a user"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleUserStatsResource,
	)
}

func (s *Server) handleActiveStreamsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	tasks, err := s.registry.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: active streams: %w", err)
	}
	return jsonContents(request.Params.URI, tasks)
}

func (s *Server) handleRecentEventsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	events, err := s.store.ListRecentEvents(ctx, storage.DefaultEventLimit)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent events: %w", err)
	}
	return jsonContents(request.Params.URI, events)
}

func (s *Server) handleUserStatsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	userID, ok := userIDFromURI(uri)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid user stats URI: %s", uri)
	}
	stats, err := s.store.GetGameStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("mcp: user stats %s: %w", userID, err)
	}
	return jsonContents(uri, stats)
}

// userIDFromURI parses kiai://users/{id}/stats.
func userIDFromURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, uriUserPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/stats")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}
