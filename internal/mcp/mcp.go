// Package mcp implements the Model Context Protocol server for kiai.
//
// The surface is read-only: agents can inspect active streams, the event
// ledger and per-user scores, but cannot start sessions or alter the ledger.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiai/internal/service/registry"
	"github.com/ashita-ai/kiai/internal/storage"
)

// Server wraps the MCP server with kiai's storage and registry.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     storage.Store
	registry  *registry.Registry
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(store storage.Store, reg *registry.Registry, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:    store,
		registry: reg,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kiai",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
