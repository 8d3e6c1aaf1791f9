package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	uriContext = "conclave://context"
	uriAgents  = "conclave://agents"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriContext,
			"Shared Context",
			mcplib.WithResourceDescription("Recently modified resources, active tasks and shared knowledge"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleContextResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriAgents,
			"Agent Registry",
			mcplib.WithResourceDescription("Registered agents in registration order"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgentsResource,
	)
}

func (s *Server) handleContextResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Context == nil {
		return jsonResource(req.Params.URI, map[string]string{"error": "shared context not configured"})
	}
	return jsonResource(req.Params.URI, s.deps.Context.Snapshot())
}

func (s *Server) handleAgentsResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Agents == nil {
		return jsonResource(req.Params.URI, map[string]string{"error": "agent registry not configured"})
	}
	return jsonResource(req.Params.URI, s.deps.Agents.List())
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
