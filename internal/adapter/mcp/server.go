// Package mcp exposes Conclave's routing, reasoning and telemetry surfaces
// as a Model Context Protocol server.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/conclave/internal/domain/agent"
	cvcontext "github.com/Strob0t/conclave/internal/domain/context"
	"github.com/Strob0t/conclave/internal/domain/reasoning"
	"github.com/Strob0t/conclave/internal/domain/task"
)

// ServerConfig holds the listen address and identity of the MCP server.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string // empty disables auth
}

// TaskRouter submits and inspects routed tasks.
type TaskRouter interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(id string) (*task.Task, error)
}

// AgentLister lists registered agents.
type AgentLister interface {
	List() []agent.Agent
}

// Asker answers questions on behalf of agents.
type Asker interface {
	Ask(ctx context.Context, q reasoning.Question) (*reasoning.Answer, error)
	AskAll(ctx context.Context, q reasoning.Question) (*reasoning.BroadcastAnswer, error)
}

// ContextReader reads the shared context.
type ContextReader interface {
	Snapshot() cvcontext.SharedContext
}

// TelemetryReader reports operational telemetry. The snapshot is
// marshalled as JSON.
type TelemetryReader interface {
	MarshalJSON() ([]byte, error)
}

// ServerDeps are the services behind the tools. Nil deps make their tools
// answer with a "not configured" error.
type ServerDeps struct {
	Tasks     TaskRouter
	Agents    AgentLister
	Reasoning Asker
	Context   ContextReader
	Telemetry TelemetryReader
}

// Server is the MCP server over streamable HTTP.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	http      *http.Server
}

// NewServer creates an MCP server with all tools and resources registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler returns the HTTP handler serving the MCP endpoint.
func (s *Server) Handler() http.Handler {
	return AuthMiddleware(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer))
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen %s: %w", s.cfg.Addr, err)
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server failed", "error", err)
		}
	}()
	slog.Info("mcp server started", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the HTTP listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
