package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/conclave/internal/domain/reasoning"
	"github.com/Strob0t/conclave/internal/domain/task"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.submitTaskTool(),
		s.getTaskTool(),
		s.listAgentsTool(),
		s.askQuestionTool(),
		s.getTelemetryTool(),
	)
}

func (s *Server) submitTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("submit_task",
		mcplib.WithDescription("Route an objective to the best idle agent. Returns the task with its assigned agent."),
		mcplib.WithString("objective",
			mcplib.Required(),
			mcplib.Description("What the agent should do"),
		),
		mcplib.WithString("category", mcplib.Description("Capability category that must handle the task")),
		mcplib.WithString("target", mcplib.Description("Branch or resource the work targets")),
		mcplib.WithNumber("size_limit", mcplib.Description("Maximum artifact size in bytes")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSubmitTask}
}

func (s *Server) getTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_task",
		mcplib.WithDescription("Get a routed task and its result by ID"),
		mcplib.WithString("task_id",
			mcplib.Required(),
			mcplib.Description("The task ID to look up"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetTask}
}

func (s *Server) listAgentsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_agents",
		mcplib.WithDescription("List registered agents with their capabilities and status"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListAgents}
}

func (s *Server) askQuestionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("ask_question",
		mcplib.WithDescription("Ask one agent a question, or every relevant agent when to_agent_id is \"all\""),
		mcplib.WithString("to_agent_id",
			mcplib.Required(),
			mcplib.Description("Target agent ID or \"all\""),
		),
		mcplib.WithString("text",
			mcplib.Required(),
			mcplib.Description("The question"),
		),
		mcplib.WithString("from_agent_id", mcplib.Description("Asking agent, excluded from broadcast answers")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleAskQuestion}
}

func (s *Server) getTelemetryTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_telemetry",
		mcplib.WithDescription("Get agent, task, throughput and cost savings telemetry"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetTelemetry}
}

func (s *Server) handleSubmitTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task router not configured"), nil
	}
	args := req.GetArguments()
	sr := task.SubmitRequest{
		Objective: stringArg(args, "objective"),
		Constraints: task.Constraints{
			Category: stringArg(args, "category"),
			Target:   stringArg(args, "target"),
		},
	}
	if n, ok := args["size_limit"].(float64); ok {
		sr.Constraints.SizeLimit = int(n)
	}
	t, err := s.deps.Tasks.Submit(ctx, sr)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to submit task", err), nil
	}
	return toolResultJSON(t)
}

func (s *Server) handleGetTask(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task router not configured"), nil
	}
	taskID := stringArg(req.GetArguments(), "task_id")
	if taskID == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	t, err := s.deps.Tasks.Get(taskID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get task %s", taskID), err), nil
	}
	return toolResultJSON(t)
}

func (s *Server) handleListAgents(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Agents == nil {
		return mcplib.NewToolResultError("agent registry not configured"), nil
	}
	return toolResultJSON(s.deps.Agents.List())
}

func (s *Server) handleAskQuestion(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Reasoning == nil {
		return mcplib.NewToolResultError("reasoning engine not configured"), nil
	}
	args := req.GetArguments()
	q := reasoning.Question{
		FromAgentID: stringArg(args, "from_agent_id"),
		ToAgentID:   stringArg(args, "to_agent_id"),
		Text:        stringArg(args, "text"),
	}
	if q.IsBroadcast() {
		res, err := s.deps.Reasoning.AskAll(ctx, q)
		if err != nil {
			return mcplib.NewToolResultErrorFromErr("broadcast question failed", err), nil
		}
		return toolResultJSON(res)
	}
	ans, err := s.deps.Reasoning.Ask(ctx, q)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("question failed", err), nil
	}
	return toolResultJSON(ans)
}

func (s *Server) handleGetTelemetry(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Telemetry == nil {
		return mcplib.NewToolResultError("telemetry not configured"), nil
	}
	data, err := s.deps.Telemetry.MarshalJSON()
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal telemetry", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// toolResultJSON marshals v into a text tool result.
func toolResultJSON(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
