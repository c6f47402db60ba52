package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the phone call operations to the agent as MCP tools over
// stdio. Each call action is surfaced as its own tool so the agent's model
// sees three small contracts instead of one action enum.
type MCPServer struct {
	srv    *server.MCPServer
	logger *slog.Logger
}

// NewMCPServer wires the phone call tool into an MCP stdio server.
func NewMCPServer(phone *PhoneCallTool, version string, logger *slog.Logger) *MCPServer {
	srv := server.NewMCPServer("call-me", version,
		server.WithToolCapabilities(false),
	)

	srv.AddTool(mcp.NewToolWithRawSchema(
		"start_call",
		"Call the user on the phone, speak a message, and return their spoken reply. "+
			"Returns a call_id for follow-up turns.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {"type": "string", "description": "Opening message to speak once the user answers"}
			},
			"required": ["message"]
		}`),
	), actionHandler(phone, "initiate_call", logger))

	srv.AddTool(mcp.NewToolWithRawSchema(
		"continue_call",
		"Speak a follow-up message on an active call and return the user's next spoken reply.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"call_id": {"type": "string", "description": "Call ID returned by start_call"},
				"message": {"type": "string", "description": "Message to speak"}
			},
			"required": ["call_id", "message"]
		}`),
	), actionHandler(phone, "continue_call", logger))

	srv.AddTool(mcp.NewToolWithRawSchema(
		"end_call",
		"Speak an optional farewell, hang up the call, and return its duration in seconds.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"call_id": {"type": "string", "description": "Call ID returned by start_call"},
				"message": {"type": "string", "description": "Optional farewell to speak before hanging up"}
			},
			"required": ["call_id"]
		}`),
	), actionHandler(phone, "end_call", logger))

	srv.AddTool(mcp.NewToolWithRawSchema(
		"get_call_status",
		"Inspect the state and transcript history of an active call.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"call_id": {"type": "string", "description": "Call ID returned by start_call"}
			},
			"required": ["call_id"]
		}`),
	), actionHandler(phone, "get_status", logger))

	return &MCPServer{srv: srv, logger: logger}
}

// actionHandler adapts one phone call action to the MCP tool handler shape.
func actionHandler(phone *PhoneCallTool, action string, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		args["action"] = action

		params, err := json.Marshal(args)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		result, err := phone.Execute(ctx, params)
		if err != nil {
			logger.Error("tool execute failed", "action", action, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		if result.IsError {
			return mcp.NewToolResultError(result.Content), nil
		}
		return mcp.NewToolResultText(result.Content), nil
	}
}

// Serve runs the MCP server on stdin/stdout until the stream closes. Logs go
// to stderr; stdout carries only protocol frames.
func (s *MCPServer) Serve() error {
	s.logger.Info("mcp server listening on stdio")
	return server.ServeStdio(s.srv)
}
