package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbocsi/obdrelay/services"
)

// Tools exposes bridge diagnostics as MCP tools.
type Tools struct {
	services *services.ServiceContainer
}

func NewTools(svc *services.ServiceContainer) *Tools {
	return &Tools{services: svc}
}

// Register adds every bridge tool to s.
func (t *Tools) Register(s *MCPServer) {
	statusTool := mcp.NewTool("bridge_status",
		mcp.WithDescription("Report the OBD adapter session and the backend relay connection"),
	)
	s.AddTool(statusTool, t.handleBridgeStatus)

	commandTool := mcp.NewTool("send_obd_command",
		mcp.WithDescription("Send a raw ELM327/OBD-II command such as 010C to the connected adapter"),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Printable ASCII command without the trailing carriage return"),
		),
	)
	s.AddTool(commandTool, t.handleSendCommand)

	relayTool := mcp.NewTool("relay_send",
		mcp.WithDescription("Send a JSON object to the telemetry backend over the relay connection"),
		mcp.WithObject("payload",
			mcp.Required(),
			mcp.Description("JSON object to send"),
		),
	)
	s.AddTool(relayTool, t.handleRelaySend)
}

func (t *Tools) handleBridgeStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resultBytes, err := json.Marshal(t.services.Status())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(resultBytes)), nil
}

func (t *Tools) handleSendCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command is required and must be a string"), nil
	}

	if err := t.services.Adapter.SendCommand(command); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send command: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Command %s sent to adapter", command)), nil
}

func (t *Tools) handleRelaySend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.GetRawArguments().(map[string]any)
	payload, ok := args["payload"].(map[string]any)
	if !ok {
		return mcp.NewToolResultError("payload is required and must be an object"), nil
	}

	if err := t.services.Relay.Send(payload); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send payload: %v", err)), nil
	}
	return mcp.NewToolResultText("Payload sent to backend"), nil
}
