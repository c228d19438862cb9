package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	apperrors "github.com/kandev/tabrelay/internal/common/errors"
	"github.com/kandev/tabrelay/internal/common/logger"
	"github.com/kandev/tabrelay/internal/relay/metrics"
	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/internal/relay/service"
)

// Relay is what the tools need from the relay service.
type Relay interface {
	Status() metrics.HealthSummary
	Clients() []models.ClientState
	Tabs(clientID string) []models.TabState
	ExecuteInTab(ctx context.Context, req service.ExecuteRequest) (*service.ExecuteResponse, string, error)
}

func registerTools(s *server.MCPServer, relay Relay, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("relay_status",
			mcp.WithDescription("Relay health: online clients, active tabs, open connections and lifecycle counters."),
		),
		relayStatusHandler(relay),
	)

	s.AddTool(
		mcp.NewTool("list_clients",
			mcp.WithDescription("List browser clients known to the relay with their status. Only online clients can run actions."),
		),
		listClientsHandler(relay),
	)

	s.AddTool(
		mcp.NewTool("list_tabs",
			mcp.WithDescription("List tabs reported by browser clients. Only active tabs can run actions."),
			mcp.WithString("client_id",
				mcp.Description("Only list tabs of this client (optional)"),
			),
		),
		listTabsHandler(relay),
	)

	s.AddTool(
		mcp.NewTool("execute_in_tab",
			mcp.WithDescription("Run an action inside a browser tab and return the agent's result."),
			mcp.WithString("client_id",
				mcp.Required(),
				mcp.Description("The client that owns the tab"),
			),
			mcp.WithString("tab_id",
				mcp.Required(),
				mcp.Description("The tab to run the action in"),
			),
			mcp.WithString("action",
				mcp.Required(),
				mcp.Description("The action name understood by the agent"),
			),
			mcp.WithString("mode",
				mcp.Description("Agent-specific execution mode (optional)"),
			),
			mcp.WithString("params",
				mcp.Description("Action parameters as a JSON object (optional)"),
			),
			mcp.WithNumber("timeout_ms",
				mcp.Description("How long to wait for the agent, in milliseconds (optional)"),
			),
		),
		executeInTabHandler(relay, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 4))
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

func relayStatusHandler(relay Relay) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(relay.Status())
	}
}

func listClientsHandler(relay Relay) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(map[string]interface{}{"clients": relay.Clients()})
	}
}

func listTabsHandler(relay Relay) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clientID := strings.TrimSpace(req.GetString("client_id", ""))
		return jsonResult(map[string]interface{}{"tabs": relay.Tabs(clientID)})
	}
}

func executeInTabHandler(relay Relay, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clientID, err := req.RequireString("client_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tabID, err := req.RequireString("tab_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		action, err := req.RequireString("action")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var params json.RawMessage
		if raw := strings.TrimSpace(req.GetString("params", "")); raw != "" {
			if !json.Valid([]byte(raw)) {
				return mcp.NewToolResultError("params must be valid JSON"), nil
			}
			params = json.RawMessage(raw)
		}

		resp, requestID, err := relay.ExecuteInTab(ctx, service.ExecuteRequest{
			ClientID:  clientID,
			TabID:     tabID,
			Action:    action,
			Mode:      req.GetString("mode", ""),
			Params:    params,
			TimeoutMs: int64(req.GetFloat("timeout_ms", 0)),
		})
		if err != nil {
			log.Debug("execute_in_tab tool failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", apperrors.Code(err), apperrors.Message(err))), nil
		}
		return jsonResult(resp)
	}
}
