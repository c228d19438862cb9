package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kandev/tabrelay/internal/common/errors"
	"github.com/kandev/tabrelay/internal/common/logger"
	"github.com/kandev/tabrelay/internal/relay/metrics"
	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/internal/relay/service"
	"github.com/kandev/tabrelay/pkg/protocol"
)

type mockRelay struct {
	lastTabsFilter string
	lastExecute    service.ExecuteRequest
	executeErr     error
}

func (m *mockRelay) Status() metrics.HealthSummary {
	return metrics.NewCounters().Summary(metrics.RelayMetrics{ClientsOnline: 1, TabsActive: 2, WSConnections: 1})
}

func (m *mockRelay) Clients() []models.ClientState {
	return []models.ClientState{{ClientID: "c1", Status: models.ClientOnline, ConnID: "conn-1"}}
}

func (m *mockRelay) Tabs(clientID string) []models.TabState {
	m.lastTabsFilter = clientID
	return []models.TabState{{ClientID: "c1", TabID: "7", Status: models.TabActive}}
}

func (m *mockRelay) ExecuteInTab(_ context.Context, req service.ExecuteRequest) (*service.ExecuteResponse, string, error) {
	m.lastExecute = req
	if m.executeErr != nil {
		return nil, "r-err", m.executeErr
	}
	return &service.ExecuteResponse{
		OK:        true,
		RequestID: "r-1",
		Result: &protocol.ExecuteInTabResult{
			Type: protocol.TypeExecuteInTabResult, RequestID: "r-1", OK: true,
			Data: json.RawMessage(`{"n":1}`),
		},
	}, "r-1", nil
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return res, text.Text
}

func TestRelayStatusTool(t *testing.T) {
	_, text := callTool(t, relayStatusHandler(&mockRelay{}), nil)

	var summary metrics.HealthSummary
	require.NoError(t, json.Unmarshal([]byte(text), &summary))
	assert.Equal(t, 2, summary.Metrics.TabsActive)
}

func TestListTools(t *testing.T) {
	relay := &mockRelay{}

	_, text := callTool(t, listClientsHandler(relay), nil)
	assert.Contains(t, text, `"clientId": "c1"`)

	_, text = callTool(t, listTabsHandler(relay), map[string]interface{}{"client_id": " c1 "})
	assert.Equal(t, "c1", relay.lastTabsFilter)
	assert.Contains(t, text, `"tabId": "7"`)
}

func TestExecuteInTabTool(t *testing.T) {
	relay := &mockRelay{}

	res, text := callTool(t, executeInTabHandler(relay, logger.NewNop()), map[string]interface{}{
		"client_id":  "c1",
		"tab_id":     "7",
		"action":     "extractText",
		"params":     `{"selector":"h1"}`,
		"timeout_ms": float64(1500),
	})
	assert.False(t, res.IsError)
	assert.Equal(t, int64(1500), relay.lastExecute.TimeoutMs)
	assert.JSONEq(t, `{"selector":"h1"}`, string(relay.lastExecute.Params))

	var resp service.ExecuteResponse
	require.NoError(t, json.Unmarshal([]byte(text), &resp))
	assert.True(t, resp.OK)
	assert.JSONEq(t, `{"n":1}`, string(resp.Result.Data))
}

func TestExecuteInTabToolErrors(t *testing.T) {
	handler := executeInTabHandler(&mockRelay{}, logger.NewNop())

	res, _ := callTool(t, handler, map[string]interface{}{"client_id": "c1", "tab_id": "7"})
	assert.True(t, res.IsError)

	res, text := callTool(t, handler, map[string]interface{}{"client_id": "c1", "tab_id": "7", "action": "x", "params": "{nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "valid JSON")

	relay := &mockRelay{executeErr: apperrors.TabNotFound("c1", "7")}
	res, text = callTool(t, executeInTabHandler(relay, logger.NewNop()), map[string]interface{}{"client_id": "c1", "tab_id": "7", "action": "x"})
	assert.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(text, "tab_not_found: "), text)
}

func TestServerStartStop(t *testing.T) {
	srv, cleanup, err := Provide(context.Background(), Config{Host: "127.0.0.1"}, &mockRelay{}, nil, logger.NewNop())
	require.NoError(t, err)
	assert.NotZero(t, srv.Port())
	assert.Contains(t, srv.StreamableHTTPEndpoint(), "/mcp")

	resp, err := http.Get(srv.StreamableHTTPEndpoint())
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.NotEqual(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, cleanup())
	require.NoError(t, cleanup())
}

func TestEmbeddedMount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	srv, cleanup, err := Provide(context.Background(), Config{Port: 8787, Embedded: true}, &mockRelay{}, router, logger.NewNop())
	require.NoError(t, err)
	defer func() { _ = cleanup() }()
	assert.Equal(t, "http://localhost:8787/mcp", srv.StreamableHTTPEndpoint())

	paths := map[string]bool{}
	for _, r := range router.Routes() {
		paths[r.Method+" "+r.Path] = true
	}
	assert.True(t, paths["GET /sse"])
	assert.True(t, paths["POST /message"])
	assert.True(t, paths["POST /mcp"])
}
