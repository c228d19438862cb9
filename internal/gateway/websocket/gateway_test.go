package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/tabrelay/internal/common/logger"
	"github.com/kandev/tabrelay/internal/events"
	"github.com/kandev/tabrelay/internal/events/bus"
	"github.com/kandev/tabrelay/internal/relay/handlers"
	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/internal/relay/service"
	"github.com/kandev/tabrelay/pkg/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	svc     *service.Service
	gateway *Gateway
	server  *httptest.Server
	wsURL   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	svc := service.New(service.Config{
		Grace:            90 * time.Second,
		ExpiredClientTTL: time.Hour,
		ExpiredTabTTL:    time.Hour,
		ExecuteTimeout:   2 * time.Second,
		SnapshotFlush:    time.Second,
	}, log, service.WithEventBus(eventBus))

	gateway, err := NewGateway(svc, eventBus, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go gateway.Hub.Run(ctx)

	router := gin.New()
	handlers.SetupRoutes(router.Group("/api"), svc, 0, log)
	gateway.SetupRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	return &testEnv{
		svc:     svc,
		gateway: gateway,
		server:  server,
		wsURL:   "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL+path, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func hello(clientID string) map[string]interface{} {
	return map[string]interface{}{"type": "hello", "clientId": clientID, "version": "1.4.0", "ts": time.Now().UnixMilli()}
}

func snapshot(clientID string, tabIDs ...string) map[string]interface{} {
	tabs := make([]map[string]interface{}, 0, len(tabIDs))
	for _, id := range tabIDs {
		tabs = append(tabs, map[string]interface{}{"tabId": id, "url": "https://example.com/" + id, "title": "Tab " + id})
	}
	return map[string]interface{}{"type": "tab_snapshot", "clientId": clientID, "tabs": tabs, "ts": time.Now().UnixMilli()}
}

func (e *testEnv) waitForTabs(t *testing.T, clientID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		active := 0
		for _, tab := range e.svc.Tabs(clientID) {
			if tab.Status == models.TabActive {
				active++
			}
		}
		return active == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFirstFrameMustBeHello(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws")

	writeJSON(t, conn, map[string]interface{}{"type": "heartbeat", "clientId": "c1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Empty(t, env.svc.Clients())
	require.Eventually(t, func() bool {
		return env.svc.Status().WSCloseByCode["1008"] == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, env.svc.Status().Metrics.WSConnections)
}

func TestAgentUpgradeOnWSPrefixedPath(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/wsagent")
	writeJSON(t, conn, hello("c1"))
	require.Eventually(t, func() bool {
		c, ok := env.svc.Client("c1")
		return ok && c.Status == models.ClientOnline
	}, 2*time.Second, 5*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL+"/nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAgentLeavingBeforeHelloIsCounted(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws")
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return env.svc.Status().WSCloseByCode["1006"] == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, env.svc.Clients())
}

func TestHelloWithoutClientIDIsRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws")

	writeJSON(t, conn, map[string]interface{}{"type": "hello", "clientId": "  "})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestHandshakeSnapshotAndClose(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws")

	writeJSON(t, conn, hello("c1"))
	writeJSON(t, conn, snapshot("c1", "1", "2"))
	env.waitForTabs(t, "c1", 2)

	c, ok := env.svc.Client("c1")
	require.True(t, ok)
	assert.Equal(t, models.ClientOnline, c.Status)
	assert.Equal(t, "1.4.0", c.Meta["version"])

	// A corrupt frame is dropped without closing the session.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	writeJSON(t, conn, map[string]interface{}{"type": "tab_close", "clientId": "c1", "tabId": "2"})
	env.waitForTabs(t, "c1", 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool {
		c, _ := env.svc.Client("c1")
		return c.Status == models.ClientOfflineGrace
	}, 2*time.Second, 5*time.Millisecond)

	for _, tab := range env.svc.Tabs("c1") {
		if tab.TabID == "1" {
			assert.Equal(t, models.TabStale, tab.Status)
		}
	}
	status := env.svc.Status()
	assert.Equal(t, int64(1), status.WSCloseByCode["1000"])
	assert.Zero(t, status.Metrics.WSConnections)
}

func TestAbruptDisconnectCountsAbnormalClose(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws")
	writeJSON(t, conn, hello("c1"))
	require.Eventually(t, func() bool { return env.svc.Status().Metrics.ClientsOnline == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.UnderlyingConn().Close())

	require.Eventually(t, func() bool {
		return env.svc.Status().WSCloseByCode["1006"] == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLegacyPaths(t *testing.T) {
	env := newTestEnv(t)

	for i, path := range []string{"/", "/?type=browser", "/ws/agent"} {
		conn := env.dial(t, path)
		clientID := "legacy-" + string(rune('a'+i))
		writeJSON(t, conn, hello(clientID))
		require.Eventually(t, func() bool {
			c, ok := env.svc.Client(clientID)
			return ok && c.Status == models.ClientOnline
		}, 2*time.Second, 5*time.Millisecond, path)
	}

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL+"/nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	plain, err := http.Get(env.server.URL + "/")
	require.NoError(t, err)
	_ = plain.Body.Close()
	assert.Equal(t, http.StatusNotFound, plain.StatusCode)
}

func TestExecuteInTabOverWebsocket(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws")
	writeJSON(t, conn, hello("c1"))
	writeJSON(t, conn, snapshot("c1", "42"))
	env.waitForTabs(t, "c1", 1)

	go func() {
		for {
			var frame protocol.ExecuteInTab
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type != protocol.TypeExecuteInTab {
				continue
			}
			_ = conn.WriteJSON(map[string]interface{}{
				"type":      "execute_in_tab_result",
				"clientId":  "c1",
				"requestId": frame.RequestID,
				"ok":        true,
				"action":    frame.Action,
				"tabId":     frame.TabID,
				"data":      map[string]interface{}{"clicked": frame.Params},
				"ts":        time.Now().UnixMilli(),
			})
		}
	}()

	body, _ := json.Marshal(map[string]interface{}{
		"clientId": "c1", "tabId": "42", "action": "click",
		"params": map[string]string{"selector": "#go"}, "requestId": "ws-1",
	})
	resp, err := http.Post(env.server.URL+"/api/execute-in-tab", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out service.ExecuteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.OK)
	assert.Equal(t, "ws-1", out.RequestID)
	assert.Equal(t, protocol.TypeExecuteInTabResult, out.Result.Type)
	assert.Empty(t, out.Result.ClientID)
	assert.JSONEq(t, `{"clicked":{"selector":"#go"}}`, string(out.Result.Data))
}

func TestDashboardReceivesEvents(t *testing.T) {
	env := newTestEnv(t)
	dash := env.dial(t, "/api/events")
	require.Eventually(t, func() bool { return env.gateway.Hub.WatcherCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	agent := env.dial(t, "/ws")
	writeJSON(t, agent, hello("c1"))

	_ = dash.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var e bus.Event
		require.NoError(t, dash.ReadJSON(&e))
		if e.Type == events.ClientOnline {
			assert.Equal(t, "c1", e.ClientID)
			assert.Equal(t, events.Source, e.Source)
			return
		}
	}
}

func TestShutdownClosesAgentsGoingAway(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws")
	writeJSON(t, conn, hello("c1"))
	require.Eventually(t, func() bool { return env.gateway.Agents.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.gateway.Shutdown(ctx))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.Equal(t, int64(1), env.svc.Status().WSCloseByCode["1001"])
	c, _ := env.svc.Client("c1")
	assert.Equal(t, models.ClientOfflineGrace, c.Status)

	// New agents are refused once shutdown started.
	late := env.dial(t, "/ws")
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
