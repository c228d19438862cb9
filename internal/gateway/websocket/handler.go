package websocket

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/logger"
)

// Agents run as browser extensions, so any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades agent and dashboard connections.
type Handler struct {
	relay  Relay
	hub    *Hub
	agents *AgentSet
	logger *logger.Logger
}

// NewHandler creates a handler.
func NewHandler(relay Relay, hub *Hub, agents *AgentSet, log *logger.Logger) *Handler {
	return &Handler{
		relay:  relay,
		hub:    hub,
		agents: agents,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleAgent upgrades a browser agent connection and serves it until it
// closes.
func (h *Handler) HandleAgent(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade agent connection", zap.Error(err))
		return
	}

	agent := NewAgentConn(uuid.New().String(), conn, h.relay, h.logger)
	if !h.agents.add(agent) {
		agent.Close(websocket.CloseGoingAway, "relay shutting down")
		h.relay.HandleClose(agent.ID, websocket.CloseGoingAway)
		return
	}
	defer h.agents.remove(agent)

	h.logger.Debug("agent connected",
		zap.String("conn_id", agent.ID),
		zap.String("remote_addr", c.Request.RemoteAddr),
		zap.String("path", c.Request.URL.Path))

	go agent.WritePump()
	agent.ReadPump()
}

// HandleRoot serves the legacy agent path. Only upgrade requests are
// accepted.
func (h *Handler) HandleRoot(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.Status(http.StatusNotFound)
		return
	}
	h.HandleAgent(c)
}

// HandleEvents upgrades a dashboard connection to the relay event stream.
func (h *Handler) HandleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade event stream", zap.Error(err))
		return
	}

	w := &Watcher{ID: uuid.New().String(), conn: conn, hub: h.hub, send: make(chan []byte, sendBuffer)}
	if !h.hub.Register(w) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go w.WritePump()
	w.ReadPump()
}
