// Package handlers exposes the relay over HTTP.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/errors"
	"github.com/kandev/tabrelay/internal/common/httpmw"
	"github.com/kandev/tabrelay/internal/common/logger"
	"github.com/kandev/tabrelay/internal/relay/metrics"
	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/internal/relay/service"
)

// Relay is the part of *service.Service the HTTP surface needs.
type Relay interface {
	Status() metrics.HealthSummary
	Clients() []models.ClientState
	Tabs(clientID string) []models.TabState
	ExecuteInTab(ctx context.Context, req service.ExecuteRequest) (*service.ExecuteResponse, string, error)
}

// Handler contains the relay's HTTP handlers.
type Handler struct {
	relay  Relay
	port   int
	logger *logger.Logger
}

// NewHandler creates a handler. port is reported by /healthz.
func NewHandler(relay Relay, port int, log *logger.Logger) *Handler {
	return &Handler{
		relay:  relay,
		port:   port,
		logger: log.WithFields(zap.String("component", "relay-api")),
	}
}

// GetStatus returns counters and gauges
// GET /api/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.relay.Status())
}

// ListClients returns every known client
// GET /api/clients
func (h *Handler) ListClients(c *gin.Context) {
	c.JSON(http.StatusOK, ClientsResponse{Clients: h.relay.Clients()})
}

// ListTabs returns tabs, optionally for one client
// GET /api/tabs?clientId=
func (h *Handler) ListTabs(c *gin.Context) {
	clientID := strings.TrimSpace(c.Query("clientId"))
	c.JSON(http.StatusOK, TabsResponse{Tabs: h.relay.Tabs(clientID)})
}

// Healthz is a liveness probe
// GET /api/healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "port": h.port})
}

// ExecuteInTab forwards an action to an agent and waits for its result
// POST /api/execute-in-tab
func (h *Handler) ExecuteInTab(c *gin.Context) {
	var req ExecuteInTabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, "", errors.InvalidParams("invalid request body: "+err.Error()))
		return
	}

	resp, requestID, err := h.relay.ExecuteInTab(c.Request.Context(), req.toService())
	httpmw.SetRelayFields(c, req.ClientID, req.TabID, requestID)
	if err != nil {
		h.writeError(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// WSDisconnect accepts the legacy disconnect beacon and does nothing with it
// POST /api/ws-disconnect
func (h *Handler) WSDisconnect(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) writeError(c *gin.Context, requestID string, err error) {
	status := errors.GetHTTPStatus(err)
	httpmw.SetErrorCode(c, errors.Code(err))
	if status >= http.StatusInternalServerError {
		h.logger.WithContext(c.Request.Context()).Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	c.JSON(status, newErrorResponse(requestID, err))
}
