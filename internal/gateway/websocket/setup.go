package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/logger"
	"github.com/kandev/tabrelay/internal/events/bus"
)

// AgentSet tracks live agent connections so shutdown can close them.
type AgentSet struct {
	mu      sync.Mutex
	conns   map[*AgentConn]struct{}
	drained chan struct{}
	closing bool
}

// NewAgentSet creates an empty set.
func NewAgentSet() *AgentSet {
	return &AgentSet{conns: make(map[*AgentConn]struct{})}
}

func (s *AgentSet) add(a *AgentConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[a] = struct{}{}
	return true
}

func (s *AgentSet) remove(a *AgentConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, a)
	if s.closing && len(s.conns) == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}

// Len returns the number of live agent connections.
func (s *AgentSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll refuses new agents, closes every live one with code and waits
// until their read pumps have reported the close or ctx is done.
func (s *AgentSet) CloseAll(ctx context.Context, code int, reason string) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*AgentConn, 0, len(s.conns))
	for a := range s.conns {
		conns = append(conns, a)
	}
	var drained chan struct{}
	if len(conns) > 0 {
		drained = make(chan struct{})
		s.drained = drained
	}
	s.mu.Unlock()

	for _, a := range conns {
		a.Close(code, reason)
	}
	if drained == nil {
		return nil
	}
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Gateway is the websocket side of the relay.
type Gateway struct {
	Hub     *Hub
	Agents  *AgentSet
	Handler *Handler
	sub     bus.Subscription
	logger  *logger.Logger
}

// NewGateway wires the handler, the agent set and the dashboard hub. When
// eventBus is not nil the hub is subscribed to it.
func NewGateway(relay Relay, eventBus bus.EventBus, log *logger.Logger) (*Gateway, error) {
	hub := NewHub(log)
	agents := NewAgentSet()
	g := &Gateway{
		Hub:     hub,
		Agents:  agents,
		Handler: NewHandler(relay, hub, agents, log),
		logger:  log.WithFields(zap.String("component", "ws_gateway")),
	}
	if eventBus != nil {
		sub, err := hub.Attach(eventBus)
		if err != nil {
			return nil, err
		}
		g.sub = sub
	}
	return g, nil
}

// SetupRoutes adds the websocket routes to the gin engine. The root path is
// the legacy agent endpoint.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleAgent)
	router.GET("/ws/*path", g.Handler.HandleAgent)
	router.GET("/", g.Handler.HandleRoot)
	router.GET("/api/events", g.Handler.HandleEvents)
	router.NoRoute(g.handleUnrouted)
}

// handleUnrouted accepts agent upgrades on any path starting with /ws, such
// as /wsagent, which the route tree cannot express next to /ws/*path.
func (g *Gateway) handleUnrouted(c *gin.Context) {
	if c.Request.Method == http.MethodGet &&
		strings.HasPrefix(c.Request.URL.Path, "/ws") &&
		websocket.IsWebSocketUpgrade(c.Request) {
		g.Handler.HandleAgent(c)
		return
	}
	c.String(http.StatusNotFound, "404 page not found")
}

// Shutdown closes agent connections with 1001 and detaches the hub from the
// bus. The hub itself stops with the context passed to Run.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.sub != nil {
		_ = g.sub.Unsubscribe()
	}
	n := g.Agents.Len()
	start := time.Now()
	err := g.Agents.CloseAll(ctx, websocket.CloseGoingAway, "relay shutting down")
	g.logger.Info("closed agent connections",
		zap.Int("count", n),
		zap.Duration("duration", time.Since(start)))
	return err
}
