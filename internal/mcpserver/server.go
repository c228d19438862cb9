// Package mcpserver exposes the relay to MCP clients. Tools call the relay in
// process. The transports (SSE on /sse + /message, Streamable HTTP on /mcp)
// either share the relay's gin router or listen on a port of their own.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/logger"
)

const (
	serverName      = "tabrelay-mcp"
	ssePath         = "/sse"
	messagePath     = "/message"
	streamablePath  = "/mcp"
	defaultHostName = "localhost"
)

// Config holds the MCP server configuration. In embedded mode Port is the
// relay's HTTP port and is only used to report endpoints.
type Config struct {
	Host     string
	Port     int
	Embedded bool
	Version  string
}

// Server owns the MCP tool registry and its two transports.
type Server struct {
	cfg        Config
	mcp        *server.MCPServer
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
	logger     *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
}

// New registers the relay tools. Nothing is served until Mount or Start.
func New(cfg Config, relay Relay, log *logger.Logger) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "mcp_server")),
	}
	s.mcp = server.NewMCPServer(serverName, cfg.Version, server.WithToolCapabilities(true))
	registerTools(s.mcp, relay, s.logger)

	s.sse = server.NewSSEServer(s.mcp)
	s.streamable = server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(streamablePath))
	return s
}

// Mount serves the transports on router.
func (s *Server) Mount(router gin.IRoutes) {
	router.GET(ssePath, gin.WrapH(s.sse.SSEHandler()))
	router.POST(messagePath, gin.WrapH(s.sse.MessageHandler()))
	router.Any(streamablePath, gin.WrapH(s.streamable))
	s.logger.Info("MCP tools mounted on relay HTTP server",
		zap.String("streamable_http_endpoint", s.StreamableHTTPEndpoint()))
}

// Start binds cfg.Host:cfg.Port (0 picks a free port) and serves in a
// goroutine. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return errors.New("mcp server already running")
	}

	mux := http.NewServeMux()
	mux.Handle(ssePath, s.sse.SSEHandler())
	mux.Handle(messagePath, s.sse.MessageHandler())
	mux.Handle(streamablePath, s.streamable)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mcp listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.http = &http.Server{Handler: mux}

	s.logger.Info("MCP server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("streamable_http_endpoint", s.endpointLocked()))

	srv := s.http
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("MCP server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop ends open SSE and streamable sessions and, in standalone mode, the
// listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mcp http shutdown: %w", err))
		}
	}
	if err := s.sse.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("mcp sse shutdown: %w", err))
	}
	if err := s.streamable.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("mcp streamable shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// Port returns the port MCP clients connect to.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portLocked()
}

func (s *Server) portLocked() int {
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.cfg.Port
}

// StreamableHTTPEndpoint returns the URL to configure in MCP clients.
func (s *Server) StreamableHTTPEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpointLocked()
}

func (s *Server) endpointLocked() string {
	host := s.cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = defaultHostName
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(s.portLocked())) + streamablePath
}
