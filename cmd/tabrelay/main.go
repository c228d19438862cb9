// Package main is the entry point of the tab relay server. One process serves
// the browser agent websocket channel, the HTTP control API and, optionally,
// the MCP tool server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/tabrelay/internal/common/appctx"
	"github.com/kandev/tabrelay/internal/common/config"
	"github.com/kandev/tabrelay/internal/common/httpmw"
	"github.com/kandev/tabrelay/internal/common/logger"
	"github.com/kandev/tabrelay/internal/events"
	gateways "github.com/kandev/tabrelay/internal/gateway/websocket"
	"github.com/kandev/tabrelay/internal/mcpserver"
	"github.com/kandev/tabrelay/internal/relay/handlers"
	"github.com/kandev/tabrelay/internal/relay/lifecycle"
	"github.com/kandev/tabrelay/internal/relay/service"
	"github.com/kandev/tabrelay/internal/relay/snapshot"
	"github.com/kandev/tabrelay/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("tabrelay exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting tabrelay...", zap.String("version", version))
	tracing.SetVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Event bus (in-memory, or NATS if configured)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeBus() }()

	// 4. Snapshot store
	store, closeStore, err := snapshot.Provide(ctx, cfg.Relay, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	// 5. Relay service, recovered from the last snapshot
	svc := service.New(service.ConfigFrom(cfg.Relay), log,
		service.WithEventBus(eventBus),
		service.WithStore(store),
	)
	if svc.Restore(ctx) {
		log.Info("Relay state restored",
			zap.Int("clients", len(svc.Clients())),
			zap.Int("tabs", len(svc.Tabs(""))))
	}

	// 6. Websocket gateway
	gateway, err := gateways.NewGateway(svc, eventBus, log)
	if err != nil {
		return fmt.Errorf("failed to create websocket gateway: %w", err)
	}

	// 7. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestID())
	router.Use(httpmw.OtelTracing("tabrelay"))
	router.Use(httpmw.RequestLogger(log, "tabrelay"))

	handlers.SetupRoutes(router.Group("/api"), svc, cfg.Server.Port, log)
	gateway.SetupRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 8. Optional MCP server, on its own port or on the relay router
	stopMCP := func() error { return nil }
	if cfg.MCP.Enabled {
		mcpCfg := mcpserver.Config{
			Host:     cfg.Server.Host,
			Port:     cfg.MCP.Port,
			Embedded: cfg.MCP.Embedded,
			Version:  version,
		}
		if cfg.MCP.Embedded {
			mcpCfg.Port = cfg.Server.Port
		}
		mcpSrv, cleanup, err := mcpserver.Provide(ctx, mcpCfg, svc, router, log)
		if err != nil {
			return fmt.Errorf("failed to start MCP server: %w", err)
		}
		stopMCP = cleanup
		log.Info("MCP server ready", zap.String("endpoint", mcpSrv.StreamableHTTPEndpoint()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("http", "/api"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		gateway.Hub.Run(gctx)
		return nil
	})

	sweeper := lifecycle.NewSweeper(cfg.Relay.SweepInterval(), svc.Tick, nil, log)
	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	// Graceful shutdown runs once any goroutine fails or a signal arrives.
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down tabrelay...")

		shutdownCtx, cancel := appctx.Detached(gctx, nil, shutdownTimeout)
		defer cancel()

		if err := gateway.Shutdown(shutdownCtx); err != nil {
			log.Warn("agent connections did not close in time", zap.Error(err))
		}
		if err := svc.Shutdown(shutdownCtx); err != nil {
			log.Error("relay shutdown error", zap.Error(err))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := stopMCP(); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("tabrelay stopped")
	return err
}
