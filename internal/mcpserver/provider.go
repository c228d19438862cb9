package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/tabrelay/internal/common/logger"
)

const stopTimeout = 5 * time.Second

// Provide builds the MCP server for relay. Embedded servers are mounted on
// router; standalone ones are started on their own port. The cleanup
// function is safe to call more than once.
func Provide(ctx context.Context, cfg Config, relay Relay, router gin.IRoutes, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, relay, log)
	if cfg.Embedded && router != nil {
		srv.Mount(router)
	} else if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var once sync.Once
	var stopErr error
	cleanup := func() error {
		once.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}
	return srv, cleanup, nil
}
