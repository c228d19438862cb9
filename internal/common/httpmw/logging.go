// Package httpmw holds the gin middleware of the relay's HTTP surface.
package httpmw

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/logger"
)

const requestIDHeader = "X-Request-ID"

// Gin context keys a handler sets with SetRelayFields.
const (
	keyClientID  = "relay.client_id"
	keyTabID     = "relay.tab_id"
	keyRelayReq  = "relay.request_id"
	keyErrorCode = "relay.error_code"
)

// SetRelayFields records which client, tab and execute request a call was
// routed to. Empty values are skipped.
func SetRelayFields(c *gin.Context, clientID, tabID, requestID string) {
	for k, v := range map[string]string{keyClientID: clientID, keyTabID: tabID, keyRelayReq: requestID} {
		if v != "" {
			c.Set(k, v)
		}
	}
}

// SetErrorCode records the stable error code of a failed call.
func SetErrorCode(c *gin.Context, code string) {
	c.Set(keyErrorCode, code)
}

// relayFields returns the zap fields recorded by SetRelayFields and
// SetErrorCode.
func relayFields(c *gin.Context) []zap.Field {
	var fields []zap.Field
	for key, name := range map[string]string{
		keyClientID:  "client_id",
		keyTabID:     "tab_id",
		keyRelayReq:  "relay_request_id",
		keyErrorCode: "error_code",
	} {
		if v := c.GetString(key); v != "" {
			fields = append(fields, zap.String(name, v))
		}
	}
	return fields
}

// RequestID propagates or assigns an X-Request-ID and stores it in the
// request context for logger.WithContext.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(requestIDHeader, id)
		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogger logs each API call once it completes. Websocket upgrades
// are skipped; the gateway logs agent and watcher sessions itself.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			c.Next()
			return
		}

		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		fields := append([]zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}, relayFields(c)...)

		reqLog := log.WithContext(c.Request.Context())
		switch {
		case status >= 500:
			reqLog.Error("http", fields...)
		case status == 504 || status == 404:
			// Agent timeouts and routing misses are routine for a relay.
			reqLog.Info("http", fields...)
		default:
			reqLog.Debug("http", fields...)
		}
	}
}
