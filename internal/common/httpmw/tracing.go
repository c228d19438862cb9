package httpmw

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/kandev/tabrelay/internal/tracing"
)

// OtelTracing opens a server span per API call and tags it with the relay
// routing fields. Websocket upgrades get no span since they last as long as
// the agent stays connected. A no-op unless tracing is enabled.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		if !tracing.Enabled() || websocket.IsWebSocketUpgrade(c.Request) {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+path)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(path),
			semconv.HTTPResponseStatusCodeKey.Int(status),
		)
		for key, attr := range map[string]string{
			keyClientID:  tracing.AttrClientID,
			keyTabID:     tracing.AttrTabID,
			keyRelayReq:  tracing.AttrRequestID,
			keyErrorCode: tracing.AttrErrorCode,
		} {
			if v := c.GetString(key); v != "" {
				span.SetAttributes(attribute.String(attr, v))
			}
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
