package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/tabrelay/internal/common/logger"
)

// SetupRoutes mounts the relay API on router, which should be the /api group.
func SetupRoutes(router *gin.RouterGroup, relay Relay, port int, log *logger.Logger) {
	handler := NewHandler(relay, port, log)

	router.GET("/status", handler.GetStatus)
	router.GET("/clients", handler.ListClients)
	router.GET("/tabs", handler.ListTabs)
	router.GET("/healthz", handler.Healthz)
	router.POST("/execute-in-tab", handler.ExecuteInTab)

	legacy := router.Group("/ws-disconnect", CORS())
	{
		legacy.OPTIONS("", func(c *gin.Context) {})
		legacy.POST("", handler.WSDisconnect)
	}
}

// CORS allows browser extensions and pages on other origins to reach the API.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
