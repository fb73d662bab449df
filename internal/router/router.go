package router

import (
	"net/http"
	"time"

	"go-autopilot/internal/config"
	"go-autopilot/internal/handlers"
	"go-autopilot/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Setup builds the HTTP surface.
func Setup(txHandler *handlers.TransactionHandler, keyHandler *handlers.SessionKeyHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())

	engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api")
	api.Use(middleware.JWTAuth())
	{
		api.POST("/transaction/execute", txHandler.Execute)
		api.GET("/transaction/logs", txHandler.ListLogs)
		api.GET("/transaction/logs/:id", txHandler.GetLog)
		api.GET("/hyperliquid/stats", txHandler.HyperliquidStats)

		api.POST("/session-keys", keyHandler.Create)
		api.GET("/session-keys", keyHandler.List)
		api.GET("/session-keys/:id", keyHandler.Get)
		api.PUT("/session-keys/:id", keyHandler.UpdatePermissions)
		api.POST("/session-keys/:id/rotate", keyHandler.Rotate)
		api.DELETE("/session-keys/:id", keyHandler.Revoke)
	}

	internal := engine.Group("/api/internal")
	internal.Use(middleware.InternalAuth(config.AppConfig.Internal.SharedSecret))
	{
		internal.POST("/transaction/execute", txHandler.ExecuteInternal)
	}

	return engine
}

// requestLogger logs completed requests with structured fields. Health and
// metrics probes stay out of the log.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/ping" || path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("Request failed")
		} else {
			entry.Info("Request completed")
		}
	}
}
