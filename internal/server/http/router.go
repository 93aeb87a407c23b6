// Package http wires the REST, WebSocket and webhook surfaces onto a gin
// engine. Transport concerns only; all task semantics live in server/app.
package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskbridge/internal/server/app"
	"taskbridge/internal/server/ports"
)

// RouterDeps carries everything the HTTP layer depends on.
type RouterDeps struct {
	Coordinator *app.Coordinator
	Store       ports.TaskStore
	Streams     *app.StreamManager
	Webhooks    *app.WebhookService
	EnableCORS  bool
	Debug       bool
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if !deps.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	if deps.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	apiHandler := NewAPIHandler(deps.Coordinator, deps.Store)
	wsHandler := NewWSHandler(deps.Streams)
	webhookHandler := NewWebhookHandler(deps.Webhooks)
	startTime := time.Now()

	api := engine.Group("/api")
	{
		api.GET("/health", healthHandler(startTime))

		tasks := api.Group("/tasks")
		{
			tasks.POST("", apiHandler.HandleCreateTask)
			tasks.GET("", apiHandler.HandleListTasks)
			tasks.GET("/:id", apiHandler.HandleGetTask)
			tasks.POST("/:id/cancel", apiHandler.HandleCancelTask)
		}

		api.GET("/stream", wsHandler.HandleStream)
		api.POST("/webhooks/github", webhookHandler.HandleGitHub)
	}

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}

// healthHandler reports process liveness and uptime.
func healthHandler(startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
			"uptime": time.Since(startTime).String(),
		})
	}
}
