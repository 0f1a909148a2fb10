package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/san-kum/knife-guard/server/middleware"
)

// Routes bundles what SetupRoutes mounts.
type Routes struct {
	WebSocket   *WebSocketHandler
	Streams     *StreamHandler
	Metrics     http.Handler
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	// RequestTimeout bounds REST requests. The websocket is not affected.
	RequestTimeout time.Duration
	// Ready reports whether the inference backend, if any, is reachable.
	Ready func() bool
	// StaticDir holds the browser client. Empty disables it.
	StaticDir string
}

func SetupRoutes(router *gin.Engine, r Routes) {
	router.GET("/health", middleware.HealthCheck(r.Ready))
	if r.Metrics != nil {
		router.GET("/metrics", gin.WrapH(r.Metrics))
	}

	limited := []gin.HandlerFunc{}
	if r.RateLimiter != nil {
		limited = append(limited, r.RateLimiter.RateLimit())
	}

	router.GET("/ws", append(limited, r.WebSocket.HandleWebSocket)...)

	api := router.Group("/api/v1")
	if r.RequestTimeout > 0 {
		api.Use(middleware.TimeoutHandler(r.RequestTimeout))
	}
	{
		api.GET("/health", middleware.HealthCheck(r.Ready))
		api.GET("/config", r.Streams.GetConfig)
		api.GET("/alert/sound", r.Streams.GetAlertSound)

		streams := api.Group("/streams")
		streams.Use(limited...)
		{
			streams.GET("", r.Streams.ListStreams)
			streams.POST("/:id/frames", r.Streams.ProcessFrame)
			streams.GET("/:id/status", r.Streams.GetStatus)
			streams.GET("/:id/confidence", r.Streams.GetConfidence)
			streams.GET("/:id/rate", r.Streams.GetDetectionRate)
			streams.GET("/:id/summary", r.Streams.GetSummary)
			streams.GET("/:id/captures", r.Streams.ListCaptures)
			streams.GET("/:id/captures/:file", r.Streams.GetCapture)
		}

		admin := api.Group("/admin")
		admin.Use(r.Auth.RequireAuth(), r.Auth.RequireRole("admin"))
		{
			admin.GET("/stats", r.Streams.GetStats)
			admin.DELETE("/streams/:id", r.Streams.DeleteStream)
		}
	}

	if r.StaticDir != "" {
		router.Static("/static", r.StaticDir)
		router.StaticFile("/", r.StaticDir+"/index.html")
	}
}
