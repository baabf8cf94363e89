package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/geofence-backend-go/internal/handler"
	"github.com/jengzang/geofence-backend-go/internal/logging"
	"github.com/jengzang/geofence-backend-go/internal/middleware"
)

// Handlers groups the HTTP handlers mounted under /api/v1
type Handlers struct {
	Zones       *handler.ZoneHandler
	Monitor     *handler.MonitorHandler
	Transitions *handler.TransitionHandler
}

// Options configures cross-cutting middleware
type Options struct {
	Logger       logging.Logger
	Validator    *middleware.JWTValidator // nil rejects every /api/v1 request unless AuthDisabled
	AuthDisabled bool
	RateLimiter  *middleware.RateLimiter
	Metrics      http.Handler
}

// SetupRouter 设置路由
func SetupRouter(h Handlers, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(opts.Logger))

	// CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Geofence Backend API is running",
		})
	})
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	// API 路由组
	api := r.Group("/api/v1")
	if opts.RateLimiter != nil {
		api.Use(middleware.RateLimit(opts.RateLimiter))
	}
	if !opts.AuthDisabled {
		api.Use(middleware.Auth(opts.Validator))
	}
	{
		zones := api.Group("/zones")
		{
			zones.GET("", h.Zones.ListZones)
			zones.GET("/active", h.Zones.ActiveZones)
			zones.GET("/:id", h.Zones.GetZone)
			zones.PUT("", h.Zones.ReplaceZones)
		}

		monitor := api.Group("/monitor")
		{
			monitor.POST("/start", h.Monitor.Start)
			monitor.POST("/stop", h.Monitor.Stop)
			monitor.GET("/status", h.Monitor.Status)
		}

		positions := api.Group("/positions")
		{
			positions.POST("", h.Monitor.PushPosition)
			positions.POST("/errors", h.Monitor.ReportSourceError)
		}

		api.GET("/transitions", h.Transitions.ListTransitions)
		api.GET("/alerts/stream", h.Monitor.StreamAlerts)
	}

	return r
}
