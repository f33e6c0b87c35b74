// Package api is the daemon's local HTTP surface: deployment intake
// and inspection under /api/v1, liveness at /healthz, Prometheus at
// /metrics. It binds to localhost; fleet-wide control arrives over
// NATS, not here.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgeforge/deployd/internal/metrics"
)

func NewRouter(srv *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/healthz", srv.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api/v1")
	{
		api.POST("/deployments", srv.SubmitDeployment)
		api.GET("/deployments", srv.ListDeployments)
		api.GET("/deployments/:id/status", srv.DeploymentStatus)
		api.GET("/deployments/:id/watch", srv.WatchDeployment)
		api.POST("/deployments/:id/cancel", srv.CancelDeployment)
	}

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
