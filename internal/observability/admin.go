package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusSource reports process state for the admin endpoints.
type StatusSource interface {
	Ready() bool
	Status() any
}

// NewAdminRouter builds the admin HTTP surface: health, readiness, status and metrics.
func NewAdminRouter(app string, src StatusSource, logger zerolog.Logger) *gin.Engine {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(RequestMetricsMiddleware())
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	started := time.Now()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"app":    app,
			"uptime": time.Since(started).Round(time.Second).String(),
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		if !src.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Status())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
