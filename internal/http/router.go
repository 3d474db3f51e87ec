package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/xero-connect/internal/config"
	"github.com/smallbiznis/xero-connect/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/xero-connect/internal/http/middleware"
	"github.com/smallbiznis/xero-connect/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, connections *handler.ConnectionsHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1", middleware.Org())
	{
		v1.GET("/connections", connections.List)
		v1.POST("/connections/refresh", connections.RefreshAll)
		v1.POST("/connections/:id/refresh", connections.RefreshOne)
		v1.POST("/connections/:id/ping", connections.Ping)
	}

	return r
}
