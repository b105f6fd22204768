package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"doc-ingest-pipeline/middleware"
)

// RouterConfig configures the inspection API engine
type RouterConfig struct {
	ServiceName string
	CORSOrigins []string
	Tracing     bool
	// MaxBodyBytes bounds request bodies of POST endpoints.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// NewRouter builds the gin engine with the shared middleware chain and every route.
func NewRouter(cfg RouterConfig, runs *RunHandler) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	if cfg.Tracing {
		router.Use(middleware.TracingMiddleware(cfg.ServiceName), middleware.EnrichTrace())
	}
	router.Use(middleware.RequestLogger(cfg.Logger))
	if len(cfg.CORSOrigins) > 0 {
		router.Use(middleware.CORSMiddlewareWithOrigins(cfg.CORSOrigins))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
	})

	SetupRunRoutes(router, runs, middleware.RequestSizeLimit(cfg.MaxBodyBytes))
	return router
}
