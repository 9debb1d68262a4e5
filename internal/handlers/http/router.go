package http

import (
	"net/http"

	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/middleware"
	"airwave/internal/infrastructure/monitoring"
	"airwave/pkg/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Services is everything the HTTP API calls into.
type Services struct {
	Auth        ports.AuthService
	Directory   ports.DirectoryService
	Assignments ports.AssignmentService
	Gateway     ports.SessionGateway
	Feed        ports.ChangeFeed
	Minter      ports.CredentialMinter
}

type RouterOptions struct {
	Config  *config.Config
	Logger  *zap.SugaredLogger
	Health  *monitoring.HealthChecker
	Metrics *monitoring.PrometheusCollector
	// MetricsHandler is mounted at the configured metrics path when set.
	MetricsHandler http.Handler
}

func NewRouter(svc Services, opts RouterOptions) *gin.Engine {
	cfg := opts.Config
	router := gin.New()

	router.Use(middleware.TracingMiddleware(), middleware.RequestLoggingMiddleware(opts.Logger))
	if opts.Metrics != nil {
		router.Use(opts.Metrics.HTTPMetrics())
	}
	router.Use(
		middleware.ErrorHandlerMiddleware(opts.Logger),
		middleware.RecoveryMiddleware(opts.Logger),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	if opts.Health != nil {
		router.GET("/health", opts.Health.LivenessHandler)
		router.GET("/ready", opts.Health.ReadinessHandler)
	}
	if opts.MetricsHandler != nil && cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(opts.MetricsHandler))
	}

	public := router.Group("/api/v1")
	NewAuthHandler(svc.Auth).SetupRoutes(public)

	api := router.Group("/api/v1", middleware.AuthMiddleware(svc.Auth))
	NewStreamHandler(svc.Directory, svc.Assignments, svc.Gateway).SetupRoutes(api)
	NewSubscriberHandler(svc.Directory, svc.Assignments).SetupRoutes(api)
	NewSessionHandler(svc.Gateway).SetupRoutes(api)
	NewMaintenanceHandler(svc.Assignments, svc.Minter, cfg.Media.TokenTTL).SetupRoutes(api)
	NewFeedHandler(svc.Feed, svc.Directory, FeedConfig{
		PingInterval:   cfg.Feed.PingInterval,
		WriteTimeout:   cfg.Feed.WriteTimeout,
		SendQueueSize:  cfg.Feed.SendQueueSize,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}, opts.Logger).SetupRoutes(api)

	return router
}
