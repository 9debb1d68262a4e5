package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"airwave/internal/core/services"
	httphandlers "airwave/internal/handlers/http"
	backupinfra "airwave/internal/infrastructure/backup"
	"airwave/internal/infrastructure/credentials"
	"airwave/internal/infrastructure/media"
	"airwave/internal/infrastructure/monitoring"
	repositories "airwave/internal/infrastructure/repositories"
	"airwave/pkg/circuitbreaker"
	"airwave/pkg/config"
	"airwave/pkg/logger"
	"airwave/pkg/retry"
	"airwave/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"/etc/airwave/config.yaml",
	"config.yaml",
}

func main() {
	flags := pflag.NewFlagSet("airwave-portal", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to the YAML configuration file")
	_ = flags.Parse(os.Args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, log); err != nil {
		log.Fatalw("portal stopped with error", "error", err)
	}
}

// loadConfig uses the explicit path when given, otherwise the first default path that
// exists, otherwise defaults and environment overrides only.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, candidate := range defaultConfigPaths {
		if _, err := os.Stat(candidate); err == nil {
			return config.Load(candidate)
		}
	}
	return config.Load("")
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("create repository factory: %w", err)
	}

	users := repoFactory.UserRepository()
	streams := repoFactory.StreamRepository()

	minter := credentials.NewJWTMinter(cfg.Media.CredentialSecret, cfg.Media.TokenTTL)
	mediaFactory, err := media.NewFactory(media.Config{
		SignalURL:   cfg.Signal.PublicURL,
		ICEServers:  iceServers(cfg.Media.ICEServers),
		PortMin:     cfg.Media.PortRange.Min,
		PortMax:     cfg.Media.PortRange.Max,
		DialTimeout: cfg.Media.DialTimeout,
		Retry:       retry.DefaultConfig(),
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Media.RelayBreaker.FailureThreshold,
			OpenTimeout:      cfg.Media.RelayBreaker.OpenTimeout,
		},
	}, log.Named("media"))
	if err != nil {
		return fmt.Errorf("create media factory: %w", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	metrics := services.MultiMetrics{services.NewMetricsService(), collector}

	assignments := services.NewAssignmentService(
		streams, users, repoFactory.Locker(), metrics, log.Named("assignments"),
		cfg.Assignment.MaxParallelWrites, cfg.Assignment.WriteRetries,
	)
	gateway := services.NewSessionGateway(streams, users, minter, mediaFactory, metrics, log.Named("gateway"))
	svc := httphandlers.Services{
		Auth:        services.NewAuthService(users, cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL),
		Directory:   services.NewDirectoryService(streams, users, log.Named("directory"), cfg.Auth.BcryptCost),
		Assignments: assignments,
		Gateway:     gateway,
		Feed:        services.NewChangeFeed(repoFactory.ChangeSource(), metrics, log.Named("feed")),
		Minter:      minter,
	}

	health := monitoring.NewHealthChecker()
	health.AddCheck("store", repoFactory.HealthCheck, cfg.Monitoring.HealthInterval, 2*time.Second)
	health.AddRepositoryCheck(streams, cfg.Monitoring.HealthInterval, 2*time.Second)
	health.StartBackgroundChecks(ctx)

	if cfg.Backup.Enabled {
		backups, err := backupinfra.NewService(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open backup storage: %w", err)
		}
		scheduler := backupinfra.NewScheduler(backups, users, streams, backupinfra.Config{
			Interval: cfg.Backup.Interval,
			Retain:   cfg.Backup.Retain,
		}, log.Named("backup"))
		go scheduler.Start(ctx)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(svc, httphandlers.RouterOptions{
		Config:         cfg,
		Logger:         log.Named("http"),
		Health:         health,
		Metrics:        collector,
		MetricsHandler: promhttp.Handler(),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting airwave portal",
			"address", cfg.Server.Address,
			"redis", repoFactory.UsingRedis(),
			"signal_url", cfg.Signal.PublicURL,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("server failed", "error", runErr)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		log.Warnw("some sessions did not leave cleanly", "error", err)
	}
	cancel()
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}

	log.Info("airwave portal stopped")
	return runErr
}

func iceServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
