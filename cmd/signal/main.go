package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"airwave/internal/infrastructure/credentials"
	signalinfra "airwave/internal/infrastructure/signal"
	"airwave/pkg/config"
	"airwave/pkg/logger"

	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("airwave-signal", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration file")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
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
	log := zapLogger.Sugar().Named("signal")

	relayCfg := signalinfra.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Feed.WriteTimeout,
		SendQueueSize:  cfg.Feed.SendQueueSize,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		relayCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		relayCfg.Burst = cfg.RateLimiting.WebSocket.Burst
		relayCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}

	verifier := credentials.NewJWTMinter(cfg.Media.CredentialSecret, cfg.Media.TokenTTL)
	relay := signalinfra.NewWebSocketServer(verifier, relayCfg, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.HandleWebSocket)
	mux.HandleFunc("/health", relay.HealthCheck)

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: mux,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting airwave signaling relay", "address", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("signaling server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	relay.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("error during signaling server shutdown", "error", err)
	}
	log.Info("airwave signaling relay stopped")
}
