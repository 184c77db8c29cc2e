package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/namefreezers/serverless-weather-api/internal/config"
	"github.com/namefreezers/serverless-weather-api/internal/handlers"
	"github.com/namefreezers/serverless-weather-api/internal/logging"
	"github.com/namefreezers/serverless-weather-api/internal/metrics"
	"github.com/namefreezers/serverless-weather-api/internal/weather"
)

func main() {
	// 1) Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	// 2) Initialize structured logger
	logger, err := logging.New(cfg)
	if err != nil {
		log.Fatalf("cannot initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3) Build provider, cache backend and weather service
	m := metrics.NewCollector(prometheus.DefaultRegisterer)
	rt, err := weather.Build(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatal("failed to initialize weather service", zap.Error(err))
	}
	defer rt.Close()

	// 4) Set up Gin router and handlers
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(rt.Service, cfg, m, prometheus.DefaultGatherer, logger)

	// 5) Start HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting API server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
