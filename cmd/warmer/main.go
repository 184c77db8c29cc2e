package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/namefreezers/serverless-weather-api/internal/config"
	"github.com/namefreezers/serverless-weather-api/internal/logging"
	"github.com/namefreezers/serverless-weather-api/internal/metrics"
	"github.com/namefreezers/serverless-weather-api/internal/services"
	"github.com/namefreezers/serverless-weather-api/internal/weather"
)

// jobTimeout bounds one warm run so overlapping runs cannot pile up.
const jobTimeout = 2 * time.Minute

func main() {
	// 1) Load config (includes WARM_CITIES and WARM_SCHEDULE)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	// 2) Init logger
	logger, err := logging.New(cfg)
	if err != nil {
		log.Fatalf("cannot initialize logger: %v", err)
	}
	defer logger.Sync()

	if len(cfg.WarmCities) == 0 {
		logger.Fatal("WARM_CITIES is empty, nothing to warm")
	}
	if cfg.OpenWeatherAPIKey == "" {
		logger.Fatal("OPENWEATHER_API_KEY is required for the warm job")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3) Wire up provider, cache backend and weather service
	m := metrics.NewCollector(prometheus.DefaultRegisterer)
	rt, err := weather.Build(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatal("failed to initialize weather service", zap.Error(err))
	}
	defer rt.Close()

	// 4) Build cron (standard 5-field, minute resolution)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = c.AddFunc(cfg.WarmSchedule, func() {
		jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()
		runWarm(jobCtx, rt.Service, rt.Purger, cfg.WarmCities, logger)
	})
	if err != nil {
		logger.Fatal("unable to schedule cron job", zap.String("cronSpec", cfg.WarmSchedule), zap.Error(err))
	}

	logger.Info("starting cache warmer",
		zap.String("cronSpec", cfg.WarmSchedule),
		zap.Strings("cities", cfg.WarmCities),
	)
	c.Start()

	<-ctx.Done()
	logger.Info("stopping cache warmer")
	<-c.Stop().Done()
}

// runWarm refreshes the configured cities and, for backends without their own
// expiry, deletes entries that are already stale.
func runWarm(ctx context.Context, svc *services.WeatherService, purger weather.Purger, cities []string, logger *zap.Logger) {
	written := svc.Warm(ctx, cities)
	if written < len(cities) {
		logger.Warn("cache warm incomplete",
			zap.Int("written", written),
			zap.Int("requested", len(cities)),
		)
	}

	if purger == nil {
		return
	}
	if _, err := purger.PurgeExpired(ctx, time.Now().Unix()); err != nil {
		logger.Error("failed to purge expired cache entries", zap.Error(err))
	}
}
