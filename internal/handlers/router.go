package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/namefreezers/serverless-weather-api/internal/config"
	"github.com/namefreezers/serverless-weather-api/internal/metrics"
)

// NewRouter builds the gin engine serving the weather API. Metrics are
// exposed from gatherer when it is non-nil.
func NewRouter(svc WeatherService, cfg *config.Config, m *metrics.Collector, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), AccessLog(logger, m))

	hasDefaultKey := cfg.OpenWeatherAPIKey != ""

	router.GET("/", RootHandler())
	router.GET("/health", HealthHandler(svc))
	router.GET("/cache/stats", CacheStatsHandler(svc))

	api := router.Group("/weather")
	{
		api.POST("/batch", BatchWeatherHandler(svc, cfg.MaxBatchCities, hasDefaultKey))
		api.GET("/:city", WeatherHandler(svc, hasDefaultKey))
	}

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router
}
