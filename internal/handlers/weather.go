package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/namefreezers/serverless-weather-api/internal/cache"
	"github.com/namefreezers/serverless-weather-api/internal/services"
	"github.com/namefreezers/serverless-weather-api/internal/weather/types"
)

// WeatherService is what the handlers need from services.WeatherService.
type WeatherService interface {
	GetWeather(ctx context.Context, city string) (types.Record, error)
	GetBatchWeather(ctx context.Context, cities []string, maxAllowed int) (types.BatchResult, error)
	Health(ctx context.Context) services.HealthReport
	CacheStats(ctx context.Context) cache.Stats
}

const apiKeyHeader = "X-API-Key"

// batchRequest is the body of POST /weather/batch
type batchRequest struct {
	Cities []string `json:"cities" binding:"required"`
	APIKey string   `json:"api_key"`
}

// WeatherHandler returns a Gin handler for GET /weather/:city
func WeatherHandler(svc WeatherService, hasDefaultKey bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		city := strings.TrimSpace(c.Param("city"))
		if city == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "city name cannot be empty"})
			return
		}

		ctx, ok := withCredential(c, requestKey(c), hasDefaultKey)
		if !ok {
			return
		}

		w, err := svc.GetWeather(ctx, city)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

// BatchWeatherHandler returns a Gin handler for POST /weather/batch
func BatchWeatherHandler(svc WeatherService, maxCities int, hasDefaultKey bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req batchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		key := strings.TrimSpace(req.APIKey)
		if key == "" {
			key = requestKey(c)
		}
		ctx, ok := withCredential(c, key, hasDefaultKey)
		if !ok {
			return
		}

		res, err := svc.GetBatchWeather(ctx, req.Cities, maxCities)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// HealthHandler returns a Gin handler for GET /health. The provider is only
// probed when a credential is available.
func HealthHandler(svc WeatherService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if key := requestKey(c); key != "" {
			ctx = types.WithCredential(ctx, key)
		}

		report := svc.Health(ctx)
		status := http.StatusOK
		if !report.Healthy() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}

// CacheStatsHandler returns a Gin handler for GET /cache/stats
func CacheStatsHandler(svc WeatherService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.CacheStats(c.Request.Context()))
	}
}

// RootHandler describes the service.
func RootHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "Weather API Service",
			"version": "1.0.0",
			"status":  "active",
			"endpoints": gin.H{
				"single_weather": "/weather/{city}?api_key=YOUR_API_KEY",
				"batch_weather":  "/weather/batch",
				"health_check":   "/health?api_key=YOUR_API_KEY",
				"cache_stats":    "/cache/stats",
				"metrics":        "/metrics",
			},
		})
	}
}

// requestKey reads the caller's credential from the query or the header.
func requestKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.Query("api_key")); key != "" {
		return key
	}
	return strings.TrimSpace(c.GetHeader(apiKeyHeader))
}

// withCredential puts key into the request context. With no key and no
// configured fallback the request is rejected with 400.
func withCredential(c *gin.Context, key string, hasDefaultKey bool) (context.Context, bool) {
	ctx := c.Request.Context()
	if key != "" {
		return types.WithCredential(ctx, key), true
	}
	if hasDefaultKey {
		return ctx, true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "API key is required"})
	return nil, false
}
