package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
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
	// 1) Load configuration from the function environment
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

	// 3) Build provider, cache backend and weather service
	m := metrics.NewCollector(prometheus.DefaultRegisterer)
	rt, err := weather.Build(context.Background(), cfg, m, logger)
	if err != nil {
		logger.Fatal("failed to initialize weather service", zap.Error(err))
	}
	defer rt.Close()

	// 4) Serve the same router through the API Gateway proxy adapter
	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(rt.Service, cfg, m, prometheus.DefaultGatherer, logger)
	adapter := ginadapter.New(router)

	logger.Info("starting lambda handler", zap.String("cache_backend", cfg.CacheBackend))
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
