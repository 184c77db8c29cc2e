package openweathermap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/namefreezers/serverless-weather-api/internal/config"
	"github.com/namefreezers/serverless-weather-api/internal/metrics"
	"github.com/namefreezers/serverless-weather-api/internal/retry"
	"github.com/namefreezers/serverless-weather-api/internal/weather/types"
)

const (
	kelvinOffset = 273.15

	// maxConcurrentFetches bounds the goroutines one batch call may start.
	maxConcurrentFetches = 16

	maxBodyBytes = 1 << 20
)

// Client queries the OpenWeatherMap current weather endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	healthCity string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
	retry      *retry.Executor
	retryCfg   retry.Config
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient builds a Client from cfg. The configured API key is only used when
// the request context carries no credential of its own.
func NewClient(cfg *config.Config, executor *retry.Executor, m *metrics.Collector, logger *zap.Logger) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.OpenWeatherBaseURL, "/"),
		apiKey:     cfg.OpenWeatherAPIKey,
		healthCity: cfg.HealthCheckCity,
		http:       &http.Client{Timeout: cfg.OpenWeatherTimeout},
		retry:      executor,
		retryCfg:   config.ProviderRetry(),
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweathermap",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// IsRetryable is the provider's retry predicate: only transport failures,
// timeouts and 5xx responses are retried.
func IsRetryable(err error) bool {
	return errors.Is(err, types.ErrTransient)
}

// GetWeather fetches current weather for city, retrying transient failures.
func (c *Client) GetWeather(ctx context.Context, city string) (types.Record, error) {
	if strings.TrimSpace(city) == "" {
		return types.Record{}, types.InvalidRequest("city name cannot be empty")
	}
	apiKey := c.credential(ctx)
	if apiKey == "" {
		return types.Record{}, types.InvalidRequest("API key is required")
	}

	return retry.DoContext(ctx, c.retry, c.retryCfg, func(ctx context.Context) (types.Record, error) {
		return c.fetchOnce(ctx, city, apiKey)
	}, IsRetryable)
}

// GetBatchWeather fetches every unique city concurrently. Failures are logged
// and leave the city out of the result; they never fail the whole batch.
func (c *Client) GetBatchWeather(ctx context.Context, cities []string) map[string]types.Record {
	out := make(map[string]types.Record, len(cities))
	if len(cities) == 0 {
		return out
	}
	unique := types.UniqueCities(cities)
	c.logger.Info("fetching weather for cities", zap.Int("count", len(unique)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(maxConcurrentFetches)
	for _, city := range unique {
		city := city
		g.Go(func() error {
			w, err := c.GetWeather(ctx, city)
			if err != nil {
				c.logger.Warn("failed to fetch weather",
					zap.String("city", city),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			out[city] = w
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("fetched weather for cities",
		zap.Int("succeeded", len(out)),
		zap.Int("requested", len(unique)),
	)
	return out
}

// HealthCheck reports whether a lookup of the configured health city succeeds.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if _, err := c.GetWeather(ctx, c.healthCity); err != nil {
		c.logger.Warn("openweathermap health check failed", zap.Error(err))
		return false
	}
	c.logger.Debug("openweathermap health check passed")
	return true
}

// HasCredential reports whether a lookup with ctx would have an API key.
func (c *Client) HasCredential(ctx context.Context) bool {
	return c.credential(ctx) != ""
}

func (c *Client) credential(ctx context.Context) string {
	if key, ok := types.CredentialFrom(ctx); ok {
		return key
	}
	return c.apiKey
}

type attemptResult struct {
	w   types.Record
	err error
}

// fetchOnce runs a single HTTP attempt through the circuit breaker. Only
// transient failures count against the breaker.
func (c *Client) fetchOnce(ctx context.Context, city, apiKey string) (types.Record, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		w, err := c.request(ctx, city, apiKey)
		if err != nil && IsRetryable(err) {
			return nil, err
		}
		return attemptResult{w: w, err: err}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.ObserveProvider("circuit_open")
			return types.Record{}, &types.Error{
				Kind:    types.ErrProvider,
				Message: "weather provider temporarily unavailable",
				Err:     err,
			}
		}
		return types.Record{}, err
	}
	r := res.(attemptResult)
	return r.w, r.err
}

func (c *Client) request(ctx context.Context, city, apiKey string) (types.Record, error) {
	city = strings.TrimSpace(city)

	params := url.Values{}
	params.Set("q", city)
	params.Set("appid", apiKey)
	endpoint := fmt.Sprintf("%s/weather?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.Record{}, &types.Error{Kind: types.ErrProvider, Message: "openweathermap: failed to build request", Err: err}
	}

	c.logger.Debug("requesting weather data", zap.String("city", city))
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// the caller gave up; another attempt cannot help
			return types.Record{}, fmt.Errorf("openweathermap: %w", ctx.Err())
		}
		c.metrics.ObserveProvider("network_error")
		return types.Record{}, &types.Error{Kind: types.ErrTransient, Message: "openweathermap: HTTP request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.metrics.ObserveProvider("network_error")
		return types.Record{}, &types.Error{Kind: types.ErrTransient, Message: "openweathermap: failed to read response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		c.metrics.ObserveProvider("ok")
		return c.parse(city, body)

	case resp.StatusCode == http.StatusNotFound:
		c.metrics.ObserveProvider("not_found")
		c.logger.Warn("city not found", zap.String("city", city))
		return types.Record{}, types.NotFound(city)

	case resp.StatusCode == http.StatusUnauthorized:
		c.metrics.ObserveProvider("unauthorized")
		c.logger.Error("invalid API key")
		return types.Record{}, &types.Error{
			Kind:       types.ErrUnauthorized,
			StatusCode: resp.StatusCode,
			Message:    "invalid API key",
		}

	case resp.StatusCode >= 500:
		c.metrics.ObserveProvider("server_error")
		return types.Record{}, &types.Error{
			Kind:       types.ErrTransient,
			StatusCode: resp.StatusCode,
			City:       city,
			Message:    providerMessage(body),
		}

	default:
		c.metrics.ObserveProvider("client_error")
		msg := providerMessage(body)
		c.logger.Error("weather API error",
			zap.String("city", city),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg),
		)
		return types.Record{}, &types.Error{
			Kind:       types.ErrProvider,
			StatusCode: resp.StatusCode,
			City:       city,
			Message:    msg,
		}
	}
}

// currentWeather is the subset of the provider payload we read. Temperatures
// arrive in Kelvin because no units parameter is sent.
type currentWeather struct {
	Name string `json:"name"`
	Main struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Dt int64 `json:"dt"`
}

func (c *Client) parse(city string, body []byte) (types.Record, error) {
	var payload currentWeather
	if err := json.Unmarshal(body, &payload); err != nil {
		return types.Record{}, &types.Error{Kind: types.ErrProvider, Message: "openweathermap: JSON decode error", Err: err}
	}

	var temp float64
	if payload.Main.Temp != nil {
		temp = math.Round((*payload.Main.Temp-kelvinOffset)*10) / 10
	}

	var humidity int
	if payload.Main.Humidity != nil {
		humidity = int(math.Round(*payload.Main.Humidity))
	}
	if humidity < 0 || humidity > 100 {
		c.logger.Warn("humidity out of range, clamping",
			zap.String("city", city),
			zap.Int("humidity", humidity),
		)
		humidity = min(max(humidity, 0), 100)
	}

	description := "Unknown"
	if len(payload.Weather) > 0 && payload.Weather[0].Description != "" {
		description = cases.Title(language.Und).String(payload.Weather[0].Description)
	}

	name := payload.Name
	if name == "" {
		name = types.NormalizeCity(city)
	}

	observed := c.now().UTC()
	if payload.Dt > 0 {
		observed = time.Unix(payload.Dt, 0).UTC()
	}

	return types.Record{
		City:        name,
		Temperature: temp,
		Description: description,
		Humidity:    humidity,
		ObservedAt:  observed.Format(time.RFC3339),
	}, nil
}

func providerMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return "unknown API error"
}
