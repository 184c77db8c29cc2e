package openweathermap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/namefreezers/serverless-weather-api/internal/config"
	"github.com/namefreezers/serverless-weather-api/internal/retry"
	"github.com/namefreezers/serverless-weather-api/internal/weather/types"
)

const seoulPayload = `{
	"name": "Seoul",
	"main": {"temp": 293.15, "humidity": 60},
	"weather": [{"description": "clear sky"}],
	"dt": 1700000000
}`

func instantExecutor() *retry.Executor {
	return retry.NewExecutor(zap.NewNop(), retry.WithTimer(func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		OpenWeatherBaseURL: srv.URL + "/data/2.5",
		OpenWeatherAPIKey:  "default-key",
		OpenWeatherTimeout: 2 * time.Second,
		HealthCheckCity:    "London",
	}
	return NewClient(cfg, instantExecutor(), nil, zap.NewNop()), srv
}

func TestGetWeather_Success(t *testing.T) {
	var gotQuery, gotKey, gotPath string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("q")
		gotKey = r.URL.Query().Get("appid")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(seoulPayload))
	})

	ctx := types.WithCredential(context.Background(), "user-key")
	w, err := c.GetWeather(ctx, "  seoul ")
	require.NoError(t, err)

	assert.Equal(t, "/data/2.5/weather", gotPath)
	assert.Equal(t, "seoul", gotQuery)
	assert.Equal(t, "user-key", gotKey)

	assert.Equal(t, "Seoul", w.City)
	assert.InDelta(t, 20.0, w.Temperature, 1e-9)
	assert.Equal(t, 60, w.Humidity)
	assert.Equal(t, "Clear Sky", w.Description)
	assert.Equal(t, "2023-11-14T22:13:20Z", w.ObservedAt)
}

func TestGetWeather_FallsBackToConfiguredKey(t *testing.T) {
	var gotKey string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("appid")
		_, _ = w.Write([]byte(seoulPayload))
	})

	_, err := c.GetWeather(context.Background(), "Seoul")
	require.NoError(t, err)
	assert.Equal(t, "default-key", gotKey)
}

func TestGetWeather_MissingFieldsUseDefaults(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name": "", "main": {"humidity": 140}, "weather": [], "dt": 0}`))
	})
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return now }

	w, err := c.GetWeather(context.Background(), "new york")
	require.NoError(t, err)
	assert.Equal(t, "New York", w.City)
	assert.Equal(t, "Unknown", w.Description)
	assert.Equal(t, 0.0, w.Temperature)
	assert.Equal(t, 100, w.Humidity, "humidity is clamped into 0..100")
	assert.Equal(t, "2025-01-02T03:04:05Z", w.ObservedAt)
}

func TestGetWeather_EmptyCityMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	for _, city := range []string{"", "   "} {
		_, err := c.GetWeather(context.Background(), city)
		assert.ErrorIs(t, err, types.ErrInvalidRequest)
	}
	assert.Zero(t, calls.Load())
}

func TestGetWeather_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  error
		wantCalls int32
	}{
		{"not found", http.StatusNotFound, `{"message":"city not found"}`, types.ErrNotFound, 1},
		{"unauthorized", http.StatusUnauthorized, `{"message":"Invalid API key"}`, types.ErrUnauthorized, 1},
		{"other client error", http.StatusBadRequest, `{"message":"bad query"}`, types.ErrProvider, 1},
		{"server error retried", http.StatusBadGateway, `{"message":"upstream"}`, types.ErrTransient, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.GetWeather(context.Background(), "Atlantis")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestGetWeather_NotFoundCarriesCity(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetWeather(context.Background(), "Atlantis")
	var werr *types.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "Atlantis", werr.City)
	assert.False(t, retry.IsExhausted(err))
}

func TestGetWeather_ClientErrorCarriesMessage(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"cod":429,"message":"quota exceeded"}`))
	})

	_, err := c.GetWeather(context.Background(), "Seoul")
	var werr *types.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "quota exceeded", werr.Message)
	assert.Equal(t, http.StatusTooManyRequests, werr.StatusCode)
}

func TestGetWeather_ServerErrorExhaustsRetries(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.GetWeather(context.Background(), "Seoul")
	var ex *retry.ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
}

func TestGetWeather_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(seoulPayload))
	})

	w, err := c.GetWeather(context.Background(), "Seoul")
	require.NoError(t, err)
	assert.Equal(t, "Seoul", w.City)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetWeather_TimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		_, _ = w.Write([]byte(seoulPayload))
	})
	c.http.Timeout = 50 * time.Millisecond

	_, err := c.GetWeather(context.Background(), "Seoul")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetWeather_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	// two exhausted calls = six consecutive failures
	for i := 0; i < 2; i++ {
		_, err := c.GetWeather(context.Background(), "Seoul")
		require.Error(t, err)
	}
	require.Equal(t, int32(6), calls.Load())

	_, err := c.GetWeather(context.Background(), "Seoul")
	assert.ErrorIs(t, err, types.ErrProvider)
	assert.Equal(t, int32(6), calls.Load(), "open breaker must not reach the provider")
}

func TestGetBatchWeather_PartialFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "Atlantis" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(seoulPayload))
	})

	got := c.GetBatchWeather(context.Background(), []string{"Seoul", "Atlantis"})
	require.Len(t, got, 1)
	assert.Contains(t, got, "Seoul")
	assert.NotContains(t, got, "Atlantis")
}

func TestGetBatchWeather_EmptyInputMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	got := c.GetBatchWeather(context.Background(), nil)
	assert.Empty(t, got)
	assert.NotNil(t, got)
	assert.Zero(t, calls.Load())
}

func TestGetBatchWeather_RunsConcurrently(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		_, _ = w.Write([]byte(seoulPayload))
	})

	cities := []string{"Seoul", "Tokyo", "Paris", "Berlin", "Rome", "Tokyo"}
	got := c.GetBatchWeather(context.Background(), cities)

	assert.Len(t, got, 5, "duplicates are fetched once")
	assert.Greater(t, peak, 1, "requests should overlap")
}

func TestHealthCheck(t *testing.T) {
	ok, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "London", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(seoulPayload))
	})
	assert.True(t, ok.HealthCheck(context.Background()))

	bad, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	assert.False(t, bad.HealthCheck(context.Background()))
}
