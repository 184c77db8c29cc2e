package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func testConfig() Config {
	return Config{
		Name:              "test",
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Second,
	}
}

// recordingSleep captures requested delays without actually sleeping.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func (r *recordingSleep) after(d time.Duration) <-chan time.Time {
	r.sleep(d)
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func newTestExecutor(rec *recordingSleep, opts ...Option) *Executor {
	opts = append([]Option{WithSleep(rec.sleep), WithTimer(rec.after)}, opts...)
	return NewExecutor(zap.NewNop(), opts...)
}

func TestDelay_ExponentialWithoutJitter(t *testing.T) {
	e := NewExecutor(zap.NewNop())
	cfg := testConfig()

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, e.Delay(cfg, i+1), "attempt %d", i+1)
	}
}

func TestDelay_CappedAtMaxDelay(t *testing.T) {
	e := NewExecutor(zap.NewNop())
	cfg := testConfig()
	cfg.MaxDelay = 5 * time.Second

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, e.Delay(cfg, i+1), "attempt %d", i+1)
	}
}

func TestDelay_JitterStaysInRange(t *testing.T) {
	e := NewExecutor(zap.NewNop())
	cfg := testConfig()
	cfg.Jitter = true
	cfg.JitterRange = 0.1

	seen := make(map[time.Duration]struct{})
	for i := 0; i < 100; i++ {
		d := e.Delay(cfg, 2)
		assert.GreaterOrEqual(t, d, 1800*time.Millisecond)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
		seen[d] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "jittered delays should not all be identical")
}

func TestDelay_JitterBoundsWithFixedRandom(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = true
	cfg.JitterRange = 0.1

	low := NewExecutor(zap.NewNop(), WithRandom(func() float64 { return 0 }))
	assert.Equal(t, 1800*time.Millisecond, low.Delay(cfg, 2))

	mid := NewExecutor(zap.NewNop(), WithRandom(func() float64 { return 0.5 }))
	assert.Equal(t, 2*time.Second, mid.Delay(cfg, 2))
}

func TestDelay_FlooredAtZero(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = true
	cfg.JitterRange = 1.0

	e := NewExecutor(zap.NewNop(), WithRandom(func() float64 { return 0 }))
	assert.Equal(t, time.Duration(0), e.Delay(cfg, 1))
}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)

	calls := 0
	err := e.Execute(testConfig(), func() error {
		calls++
		return nil
	}, isTransient)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)

	calls := 0
	err := e.Execute(testConfig(), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, isTransient)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)

	calls := 0
	err := e.Execute(testConfig(), func() error {
		calls++
		return errTransient
	}, isTransient)

	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, errTransient)
	assert.True(t, IsExhausted(err))
	// no wait after the final attempt
	assert.Len(t, rec.delays, 2)
}

func TestExecute_NonRetryableShortCircuits(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)
	cfg := testConfig()
	cfg.MaxAttempts = 10

	calls := 0
	err := e.Execute(cfg, func() error {
		calls++
		return errFatal
	}, isTransient)

	assert.Equal(t, 1, calls)
	assert.Same(t, errFatal, err)
	assert.False(t, IsExhausted(err))
	assert.Empty(t, rec.delays)
}

func TestExecute_NilPredicateNeverRetries(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)

	calls := 0
	err := e.Execute(testConfig(), func() error {
		calls++
		return errTransient
	}, nil)

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestExecute_RetryHookFires(t *testing.T) {
	rec := &recordingSleep{}
	var attempts []int
	e := newTestExecutor(rec, WithRetryHook(func(name string, attempt int, delay time.Duration, err error) {
		assert.Equal(t, "test", name)
		attempts = append(attempts, attempt)
	}))

	_ = e.Execute(testConfig(), func() error { return errTransient }, isTransient)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestExecuteContext_SameArithmeticAsExecute(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)
	cfg := testConfig()
	cfg.MaxAttempts = 4

	err := e.ExecuteContext(context.Background(), cfg, func(context.Context) error {
		return errTransient
	}, isTransient)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 4, ex.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.delays)
}

func TestExecuteContext_CancelledDuringWait(t *testing.T) {
	e := NewExecutor(zap.NewNop(), WithTimer(func(time.Duration) <-chan time.Time {
		return make(chan time.Time) // never fires
	}))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.ExecuteContext(ctx, testConfig(), func(context.Context) error {
		calls++
		cancel()
		return errTransient
	}, isTransient)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestExecuteContext_DoesNotBlockSiblings(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = 20 * time.Millisecond
	cfg.MaxDelay = 20 * time.Millisecond
	e := NewExecutor(zap.NewNop())

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.ExecuteContext(context.Background(), cfg, func(context.Context) error {
				return errTransient
			}, isTransient)
		}()
	}
	wg.Wait()

	// 10 callers x 2 waits of 20ms would take 400ms if serialised.
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestDo_ReturnsValue(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)

	calls := 0
	v, err := Do(e, testConfig(), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "ok", nil
	}, isTransient)

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDoContext_ReturnsZeroOnFailure(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)

	v, err := DoContext(context.Background(), e, testConfig(), func(context.Context) (int, error) {
		return 42, errFatal
	}, isTransient)

	assert.ErrorIs(t, err, errFatal)
	assert.Zero(t, v)
}

func TestConfig_Validate(t *testing.T) {
	valid := testConfig()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"zero base delay", func(c *Config) { c.BaseDelay = 0 }},
		{"multiplier below one", func(c *Config) { c.BackoffMultiplier = 0.5 }},
		{"max below base", func(c *Config) { c.MaxDelay = c.BaseDelay / 2 }},
		{"jitter range above one", func(c *Config) { c.JitterRange = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
