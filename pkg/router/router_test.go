package router

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func fastRetry(retries int) RetryConfig {
	return RetryConfig{MaxRetries: retries, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestDoSuccessRecordsLatency(t *testing.T) {
	r := New(StrategyWeighted, fastRetry(3), DefaultBreaker(), discard())
	r.AddEndpoint(Endpoint{ID: "a", Provider: "openai", Enabled: true})

	err := r.Do(context.Background(), "openai", func(context.Context, Endpoint) error {
		return nil
	})
	require.NoError(t, err)

	health := r.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "closed", health[0].State)
	assert.Equal(t, int64(1), health[0].Samples)
}

func TestDoNoEndpoints(t *testing.T) {
	r := New(StrategyWeighted, fastRetry(2), DefaultBreaker(), discard())
	err := r.Do(context.Background(), "openai", func(context.Context, Endpoint) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestDoFailsOverToNextPriority(t *testing.T) {
	r := New(StrategyRoundRobin, fastRetry(3), DefaultBreaker(), discard())
	r.AddEndpoint(Endpoint{ID: "primary", Provider: "openai", Priority: 0, Enabled: true})
	r.AddEndpoint(Endpoint{ID: "fallback", Provider: "openai", Priority: 1, Enabled: true})

	var used []string
	err := r.Do(context.Background(), "openai", func(_ context.Context, ep Endpoint) error {
		used = append(used, ep.ID)
		if ep.ID == "primary" {
			return errors.New("upstream 500")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "fallback"}, used)
}

func TestDoExhaustsAttempts(t *testing.T) {
	r := New(StrategyWeighted, fastRetry(2), DefaultBreaker(), discard())
	r.AddEndpoint(Endpoint{ID: "a", Provider: "openai", Enabled: true})

	var calls atomic.Int32
	err := r.Do(context.Background(), "openai", func(context.Context, Endpoint) error {
		calls.Add(1)
		return errors.New("always down")
	})
	require.Error(t, err)
	// Two retries make three attempts in total; the single endpoint is
	// re-selected once the exclusion set clears.
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, err.Error(), "always down")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	breaker := BreakerConfig{ConsecutiveFailures: 5, RecoveryTimeout: time.Minute}
	r := New(StrategyWeighted, fastRetry(0), breaker, discard())
	r.AddEndpoint(Endpoint{ID: "a", Provider: "openai", Enabled: true})

	for i := 0; i < 5; i++ {
		_ = r.Do(context.Background(), "openai", func(context.Context, Endpoint) error {
			return errors.New("boom")
		})
	}

	health := r.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "open", health[0].State)
	assert.Equal(t, "boom", health[0].LastError)

	// An open breaker removes the endpoint from selection entirely.
	err := r.Do(context.Background(), "openai", func(context.Context, Endpoint) error {
		t.Fatal("must not be called through an open breaker")
		return nil
	})
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestDoRespectsContextCancel(t *testing.T) {
	r := New(StrategyWeighted, RetryConfig{MaxRetries: 3, BaseDelay: time.Hour, Multiplier: 2, MaxDelay: time.Hour}, DefaultBreaker(), discard())
	r.AddEndpoint(Endpoint{ID: "a", Provider: "openai", Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, "openai", func(context.Context, Endpoint) error {
		calls.Add(1)
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "no retry after cancellation")
}

func TestPickSkipsDisabled(t *testing.T) {
	r := New(StrategyWeighted, fastRetry(1), DefaultBreaker(), discard())
	r.AddEndpoint(Endpoint{ID: "off", Provider: "openai", Enabled: false})
	r.AddEndpoint(Endpoint{ID: "on", Provider: "openai", Enabled: true})

	err := r.Do(context.Background(), "openai", func(_ context.Context, ep Endpoint) error {
		assert.Equal(t, "on", ep.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestRoundRobinRotates(t *testing.T) {
	r := New(StrategyRoundRobin, fastRetry(1), DefaultBreaker(), discard())
	r.AddEndpoint(Endpoint{ID: "a", Provider: "openai", Enabled: true})
	r.AddEndpoint(Endpoint{ID: "b", Provider: "openai", Enabled: true})

	var used []string
	for i := 0; i < 4; i++ {
		err := r.Do(context.Background(), "openai", func(_ context.Context, ep Endpoint) error {
			used = append(used, ep.ID)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, used)
}

func TestLeastLatencyPrefersFaster(t *testing.T) {
	r := New(StrategyLeastLatency, fastRetry(1), DefaultBreaker(), discard())
	r.AddEndpoint(Endpoint{ID: "slow", Provider: "openai", Enabled: true})
	r.AddEndpoint(Endpoint{ID: "fast", Provider: "openai", Enabled: true})

	// Seed averages directly through the endpoint state.
	r.mu.Lock()
	for _, s := range r.endpoints["openai"] {
		if s.ep.ID == "slow" {
			s.avgLatencyMs, s.samples = 900, 10
		} else {
			s.avgLatencyMs, s.samples = 50, 10
		}
	}
	r.mu.Unlock()

	err := r.Do(context.Background(), "openai", func(_ context.Context, ep Endpoint) error {
		assert.Equal(t, "fast", ep.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestLatencyAverage(t *testing.T) {
	s := &endpointState{}
	s.recordLatency(100)
	s.recordLatency(200)
	s.recordLatency(300)
	assert.InDelta(t, 200, s.avgLatencyMs, 1e-9)
	assert.Equal(t, int64(3), s.samples)
}

func TestHealthSorted(t *testing.T) {
	r := New(StrategyWeighted, fastRetry(1), DefaultBreaker(), discard())
	r.AddEndpoint(Endpoint{ID: "b", Provider: "openai", Enabled: true})
	r.AddEndpoint(Endpoint{ID: "a", Provider: "openai", Enabled: true})
	r.AddEndpoint(Endpoint{ID: "x", Provider: "anthropic", Enabled: true})

	health := r.Health()
	require.Len(t, health, 3)
	assert.Equal(t, "anthropic", health[0].Provider)
	assert.Equal(t, "a", health[1].ID)
	assert.Equal(t, "b", health[2].ID)
}
