// Package router spreads provider calls across configured endpoints.
// Each endpoint carries its own circuit breaker; selection strategies
// choose among the closed ones, and failed attempts retry with
// exponential backoff and jitter against endpoints not yet tried.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrNoEndpoints is returned when no endpoint is configured or every
	// breaker is open.
	ErrNoEndpoints = errors.New("router: no available endpoints")
)

// Strategy selects among candidate endpoints.
type Strategy string

const (
	StrategyRoundRobin   Strategy = "round_robin"
	StrategyWeighted     Strategy = "weighted"
	StrategyLeastLatency Strategy = "least_latency"
	StrategyRandom       Strategy = "random"
)

// Endpoint is one configured upstream target for a provider family.
type Endpoint struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url,omitempty"`
	// APIKey overrides the caller's upstream credential when set.
	APIKey   string `json:"-"`
	Weight   int    `json:"weight,omitempty"`   // weighted strategy; default 1
	Priority int    `json:"priority,omitempty"` // lower tried first
	Enabled  bool   `json:"enabled"`
}

// RetryConfig tunes the backoff loop. MaxRetries counts retries after
// the initial attempt, so a call makes MaxRetries+1 attempts in total.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetry is the production backoff: 1s doubling to a 30s ceiling,
// two retries after the first attempt, ±50% jitter.
func DefaultRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
}

// BreakerConfig tunes the per-endpoint circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	RecoveryTimeout     time.Duration
}

// DefaultBreaker opens after 5 consecutive failures and probes again
// after 60 seconds.
func DefaultBreaker() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, RecoveryTimeout: 60 * time.Second}
}

type endpointState struct {
	ep      Endpoint
	breaker *gobreaker.CircuitBreaker

	mu           sync.Mutex
	avgLatencyMs float64
	samples      int64
	lastError    string
	lastErrorAt  time.Time
}

// recordLatency folds a successful sample into the running average.
func (s *endpointState) recordLatency(ms float64) {
	s.mu.Lock()
	s.samples++
	s.avgLatencyMs = (s.avgLatencyMs*float64(s.samples-1) + ms) / float64(s.samples)
	s.mu.Unlock()
}

func (s *endpointState) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.lastErrorAt = time.Now()
	s.mu.Unlock()
}

// Health is the externally visible state of one endpoint.
type Health struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	State        string    `json:"state"` // closed, open, half-open
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	Samples      int64     `json:"samples"`
	LastError    string    `json:"last_error,omitempty"`
	LastErrorAt  time.Time `json:"last_error_at,omitzero"`
}

// Router owns endpoint state for every provider family.
type Router struct {
	strategy Strategy
	retry    RetryConfig
	breaker  BreakerConfig
	logger   *slog.Logger

	mu        sync.RWMutex
	endpoints map[string][]*endpointState // keyed by provider
	rrIndex   map[string]int
}

// New builds a Router. An empty strategy defaults to weighted.
func New(strategy Strategy, retry RetryConfig, breaker BreakerConfig, logger *slog.Logger) *Router {
	if strategy == "" {
		strategy = StrategyWeighted
	}
	return &Router{
		strategy:  strategy,
		retry:     retry,
		breaker:   breaker,
		logger:    logger.With("component", "router"),
		endpoints: make(map[string][]*endpointState),
		rrIndex:   make(map[string]int),
	}
}

// AddEndpoint registers an endpoint under its provider family.
func (r *Router) AddEndpoint(ep Endpoint) {
	if ep.Weight <= 0 {
		ep.Weight = 1
	}
	state := &endpointState{
		ep: ep,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.Provider + "/" + ep.ID,
			MaxRequests: 1, // single half-open probe
			Timeout:     r.breaker.RecoveryTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= r.breaker.ConsecutiveFailures
			},
		}),
	}
	r.mu.Lock()
	r.endpoints[ep.Provider] = append(r.endpoints[ep.Provider], state)
	sort.SliceStable(r.endpoints[ep.Provider], func(i, j int) bool {
		return r.endpoints[ep.Provider][i].ep.Priority < r.endpoints[ep.Provider][j].ep.Priority
	})
	r.mu.Unlock()
}

// Do runs call against endpoints of the provider family, retrying on
// failure with backoff. Endpoints already tried in this request are
// excluded until every endpoint has been tried once, then the exclusion
// set clears for the remaining attempts.
func (r *Router) Do(ctx context.Context, provider string, call func(ctx context.Context, ep Endpoint) error) error {
	tried := make(map[string]bool)
	var attemptErrs []error

	for attempt := 0; attempt <= r.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, attempt); err != nil {
				return err
			}
		}

		state := r.pick(provider, tried)
		if state == nil {
			// Everything tried; clear and allow re-selection.
			if len(tried) > 0 {
				tried = make(map[string]bool)
				state = r.pick(provider, tried)
			}
			if state == nil {
				attemptErrs = append(attemptErrs, ErrNoEndpoints)
				break
			}
		}
		tried[state.ep.ID] = true

		start := time.Now()
		_, err := state.breaker.Execute(func() (any, error) {
			return nil, call(ctx, state.ep)
		})
		if err == nil {
			state.recordLatency(float64(time.Since(start).Milliseconds()))
			return nil
		}

		state.recordError(err)
		attemptErrs = append(attemptErrs, fmt.Errorf("endpoint %s: %w", state.ep.ID, err))
		r.logger.Warn("endpoint call failed",
			"provider", provider, "endpoint", state.ep.ID,
			"attempt", attempt+1, "error", err)

		// The caller walked away; retrying cannot help them.
		if ctx.Err() != nil {
			break
		}
	}

	if len(attemptErrs) == 0 {
		return ErrNoEndpoints
	}
	return errors.Join(attemptErrs...)
}

// Health reports every endpoint's breaker state and latency average.
func (r *Router) Health() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Health
	for provider, states := range r.endpoints {
		for _, s := range states {
			s.mu.Lock()
			h := Health{
				ID:           s.ep.ID,
				Provider:     provider,
				State:        s.breaker.State().String(),
				AvgLatencyMs: s.avgLatencyMs,
				Samples:      s.samples,
				LastError:    s.lastError,
				LastErrorAt:  s.lastErrorAt,
			}
			s.mu.Unlock()
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// pick selects one candidate endpoint per the router strategy, skipping
// disabled endpoints, open breakers, and already-tried ids. Candidates are
// restricted to the best (lowest) priority tier available.
func (r *Router) pick(provider string, tried map[string]bool) *endpointState {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := r.endpoints[provider]
	var candidates []*endpointState
	bestPriority := 0
	for _, s := range states {
		if !s.ep.Enabled || tried[s.ep.ID] || s.breaker.State() == gobreaker.StateOpen {
			continue
		}
		if len(candidates) == 0 || s.ep.Priority == bestPriority {
			if len(candidates) == 0 {
				bestPriority = s.ep.Priority
			}
			candidates = append(candidates, s)
		}
		// states are priority-sorted, so later entries never beat
		// bestPriority.
	}
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	switch r.strategy {
	case StrategyRoundRobin:
		idx := r.rrIndex[provider] % len(candidates)
		r.rrIndex[provider]++
		return candidates[idx]
	case StrategyLeastLatency:
		best := candidates[0]
		for _, s := range candidates[1:] {
			s.mu.Lock()
			avg := s.avgLatencyMs
			s.mu.Unlock()
			best.mu.Lock()
			bestAvg := best.avgLatencyMs
			best.mu.Unlock()
			if avg < bestAvg {
				best = s
			}
		}
		return best
	case StrategyRandom:
		return candidates[rand.IntN(len(candidates))]
	default: // weighted
		total := 0
		for _, s := range candidates {
			total += s.ep.Weight
		}
		n := rand.IntN(total)
		for _, s := range candidates {
			n -= s.ep.Weight
			if n < 0 {
				return s
			}
		}
		return candidates[len(candidates)-1]
	}
}

// sleep waits out the backoff for the given attempt: base doubling per
// attempt, capped, with ±50% jitter.
func (r *Router) sleep(ctx context.Context, attempt int) error {
	delay := r.retry.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * r.retry.Multiplier)
		if delay >= r.retry.MaxDelay {
			delay = r.retry.MaxDelay
			break
		}
	}
	// jitter in [0.5, 1.5)
	delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
