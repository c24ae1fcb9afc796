// Package budget enforces spend limits across nested scopes. Reservations
// are taken in scope order before any provider call, committed to the
// actual cost afterwards, and released in full when the request never
// reaches a provider. Counters live in the key-value store in fixed-point
// hundredths of a cent so concurrent reservations never lose precision.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/kv"
)

// ErrBudgetExceeded is returned when a hard limit would be crossed.
var ErrBudgetExceeded = errors.New("budget: hard limit exceeded")

// unitsPerUSD converts dollars to the fixed-point counter unit.
const unitsPerUSD = 10000 // hundredths of a cent

// Period is a budget window.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// ScopeType orders enforcement from widest to narrowest.
type ScopeType string

const (
	ScopeOrg     ScopeType = "org"
	ScopeApp     ScopeType = "app"
	ScopeFeature ScopeType = "feature"
	ScopeUser    ScopeType = "user"
)

// scopeOrder is the evaluation order; a denial at any level releases the
// reservations already taken at wider levels.
var scopeOrder = []ScopeType{ScopeOrg, ScopeApp, ScopeFeature, ScopeUser}

// Limit is one configured budget.
type Limit struct {
	ScopeType    ScopeType `json:"scope_type"`
	ScopeID      string    `json:"scope_id"`
	Period       Period    `json:"period"`
	HardLimitUSD float64   `json:"hard_limit_usd"`
	SoftLimitUSD float64   `json:"soft_limit_usd,omitempty"`
	Enabled      bool      `json:"enabled"`
}

// Scopes names the request's position in the hierarchy. Empty ids are
// skipped.
type Scopes struct {
	Org     string
	App     string
	Feature string
	User    string
}

func (s Scopes) id(t ScopeType) string {
	switch t {
	case ScopeOrg:
		return s.Org
	case ScopeApp:
		return s.App
	case ScopeFeature:
		return s.Feature
	case ScopeUser:
		return s.User
	}
	return ""
}

// Store loads configured limits for a scope.
type Store interface {
	GetLimits(ctx context.Context, scopeType ScopeType, scopeID string) ([]Limit, error)
}

// reserved is one counter the reservation incremented.
type reserved struct {
	key   string
	units int64
	ttl   time.Duration
}

// Reservation holds the counters a request incremented, so they can be
// committed or released exactly once.
type Reservation struct {
	entries  []reserved
	units    int64
	Warnings []string

	mu       sync.Mutex
	finished bool
}

// EstimatedUSD returns the reserved amount in dollars.
func (r *Reservation) EstimatedUSD() float64 {
	return float64(r.units) / unitsPerUSD
}

// reserveScript atomically increments a counter, applies the window TTL on
// first touch, and rolls back when the hard limit would be crossed.
// KEYS[1] counter; ARGV[1] delta units, ARGV[2] limit units, ARGV[3] ttl ms.
// Returns {1, total} on success, {0, total-before} on denial.
const reserveScript = `
local total = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
if total > tonumber(ARGV[2]) then
	redis.call('DECRBY', KEYS[1], ARGV[1])
	return {0, total - ARGV[1]}
end
return {1, total}
`

type limitsEntry struct {
	limits   []Limit
	cachedAt time.Time
}

// Ledger reserves, commits, and releases spend against KV counters.
type Ledger struct {
	kv    kv.Store
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]limitsEntry
}

// NewLedger builds a Ledger; ttl bounds the limit-config cache.
func NewLedger(store kv.Store, limits Store, ttl time.Duration) *Ledger {
	return &Ledger{
		kv:    store,
		store: limits,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]limitsEntry),
	}
}

// WithClock replaces the ledger's clock. Tests only.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Reserve takes estimatedUSD against every enabled limit in scope order.
// On a hard denial everything already reserved is released and
// ErrBudgetExceeded is returned with the denying scope. Soft limits only
// add warnings.
func (l *Ledger) Reserve(ctx context.Context, scopes Scopes, estimatedUSD float64) (*Reservation, error) {
	units := toUnits(estimatedUSD)
	res := &Reservation{units: units}

	for _, st := range scopeOrder {
		id := scopes.id(st)
		if id == "" {
			continue
		}
		limits, err := l.limitsFor(ctx, st, id)
		if err != nil {
			_ = l.Release(ctx, res)
			return nil, err
		}
		for _, lim := range limits {
			if !lim.Enabled || lim.HardLimitUSD <= 0 {
				continue
			}
			key := counterKey(st, id, lim.Period, l.now())
			ttl := periodTTL(lim.Period)

			ok, total, err := l.reserveOne(ctx, key, units, toUnits(lim.HardLimitUSD), ttl)
			if err != nil {
				_ = l.Release(ctx, res)
				return nil, err
			}
			if !ok {
				_ = l.Release(ctx, res)
				return nil, fmt.Errorf("%w: %s %s over %s limit $%.2f (spent $%.4f)",
					ErrBudgetExceeded, st, id, lim.Period, lim.HardLimitUSD, float64(total)/unitsPerUSD)
			}
			res.entries = append(res.entries, reserved{key: key, units: units, ttl: ttl})

			if lim.SoftLimitUSD > 0 && total > toUnits(lim.SoftLimitUSD) {
				res.Warnings = append(res.Warnings, fmt.Sprintf(
					"%s %s past %s soft limit $%.2f (spent $%.4f)",
					st, id, lim.Period, lim.SoftLimitUSD, float64(total)/unitsPerUSD))
			}
		}
	}
	return res, nil
}

// Commit settles the reservation to actualUSD by applying the difference
// to every reserved counter. Safe to call once per reservation.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, actualUSD float64) error {
	if res == nil || !res.begin() {
		return nil
	}
	delta := toUnits(actualUSD) - res.units
	if delta == 0 {
		return nil
	}
	var firstErr error
	for _, e := range res.entries {
		if _, err := l.kv.IncrBy(ctx, e.key, delta); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("budget: commit %s: %w", e.key, err)
		}
	}
	return firstErr
}

// Release returns the full reserved amount to every counter. Used when the
// request is denied downstream of the reserve or never reaches a provider.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if res == nil || !res.begin() {
		return nil
	}
	var firstErr error
	for _, e := range res.entries {
		if _, err := l.kv.IncrBy(ctx, e.key, -e.units); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("budget: release %s: %w", e.key, err)
		}
	}
	return firstErr
}

// SpentUSD reads the current counter for a scope and period.
func (l *Ledger) SpentUSD(ctx context.Context, st ScopeType, id string, period Period) (float64, error) {
	key := counterKey(st, id, period, l.now())
	total, err := l.kv.IncrBy(ctx, key, 0)
	if err != nil {
		return 0, fmt.Errorf("budget: read %s: %w", key, err)
	}
	return float64(total) / unitsPerUSD, nil
}

// SetSpent overwrites a scope counter. Used by reconciliation to realign
// KV with the metered record of truth.
func (l *Ledger) SetSpent(ctx context.Context, st ScopeType, id string, period Period, usd float64) error {
	key := counterKey(st, id, period, l.now())
	if err := l.kv.SetTTL(ctx, key, fmt.Sprintf("%d", toUnits(usd)), periodTTL(period)); err != nil {
		return fmt.Errorf("budget: reconcile %s: %w", key, err)
	}
	return nil
}

// InvalidateLimits drops the cached limit config for a scope.
func (l *Ledger) InvalidateLimits(st ScopeType, id string) {
	l.mu.Lock()
	delete(l.cache, string(st)+":"+id)
	l.mu.Unlock()
}

func (r *Reservation) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.finished = true
	return true
}

func (l *Ledger) reserveOne(ctx context.Context, key string, units, limit int64, ttl time.Duration) (bool, int64, error) {
	raw, err := l.kv.Eval(ctx, reserveScript, []string{key}, units, limit, ttl.Milliseconds())
	if err != nil {
		return false, 0, fmt.Errorf("budget: reserve %s: %w", key, err)
	}
	vals, ok := raw.([]any)
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("budget: reserve %s: unexpected reply %T", key, raw)
	}
	okFlag, _ := vals[0].(int64)
	total, _ := vals[1].(int64)
	return okFlag == 1, total, nil
}

func (l *Ledger) limitsFor(ctx context.Context, st ScopeType, id string) ([]Limit, error) {
	key := string(st) + ":" + id

	l.mu.Lock()
	entry, ok := l.cache[key]
	l.mu.Unlock()
	if ok && time.Since(entry.cachedAt) <= l.ttl {
		return entry.limits, nil
	}

	limits, err := l.store.GetLimits(ctx, st, id)
	if err != nil {
		return nil, fmt.Errorf("budget: load limits for %s %s: %w", st, id, err)
	}

	l.mu.Lock()
	l.cache[key] = limitsEntry{limits: limits, cachedAt: time.Now()}
	l.mu.Unlock()
	return limits, nil
}

func counterKey(st ScopeType, id string, period Period, now time.Time) string {
	return fmt.Sprintf("budget:%s:%s:%s:%s", st, id, period, bucket(period, now))
}

// bucket names the current window so counters roll over naturally.
func bucket(period Period, now time.Time) string {
	now = now.UTC()
	switch period {
	case PeriodHourly:
		return now.Format("2006010215")
	case PeriodDaily:
		return now.Format("20060102")
	case PeriodWeekly:
		y, w := now.ISOWeek()
		return fmt.Sprintf("%04dW%02d", y, w)
	default:
		return now.Format("200601")
	}
}

// periodTTL is double the window so a counter survives until well past its
// bucket boundary for reconciliation reads.
func periodTTL(period Period) time.Duration {
	switch period {
	case PeriodHourly:
		return 2 * time.Hour
	case PeriodDaily:
		return 48 * time.Hour
	case PeriodWeekly:
		return 14 * 24 * time.Hour
	default:
		return 62 * 24 * time.Hour
	}
}

func toUnits(usd float64) int64 {
	return int64(math.Round(usd * unitsPerUSD))
}
