// Package abuse detects runaway callers before they reach a provider:
// tight request loops, duplicate submissions, rate spikes against a
// learned baseline, retry storms, self-referential prompts, and cost
// spikes. All state lives in the key-value store so every gateway replica
// sees the same counters.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arbiterlabs/arbiter/pkg/kv"
	"github.com/arbiterlabs/arbiter/pkg/provider"
)

// Reason is the stable machine-readable cause of an abuse verdict.
type Reason string

const (
	ReasonLoopDetected      Reason = "LOOP_DETECTED"
	ReasonDuplicateRequest  Reason = "DUPLICATE_REQUEST"
	ReasonRateSpike         Reason = "RATE_SPIKE"
	ReasonSelfReference     Reason = "SELF_REFERENCE"
	ReasonRetryStorm        Reason = "RETRY_STORM"
	ReasonCostSpike         Reason = "COST_SPIKE"
	ReasonSuspiciousPattern Reason = "SUSPICIOUS_PATTERN"
)

// Verdict is the outcome of an abuse check.
type Verdict struct {
	Blocked    bool
	Reason     Reason
	Detail     string
	RetryAfter time.Duration
	Warnings   []string
}

// Config tunes the detector windows and thresholds.
type Config struct {
	// LoopThreshold identical signatures inside LoopWindow trips a
	// LoopCooldown block.
	LoopWindow    time.Duration
	LoopThreshold int
	LoopCooldown  time.Duration

	// A repeated signature inside DedupWindow is a duplicate.
	DedupWindow time.Duration

	// RateCeiling requests inside RateWindow is an unconditional spike.
	RateWindow  time.Duration
	RateCeiling int

	// With at least BaselineMinSamples recorded rate samples, a current
	// rate above mean*BaselineMultiplier is a spike.
	BaselineMinSamples int
	BaselineMultiplier float64

	// ErrorThreshold errors inside ErrorWindow trips a RetryStormCooldown
	// block.
	ErrorWindow        time.Duration
	ErrorThreshold     int
	RetryStormCooldown time.Duration

	// With at least CostMinSamples samples and a mean above CostFloorUSD,
	// a request costing more than mean*CostMultiplier raises a cost-spike
	// warning. Never blocks.
	CostMinSamples int
	CostMultiplier float64
	CostFloorUSD   float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		LoopWindow:         60 * time.Second,
		LoopThreshold:      5,
		LoopCooldown:       30 * time.Second,
		DedupWindow:        5 * time.Second,
		RateWindow:         60 * time.Second,
		RateCeiling:        300,
		BaselineMinSamples: 50,
		BaselineMultiplier: 5,
		ErrorWindow:        60 * time.Second,
		ErrorThreshold:     20,
		RetryStormCooldown: 120 * time.Second,
		CostMinSamples:     10,
		CostMultiplier:     10,
		CostFloorUSD:       0.001,
	}
}

// Phrases that make a prompt ask the gateway to call itself. Matching is
// case-insensitive substring.
var selfReferencePhrases = []string{
	"ignore this api",
	"call yourself",
	"call this api again",
	"invoke this gateway",
	"recursively call",
	"loop this request",
}

// Detector runs the ordered abuse checks against shared KV state.
type Detector struct {
	kv  kv.Store
	cfg Config
	now func() time.Time
	seq atomic.Int64
}

// New builds a Detector over the shared KV store.
func New(store kv.Store, cfg Config) *Detector {
	return &Detector{kv: store, cfg: cfg, now: time.Now}
}

// WithClock replaces the detector's clock. Tests only.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

func blockedKey(app string) string { return "abuse:blocked:" + app }
func signatureKey(app, sig string) string {
	return "abuse:signatures:" + app + ":" + sig
}
func requestsKey(app string) string { return "abuse:requests:" + app }
func statsKey(app string) string    { return "abuse:stats:" + app }
func errorsKey(app string) string   { return "abuse:errors:" + app }
func costsKey(app string) string    { return "abuse:costs:" + app }

// Check runs the blocking abuse checks in order. The first tripped check
// wins; later checks do not run. A nil-Blocked verdict may still carry
// warnings.
func (d *Detector) Check(ctx context.Context, app, sig string, messages []provider.Message) (*Verdict, error) {
	if v, err := d.checkBlocked(ctx, app); err != nil || v != nil {
		return v, err
	}
	if v, err := d.checkSignature(ctx, app, sig); err != nil || v != nil {
		return v, err
	}
	if v, err := d.checkRate(ctx, app); err != nil || v != nil {
		return v, err
	}
	if v := d.checkSelfReference(messages); v != nil {
		return v, nil
	}
	return &Verdict{}, nil
}

// RecordError counts an upstream or pipeline error against the app. Too
// many errors in the window blocks the app for the retry-storm cooldown;
// the verdict reports the block so the caller can surface it.
func (d *Detector) RecordError(ctx context.Context, app string) (*Verdict, error) {
	nowMs := d.now().UnixMilli()
	key := errorsKey(app)

	if err := d.slideWindow(ctx, key, nowMs, d.cfg.ErrorWindow); err != nil {
		return nil, err
	}
	count, err := d.kv.ZCount(ctx, key, float64(nowMs)-float64(d.cfg.ErrorWindow.Milliseconds()), float64(nowMs))
	if err != nil {
		return nil, fmt.Errorf("abuse: count errors: %w", err)
	}
	if count > int64(d.cfg.ErrorThreshold) {
		if err := d.block(ctx, app, ReasonRetryStorm, d.cfg.RetryStormCooldown); err != nil {
			return nil, err
		}
		return &Verdict{
			Blocked:    true,
			Reason:     ReasonRetryStorm,
			Detail:     fmt.Sprintf("%d errors in %s", count, d.cfg.ErrorWindow),
			RetryAfter: d.cfg.RetryStormCooldown,
		}, nil
	}
	return &Verdict{}, nil
}

// RecordCost records a committed request cost and reports whether it is a
// spike against the app's recent mean. Cost spikes warn, never block.
func (d *Detector) RecordCost(ctx context.Context, app string, costUSD float64) (bool, error) {
	key := costsKey(app)

	samples, err := d.kv.LRange(ctx, key, 0, int64(d.cfg.CostMinSamples*5))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return false, fmt.Errorf("abuse: read cost samples: %w", err)
	}

	spike := false
	if len(samples) >= d.cfg.CostMinSamples {
		var sum float64
		n := 0
		for _, s := range samples {
			f, perr := strconv.ParseFloat(s, 64)
			if perr != nil {
				continue
			}
			sum += f
			n++
		}
		if n >= d.cfg.CostMinSamples {
			mean := sum / float64(n)
			if mean > d.cfg.CostFloorUSD && costUSD > mean*d.cfg.CostMultiplier {
				spike = true
			}
		}
	}

	if err := d.kv.LPushTrim(ctx, key, strconv.FormatFloat(costUSD, 'f', -1, 64), int64(d.cfg.CostMinSamples*5)); err != nil {
		return spike, fmt.Errorf("abuse: record cost: %w", err)
	}
	return spike, nil
}

// Unblock clears an active cooldown. Admin path.
func (d *Detector) Unblock(ctx context.Context, app string) error {
	return d.kv.Delete(ctx, blockedKey(app))
}

func (d *Detector) checkBlocked(ctx context.Context, app string) (*Verdict, error) {
	val, err := d.kv.Get(ctx, blockedKey(app))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("abuse: read block: %w", err)
	}

	// Every request during an active cooldown reports SUSPICIOUS_PATTERN;
	// the reason that tripped the cooldown survives in the detail.
	detail := "application is in cooldown"
	var retryAfter time.Duration
	if parts := strings.SplitN(val, ":", 2); len(parts) == 2 {
		detail = "application is in cooldown (" + parts[0] + ")"
		if until, perr := strconv.ParseInt(parts[1], 10, 64); perr == nil {
			if remaining := time.UnixMilli(until).Sub(d.now()); remaining > 0 {
				retryAfter = remaining
			}
		}
	}
	return &Verdict{
		Blocked:    true,
		Reason:     ReasonSuspiciousPattern,
		Detail:     detail,
		RetryAfter: retryAfter,
	}, nil
}

func (d *Detector) checkSignature(ctx context.Context, app, sig string) (*Verdict, error) {
	nowMs := d.now().UnixMilli()
	key := signatureKey(app, sig)

	if err := d.slideWindow(ctx, key, nowMs, d.cfg.LoopWindow); err != nil {
		return nil, err
	}

	loopCount, err := d.kv.ZCount(ctx, key, float64(nowMs)-float64(d.cfg.LoopWindow.Milliseconds()), float64(nowMs))
	if err != nil {
		return nil, fmt.Errorf("abuse: count signatures: %w", err)
	}
	if loopCount >= int64(d.cfg.LoopThreshold) {
		if err := d.block(ctx, app, ReasonLoopDetected, d.cfg.LoopCooldown); err != nil {
			return nil, err
		}
		return &Verdict{
			Blocked:    true,
			Reason:     ReasonLoopDetected,
			Detail:     fmt.Sprintf("%d identical requests in %s", loopCount, d.cfg.LoopWindow),
			RetryAfter: d.cfg.LoopCooldown,
		}, nil
	}

	dupCount, err := d.kv.ZCount(ctx, key, float64(nowMs)-float64(d.cfg.DedupWindow.Milliseconds()), float64(nowMs))
	if err != nil {
		return nil, fmt.Errorf("abuse: count duplicates: %w", err)
	}
	// The current request was just added, so anything beyond one entry in
	// the dedup window is a resubmission.
	if dupCount >= 2 {
		return &Verdict{
			Blocked:    true,
			Reason:     ReasonDuplicateRequest,
			Detail:     fmt.Sprintf("identical request within %s", d.cfg.DedupWindow),
			RetryAfter: d.cfg.DedupWindow,
		}, nil
	}
	return nil, nil
}

func (d *Detector) checkRate(ctx context.Context, app string) (*Verdict, error) {
	nowMs := d.now().UnixMilli()
	key := requestsKey(app)

	if err := d.slideWindow(ctx, key, nowMs, d.cfg.RateWindow); err != nil {
		return nil, err
	}
	count, err := d.kv.ZCount(ctx, key, float64(nowMs)-float64(d.cfg.RateWindow.Milliseconds()), float64(nowMs))
	if err != nil {
		return nil, fmt.Errorf("abuse: count requests: %w", err)
	}

	if count > int64(d.cfg.RateCeiling) {
		if err := d.block(ctx, app, ReasonRateSpike, d.cfg.RateWindow); err != nil {
			return nil, err
		}
		return &Verdict{
			Blocked:    true,
			Reason:     ReasonRateSpike,
			Detail:     fmt.Sprintf("%d requests in %s exceeds ceiling %d", count, d.cfg.RateWindow, d.cfg.RateCeiling),
			RetryAfter: d.cfg.RateWindow,
		}, nil
	}

	// Baseline comparison: the mean of previously recorded window counts.
	samples, err := d.kv.LRange(ctx, statsKey(app), 0, int64(d.cfg.BaselineMinSamples*4))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("abuse: read baseline: %w", err)
	}
	var verdict *Verdict
	if len(samples) >= d.cfg.BaselineMinSamples {
		var sum float64
		n := 0
		for _, s := range samples {
			f, perr := strconv.ParseFloat(s, 64)
			if perr != nil {
				continue
			}
			sum += f
			n++
		}
		if n >= d.cfg.BaselineMinSamples {
			mean := sum / float64(n)
			if mean > 0 && float64(count) > mean*d.cfg.BaselineMultiplier {
				if err := d.block(ctx, app, ReasonRateSpike, d.cfg.RateWindow); err != nil {
					return nil, err
				}
				verdict = &Verdict{
					Blocked:    true,
					Reason:     ReasonRateSpike,
					Detail:     fmt.Sprintf("rate %d is %.1fx the baseline %.1f", count, float64(count)/mean, mean),
					RetryAfter: d.cfg.RateWindow,
				}
			}
		}
	}

	if err := d.kv.LPushTrim(ctx, statsKey(app), strconv.FormatInt(count, 10), int64(d.cfg.BaselineMinSamples*4)); err != nil {
		return nil, fmt.Errorf("abuse: record baseline: %w", err)
	}
	return verdict, nil
}

func (d *Detector) checkSelfReference(messages []provider.Message) *Verdict {
	for _, m := range messages {
		if m.Trusted {
			continue
		}
		lower := strings.ToLower(m.Content)
		for _, phrase := range selfReferencePhrases {
			if strings.Contains(lower, phrase) {
				return &Verdict{
					Blocked: true,
					Reason:  ReasonSelfReference,
					Detail:  fmt.Sprintf("prompt references the gateway itself (%q)", phrase),
				}
			}
		}
	}
	return nil
}

// slideWindow records the current event and evicts entries older than the
// window.
func (d *Detector) slideWindow(ctx context.Context, key string, nowMs int64, window time.Duration) error {
	cutoff := float64(nowMs) - float64(window.Milliseconds())
	if err := d.kv.ZRemRangeByScore(ctx, key, 0, cutoff-1); err != nil {
		return fmt.Errorf("abuse: trim window: %w", err)
	}
	// Members carry a sequence suffix so events at the same millisecond
	// remain distinct set entries.
	member := strconv.FormatInt(nowMs, 10) + "-" + strconv.FormatInt(d.seq.Add(1), 10)
	if err := d.kv.ZAdd(ctx, key, float64(nowMs), member); err != nil {
		return fmt.Errorf("abuse: record event: %w", err)
	}
	// Keys for idle apps expire on their own.
	if err := d.kv.ExpireNX(ctx, key, window*2); err != nil {
		return fmt.Errorf("abuse: expire window: %w", err)
	}
	return nil
}

func (d *Detector) block(ctx context.Context, app string, reason Reason, cooldown time.Duration) error {
	until := d.now().Add(cooldown).UnixMilli()
	val := string(reason) + ":" + strconv.FormatInt(until, 10)
	if err := d.kv.SetTTL(ctx, blockedKey(app), val, cooldown); err != nil {
		return fmt.Errorf("abuse: set block: %w", err)
	}
	return nil
}
