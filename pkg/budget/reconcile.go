package budget

import (
	"context"
	"log/slog"
	"time"
)

// CostSummer reports metered spend for a scope since a point in time. The
// metering store implements this over its usage records.
type CostSummer interface {
	SumCostsUSD(ctx context.Context, scopeType, scopeID string, since time.Time) (float64, error)
}

// LimitLister enumerates every limit that needs reconciling.
type LimitLister interface {
	ListAllLimits(ctx context.Context) ([]Limit, error)
}

// Reconciler periodically realigns the KV counters with the metered
// record of truth. KV drifts when a replica dies between reserve and
// commit; the metered ledger never does.
type Reconciler struct {
	ledger   *Ledger
	limits   LimitLister
	usage    CostSummer
	interval time.Duration
	logger   *slog.Logger
}

// NewReconciler builds a Reconciler that runs every interval.
func NewReconciler(ledger *Ledger, limits LimitLister, usage CostSummer, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		ledger:   ledger,
		limits:   limits,
		usage:    usage,
		interval: interval,
		logger:   logger.With("component", "budget_reconciler"),
	}
}

// Run blocks until ctx is cancelled, reconciling on each tick.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Warn("reconcile pass failed", "error", err)
			}
		}
	}
}

// ReconcileOnce rewrites every enabled limit's current-window counter from
// the metered spend. Individual scope failures are logged and skipped so
// one bad scope cannot stall the rest.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	limits, err := r.limits.ListAllLimits(ctx)
	if err != nil {
		return err
	}

	now := r.ledger.now()
	for _, lim := range limits {
		since := windowStart(lim.Period, now)
		spent, err := r.usage.SumCostsUSD(ctx, string(lim.ScopeType), lim.ScopeID, since)
		if err != nil {
			r.logger.Warn("sum costs failed",
				"scope_type", lim.ScopeType, "scope_id", lim.ScopeID, "error", err)
			continue
		}
		if err := r.ledger.SetSpent(ctx, lim.ScopeType, lim.ScopeID, lim.Period, spent); err != nil {
			r.logger.Warn("set counter failed",
				"scope_type", lim.ScopeType, "scope_id", lim.ScopeID, "error", err)
		}
	}
	return nil
}

func windowStart(period Period, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case PeriodHourly:
		return now.Truncate(time.Hour)
	case PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodWeekly:
		// ISO weeks start on Monday.
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}
