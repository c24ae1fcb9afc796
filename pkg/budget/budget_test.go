package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/arbiter/pkg/kv"
)

type fakeLimits struct {
	limits map[string][]Limit
}

func (f *fakeLimits) GetLimits(_ context.Context, st ScopeType, id string) ([]Limit, error) {
	return f.limits[string(st)+":"+id], nil
}

func limitsFor(ls ...Limit) *fakeLimits {
	f := &fakeLimits{limits: make(map[string][]Limit)}
	for _, l := range ls {
		key := string(l.ScopeType) + ":" + l.ScopeID
		f.limits[key] = append(f.limits[key], l)
	}
	return f
}

func testLedger(t *testing.T, limits Store) *Ledger {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStoreFromClient(client)
	t.Cleanup(func() { _ = store.Close() })

	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	return NewLedger(store, limits, time.Minute).WithClock(func() time.Time { return fixed })
}

func TestReserveUnderLimit(t *testing.T) {
	l := testLedger(t, limitsFor(Limit{
		ScopeType: ScopeApp, ScopeID: "app-1", Period: PeriodDaily,
		HardLimitUSD: 1.00, Enabled: true,
	}))
	ctx := context.Background()
	scopes := Scopes{App: "app-1"}

	res, err := l.Reserve(ctx, scopes, 0.40)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.InDelta(t, 0.40, res.EstimatedUSD(), 1e-9)

	spent, err := l.SpentUSD(ctx, ScopeApp, "app-1", PeriodDaily)
	require.NoError(t, err)
	assert.InDelta(t, 0.40, spent, 1e-9)
}

func TestReserveHardDenialRollsBack(t *testing.T) {
	l := testLedger(t, limitsFor(Limit{
		ScopeType: ScopeApp, ScopeID: "app-1", Period: PeriodDaily,
		HardLimitUSD: 1.00, Enabled: true,
	}))
	ctx := context.Background()
	scopes := Scopes{App: "app-1"}

	_, err := l.Reserve(ctx, scopes, 0.80)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, scopes, 0.30)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// The denied reservation left no residue.
	spent, err := l.SpentUSD(ctx, ScopeApp, "app-1", PeriodDaily)
	require.NoError(t, err)
	assert.InDelta(t, 0.80, spent, 1e-9)
}

func TestReserveDenialReleasesWiderScopes(t *testing.T) {
	l := testLedger(t, limitsFor(
		Limit{ScopeType: ScopeOrg, ScopeID: "org-1", Period: PeriodDaily,
			HardLimitUSD: 100, Enabled: true},
		Limit{ScopeType: ScopeApp, ScopeID: "app-1", Period: PeriodDaily,
			HardLimitUSD: 0.05, Enabled: true},
	))
	ctx := context.Background()

	_, err := l.Reserve(ctx, Scopes{Org: "org-1", App: "app-1"}, 0.10)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// The org-level reservation taken before the app denial was returned.
	spent, err := l.SpentUSD(ctx, ScopeOrg, "org-1", PeriodDaily)
	require.NoError(t, err)
	assert.Zero(t, spent)
}

func TestReserveSoftLimitWarns(t *testing.T) {
	l := testLedger(t, limitsFor(Limit{
		ScopeType: ScopeApp, ScopeID: "app-1", Period: PeriodDaily,
		HardLimitUSD: 1.00, SoftLimitUSD: 0.50, Enabled: true,
	}))
	ctx := context.Background()
	scopes := Scopes{App: "app-1"}

	res, err := l.Reserve(ctx, scopes, 0.40)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	res, err = l.Reserve(ctx, scopes, 0.20)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "soft limit")
}

func TestCommitSettlesToActual(t *testing.T) {
	l := testLedger(t, limitsFor(Limit{
		ScopeType: ScopeApp, ScopeID: "app-1", Period: PeriodDaily,
		HardLimitUSD: 1.00, Enabled: true,
	}))
	ctx := context.Background()
	scopes := Scopes{App: "app-1"}

	res, err := l.Reserve(ctx, scopes, 0.50)
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res, 0.12))

	spent, err := l.SpentUSD(ctx, ScopeApp, "app-1", PeriodDaily)
	require.NoError(t, err)
	assert.InDelta(t, 0.12, spent, 1e-9)

	// A second settle is a no-op.
	require.NoError(t, l.Commit(ctx, res, 0.99))
	spent, err = l.SpentUSD(ctx, ScopeApp, "app-1", PeriodDaily)
	require.NoError(t, err)
	assert.InDelta(t, 0.12, spent, 1e-9)
}

func TestReleaseReturnsEverything(t *testing.T) {
	l := testLedger(t, limitsFor(Limit{
		ScopeType: ScopeApp, ScopeID: "app-1", Period: PeriodDaily,
		HardLimitUSD: 1.00, Enabled: true,
	}))
	ctx := context.Background()
	scopes := Scopes{App: "app-1"}

	res, err := l.Reserve(ctx, scopes, 0.30)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, res))

	spent, err := l.SpentUSD(ctx, ScopeApp, "app-1", PeriodDaily)
	require.NoError(t, err)
	assert.Zero(t, spent)

	// Release after release is a no-op, not a double refund.
	require.NoError(t, l.Release(ctx, res))
	spent, err = l.SpentUSD(ctx, ScopeApp, "app-1", PeriodDaily)
	require.NoError(t, err)
	assert.Zero(t, spent)
}

func TestWeeklyPeriodEnforced(t *testing.T) {
	l := testLedger(t, limitsFor(Limit{
		ScopeType: ScopeApp, ScopeID: "app-1", Period: PeriodWeekly,
		HardLimitUSD: 1.00, Enabled: true,
	}))
	ctx := context.Background()
	scopes := Scopes{App: "app-1"}

	_, err := l.Reserve(ctx, scopes, 0.80)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, scopes, 0.30)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	spent, err := l.SpentUSD(ctx, ScopeApp, "app-1", PeriodWeekly)
	require.NoError(t, err)
	assert.InDelta(t, 0.80, spent, 1e-9)
}

func TestWeeklyBucketFollowsISOWeek(t *testing.T) {
	// 2026-08-24 is a Monday; the previous Sunday sits in the prior week.
	monday := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	sunday := monday.Add(-time.Hour)
	saturday := monday.AddDate(0, 0, 5)

	assert.Equal(t, "2026W35", bucket(PeriodWeekly, monday))
	assert.Equal(t, bucket(PeriodWeekly, monday), bucket(PeriodWeekly, saturday))
	assert.NotEqual(t, bucket(PeriodWeekly, sunday), bucket(PeriodWeekly, monday))

	assert.Equal(t, 14*24*time.Hour, periodTTL(PeriodWeekly))
	assert.Equal(t, monday, windowStart(PeriodWeekly, saturday))
}

func TestScopesWithoutLimitsPass(t *testing.T) {
	l := testLedger(t, limitsFor())
	res, err := l.Reserve(context.Background(), Scopes{Org: "org-1", App: "app-1", User: "u-1"}, 5.00)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
}
