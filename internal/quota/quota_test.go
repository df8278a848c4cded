package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaignforge/sendguard/internal/provider"
	"github.com/campaignforge/sendguard/internal/store"
)

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, tiers TierSource) *Ledger {
	t.Helper()
	counters, err := store.Factory(store.Config{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, counters.Connect())
	t.Cleanup(func() { counters.Close() })

	if tiers == nil {
		tiers = StaticTiers{}
	}
	l := New(counters, tiers)
	l.now = func() time.Time { return testNow }
	return l
}

func TestLimitsFor(t *testing.T) {
	assert.Equal(t, int64(10_000), LimitsFor(TierStart).EmailsPerMonth)
	assert.Equal(t, int64(1_000_000), LimitsFor(TierAgency).EmailsPerMonth)
	assert.Equal(t, LimitsFor(TierStart), LimitsFor(Tier("enterprise")),
		"unknown tiers get the lowest paid tier, not unlimited")
}

func TestPlanLimitByKind(t *testing.T) {
	p := LimitsFor(TierGrowth)
	assert.Equal(t, int64(50_000), p.Limit(KindEmails))
	assert.Equal(t, int64(5_000), p.Limit(KindLeads))
	assert.Equal(t, int64(50), p.Limit(KindCampaigns))
	assert.Equal(t, int64(500_000), p.Limit(KindTokens))
	assert.Equal(t, int64(0), p.Limit(Kind("widgets")))
}

func TestCheckQuotaNearCeiling(t *testing.T) {
	l := newTestLedger(t, StaticTiers{"t1": TierStart})
	ctx := context.Background()

	require.NoError(t, l.counters.Set(ctx, "quota:t1:emails:2026-03", 9_999, 0))

	r, err := l.CheckQuota(ctx, "t1", KindEmails, 2)
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Equal(t, int64(10_000), r.Limit)
	assert.Equal(t, int64(9_999), r.Used)
	assert.Equal(t, int64(1), r.Remaining)
	assert.Contains(t, r.Reason, "10000")
	assert.Contains(t, r.Reason, "9999")

	r, err = l.CheckQuota(ctx, "t1", KindEmails, 1)
	require.NoError(t, err)
	assert.True(t, r.Allowed, "the final unit is still available")
	assert.Equal(t, int64(0), r.Remaining)
}

func TestCheckThenRecordUntilLimit(t *testing.T) {
	l := newTestLedger(t, StaticTiers{"t1": TierStart})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		r, err := l.CheckQuota(ctx, "t1", KindCampaigns, 1)
		require.NoError(t, err)
		require.True(t, r.Allowed, "campaign %d", i)
		require.NoError(t, l.RecordUsage(ctx, "t1", KindCampaigns, 1))
	}

	r, err := l.CheckQuota(ctx, "t1", KindCampaigns, 1)
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Equal(t, int64(10), r.Used)

	err = l.RecordUsage(ctx, "t1", KindCampaigns, 1)
	assert.Error(t, err, "recording past the ceiling is refused")
}

func TestConcurrentRecordNeverExceedsLimit(t *testing.T) {
	l := newTestLedger(t, StaticTiers{"t1": TierStart})
	ctx := context.Background()

	const workers = 40 // campaigns limit is 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, err := l.CheckQuota(ctx, "t1", KindCampaigns, 1); err == nil && r.Allowed {
				_ = l.RecordUsage(ctx, "t1", KindCampaigns, 1)
			}
		}()
	}
	wg.Wait()

	used, err := l.counters.Get(ctx, "quota:t1:campaigns:2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(10), used, "usage settles at the limit, never above")
}

func TestMonthRollover(t *testing.T) {
	l := newTestLedger(t, StaticTiers{"t1": TierStart})
	ctx := context.Background()

	require.NoError(t, l.RecordUsage(ctx, "t1", KindEmails, 500))

	r, err := l.CheckQuota(ctx, "t1", KindEmails, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), r.Used)

	l.now = func() time.Time { return testNow.AddDate(0, 1, 0) }

	r, err = l.CheckQuota(ctx, "t1", KindEmails, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Used, "a new month reads a fresh counter")
}

func TestTierLookupFailureAssumesStart(t *testing.T) {
	l := newTestLedger(t, failingTiers{})
	ctx := context.Background()

	r, err := l.CheckQuota(ctx, "t1", KindEmails, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), r.Limit)
}

type failingTiers struct{}

func (failingTiers) Tier(context.Context, string) (Tier, error) {
	return "", errors.New("billing unavailable")
}

func TestDomainDaily(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()

	require.NoError(t, l.counters.Set(ctx, "domain:gmail.com:2026-03-15", 89, 0))

	r, err := l.CheckDomainDaily(ctx, "gmail.com", provider.Gmail, 2)
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Equal(t, int64(90), r.Limit)
	assert.Contains(t, r.Reason, "gmail.com")

	r, err = l.CheckDomainDaily(ctx, "gmail.com", provider.Gmail, 1)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	require.NoError(t, l.RecordDomainSend(ctx, "gmail.com", provider.Gmail, 1))

	r, err = l.CheckDomainDaily(ctx, "gmail.com", provider.Gmail, 1)
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	// Other domains and generic destinations are unaffected.
	r, err = l.CheckDomainDaily(ctx, "example.com", provider.Generic, 1)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, int64(500), r.Limit)
}

func TestDomainDailyRollsOverByDate(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()

	require.NoError(t, l.RecordDomainSend(ctx, "gmail.com", provider.Gmail, 90))

	r, err := l.CheckDomainDaily(ctx, "gmail.com", provider.Gmail, 1)
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	l.now = func() time.Time { return testNow.AddDate(0, 0, 1) }

	r, err = l.CheckDomainDaily(ctx, "gmail.com", provider.Gmail, 1)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
}
