// Package quota enforces per-tenant monthly ceilings for billable work
// (emails, leads, campaigns, language-model tokens) and per-destination-
// domain daily send caps. Usage lives in the shared counter store under
// month- or day-scoped keys, so rollover is a new key, never a sweep.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/campaignforge/sendguard/internal/metrics"
	"github.com/campaignforge/sendguard/internal/provider"
	"github.com/campaignforge/sendguard/internal/store"
)

// Kind names a tracked usage counter.
type Kind string

const (
	KindEmails    Kind = "emails"
	KindLeads     Kind = "leads"
	KindCampaigns Kind = "campaigns"
	KindTokens    Kind = "llm_tokens"
)

// Tier is a tenant's subscription plan.
type Tier string

const (
	TierFree   Tier = "free"
	TierStart  Tier = "start"
	TierGrowth Tier = "growth"
	TierPro    Tier = "pro"
	TierAgency Tier = "agency"
)

// PlanLimits are the monthly ceilings for one tier.
type PlanLimits struct {
	EmailsPerMonth    int64 `json:"emails_per_month"`
	LeadsPerMonth     int64 `json:"leads_per_month"`
	CampaignsPerMonth int64 `json:"campaigns_per_month"`
	TokensPerMonth    int64 `json:"llm_tokens_per_month"`
}

var planLimits = map[Tier]PlanLimits{
	TierStart:  {EmailsPerMonth: 10_000, LeadsPerMonth: 1_000, CampaignsPerMonth: 10, TokensPerMonth: 100_000},
	TierGrowth: {EmailsPerMonth: 50_000, LeadsPerMonth: 5_000, CampaignsPerMonth: 50, TokensPerMonth: 500_000},
	TierPro:    {EmailsPerMonth: 200_000, LeadsPerMonth: 20_000, CampaignsPerMonth: 200, TokensPerMonth: 2_000_000},
	TierAgency: {EmailsPerMonth: 1_000_000, LeadsPerMonth: 100_000, CampaignsPerMonth: 1_000, TokensPerMonth: 10_000_000},
}

// LimitsFor returns the ceilings for a tier. Unknown tiers get the lowest
// paid tier, never unlimited.
func LimitsFor(tier Tier) PlanLimits {
	if l, ok := planLimits[tier]; ok {
		return l
	}
	return planLimits[TierStart]
}

// Limit returns the ceiling for one kind.
func (p PlanLimits) Limit(kind Kind) int64 {
	switch kind {
	case KindEmails:
		return p.EmailsPerMonth
	case KindLeads:
		return p.LeadsPerMonth
	case KindCampaigns:
		return p.CampaignsPerMonth
	case KindTokens:
		return p.TokensPerMonth
	default:
		return 0
	}
}

// TierSource reads a tenant's subscription tier from the billing
// collaborator.
type TierSource interface {
	Tier(ctx context.Context, tenantID string) (Tier, error)
}

// StaticTiers is a fixed tenant-to-tier mapping, useful standalone and in
// tests. Missing tenants read as the lowest paid tier.
type StaticTiers map[string]Tier

func (s StaticTiers) Tier(_ context.Context, tenantID string) (Tier, error) {
	if t, ok := s[tenantID]; ok {
		return t, nil
	}
	return TierStart, nil
}

// CheckResult answers one quota question with enough numbers for the caller
// to self-diagnose a denial.
type CheckResult struct {
	Allowed   bool   `json:"allowed"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// monthKeyTTL keeps superseded month counters around long enough for
// reporting before the store may evict them.
const monthKeyTTL = 62 * 24 * time.Hour

// Ledger is the per-tenant usage accounting over the shared counter store.
type Ledger struct {
	counters store.Counters
	tiers    TierSource
	logger   *slog.Logger

	now func() time.Time
}

// New creates a Ledger over the given counter store and tier source.
func New(counters store.Counters, tiers TierSource) *Ledger {
	return &Ledger{
		counters: counters,
		tiers:    tiers,
		logger:   slog.Default().With("component", "quota"),
		now:      time.Now,
	}
}

func (l *Ledger) monthKey(tenantID string, kind Kind) string {
	return fmt.Sprintf("quota:%s:%s:%s", tenantID, kind, l.now().Format("2006-01"))
}

func (l *Ledger) domainKey(domain string) string {
	return fmt.Sprintf("domain:%s:%s", domain, l.now().Format("2006-01-02"))
}

func (l *Ledger) tenantLimit(ctx context.Context, tenantID string, kind Kind) int64 {
	tier, err := l.tiers.Tier(ctx, tenantID)
	if err != nil {
		// The billing collaborator being down must not grant unlimited
		// access; the lowest paid tier applies.
		l.logger.Warn("tier lookup failed, assuming lowest paid tier",
			"tenant", tenantID, "error", err)
		tier = TierStart
	}
	return LimitsFor(tier).Limit(kind)
}

// CheckQuota reports whether the tenant may consume amount more units of
// kind this month. Read-only; pair with RecordUsage on success.
func (l *Ledger) CheckQuota(ctx context.Context, tenantID string, kind Kind, amount int64) (CheckResult, error) {
	limit := l.tenantLimit(ctx, tenantID, kind)

	used, err := l.counters.Get(ctx, l.monthKey(tenantID, kind))
	if err != nil {
		return CheckResult{}, fmt.Errorf("quota: read %s usage for %s: %w", kind, tenantID, err)
	}

	return l.judge(used, limit, amount, kind, fmt.Sprintf("monthly %s limit", kind)), nil
}

// RecordUsage persists an admitted unit of work. The increment is atomic
// against the monthly ceiling: concurrent writers can never push usage past
// the limit, so the final count under contention equals the limit exactly.
func (l *Ledger) RecordUsage(ctx context.Context, tenantID string, kind Kind, amount int64) error {
	limit := l.tenantLimit(ctx, tenantID, kind)
	key := l.monthKey(tenantID, kind)

	_, admitted, err := l.counters.IncrWithCeiling(ctx, key, amount, limit)
	if err != nil {
		return fmt.Errorf("quota: record %s usage for %s: %w", kind, tenantID, err)
	}
	if !admitted {
		return fmt.Errorf("quota: %s usage for %s already at limit %d", kind, tenantID, limit)
	}
	if err := l.counters.Expire(ctx, key, monthKeyTTL); err != nil && !errors.Is(err, store.ErrNotFound) {
		l.logger.Warn("failed to set usage counter expiry", "key", key, "error", err)
	}
	return nil
}

// CheckDomainDaily reports whether amount more sends may target domain
// today, under the destination provider's daily cap.
func (l *Ledger) CheckDomainDaily(ctx context.Context, domain string, class provider.Class, amount int64) (CheckResult, error) {
	limit := provider.DomainDailyCap(class)

	used, err := l.counters.Get(ctx, l.domainKey(domain))
	if err != nil {
		return CheckResult{}, fmt.Errorf("quota: read daily usage for %s: %w", domain, err)
	}

	return l.judge(used, limit, amount, KindEmails, fmt.Sprintf("daily limit for %s", domain)), nil
}

// RecordDomainSend counts admitted sends against the domain's daily cap.
func (l *Ledger) RecordDomainSend(ctx context.Context, domain string, class provider.Class, amount int64) error {
	limit := provider.DomainDailyCap(class)
	key := l.domainKey(domain)

	_, admitted, err := l.counters.IncrWithCeiling(ctx, key, amount, limit)
	if err != nil {
		return fmt.Errorf("quota: record sends for %s: %w", domain, err)
	}
	if !admitted {
		return fmt.Errorf("quota: daily sends for %s already at limit %d", domain, limit)
	}
	if err := l.counters.Expire(ctx, key, 48*time.Hour); err != nil && !errors.Is(err, store.ErrNotFound) {
		l.logger.Warn("failed to set domain counter expiry", "key", key, "error", err)
	}
	return nil
}

func (l *Ledger) judge(used, limit, amount int64, kind Kind, what string) CheckResult {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	if used+amount > limit {
		metrics.QuotaDenialsTotal.WithLabelValues(string(kind)).Inc()
		return CheckResult{
			Allowed:   false,
			Used:      used,
			Limit:     limit,
			Remaining: remaining,
			Reason:    fmt.Sprintf("%s (%d) exceeded: used %d, requested %d", what, limit, used, amount),
		}
	}

	return CheckResult{
		Allowed:   true,
		Used:      used,
		Limit:     limit,
		Remaining: remaining - amount,
	}
}
