// Package policy is the façade a dispatch worker calls before sending:
// it composes the quota ledger, the per-plan daily send limit, the warmup
// scheduler, the provider rate limiter, a domain-rotation advisory, and the
// bounce-rate circuit breaker into one verdict.
//
// Evaluation order is fixed and documented on Evaluate; the first binding
// denial wins, but every sub-result is reported for observability. Internal
// faults in availability-affecting checks fail open, loudly; the bounce
// breaker fails to "no verdict change".
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/campaignforge/sendguard/internal/alert"
	"github.com/campaignforge/sendguard/internal/metrics"
	"github.com/campaignforge/sendguard/internal/provider"
	"github.com/campaignforge/sendguard/internal/quota"
	"github.com/campaignforge/sendguard/internal/ratelimit"
	"github.com/campaignforge/sendguard/internal/store"
	"github.com/campaignforge/sendguard/internal/warmup"
)

// Config holds the enforcement thresholds. The multipliers are empirical
// tuning, kept configurable on purpose.
type Config struct {
	BounceWarnThreshold  float64 `toml:"bounce_warn_threshold"`
	BouncePauseThreshold float64 `toml:"bounce_pause_threshold"`
	RotationMultiplier   float64 `toml:"rotation_multiplier"`
	WarnThrottleFactor   float64 `toml:"warn_throttle_factor"`

	// DailySendLimits caps tenant-wide sends per day by plan tier.
	DailySendLimits map[string]int64 `toml:"daily_send_limits"`
}

// DefaultConfig returns the shipped thresholds.
func DefaultConfig() Config {
	return Config{
		BounceWarnThreshold:  0.02,
		BouncePauseThreshold: 0.05,
		RotationMultiplier:   1.5,
		WarnThrottleFactor:   0.5,
		DailySendLimits: map[string]int64{
			string(quota.TierFree):   10,
			string(quota.TierStart):  300,
			string(quota.TierGrowth): 1_500,
			string(quota.TierPro):    6_000,
			string(quota.TierAgency): 30_000,
		},
	}
}

// SubResult is one sub-policy's contribution to a verdict.
type SubResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Warning string `json:"warning,omitempty"`
	Used    int64  `json:"used,omitempty"`
	Limit   int64  `json:"limit,omitempty"`
}

// Verdict is the composed decision. BindingPolicy names the sub-policy that
// produced the denial, when there is one.
type Verdict struct {
	Allowed        bool                 `json:"allowed"`
	ThrottleFactor float64              `json:"throttle_factor,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	BindingPolicy  string               `json:"binding_policy,omitempty"`
	Warnings       []string             `json:"warnings,omitempty"`
	Policies       map[string]SubResult `json:"policies"`
}

// Enforcer composes the sub-policies over shared state.
type Enforcer struct {
	cfg       Config
	quota     *quota.Ledger
	warmup    *warmup.Scheduler
	ratelimit *ratelimit.Limiter
	accounts  store.Accounts
	counters  store.Counters
	tiers     quota.TierSource
	bounces   BounceSource
	alerts    alert.Sink
	logger    *slog.Logger

	now func() time.Time
}

// Deps are the collaborators an Enforcer composes.
type Deps struct {
	Quota     *quota.Ledger
	Warmup    *warmup.Scheduler
	RateLimit *ratelimit.Limiter
	Accounts  store.Accounts
	Counters  store.Counters
	Tiers     quota.TierSource
	Bounces   BounceSource
	Alerts    alert.Sink
}

// New creates an Enforcer.
func New(cfg Config, deps Deps) *Enforcer {
	def := DefaultConfig()
	if cfg.BounceWarnThreshold <= 0 {
		cfg.BounceWarnThreshold = def.BounceWarnThreshold
	}
	if cfg.BouncePauseThreshold <= 0 {
		cfg.BouncePauseThreshold = def.BouncePauseThreshold
	}
	if cfg.RotationMultiplier <= 0 {
		cfg.RotationMultiplier = def.RotationMultiplier
	}
	if cfg.WarnThrottleFactor <= 0 {
		cfg.WarnThrottleFactor = def.WarnThrottleFactor
	}
	if len(cfg.DailySendLimits) == 0 {
		cfg.DailySendLimits = def.DailySendLimits
	}
	alerts := deps.Alerts
	if alerts == nil {
		alerts = alert.NewLogSink()
	}
	return &Enforcer{
		cfg:       cfg,
		quota:     deps.Quota,
		warmup:    deps.Warmup,
		ratelimit: deps.RateLimit,
		accounts:  deps.Accounts,
		counters:  deps.Counters,
		tiers:     deps.Tiers,
		bounces:   deps.Bounces,
		alerts:    alerts,
		logger:    slog.Default().With("component", "policy"),
		now:       time.Now,
	}
}

// Evaluate decides whether count messages may go out now for the tenant
// through the given sending account toward the given destination domain.
//
// Checks run in a fixed order and the first binding denial wins:
//  1. tenant monthly email quota
//  2. per-plan tenant daily send limit
//  3. warmup ceiling for the sending account
//  4. provider daily ceiling for the sending account
//  5. destination-domain daily cap by provider class
//  6. domain-rotation advisory (never denies, only warns)
//  7. bounce-rate circuit breaker (may deny and deactivate accounts)
//
// An unknown account id surfaces as store.ErrNotFound; internal faults in
// checks 1-6 fail open and are logged and metered.
func (e *Enforcer) Evaluate(ctx context.Context, tenantID, accountID, domain string, count int64) (Verdict, error) {
	verdict := Verdict{Allowed: true, Policies: make(map[string]SubResult)}

	// Programmer-error inputs are reported distinctly, not converted.
	if accountID != "" {
		account, err := e.accounts.Get(ctx, accountID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return Verdict{}, fmt.Errorf("policy: account %s: %w", accountID, err)
		case err != nil:
			e.failOpen("account-lookup", err)
		case !account.Active:
			verdict.Allowed = false
			verdict.Reason = fmt.Sprintf("account %s is deactivated", accountID)
			verdict.BindingPolicy = "account"
			verdict.Policies["account"] = SubResult{Allowed: false, Reason: verdict.Reason}
		}
	}

	e.apply(&verdict, "quota", func() (SubResult, error) {
		return e.checkMonthlyQuota(ctx, tenantID, count)
	})
	e.apply(&verdict, "daily_limit", func() (SubResult, error) {
		return e.checkDailySendLimit(ctx, tenantID, count)
	})
	if accountID != "" {
		e.apply(&verdict, "warmup", func() (SubResult, error) {
			return e.checkWarmup(ctx, accountID, count)
		})
		e.apply(&verdict, "rate_limit", func() (SubResult, error) {
			return e.checkProviderLimit(ctx, accountID, count)
		})
	}
	if domain != "" {
		e.apply(&verdict, "domain_cap", func() (SubResult, error) {
			return e.checkDomainCap(ctx, domain, count)
		})
		e.apply(&verdict, "domain_rotation", func() (SubResult, error) {
			return e.checkRotation(ctx, tenantID, domain)
		})
	}
	e.checkBounceBreaker(ctx, tenantID, accountID, &verdict)

	if verdict.Allowed {
		metrics.PolicyVerdictsTotal.WithLabelValues(verdictLabel(verdict)).Inc()
	} else {
		metrics.PolicyVerdictsTotal.WithLabelValues("denied").Inc()
	}
	return verdict, nil
}

func verdictLabel(v Verdict) string {
	if v.ThrottleFactor > 0 {
		return "throttled"
	}
	return "allowed"
}

// apply runs one availability-affecting sub-check, failing open on error.
// Only the first denial binds the verdict; later results are still recorded.
func (e *Enforcer) apply(verdict *Verdict, name string, check func() (SubResult, error)) {
	result, err := check()
	if err != nil {
		e.failOpen(name, err)
		verdict.Policies[name] = SubResult{Allowed: true, Warning: "check failed, allowed by default"}
		return
	}
	verdict.Policies[name] = result
	if result.Warning != "" {
		verdict.Warnings = append(verdict.Warnings, result.Warning)
	}
	if !result.Allowed && verdict.Allowed {
		verdict.Allowed = false
		verdict.Reason = result.Reason
		verdict.BindingPolicy = name
	}
}

func (e *Enforcer) failOpen(name string, err error) {
	e.logger.Error("sub-policy fault, failing open", "policy", name, "error", err)
	metrics.FailOpenTotal.WithLabelValues(name).Inc()
}

func (e *Enforcer) checkMonthlyQuota(ctx context.Context, tenantID string, count int64) (SubResult, error) {
	r, err := e.quota.CheckQuota(ctx, tenantID, quota.KindEmails, count)
	if err != nil {
		return SubResult{}, err
	}
	return SubResult{Allowed: r.Allowed, Reason: r.Reason, Used: r.Used, Limit: r.Limit}, nil
}

func (e *Enforcer) tenantDailyKey(tenantID string) string {
	return fmt.Sprintf("tenantdaily:%s:%s", tenantID, e.now().Format("2006-01-02"))
}

func (e *Enforcer) dailyLimitFor(ctx context.Context, tenantID string) int64 {
	tier, err := e.tiers.Tier(ctx, tenantID)
	if err != nil {
		tier = quota.TierStart
	}
	if limit, ok := e.cfg.DailySendLimits[string(tier)]; ok {
		return limit
	}
	return e.cfg.DailySendLimits[string(quota.TierStart)]
}

func (e *Enforcer) checkDailySendLimit(ctx context.Context, tenantID string, count int64) (SubResult, error) {
	limit := e.dailyLimitFor(ctx, tenantID)
	sent, err := e.counters.Get(ctx, e.tenantDailyKey(tenantID))
	if err != nil {
		return SubResult{}, err
	}
	if sent+count > limit {
		return SubResult{
			Allowed: false,
			Reason:  fmt.Sprintf("daily send limit (%d) exceeded: sent today %d, requested %d", limit, sent, count),
			Used:    sent,
			Limit:   limit,
		}, nil
	}
	return SubResult{Allowed: true, Used: sent, Limit: limit}, nil
}

func (e *Enforcer) checkWarmup(ctx context.Context, accountID string, count int64) (SubResult, error) {
	d, err := e.warmup.CanSend(ctx, accountID)
	if err != nil {
		return SubResult{}, err
	}
	if !d.CanSend {
		return SubResult{Allowed: false, Reason: d.Reason, Limit: d.DailyLimit}, nil
	}
	if d.Remaining != warmup.Unlimited && count > d.Remaining {
		return SubResult{
			Allowed: false,
			Reason:  fmt.Sprintf("warmup allows %d more emails today, requested %d", d.Remaining, count),
			Limit:   d.DailyLimit,
		}, nil
	}
	return SubResult{Allowed: true, Limit: d.DailyLimit}, nil
}

func (e *Enforcer) checkProviderLimit(ctx context.Context, accountID string, count int64) (SubResult, error) {
	s, err := e.ratelimit.CheckRateLimit(ctx, accountID)
	if err != nil {
		return SubResult{}, err
	}
	if !s.CanSend {
		return SubResult{Allowed: false, Reason: s.Reason, Limit: s.DailyLimit}, nil
	}
	if count > s.Remaining {
		return SubResult{
			Allowed: false,
			Reason:  fmt.Sprintf("provider daily ceiling allows %d more emails today, requested %d", s.Remaining, count),
			Limit:   s.DailyLimit,
		}, nil
	}
	return SubResult{Allowed: true, Limit: s.DailyLimit}, nil
}

// checkDomainCap applies the per-provider destination-domain daily ceiling.
func (e *Enforcer) checkDomainCap(ctx context.Context, domain string, count int64) (SubResult, error) {
	r, err := e.quota.CheckDomainDaily(ctx, domain, provider.Detect(domain), count)
	if err != nil {
		return SubResult{}, err
	}
	return SubResult{Allowed: r.Allowed, Reason: r.Reason, Used: r.Used, Limit: r.Limit}, nil
}

// checkRotation warns when one of a tenant's domains has sent much more
// than the tenant's per-domain mean today. Advisory only.
func (e *Enforcer) checkRotation(ctx context.Context, tenantID, domain string) (SubResult, error) {
	accounts, err := e.accounts.ListByTenant(ctx, tenantID)
	if err != nil {
		return SubResult{}, err
	}

	sends := make(map[string]int64)
	for _, a := range accounts {
		d := a.Domain()
		if d == "" {
			continue
		}
		if sameDay(a.LastSentDate, e.now()) {
			sends[d] += a.DailySent
		} else {
			sends[d] += 0
		}
	}
	if len(sends) < 2 {
		return SubResult{Allowed: true}, nil
	}

	var total int64
	for _, n := range sends {
		total += n
	}
	mean := float64(total) / float64(len(sends))

	if float64(sends[domain]) > mean*e.cfg.RotationMultiplier {
		return SubResult{
			Allowed: true,
			Warning: fmt.Sprintf("domain %s is overused today (%d sends vs %.0f mean), consider rotating", domain, sends[domain], mean),
		}, nil
	}
	return SubResult{Allowed: true}, nil
}

// checkBounceBreaker applies the trailing-24h bounce thresholds. Unlike the
// other checks its failure mode is "no verdict change": stale safety data
// is preferred over blind trust.
func (e *Enforcer) checkBounceBreaker(ctx context.Context, tenantID, accountID string, verdict *Verdict) {
	sent, bounced, err := e.bounces.BounceStats(ctx, tenantID)
	if err != nil {
		e.logger.Error("bounce stats unavailable, verdict unchanged", "tenant", tenantID, "error", err)
		verdict.Policies["bounce"] = SubResult{Allowed: true, Warning: "bounce stats unavailable"}
		return
	}

	if sent == 0 {
		verdict.Policies["bounce"] = SubResult{Allowed: true}
		return
	}

	rate := float64(bounced) / float64(sent)
	result := SubResult{Allowed: true, Used: bounced, Limit: sent}

	switch {
	case rate >= e.cfg.BouncePauseThreshold:
		result.Allowed = false
		result.Reason = fmt.Sprintf("bounce rate %.2f%% over trailing 24h exceeds pause threshold %.0f%%",
			rate*100, e.cfg.BouncePauseThreshold*100)
		if verdict.Allowed {
			verdict.Allowed = false
			verdict.Reason = result.Reason
			verdict.BindingPolicy = "bounce"
		}
		e.pauseSending(ctx, tenantID, accountID, rate)
	case rate >= e.cfg.BounceWarnThreshold:
		result.Warning = fmt.Sprintf("bounce rate %.2f%% over trailing 24h exceeds warning threshold %.0f%%",
			rate*100, e.cfg.BounceWarnThreshold*100)
		verdict.Warnings = append(verdict.Warnings, result.Warning)
		if verdict.Allowed && verdict.ThrottleFactor == 0 {
			verdict.ThrottleFactor = e.cfg.WarnThrottleFactor
		}
	}
	verdict.Policies["bounce"] = result
}

// pauseSending deactivates the implicated account, or every account the
// tenant owns when none is named. Deactivation is idempotent: an account
// already inactive is left alone and raises no second alert.
func (e *Enforcer) pauseSending(ctx context.Context, tenantID, accountID string, rate float64) {
	ids := []string{accountID}
	if accountID == "" {
		accounts, err := e.accounts.ListByTenant(ctx, tenantID)
		if err != nil {
			e.logger.Error("cannot list accounts for pause", "tenant", tenantID, "error", err)
			return
		}
		ids = ids[:0]
		for _, a := range accounts {
			ids = append(ids, a.ID)
		}
	}

	var paused int
	for _, id := range ids {
		_, err := e.accounts.Update(ctx, id, func(a *store.SendingAccount) error {
			if !a.Active {
				return errAlreadyInactive
			}
			a.Active = false
			return nil
		})
		switch {
		case err == nil:
			paused++
			metrics.AccountsDeactivated.Inc()
		case errors.Is(err, errAlreadyInactive):
		default:
			e.logger.Error("failed to deactivate account", "account", id, "error", err)
		}
	}

	if paused > 0 {
		metrics.BreakerTripsTotal.Inc()
		e.logger.Warn("bounce breaker tripped, sending paused",
			"tenant", tenantID, "accounts_paused", paused, "bounce_rate", rate)
		e.alerts.RaiseAlert(ctx, tenantID, "bounce_threshold",
			fmt.Sprintf("sending paused: bounce rate %.2f%% exceeded %.0f%% threshold",
				rate*100, e.cfg.BouncePauseThreshold*100),
			alert.SeverityCritical)
	}
}

var errAlreadyInactive = errors.New("account already inactive")

// RecordDispatch is the post-dispatch bookkeeping hook: call once per
// successfully delivered batch to advance every counter Evaluate reads.
func (e *Enforcer) RecordDispatch(ctx context.Context, tenantID, accountID, domain string, count int64) error {
	if err := e.quota.RecordUsage(ctx, tenantID, quota.KindEmails, count); err != nil {
		return err
	}
	if _, err := e.counters.IncrBy(ctx, e.tenantDailyKey(tenantID), count); err != nil {
		return fmt.Errorf("policy: record tenant daily sends: %w", err)
	}
	if domain != "" {
		if err := e.quota.RecordDomainSend(ctx, domain, provider.Detect(domain), count); err != nil {
			e.logger.Warn("domain send not recorded", "domain", domain, "error", err)
		}
	}
	if accountID != "" {
		for i := int64(0); i < count; i++ {
			if err := e.ratelimit.IncrementSent(ctx, accountID); err != nil {
				return err
			}
			if err := e.warmup.AdvanceProgress(ctx, accountID); err != nil {
				return err
			}
		}
	}
	if t, ok := e.bounces.(*Tracker); ok {
		if err := t.RecordSent(ctx, tenantID, count); err != nil {
			e.logger.Warn("bounce window not updated", "tenant", tenantID, "error", err)
		}
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
