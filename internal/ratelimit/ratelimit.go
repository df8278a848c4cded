// Package ratelimit enforces per-account daily send ceilings keyed to the
// sending address's provider class. The daily counter rolls over lazily: a
// check that finds yesterday's date zeroes the counter, so no scheduled
// sweep exists to drift against the clock.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/campaignforge/sendguard/internal/provider"
	"github.com/campaignforge/sendguard/internal/store"
)

// Status is the answer to one CheckRateLimit call. The hourly ceiling is
// reported for the caller's pacing; only the daily ceiling blocks here.
type Status struct {
	CanSend     bool           `json:"can_send"`
	Remaining   int64          `json:"remaining"`
	DailyLimit  int64          `json:"daily_limit"`
	HourlyLimit int64          `json:"hourly_limit"`
	Provider    provider.Class `json:"provider"`
	Reason      string         `json:"reason,omitempty"`
}

// Limiter enforces the provider send ceilings over the account store.
type Limiter struct {
	accounts store.Accounts
	logger   *slog.Logger

	now func() time.Time
}

// New creates a Limiter over the given account store.
func New(accounts store.Accounts) *Limiter {
	return &Limiter{
		accounts: accounts,
		logger:   slog.Default().With("component", "ratelimit"),
		now:      time.Now,
	}
}

func (l *Limiter) class(account *store.SendingAccount) provider.Class {
	if account.ProviderClass != "" {
		return provider.Class(account.ProviderClass)
	}
	return provider.DetectAddress(account.Address)
}

// CheckRateLimit reports whether the account may send one more message
// today. Finding a stale last-sent date zeroes the stored daily counter as
// a side effect, exactly once per day boundary.
func (l *Limiter) CheckRateLimit(ctx context.Context, accountID string) (Status, error) {
	var status Status
	_, err := l.accounts.Update(ctx, accountID, func(a *store.SendingAccount) error {
		now := l.now()
		if !a.LastSentDate.IsZero() && !sameDay(a.LastSentDate, now) {
			a.DailySent = 0
			a.LastSentDate = now
		}

		class := l.class(a)
		limits := provider.Limits(class)
		status = Status{
			DailyLimit:  limits.DailyLimit,
			HourlyLimit: limits.HourlyLimit,
			Provider:    class,
		}

		if a.DailySent >= limits.DailyLimit {
			status.CanSend = false
			status.Remaining = 0
			status.Reason = fmt.Sprintf("daily limit reached (%d emails/day)", limits.DailyLimit)
			return nil
		}

		status.CanSend = true
		status.Remaining = limits.DailyLimit - a.DailySent
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit: check %s: %w", accountID, err)
	}
	return status, nil
}

// IncrementSent records one successfully dispatched message: it bumps the
// daily counter and stamps the send time. Call exactly once per delivered
// message, never per attempt.
func (l *Limiter) IncrementSent(ctx context.Context, accountID string) error {
	_, err := l.accounts.Update(ctx, accountID, func(a *store.SendingAccount) error {
		now := l.now()
		if !a.LastSentDate.IsZero() && !sameDay(a.LastSentDate, now) {
			a.DailySent = 0
		}
		a.DailySent++
		a.LastSentDate = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("ratelimit: increment %s: %w", accountID, err)
	}
	return nil
}

// Reserve is the atomic check-and-increment: it admits and counts one send
// in a single step, so concurrent callers can never jointly exceed the
// daily ceiling. Callers that reserve but fail to dispatch should not call
// IncrementSent as well.
func (l *Limiter) Reserve(ctx context.Context, accountID string) (Status, error) {
	var status Status
	_, err := l.accounts.Update(ctx, accountID, func(a *store.SendingAccount) error {
		now := l.now()
		if !a.LastSentDate.IsZero() && !sameDay(a.LastSentDate, now) {
			a.DailySent = 0
			a.LastSentDate = now
		}

		class := l.class(a)
		limits := provider.Limits(class)
		status = Status{
			DailyLimit:  limits.DailyLimit,
			HourlyLimit: limits.HourlyLimit,
			Provider:    class,
		}

		if a.DailySent >= limits.DailyLimit {
			status.CanSend = false
			status.Remaining = 0
			status.Reason = fmt.Sprintf("daily limit reached (%d emails/day)", limits.DailyLimit)
			return nil
		}

		a.DailySent++
		a.LastSentDate = now
		status.CanSend = true
		status.Remaining = limits.DailyLimit - a.DailySent
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit: reserve %s: %w", accountID, err)
	}
	return status, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
