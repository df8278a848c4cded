package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/campaignforge/sendguard/internal/store"
)

// BounceSource reports a tenant's delivery outcomes over the trailing 24
// hours. The inbox-monitoring collaborator usually backs this; Tracker is
// the built-in implementation over the counter store.
type BounceSource interface {
	BounceStats(ctx context.Context, tenantID string) (sent, bounced int64, err error)
}

// Tracker accumulates send and bounce events in hourly buckets in the
// shared counter store. Reading sums the last 24 buckets, so the window
// slides by the hour with no sweep.
type Tracker struct {
	counters store.Counters
	now      func() time.Time
}

const bounceBucketTTL = 25 * time.Hour

// NewTracker creates a Tracker over the given counter store.
func NewTracker(counters store.Counters) *Tracker {
	return &Tracker{counters: counters, now: time.Now}
}

func (t *Tracker) bucket(kind, tenantID string, hour time.Time) string {
	return fmt.Sprintf("%s:%s:%s", kind, tenantID, hour.Format("2006010215"))
}

func (t *Tracker) record(ctx context.Context, kind, tenantID string, amount int64) error {
	key := t.bucket(kind, tenantID, t.now().Truncate(time.Hour))
	if _, err := t.counters.IncrBy(ctx, key, amount); err != nil {
		return fmt.Errorf("policy: record %s for %s: %w", kind, tenantID, err)
	}
	// Buckets expire once they leave the window.
	_ = t.counters.Expire(ctx, key, bounceBucketTTL)
	return nil
}

// RecordSent counts delivered messages toward the tenant's window.
func (t *Tracker) RecordSent(ctx context.Context, tenantID string, amount int64) error {
	return t.record(ctx, "sent24", tenantID, amount)
}

// RecordBounce counts bounce events toward the tenant's window.
func (t *Tracker) RecordBounce(ctx context.Context, tenantID string, amount int64) error {
	return t.record(ctx, "bounce24", tenantID, amount)
}

// BounceStats sums the trailing 24 hourly buckets.
func (t *Tracker) BounceStats(ctx context.Context, tenantID string) (int64, int64, error) {
	hour := t.now().Truncate(time.Hour)
	var sent, bounced int64
	for i := 0; i < 24; i++ {
		h := hour.Add(-time.Duration(i) * time.Hour)
		s, err := t.counters.Get(ctx, t.bucket("sent24", tenantID, h))
		if err != nil {
			return 0, 0, fmt.Errorf("policy: read sent bucket: %w", err)
		}
		b, err := t.counters.Get(ctx, t.bucket("bounce24", tenantID, h))
		if err != nil {
			return 0, 0, fmt.Errorf("policy: read bounce bucket: %w", err)
		}
		sent += s
		bounced += b
	}
	return sent, bounced, nil
}
