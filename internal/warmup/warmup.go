// Package warmup implements the 30-day ramp-up program for newly registered
// sending accounts: a staged daily ceiling with randomized inter-send
// spacing, advanced lazily from account age rather than by a background
// sweep.
package warmup

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/campaignforge/sendguard/internal/store"
)

// Unlimited marks a ceiling with no cap.
const Unlimited int64 = -1

// Stage is one step of the ramp-up curve. EmailsPerDay of Unlimited means
// the account is at full capacity.
type Stage struct {
	Day          int           `json:"day"`
	EmailsPerDay int64         `json:"emails_per_day"`
	MinSpacing   time.Duration `json:"min_spacing"`
	MaxSpacing   time.Duration `json:"max_spacing"`
}

// DefaultStages is the shipped 30-day curve. Warmup completes at the final
// entry's day offset.
var DefaultStages = []Stage{
	{Day: 1, EmailsPerDay: 5, MinSpacing: 300 * time.Second, MaxSpacing: 600 * time.Second},
	{Day: 2, EmailsPerDay: 8, MinSpacing: 240 * time.Second, MaxSpacing: 480 * time.Second},
	{Day: 3, EmailsPerDay: 12, MinSpacing: 180 * time.Second, MaxSpacing: 360 * time.Second},
	{Day: 4, EmailsPerDay: 18, MinSpacing: 120 * time.Second, MaxSpacing: 300 * time.Second},
	{Day: 5, EmailsPerDay: 25, MinSpacing: 90 * time.Second, MaxSpacing: 240 * time.Second},
	{Day: 6, EmailsPerDay: 35, MinSpacing: 60 * time.Second, MaxSpacing: 180 * time.Second},
	{Day: 7, EmailsPerDay: 50, MinSpacing: 45 * time.Second, MaxSpacing: 120 * time.Second},
	{Day: 14, EmailsPerDay: 75, MinSpacing: 30 * time.Second, MaxSpacing: 90 * time.Second},
	{Day: 21, EmailsPerDay: 100, MinSpacing: 20 * time.Second, MaxSpacing: 60 * time.Second},
	{Day: 30, EmailsPerDay: Unlimited, MinSpacing: 15 * time.Second, MaxSpacing: 45 * time.Second},
}

// Config holds the tuning knobs for adaptive cadence. The multipliers are
// empirical; they are configuration, not protocol.
type Config struct {
	Adaptive         bool    `toml:"adaptive"`
	EMAAlpha         float64 `toml:"ema_alpha"`
	LowOpenRate      float64 `toml:"low_open_rate"`
	HealthyOpenRate  float64 `toml:"healthy_open_rate"`
	HealthyReplyRate float64 `toml:"healthy_reply_rate"`
	SlowdownFactor   float64 `toml:"slowdown_factor"`
	SpacingStretch   float64 `toml:"spacing_stretch"`
	SpeedupFactor    float64 `toml:"speedup_factor"`
	SpacingTighten   float64 `toml:"spacing_tighten"`
}

// DefaultConfig returns the shipped cadence tuning.
func DefaultConfig() Config {
	return Config{
		Adaptive:         false,
		EMAAlpha:         0.3,
		LowOpenRate:      0.20,
		HealthyOpenRate:  0.30,
		HealthyReplyRate: 0.10,
		SlowdownFactor:   0.8,
		SpacingStretch:   1.2,
		SpeedupFactor:    1.1,
		SpacingTighten:   0.9,
	}
}

// Decision is the answer to one CanSend call. Remaining and DailyLimit are
// Unlimited when no ceiling applies.
type Decision struct {
	CanSend    bool          `json:"can_send"`
	Delay      time.Duration `json:"delay"`
	Remaining  int64         `json:"remaining"`
	DailyLimit int64         `json:"daily_limit"`
	Stage      int           `json:"stage"`
	Reason     string        `json:"reason,omitempty"`
}

// Cadence is the adaptive-cadence proposal for an account's current stage.
type Cadence struct {
	EmailsPerDay int64         `json:"emails_per_day"`
	MinSpacing   time.Duration `json:"min_spacing"`
	MaxSpacing   time.Duration `json:"max_spacing"`
	Adjusted     bool          `json:"adjusted"`
	Reason       string        `json:"reason,omitempty"`
}

// Status is the reporting view of an account's warmup state.
type Status struct {
	State        string  `json:"state"` // not_started, warming_up, completed
	Stage        int     `json:"stage"`
	TotalStages  int     `json:"total_stages"`
	Progress     float64 `json:"progress"`
	EmailsSent   int64   `json:"emails_sent"`
	EmailsPerDay int64   `json:"emails_per_day"`
	SentToday    int64   `json:"sent_today"`
	OpenRate     float64 `json:"open_rate"`
	ReplyRate    float64 `json:"reply_rate"`
}

// Scheduler tracks each account's position on the ramp-up curve. All state
// lives on the account record; the scheduler itself is stateless and safe
// for concurrent use.
type Scheduler struct {
	cfg      Config
	stages   []Stage
	accounts store.Accounts
	logger   *slog.Logger

	now  func() time.Time
	rand func(n int64) int64
}

// New creates a Scheduler over the given account store.
func New(cfg Config, accounts store.Accounts) *Scheduler {
	def := DefaultConfig()
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = def.EMAAlpha
	}
	if cfg.SlowdownFactor <= 0 {
		cfg.SlowdownFactor = def.SlowdownFactor
	}
	if cfg.SpacingStretch <= 0 {
		cfg.SpacingStretch = def.SpacingStretch
	}
	if cfg.SpeedupFactor <= 0 {
		cfg.SpeedupFactor = def.SpeedupFactor
	}
	if cfg.SpacingTighten <= 0 {
		cfg.SpacingTighten = def.SpacingTighten
	}
	if cfg.LowOpenRate <= 0 {
		cfg.LowOpenRate = def.LowOpenRate
	}
	if cfg.HealthyOpenRate <= 0 {
		cfg.HealthyOpenRate = def.HealthyOpenRate
	}
	if cfg.HealthyReplyRate <= 0 {
		cfg.HealthyReplyRate = def.HealthyReplyRate
	}

	return &Scheduler{
		cfg:      cfg,
		stages:   DefaultStages,
		accounts: accounts,
		logger:   slog.Default().With("component", "warmup"),
		now:      time.Now,
		rand:     rand.Int63n,
	}
}

// stageFor returns the 1-based stage index and config for an account age in
// days. Ages before the first stage's day offset use the first stage.
func (s *Scheduler) stageFor(days int) (int, Stage) {
	idx := 0
	for i, st := range s.stages {
		if days >= st.Day {
			idx = i
		} else {
			break
		}
	}
	return idx + 1, s.stages[idx]
}

func (s *Scheduler) completionDay() int {
	return s.stages[len(s.stages)-1].Day
}

func (s *Scheduler) ageDays(account *store.SendingAccount) int {
	return int(s.now().Sub(account.CreatedAt).Hours() / 24)
}

// sentToday returns the account's daily counter, treating a stale last-sent
// date as an empty day. The stored counter is reset by the rate limiter's
// own lazy rollover; reading it here must not mutate anything.
func (s *Scheduler) sentToday(account *store.SendingAccount) int64 {
	if account.LastSentDate.IsZero() || !sameDay(account.LastSentDate, s.now()) {
		return 0
	}
	return account.DailySent
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// CanSend decides whether the account may send one more message right now
// under its warmup stage, and with what randomized spacing delay.
func (s *Scheduler) CanSend(ctx context.Context, accountID string) (Decision, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return Decision{}, fmt.Errorf("warmup: load account %s: %w", accountID, err)
	}

	// Stage 0 means warmup was never started for this identity.
	if account.WarmupStage == 0 {
		return Decision{
			CanSend:    true,
			Remaining:  Unlimited,
			DailyLimit: Unlimited,
			Reason:     "warmup not started",
		}, nil
	}

	days := s.ageDays(account)
	stageIdx, stage := s.stageFor(days)

	if days >= s.completionDay() || stage.EmailsPerDay == Unlimited {
		return Decision{
			CanSend:    true,
			Delay:      stage.MinSpacing,
			Remaining:  Unlimited,
			DailyLimit: Unlimited,
			Stage:      stageIdx,
			Reason:     "warmup complete",
		}, nil
	}

	ceiling := stage.EmailsPerDay
	minSpacing, maxSpacing := stage.MinSpacing, stage.MaxSpacing
	if s.cfg.Adaptive {
		c := s.propose(account, stage)
		if c.Adjusted {
			ceiling = c.EmailsPerDay
			minSpacing, maxSpacing = c.MinSpacing, c.MaxSpacing
		}
	}

	sent := s.sentToday(account)
	if sent >= ceiling {
		return Decision{
			CanSend:    false,
			Remaining:  0,
			DailyLimit: ceiling,
			Stage:      stageIdx,
			Reason:     fmt.Sprintf("warmup limit reached (%d/%d emails today)", sent, ceiling),
		}, nil
	}

	return Decision{
		CanSend:    true,
		Delay:      s.spacingDelay(minSpacing, maxSpacing),
		Remaining:  ceiling - sent,
		DailyLimit: ceiling,
		Stage:      stageIdx,
	}, nil
}

// spacingDelay picks a uniform random delay within the stage's spacing
// bounds so sends never fire on a mechanical clock.
func (s *Scheduler) spacingDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(s.rand(int64(max-min)))
}

// AdvanceProgress records one successful send: it bumps the cumulative
// warmup counter and moves the stored stage forward when the account's age
// has crossed into a later stage. The stage never moves backward.
func (s *Scheduler) AdvanceProgress(ctx context.Context, accountID string) error {
	_, err := s.accounts.Update(ctx, accountID, func(a *store.SendingAccount) error {
		a.WarmupSent++
		if a.WarmupStage == 0 {
			return nil
		}
		stageIdx, _ := s.stageFor(s.ageDays(a))
		if stageIdx > a.WarmupStage {
			a.WarmupStage = stageIdx
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("warmup: advance %s: %w", accountID, err)
	}
	return nil
}

// Start begins the warmup program for an account.
func (s *Scheduler) Start(ctx context.Context, accountID string) error {
	_, err := s.accounts.Update(ctx, accountID, func(a *store.SendingAccount) error {
		if a.WarmupStage == 0 {
			a.WarmupStage = 1
			a.WarmupSent = 0
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("warmup: start %s: %w", accountID, err)
	}
	return nil
}

// UpdateMetrics folds an observed open and reply rate into the account's
// rolling rates with an exponential moving average.
func (s *Scheduler) UpdateMetrics(ctx context.Context, accountID string, openRate, replyRate float64) error {
	alpha := s.cfg.EMAAlpha
	_, err := s.accounts.Update(ctx, accountID, func(a *store.SendingAccount) error {
		a.OpenRate = alpha*openRate + (1-alpha)*a.OpenRate
		a.ReplyRate = alpha*replyRate + (1-alpha)*a.ReplyRate
		return nil
	})
	if err != nil {
		return fmt.Errorf("warmup: update metrics %s: %w", accountID, err)
	}
	return nil
}

// Cadence returns the adaptive-cadence proposal for an account's current
// stage without applying it.
func (s *Scheduler) Cadence(ctx context.Context, accountID string) (Cadence, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return Cadence{}, fmt.Errorf("warmup: load account %s: %w", accountID, err)
	}
	_, stage := s.stageFor(s.ageDays(account))
	return s.propose(account, stage), nil
}

// propose computes the cadence adjustment from the rolling engagement
// rates. The ceiling stays within the curve: never below the first stage's
// ceiling, never above the largest finite ceiling in the table.
func (s *Scheduler) propose(account *store.SendingAccount, stage Stage) Cadence {
	c := Cadence{
		EmailsPerDay: stage.EmailsPerDay,
		MinSpacing:   stage.MinSpacing,
		MaxSpacing:   stage.MaxSpacing,
	}
	if stage.EmailsPerDay == Unlimited {
		return c
	}

	floor := s.stages[0].EmailsPerDay
	cap := s.maxFiniteCeiling()
	slowestMin := s.stages[0].MinSpacing
	slowestMax := s.stages[0].MaxSpacing
	fastestMin := s.stages[len(s.stages)-1].MinSpacing
	fastestMax := s.stages[len(s.stages)-1].MaxSpacing

	if account.OpenRate < s.cfg.LowOpenRate {
		c.EmailsPerDay = maxInt64(floor, int64(float64(stage.EmailsPerDay)*s.cfg.SlowdownFactor))
		c.MinSpacing = minDuration(slowestMin, time.Duration(float64(stage.MinSpacing)*s.cfg.SpacingStretch))
		c.MaxSpacing = minDuration(slowestMax, time.Duration(float64(stage.MaxSpacing)*s.cfg.SpacingStretch))
		c.Adjusted = true
		c.Reason = "low open rate"
	}

	if account.ReplyRate > s.cfg.HealthyReplyRate && account.OpenRate > s.cfg.HealthyOpenRate {
		c.EmailsPerDay = minInt64(cap, int64(float64(stage.EmailsPerDay)*s.cfg.SpeedupFactor))
		c.MinSpacing = maxDuration(fastestMin, time.Duration(float64(stage.MinSpacing)*s.cfg.SpacingTighten))
		c.MaxSpacing = maxDuration(fastestMax, time.Duration(float64(stage.MaxSpacing)*s.cfg.SpacingTighten))
		c.Adjusted = true
		c.Reason = "healthy engagement"
	}

	return c
}

func (s *Scheduler) maxFiniteCeiling() int64 {
	var max int64
	for _, st := range s.stages {
		if st.EmailsPerDay > max {
			max = st.EmailsPerDay
		}
	}
	return max
}

// Status reports the account's place in the program.
func (s *Scheduler) Status(ctx context.Context, accountID string) (Status, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return Status{}, fmt.Errorf("warmup: load account %s: %w", accountID, err)
	}

	total := len(s.stages)
	if account.WarmupStage == 0 {
		return Status{State: "not_started", TotalStages: total}, nil
	}

	days := s.ageDays(account)
	stageIdx, stage := s.stageFor(days)

	state := "warming_up"
	if days >= s.completionDay() {
		state = "completed"
		stageIdx = total
	}

	return Status{
		State:        state,
		Stage:        stageIdx,
		TotalStages:  total,
		Progress:     float64(stageIdx) / float64(total) * 100,
		EmailsSent:   account.WarmupSent,
		EmailsPerDay: stage.EmailsPerDay,
		SentToday:    s.sentToday(account),
		OpenRate:     account.OpenRate,
		ReplyRate:    account.ReplyRate,
	}, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
