package verify

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/campaignforge/sendguard/internal/backoff"
	"github.com/campaignforge/sendguard/internal/metrics"
)

// Config holds the verifier's protocol and pacing settings.
type Config struct {
	HeloDomain     string        `toml:"helo_domain"`
	MailFrom       string        `toml:"mail_from"`
	ProbePort      string        `toml:"probe_port"`
	MXTimeout      time.Duration `toml:"mx_timeout"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	CommandTimeout time.Duration `toml:"command_timeout"`

	ProbeCeiling  int           `toml:"probe_ceiling"`
	MinProbeDelay time.Duration `toml:"min_probe_delay"`

	Backoff backoff.Policy `toml:"-"`

	BatchConcurrency int `toml:"batch_concurrency"`

	// ExternalProvider switches verification to a hosted API when set
	// ("zerobounce"). Stages 2-4 are skipped entirely.
	ExternalProvider string `toml:"external_provider"`
	ExternalAPIKey   string `toml:"external_api_key"`
	ExternalURL      string `toml:"external_url"`
}

// DefaultConfig returns the settings the engine ships with.
func DefaultConfig() Config {
	return Config{
		HeloDomain:       "verifier.local",
		MailFrom:         "verify@verifier.local",
		ProbePort:        "25",
		MXTimeout:        5 * time.Second,
		ConnectTimeout:   10 * time.Second,
		CommandTimeout:   5 * time.Second,
		ProbeCeiling:     10,
		MinProbeDelay:    5 * time.Second,
		Backoff:          backoff.Default(),
		BatchConcurrency: 4,
	}
}

// Promoter receives addresses that verified successfully, typically to mark
// the backing lead record as safe to contact. Best effort; failures are
// logged, never propagated.
type Promoter interface {
	PromoteVerified(ctx context.Context, address string) error
}

// Verifier classifies addresses as deliverable, undeliverable, or
// indeterminate via MX lookup and a handshake-only SMTP probe. Probes
// against the same domain are serialized; different domains proceed
// concurrently.
type Verifier struct {
	cfg      Config
	resolver MXResolver
	prober   *prober
	window   *Window
	external *externalClient
	promoter Promoter
	logger   *slog.Logger

	mu          sync.Mutex
	domainLocks map[string]*sync.Mutex

	now func() time.Time
}

// New creates a Verifier from cfg. Zero-valued timeouts and ceilings fall
// back to the defaults.
func New(cfg Config) *Verifier {
	def := DefaultConfig()
	if cfg.HeloDomain == "" {
		cfg.HeloDomain = def.HeloDomain
	}
	if cfg.MailFrom == "" {
		cfg.MailFrom = def.MailFrom
	}
	if cfg.ProbePort == "" {
		cfg.ProbePort = def.ProbePort
	}
	if cfg.MXTimeout <= 0 {
		cfg.MXTimeout = def.MXTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.ProbeCeiling <= 0 {
		cfg.ProbeCeiling = def.ProbeCeiling
	}
	if cfg.MinProbeDelay <= 0 {
		cfg.MinProbeDelay = def.MinProbeDelay
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}

	logger := slog.Default().With("component", "verify")

	v := &Verifier{
		cfg:         cfg,
		resolver:    net.DefaultResolver,
		prober:      newProber(cfg),
		window:      NewWindow(cfg.ProbeCeiling, cfg.MinProbeDelay),
		logger:      logger,
		domainLocks: make(map[string]*sync.Mutex),
		now:         time.Now,
	}
	if cfg.ExternalProvider != "" && cfg.ExternalAPIKey != "" {
		v.external = newExternalClient(cfg, logger)
	}
	return v
}

// SetPromoter installs the verified-address promotion hook.
func (v *Verifier) SetPromoter(p Promoter) {
	v.promoter = p
}

func (v *Verifier) domainLock(domain string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()

	l, ok := v.domainLocks[domain]
	if !ok {
		l = &sync.Mutex{}
		v.domainLocks[domain] = l
	}
	return l
}

// Verify classifies one address. The result always carries a classification;
// errors along the way degrade to Unknown rather than failing the call.
func (v *Verifier) Verify(ctx context.Context, address string) Result {
	result := v.verify(ctx, address)
	metrics.VerificationsTotal.WithLabelValues(string(result.Classification)).Inc()

	if result.Deliverable() && v.promoter != nil {
		if err := v.promoter.PromoteVerified(ctx, address); err != nil {
			v.logger.Warn("verified-address promotion failed", "address", address, "error", err)
		}
	}
	return result
}

func (v *Verifier) verify(ctx context.Context, address string) Result {
	result := Result{
		Address:   address,
		Stage:     StageFormat,
		Attempts:  1,
		CheckedAt: v.now(),
	}

	rawDomain, ok := domainPart(address)
	if !ok {
		result.Classification = InvalidFormat
		result.Message = "address must have exactly one @ with a local part and a domain"
		return result
	}

	domain, err := normalizeDomain(rawDomain)
	if err != nil {
		result.Classification = InvalidFormat
		result.Message = err.Error()
		return result
	}

	if v.external != nil {
		return v.external.verify(ctx, address)
	}

	// Stage 2: MX lookup. No-record and definitive resolver failures are
	// terminal; timeouts get the retry budget.
	result.Stage = StageMX
	var (
		hosts   []string
		outcome mxOutcome
	)
	attempts, retryErr := v.cfg.Backoff.Retry(ctx, func(int) backoff.Outcome {
		hosts, outcome, _ = lookupMX(ctx, v.resolver, domain, v.cfg.MXTimeout)
		if outcome == mxRetry {
			return backoff.Transient
		}
		return backoff.Done
	})
	result.Attempts = attempts
	switch {
	case retryErr != nil:
		result.Classification = Unknown
		result.Message = "lookup abandoned: " + retryErr.Error()
		return result
	case outcome == mxNone:
		result.Classification = NoMX
		result.Message = "domain has no mail exchangers"
		return result
	case outcome == mxFault:
		result.Classification = DNSError
		result.Message = "mail exchanger lookup failed"
		return result
	case outcome == mxRetry:
		result.Classification = Unknown
		result.Message = "mail exchanger lookup kept timing out"
		return result
	}

	// Probes against one domain never overlap.
	lock := v.domainLock(domain)
	lock.Lock()
	defer lock.Unlock()

	// Stage 3: probe pacing. Refusals never touch the network and are not
	// counted against the window.
	result.Stage = StageRateCheck
	if !v.window.Allow(domain) {
		result.Classification = RateLimited
		result.Message = "probe window exhausted for domain"
		return result
	}

	// Stage 4: handshake against the best-preference exchanger.
	result.Stage = StageHandshake
	mxHost := hosts[0]
	var (
		code        int
		msg         string
		rateLimited bool
	)
	attempts, retryErr = v.cfg.Backoff.Retry(ctx, func(attempt int) backoff.Outcome {
		// Each retried attempt is a fresh probe and must clear the window
		// again; the ceiling and the minimum inter-probe delay hold across
		// retries, not just across calls.
		if attempt > 0 && !v.window.Allow(domain) {
			rateLimited = true
			return backoff.Done
		}
		var probeErr error
		code, msg, probeErr = v.prober.probe(ctx, mxHost, address)
		if probeErr != nil {
			// No usable response; nothing reached the recipient check.
			code = 0
			msg = probeErr.Error()
			metrics.ProbesTotal.WithLabelValues("error").Inc()
			return backoff.Transient
		}
		v.window.Record(domain)
		switch {
		case code == 250 || code == 251 || code == 252:
			metrics.ProbesTotal.WithLabelValues("accepted").Inc()
			return backoff.Done
		case code >= 500:
			metrics.ProbesTotal.WithLabelValues("rejected").Inc()
			return backoff.Done
		default:
			metrics.ProbesTotal.WithLabelValues("ambiguous").Inc()
			return backoff.Transient
		}
	})
	result.Attempts = attempts
	result.Code = code
	result.Message = msg

	switch {
	case rateLimited:
		result.Stage = StageRateCheck
		result.Classification = RateLimited
		result.Message = "probe window exhausted for domain"
	case retryErr != nil:
		result.Classification = Unknown
	case code == 250 || code == 251 || code == 252:
		result.Classification = Verified
	case code >= 500:
		result.Classification = MailboxUnavailable
	default:
		result.Classification = Unknown
	}
	return result
}

// VerifyBatch verifies addresses with bounded concurrency, spacing worker
// launches by interProbeDelay, and returns an aggregate summary. Results
// keep the input order.
func (v *Verifier) VerifyBatch(ctx context.Context, addresses []string, interProbeDelay time.Duration) BatchSummary {
	summary := BatchSummary{
		JobID:   uuid.NewString(),
		Total:   len(addresses),
		Results: make([]Result, len(addresses)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.BatchConcurrency)

	for i, address := range addresses {
		if i > 0 && interProbeDelay > 0 {
			select {
			case <-gctx.Done():
			case <-time.After(interProbeDelay):
			}
		}
		if gctx.Err() != nil {
			for j := i; j < len(addresses); j++ {
				summary.Results[j] = Result{
					Address:        addresses[j],
					Classification: Unknown,
					Message:        "batch abandoned",
					CheckedAt:      v.now(),
				}
			}
			break
		}

		g.Go(func() error {
			summary.Results[i] = v.Verify(gctx, address)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range summary.Results {
		switch {
		case r.Deliverable():
			summary.Verified++
		default:
			summary.Failed++
			if r.Message != "" {
				summary.Errors = append(summary.Errors, r.Address+": "+r.Message)
			}
		}
	}
	return summary
}

// domainPart extracts the domain of a mail address, requiring exactly one
// separator with non-empty parts on both sides.
func domainPart(address string) (string, bool) {
	if strings.Count(address, "@") != 1 {
		return "", false
	}
	at := strings.Index(address, "@")
	if at == 0 || at == len(address)-1 {
		return "", false
	}
	return address[at+1:], true
}
