package verify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	mu      sync.Mutex
	records []*net.MX
	err     error
	calls   int
}

func (s *stubResolver) LookupMX(_ context.Context, _ string) ([]*net.MX, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.records, s.err
}

func (s *stubResolver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingPromoter struct {
	mu        sync.Mutex
	addresses []string
}

func (p *recordingPromoter) PromoteVerified(_ context.Context, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addresses = append(p.addresses, address)
	return nil
}

func newTestVerifier(resolver MXResolver, dial DialFunc) *Verifier {
	cfg := DefaultConfig()
	cfg.Backoff.Base = time.Millisecond
	cfg.Backoff.Cap = 5 * time.Millisecond
	cfg.MinProbeDelay = time.Millisecond
	v := New(cfg)
	if resolver != nil {
		v.resolver = resolver
	}
	if dial != nil {
		v.prober.dial = dial
	}
	return v
}

// scriptedDial returns a dialer backed by an in-memory SMTP exchange that
// answers RCPT TO with the given code.
func scriptedDial(rcptCode int) DialFunc {
	return func(_ context.Context, _, _ string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			br := bufio.NewReader(server)
			fmt.Fprintf(server, "220 mail.test ESMTP\r\n")
			for {
				line, err := br.ReadString('\n')
				if err != nil {
					return
				}
				switch {
				case strings.HasPrefix(line, "EHLO"):
					fmt.Fprintf(server, "250-mail.test\r\n250 PIPELINING\r\n")
				case strings.HasPrefix(line, "MAIL"):
					fmt.Fprintf(server, "250 sender ok\r\n")
				case strings.HasPrefix(line, "RCPT"):
					fmt.Fprintf(server, "%d recipient answer\r\n", rcptCode)
				case strings.HasPrefix(line, "QUIT"):
					fmt.Fprintf(server, "221 bye\r\n")
					return
				default:
					fmt.Fprintf(server, "500 unexpected\r\n")
				}
			}
		}()
		return client, nil
	}
}

func TestVerifyInvalidFormat(t *testing.T) {
	v := newTestVerifier(&stubResolver{}, nil)

	for _, address := range []string{"", "no-separator", "two@@example.com", "a@b@c.com", "@example.com", "user@"} {
		t.Run(address, func(t *testing.T) {
			r := v.Verify(context.Background(), address)
			assert.Equal(t, InvalidFormat, r.Classification)
			assert.Equal(t, StageFormat, r.Stage)
		})
	}
}

func TestVerifyNoMXSingleAttempt(t *testing.T) {
	resolver := &stubResolver{err: &net.DNSError{Err: "no such host", IsNotFound: true}}
	v := newTestVerifier(resolver, scriptedDial(250))

	r := v.Verify(context.Background(), "user@nonexistent-domain-xyz.invalid")

	assert.Equal(t, NoMX, r.Classification)
	assert.Equal(t, StageMX, r.Stage)
	assert.Equal(t, 1, r.Attempts, "terminal outcomes are not retried")
	assert.Equal(t, 1, resolver.callCount())
	assert.Equal(t, v.cfg.ProbeCeiling, v.window.Remaining("nonexistent-domain-xyz.invalid"),
		"no network probe is counted")
}

func TestVerifyEmptyMXAnswer(t *testing.T) {
	v := newTestVerifier(&stubResolver{records: nil}, nil)

	r := v.Verify(context.Background(), "user@example.com")
	assert.Equal(t, NoMX, r.Classification)
	assert.Equal(t, 1, r.Attempts)
}

func TestVerifyDNSFaultTerminal(t *testing.T) {
	resolver := &stubResolver{err: &net.DNSError{Err: "server misbehaving"}}
	v := newTestVerifier(resolver, nil)

	r := v.Verify(context.Background(), "user@example.com")
	assert.Equal(t, DNSError, r.Classification)
	assert.Equal(t, 1, r.Attempts)
}

func TestVerifyMXTimeoutRetried(t *testing.T) {
	resolver := &stubResolver{err: &net.DNSError{Err: "i/o timeout", IsTimeout: true}}
	v := newTestVerifier(resolver, nil)

	r := v.Verify(context.Background(), "user@example.com")
	assert.Equal(t, Unknown, r.Classification)
	assert.Equal(t, v.cfg.Backoff.MaxAttempts, r.Attempts)
	assert.Equal(t, v.cfg.Backoff.MaxAttempts, resolver.callCount())
}

func mxAnswer(hosts ...string) []*net.MX {
	records := make([]*net.MX, len(hosts))
	for i, h := range hosts {
		records[i] = &net.MX{Host: h, Pref: uint16(i + 1)}
	}
	return records
}

func TestVerifyAccepted(t *testing.T) {
	resolver := &stubResolver{records: mxAnswer("mx1.example.com.", "mx2.example.com.")}
	v := newTestVerifier(resolver, scriptedDial(250))
	promoter := &recordingPromoter{}
	v.SetPromoter(promoter)

	r := v.Verify(context.Background(), "user@example.com")

	assert.Equal(t, Verified, r.Classification)
	assert.Equal(t, StageHandshake, r.Stage)
	assert.Equal(t, 250, r.Code)
	assert.Equal(t, 1, r.Attempts)
	assert.True(t, r.Deliverable())
	assert.Equal(t, []string{"user@example.com"}, promoter.addresses)
	assert.Equal(t, v.cfg.ProbeCeiling-1, v.window.Remaining("example.com"))
}

func TestVerifyMailboxUnavailableNeverRetried(t *testing.T) {
	resolver := &stubResolver{records: mxAnswer("mx.example.com.")}
	v := newTestVerifier(resolver, scriptedDial(550))

	r := v.Verify(context.Background(), "gone@example.com")

	assert.Equal(t, MailboxUnavailable, r.Classification)
	assert.Equal(t, 550, r.Code)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, v.cfg.ProbeCeiling-1, v.window.Remaining("example.com"),
		"terminal failures still count against the window")
}

func TestVerifyAmbiguousCodeRetried(t *testing.T) {
	resolver := &stubResolver{records: mxAnswer("mx.example.com.")}
	v := newTestVerifier(resolver, scriptedDial(451))

	r := v.Verify(context.Background(), "busy@example.com")

	assert.Equal(t, Unknown, r.Classification)
	assert.Equal(t, 451, r.Code)
	assert.Equal(t, v.cfg.Backoff.MaxAttempts, r.Attempts)
}

func TestVerifyConnectionFailureRetried(t *testing.T) {
	resolver := &stubResolver{records: mxAnswer("mx.example.com.")}
	var dials int
	dial := func(_ context.Context, _, _ string) (net.Conn, error) {
		dials++
		return nil, errors.New("connection refused")
	}
	v := newTestVerifier(resolver, dial)

	r := v.Verify(context.Background(), "user@example.com")

	assert.Equal(t, Unknown, r.Classification)
	assert.Equal(t, v.cfg.Backoff.MaxAttempts, r.Attempts)
	assert.Equal(t, v.cfg.Backoff.MaxAttempts, dials)
	assert.Equal(t, v.cfg.ProbeCeiling, v.window.Remaining("example.com"),
		"attempts that never produced a response are not counted")
}

func TestVerifyRateLimited(t *testing.T) {
	resolver := &stubResolver{records: mxAnswer("mx.example.com.")}
	var dials int
	dial := func(_ context.Context, _, _ string) (net.Conn, error) {
		dials++
		return nil, errors.New("should not dial")
	}
	v := newTestVerifier(resolver, dial)

	for i := 0; i < v.cfg.ProbeCeiling; i++ {
		v.window.Record("example.com")
	}

	r := v.Verify(context.Background(), "user@example.com")

	assert.Equal(t, RateLimited, r.Classification)
	assert.Equal(t, StageRateCheck, r.Stage)
	assert.Zero(t, dials, "rate-limited refusals never touch the network")
}

func TestVerifyCeilingHoldsAcrossRetries(t *testing.T) {
	resolver := &stubResolver{records: mxAnswer("mx.example.com.")}
	cfg := DefaultConfig()
	cfg.Backoff.Base = time.Millisecond
	cfg.Backoff.Cap = 5 * time.Millisecond
	cfg.MinProbeDelay = time.Millisecond
	cfg.ProbeCeiling = 2
	v := New(cfg)
	v.resolver = resolver
	v.prober.dial = scriptedDial(451)

	r := v.Verify(context.Background(), "busy@example.com")

	assert.Equal(t, RateLimited, r.Classification)
	assert.Equal(t, StageRateCheck, r.Stage)
	assert.Zero(t, v.window.Remaining("example.com"))
	assert.Equal(t, cfg.ProbeCeiling, v.window.domain("example.com").count,
		"retried probes stop at the ceiling instead of overshooting it")
}

func TestVerifyMinDelayHoldsBetweenRetries(t *testing.T) {
	resolver := &stubResolver{records: mxAnswer("mx.example.com.")}
	cfg := DefaultConfig()
	cfg.Backoff.Base = time.Millisecond
	cfg.Backoff.Cap = 5 * time.Millisecond
	cfg.MinProbeDelay = time.Hour
	v := New(cfg)
	v.resolver = resolver
	inner := scriptedDial(451)
	var dials int
	v.prober.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials++
		return inner(ctx, network, addr)
	}

	r := v.Verify(context.Background(), "busy@example.com")

	assert.Equal(t, RateLimited, r.Classification)
	assert.Equal(t, StageRateCheck, r.Stage)
	assert.Equal(t, 1, dials, "the retry must wait out the inter-probe delay")
}

func TestProbeBudgetIsPerCommand(t *testing.T) {
	// Each response lands inside the command budget, but the exchange as a
	// whole takes several budgets. A deadline covering the whole session
	// would cut this server off mid-handshake.
	const pause = 100 * time.Millisecond
	dial := func(_ context.Context, _, _ string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			br := bufio.NewReader(server)
			time.Sleep(pause)
			fmt.Fprintf(server, "220 mail.test ESMTP\r\n")
			for {
				line, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if strings.HasPrefix(line, "QUIT") {
					fmt.Fprintf(server, "221 bye\r\n")
					return
				}
				time.Sleep(pause)
				fmt.Fprintf(server, "250 ok\r\n")
			}
		}()
		return client, nil
	}

	cfg := DefaultConfig()
	cfg.CommandTimeout = 150 * time.Millisecond
	p := newProber(cfg)
	p.dial = dial

	code, _, err := p.probe(context.Background(), "mx.example.com.", "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 250, code)
}

func TestVerifyCancelledBeforeProbe(t *testing.T) {
	resolver := &stubResolver{records: mxAnswer("mx.example.com.")}
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return nil, ctx.Err()
	}
	v := newTestVerifier(resolver, dial)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := v.Verify(ctx, "user@example.com")
	assert.Equal(t, Unknown, r.Classification)
	assert.Equal(t, v.cfg.ProbeCeiling, v.window.Remaining("example.com"))
}

func TestVerifyNormalizesUnicodeDomain(t *testing.T) {
	resolver := &stubResolver{err: &net.DNSError{Err: "no such host", IsNotFound: true}}
	v := newTestVerifier(resolver, nil)

	r := v.Verify(context.Background(), "user@bücher.example")
	assert.Equal(t, NoMX, r.Classification)
}

func TestVerifyBatch(t *testing.T) {
	resolver := &stubResolver{records: mxAnswer("mx.example.com.")}
	v := newTestVerifier(resolver, scriptedDial(250))

	addresses := []string{"a@example.com", "b@example.com", "broken"}
	summary := v.VerifyBatch(context.Background(), addresses, 0)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Verified)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 3)
	assert.Equal(t, "a@example.com", summary.Results[0].Address)
	assert.Equal(t, InvalidFormat, summary.Results[2].Classification)
	assert.NotEmpty(t, summary.Errors)
}

func TestExternalProviderMapping(t *testing.T) {
	tests := []struct {
		status string
		want   Classification
	}{
		{"valid", Verified},
		{"catch-all", Verified},
		{"invalid", MailboxUnavailable},
		{"spamtrap", MailboxUnavailable},
		{"do_not_mail", MailboxUnavailable},
		{"catch_all_unknown", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "user@example.com", r.URL.Query().Get("email"))
				fmt.Fprintf(w, `{"address":"user@example.com","status":"%s"}`, tt.status)
			}))
			defer ts.Close()

			cfg := DefaultConfig()
			cfg.ExternalProvider = "zerobounce"
			cfg.ExternalAPIKey = "test-key"
			cfg.ExternalURL = ts.URL
			v := New(cfg)

			r := v.Verify(context.Background(), "user@example.com")
			assert.Equal(t, tt.want, r.Classification)
			assert.Equal(t, StageExternal, r.Stage)
		})
	}
}

func TestExternalProviderUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExternalProvider = "zerobounce"
	cfg.ExternalAPIKey = "test-key"
	cfg.ExternalURL = "http://127.0.0.1:1"
	v := New(cfg)

	r := v.Verify(context.Background(), "user@example.com")
	assert.Equal(t, Unknown, r.Classification)
}
