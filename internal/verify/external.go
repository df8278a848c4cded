package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
)

const defaultExternalURL = "https://api.zerobounce.net/v2/validate"

// externalClient calls a hosted verification provider (zerobounce-compatible
// API) in place of the MX/handshake stages. Calls run through a circuit
// breaker so a degraded provider fails fast instead of stalling every
// verification.
type externalClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

type externalResponse struct {
	Address   string `json:"address"`
	Status    string `json:"status"`
	SubStatus string `json:"sub_status"`
}

func newExternalClient(cfg Config, logger *slog.Logger) *externalClient {
	baseURL := cfg.ExternalURL
	if baseURL == "" {
		baseURL = defaultExternalURL
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "verify-external-api",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &externalClient{
		apiKey:  cfg.ExternalAPIKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: cb,
		logger:  logger,
	}
}

// verify asks the provider about one address and maps its status onto the
// standard classification. Breaker-open and transport failures come back as
// Unknown, never as an error the caller must handle.
func (e *externalClient) verify(ctx context.Context, address string) Result {
	result := Result{
		Address:   address,
		Stage:     StageExternal,
		Attempts:  1,
		CheckedAt: time.Now(),
	}

	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.call(ctx, address)
	})
	if err != nil {
		e.logger.Warn("external verification failed", "address", address, "error", err)
		result.Classification = Unknown
		result.Message = fmt.Sprintf("external provider: %v", err)
		return result
	}

	resp := out.(*externalResponse)
	switch resp.Status {
	case "valid", "catch-all":
		result.Classification = Verified
		result.Message = "verified via external provider"
	case "invalid", "spamtrap", "abuse", "do_not_mail":
		result.Classification = MailboxUnavailable
		result.Message = fmt.Sprintf("provider status: %s", resp.Status)
	default:
		result.Classification = Unknown
		result.Message = fmt.Sprintf("provider status: %s", resp.Status)
	}
	return result
}

func (e *externalClient) call(ctx context.Context, address string) (*externalResponse, error) {
	q := url.Values{}
	q.Set("api_key", e.apiKey)
	q.Set("email", address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d", resp.StatusCode)
	}

	var body externalResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &body, nil
}
