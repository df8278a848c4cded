// Package verify implements mailbox verification: MX resolution followed by
// a handshake-only SMTP probe, with per-domain probe rate limiting and
// bounded retries. No message content is ever transmitted.
package verify

import "time"

// Classification is the verdict for one probed address.
type Classification string

const (
	Verified           Classification = "verified"
	MailboxUnavailable Classification = "mailbox_unavailable"
	Unknown            Classification = "unknown"
	RateLimited        Classification = "rate_limited"
	NoMX               Classification = "no_mx"
	DNSError           Classification = "dns_error"
	InvalidFormat      Classification = "invalid_format"
)

// Stage names the protocol stage a verification reached.
type Stage string

const (
	StageFormat    Stage = "format_check"
	StageMX        Stage = "mx_lookup"
	StageRateCheck Stage = "rate_check"
	StageHandshake Stage = "handshake"
	StageExternal  Stage = "external_api"
)

// Result is the outcome of verifying one address. It is ephemeral; callers
// persist it as a side effect if they need to.
type Result struct {
	Address        string         `json:"address"`
	Classification Classification `json:"classification"`
	Stage          Stage          `json:"stage"`
	Code           int            `json:"code,omitempty"`
	Message        string         `json:"message,omitempty"`
	Attempts       int            `json:"attempts"`
	CheckedAt      time.Time      `json:"checked_at"`
}

// Deliverable reports whether the address was positively verified.
func (r Result) Deliverable() bool {
	return r.Classification == Verified
}

// BatchSummary aggregates a VerifyBatch run.
type BatchSummary struct {
	JobID    string   `json:"job_id"`
	Total    int      `json:"total"`
	Verified int      `json:"verified"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
	Results  []Result `json:"results"`
}
