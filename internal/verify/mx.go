package verify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// MXResolver resolves mail exchangers for a domain. *net.Resolver satisfies
// it; tests substitute a stub.
type MXResolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

// mxOutcome classifies one lookup attempt.
type mxOutcome int

const (
	mxFound mxOutcome = iota
	mxNone            // no records or NXDOMAIN, terminal
	mxFault           // definitive resolver failure, terminal
	mxRetry           // timeout or transient failure
)

// normalizeDomain lowercases a domain and converts unicode labels to their
// ASCII (punycode) form for DNS.
func normalizeDomain(domain string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(strings.TrimSpace(domain)))
	if err != nil {
		return "", fmt.Errorf("normalize domain %q: %w", domain, err)
	}
	return ascii, nil
}

// lookupMX resolves MX records with a bounded timeout and classifies the
// outcome. Hosts are returned best-preference first with trailing dots
// stripped.
func lookupMX(ctx context.Context, resolver MXResolver, domain string, timeout time.Duration) ([]string, mxOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	records, err := resolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			switch {
			case dnsErr.IsNotFound:
				return nil, mxNone, err
			case dnsErr.IsTimeout:
				return nil, mxRetry, err
			case dnsErr.IsTemporary:
				return nil, mxRetry, err
			default:
				return nil, mxFault, err
			}
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, mxRetry, err
		}
		return nil, mxFault, err
	}

	if len(records) == 0 {
		return nil, mxNone, nil
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	hosts := make([]string, 0, len(records))
	for _, r := range records {
		host := strings.TrimSuffix(r.Host, ".")
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		return nil, mxNone, nil
	}
	return hosts, mxFound, nil
}
