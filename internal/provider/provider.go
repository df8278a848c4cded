// Package provider classifies sending addresses by mail provider and holds
// the published send ceilings for each provider class.
package provider

import "strings"

// Class identifies the mail provider behind a sending address.
type Class string

const (
	Gmail   Class = "gmail"
	Outlook Class = "outlook"
	Yahoo   Class = "yahoo"
	Generic Class = "generic"
)

// SendLimits are the per-account send ceilings for one provider class.
type SendLimits struct {
	DailyLimit  int64 `json:"daily_limit" toml:"daily_limit"`
	HourlyLimit int64 `json:"hourly_limit" toml:"hourly_limit"`
}

var sendLimits = map[Class]SendLimits{
	Gmail:   {DailyLimit: 90, HourlyLimit: 10},
	Outlook: {DailyLimit: 250, HourlyLimit: 30},
	Yahoo:   {DailyLimit: 100, HourlyLimit: 15},
	Generic: {DailyLimit: 200, HourlyLimit: 50},
}

// Destination-domain daily caps, keyed by the destination's provider class.
// Major webmail providers throttle unfamiliar senders hard, so the caps are
// well below the generic ceiling.
var domainDailyCaps = map[Class]int64{
	Gmail:   90,
	Outlook: 250,
	Yahoo:   200,
	Generic: 500,
}

// Detect maps a domain to its provider class. Unknown domains are Generic.
func Detect(domain string) Class {
	switch strings.ToLower(domain) {
	case "gmail.com", "googlemail.com":
		return Gmail
	case "outlook.com", "hotmail.com", "live.com":
		return Outlook
	case "yahoo.com", "ymail.com":
		return Yahoo
	default:
		return Generic
	}
}

// DetectAddress classifies a full address by the domain after its last "@".
// Addresses with no domain part are Generic.
func DetectAddress(address string) Class {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return Generic
	}
	return Detect(address[at+1:])
}

// Limits returns the send ceilings for a class. Unrecognized classes fall
// back to the generic ceilings.
func Limits(class Class) SendLimits {
	if l, ok := sendLimits[class]; ok {
		return l
	}
	return sendLimits[Generic]
}

// DomainDailyCap returns the per-destination-domain daily cap for a class.
func DomainDailyCap(class Class) int64 {
	if cap, ok := domainDailyCaps[class]; ok {
		return cap
	}
	return domainDailyCaps[Generic]
}
