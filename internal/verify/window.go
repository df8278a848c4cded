package verify

import (
	"sync"
	"time"
)

// Window tracks per-domain probe pressure: a rolling-hour probe count and
// the timestamp of the last probe. Allow refuses a probe once the hourly
// ceiling is reached or when the minimum inter-probe delay has not elapsed;
// the counter itself is only advanced by Record, so refused probes leave no
// trace.
type Window struct {
	ceiling  int
	minDelay time.Duration
	span     time.Duration

	mu      sync.Mutex
	domains map[string]*domainWindow

	now func() time.Time
}

type domainWindow struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	lastProbe   time.Time
}

// NewWindow creates a probe window with the given hourly ceiling and minimum
// inter-probe delay per domain.
func NewWindow(ceiling int, minDelay time.Duration) *Window {
	return &Window{
		ceiling:  ceiling,
		minDelay: minDelay,
		span:     time.Hour,
		domains:  make(map[string]*domainWindow),
		now:      time.Now,
	}
}

func (w *Window) domain(domain string) *domainWindow {
	w.mu.Lock()
	defer w.mu.Unlock()

	d, ok := w.domains[domain]
	if !ok {
		d = &domainWindow{}
		w.domains[domain] = d
	}
	return d
}

// Allow reports whether a probe against domain may proceed right now.
func (w *Window) Allow(domain string) bool {
	now := w.now()
	d := w.domain(domain)

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.windowStart) >= w.span {
		d.count = 0
		d.windowStart = now
	}
	if d.count >= w.ceiling {
		return false
	}
	if !d.lastProbe.IsZero() && now.Sub(d.lastProbe) < w.minDelay {
		return false
	}
	return true
}

// Record counts one probe against domain and stamps the probe time.
func (w *Window) Record(domain string) {
	now := w.now()
	d := w.domain(domain)

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.windowStart) >= w.span {
		d.count = 0
		d.windowStart = now
	}
	d.count++
	d.lastProbe = now
}

// Remaining returns how many probes are left in the current hour for domain.
func (w *Window) Remaining(domain string) int {
	now := w.now()
	d := w.domain(domain)

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.windowStart) >= w.span {
		return w.ceiling
	}
	if r := w.ceiling - d.count; r > 0 {
		return r
	}
	return 0
}
