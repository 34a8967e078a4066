// Package ratelimit is the C4 Rate Limiter: sliding-window request counters
// keyed by IP or client ID.
//
// Grounded on the teacher's internal/aggregator/auth_rate_limiter.go, which
// tracks per-IP registration attempts with a fixed window and periodic
// cleanup; generalized here to a keyed sliding window serving both the
// self-registration endpoint (by source IP) and per-client tool-call rate
// limits (by client ID, spec.md §3 ToolProfile.rate_limits).
package ratelimit

import (
	"sync"
	"time"

	"ambassador/internal/metrics"
)

// window tracks timestamps of recent events for one key, pruned lazily.
type window struct {
	events []time.Time
}

// Limiter enforces a sliding-window cap of `limit` events per `period` for
// each distinct key.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	period  time.Duration
	windows map[string]*window
}

// New constructs a Limiter allowing at most limit events per period, per key.
func New(limit int, period time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		period:  period,
		windows: make(map[string]*window),
	}
}

// Allow reports whether the event for key is permitted under the current
// window, recording it if so.
func (l *Limiter) Allow(key string) bool {
	return l.AllowAt(key, time.Now())
}

// AllowAt is Allow with an explicit "now", for deterministic tests.
func (l *Limiter) AllowAt(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	cutoff := now.Add(-l.period)
	w.events = pruneBefore(w.events, cutoff)

	if len(w.events) >= l.limit {
		metrics.RatelimitRejected.WithLabelValues(key).Inc()
		return false
	}
	w.events = append(w.events, now)
	return true
}

// Remaining returns how many more events key may make in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		return l.limit
	}
	cutoff := time.Now().Add(-l.period)
	w.events = pruneBefore(w.events, cutoff)
	remaining := l.limit - len(w.events)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Cleanup discards keys with no events inside the window, bounding memory
// use for a limiter keyed by ephemeral source IPs. Intended to be called
// periodically from a background goroutine.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.period)
	for key, w := range l.windows {
		w.events = pruneBefore(w.events, cutoff)
		if len(w.events) == 0 {
			delete(l.windows, key)
		}
	}
}

// BackoffLimiter wraps a Limiter with a progressive lockout: each rejection
// while already over the window's cap doubles a per-key penalty, up to max,
// so a source that keeps hammering past the limit is shut out for longer
// each time rather than being re-admitted the instant the window rolls.
// Grounded on the teacher's AuthRateLimiter (internal/aggregator) sliding
// window, which tracks violations but not escalating lockouts; the
// escalation itself has no teacher precedent and is built directly against
// spec.md §3's "progressive backoff variant" line.
type BackoffLimiter struct {
	*Limiter

	mu          sync.Mutex
	base        time.Duration
	max         time.Duration
	violations  map[string]int
	lockedUntil map[string]time.Time
}

// NewBackoff constructs a BackoffLimiter: limit/period behave like Limiter,
// base is the first lockout duration and max caps how far doubling can grow
// it.
func NewBackoff(limit int, period, base, max time.Duration) *BackoffLimiter {
	return &BackoffLimiter{
		Limiter:     New(limit, period),
		base:        base,
		max:         max,
		violations:  make(map[string]int),
		lockedUntil: make(map[string]time.Time),
	}
}

// Allow reports whether key's request is permitted, honoring both the
// underlying sliding window and any active lockout.
func (b *BackoffLimiter) Allow(key string) bool {
	return b.AllowAt(key, time.Now())
}

// AllowAt is Allow with an explicit "now", for deterministic tests.
func (b *BackoffLimiter) AllowAt(key string, now time.Time) bool {
	b.mu.Lock()
	if until, locked := b.lockedUntil[key]; locked {
		if now.Before(until) {
			b.mu.Unlock()
			metrics.RatelimitRejected.WithLabelValues(key).Inc()
			return false
		}
		delete(b.lockedUntil, key)
	}
	b.mu.Unlock()

	if b.Limiter.AllowAt(key, now) {
		b.mu.Lock()
		delete(b.violations, key)
		b.mu.Unlock()
		return true
	}

	b.mu.Lock()
	b.violations[key]++
	penalty := b.base * time.Duration(uint64(1)<<uint(b.violations[key]-1))
	if penalty > b.max || penalty <= 0 {
		penalty = b.max
	}
	b.lockedUntil[key] = now.Add(penalty)
	b.mu.Unlock()
	return false
}

// Cleanup discards stale window, violation, and lockout state for keys with
// no recent activity, in addition to the embedded Limiter's own cleanup.
func (b *BackoffLimiter) Cleanup() {
	b.Limiter.Cleanup()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for key, until := range b.lockedUntil {
		if now.After(until) {
			delete(b.lockedUntil, key)
			delete(b.violations, key)
		}
	}
}

func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append([]time.Time(nil), events[i:]...)
}
