// Package ratelimit throttles outbound upstream REST calls per category
// across nested second/minute/hour/day sliding windows.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marketdata-engine/go/pkg/shared"
)

type limiterMetrics struct {
	waits   *prometheus.HistogramVec
	blocks  *prometheus.CounterVec
	refused *prometheus.CounterVec
}

func newMetrics() limiterMetrics {
	return limiterMetrics{
		waits: shared.NewHistVec(prometheus.HistogramOpts{
			Name:    "md_ratelimit_wait_seconds",
			Help:    "Time a REST call waited for window room",
			Buckets: []float64{0, 0.05, 0.25, 1, 5, 30, 120},
		}, []string{"category"}),
		blocks:  shared.NewCounterVec(prometheus.CounterOpts{Name: "md_ratelimit_blocks_total", Help: "Hard cooldowns imposed per category"}, []string{"category"}),
		refused: shared.NewCounterVec(prometheus.CounterOpts{Name: "md_ratelimit_refused_total", Help: "Calls refused while a category was blocked"}, []string{"category"}),
	}
}

// window is a timestamp queue; calls older than span are expired lazily.
type window struct {
	span  time.Duration
	limit int
	calls []time.Time
}

func (w *window) expire(now time.Time) {
	cutoff := now.Add(-w.span)
	idx := 0
	for idx < len(w.calls) && !w.calls[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.calls = w.calls[idx:]
	}
}

// wait returns how long until the oldest call leaves the window, or 0 if
// there is room now.
func (w *window) wait(now time.Time) time.Duration {
	w.expire(now)
	if len(w.calls) < w.limit {
		return 0
	}
	return w.calls[0].Add(w.span).Sub(now)
}

type category struct {
	windows      []*window
	blockedUntil time.Time
}

func (c *category) delay(now time.Time) time.Duration {
	var longest time.Duration
	for _, w := range c.windows {
		if d := w.wait(now); d > longest {
			longest = d
		}
	}
	return longest
}

func (c *category) record(now time.Time) {
	for _, w := range c.windows {
		w.calls = append(w.calls, now)
	}
}

// Limiter holds one category per upstream call family.
type Limiter struct {
	mu         sync.Mutex
	categories map[string]*category
	now        func() time.Time
	m          limiterMetrics
}

// New builds a limiter; categories absent from budgets are unthrottled but
// can still be blocked.
func New(budgets map[string]shared.Budget) *Limiter {
	l := &Limiter{categories: make(map[string]*category, len(budgets)), now: time.Now, m: newMetrics()}
	for name, b := range budgets {
		l.categories[name] = newCategory(b)
	}
	return l
}

func newCategory(b shared.Budget) *category {
	c := &category{}
	for _, w := range []struct {
		span  time.Duration
		limit int
	}{
		{time.Second, b.PerSecond},
		{time.Minute, b.PerMinute},
		{time.Hour, b.PerHour},
		{24 * time.Hour, b.PerDay},
	} {
		if w.limit > 0 {
			c.windows = append(c.windows, &window{span: w.span, limit: w.limit, calls: make([]time.Time, 0, min(w.limit, 1024))})
		}
	}
	return c
}

func (l *Limiter) get(name string) *category {
	c, ok := l.categories[name]
	if !ok {
		c = &category{}
		l.categories[name] = c
	}
	return c
}

// Wait suspends the caller until every window of the category has room,
// then records the call. It fails fast with ErrBlocked during a hard
// cooldown and returns ctx.Err() if the context ends first.
func (l *Limiter) Wait(ctx context.Context, name string) error {
	var waited time.Duration
	for {
		l.mu.Lock()
		c := l.get(name)
		now := l.now()
		if now.Before(c.blockedUntil) {
			until := c.blockedUntil
			l.mu.Unlock()
			l.m.refused.WithLabelValues(name).Inc()
			return fmt.Errorf("%s until %s: %w", name, until.Format(time.RFC3339), shared.ErrBlocked)
		}
		d := c.delay(now)
		if d <= 0 {
			c.record(now)
			l.mu.Unlock()
			l.m.waits.WithLabelValues(name).Observe(waited.Seconds())
			return nil
		}
		l.mu.Unlock()
		waited += d

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow records a call only if it fits right now.
func (l *Limiter) Allow(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.get(name)
	now := l.now()
	if now.Before(c.blockedUntil) || c.delay(now) > 0 {
		return false
	}
	c.record(now)
	return true
}

// Block imposes a hard cooldown independent of the sliding windows. A
// shorter block never shortens an existing longer one.
func (l *Limiter) Block(name string, d time.Duration) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.get(name)
	until := l.now().Add(d)
	l.m.blocks.WithLabelValues(name).Inc()
	if until.After(c.blockedUntil) {
		c.blockedUntil = until
	}
	return c.blockedUntil
}

// Unblock clears a cooldown, e.g. after credentials are refreshed.
func (l *Limiter) Unblock(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.get(name).blockedUntil = time.Time{}
}

func (l *Limiter) IsBlocked(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.get(name).blockedUntil)
}

// Usage reports the calls currently counted in each window of a category,
// ordered second, minute, hour, day (configured windows only).
func (l *Limiter) Usage(name string) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.get(name)
	now := l.now()
	out := make([]int, len(c.windows))
	for i, w := range c.windows {
		w.expire(now)
		out[i] = len(w.calls)
	}
	return out
}
