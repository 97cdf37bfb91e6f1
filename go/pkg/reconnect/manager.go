// Package reconnect tracks per-slot connection failures and decides when a
// streaming slot may dial again.
package reconnect

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marketdata-engine/go/pkg/shared"
)

type Config struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64
	MaxAttempts int
	// MinInterval spaces reconnect attempts across all slots.
	MinInterval time.Duration
}

func FromShared(c shared.ReconnectConfig) Config {
	return Config{
		MinDelay:    c.MinDelay,
		MaxDelay:    c.MaxDelay,
		Factor:      c.Factor,
		Jitter:      c.Jitter,
		MaxAttempts: c.MaxAttempts,
		MinInterval: c.MinInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = time.Second
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = 60 * time.Second
		if c.MaxDelay < c.MinDelay {
			c.MaxDelay = c.MinDelay
		}
	}
	if c.Factor < 1 {
		c.Factor = 2
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0.2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	return c
}

// State is the backoff bookkeeping of one slot.
type State struct {
	Attempts        int       `json:"attempts"`
	NextRetryAt     time.Time `json:"next_retry_at"`
	LastError       string    `json:"last_error,omitempty"`
	LastConnectedAt time.Time `json:"last_connected_at"`
}

type Manager struct {
	cfg    Config
	mu     sync.Mutex
	states map[int]*State
	rng    *rand.Rand
	guard  *rate.Limiter
	now    func() time.Time
}

func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	guard := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		guard = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return &Manager{
		cfg:    cfg,
		states: make(map[int]*State),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		guard:  guard,
		now:    time.Now,
	}
}

func (m *Manager) Config() Config { return m.cfg }

// BaseDelay is min×factor^(attempts−1) clamped to MaxDelay, before jitter.
func (m *Manager) BaseDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(m.cfg.MinDelay) * math.Pow(m.cfg.Factor, float64(attempts-1))
	if math.IsInf(d, 0) || d > float64(m.cfg.MaxDelay) {
		return m.cfg.MaxDelay
	}
	return time.Duration(d)
}

// NextDelay applies uniform jitter in [1−jitter, 1+jitter] to BaseDelay.
func (m *Manager) NextDelay(attempts int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jitter(m.BaseDelay(attempts))
}

// jitter needs m.mu held; rng is not safe for concurrent use.
func (m *Manager) jitter(base time.Duration) time.Duration {
	scale := 1 - m.cfg.Jitter + 2*m.cfg.Jitter*m.rng.Float64()
	return time.Duration(float64(base) * scale)
}

func (m *Manager) state(id int) *State {
	s, ok := m.states[id]
	if !ok {
		s = &State{}
		m.states[id] = s
	}
	return s
}

// MarkDisconnected records a failure and schedules the next retry.
func (m *Manager) MarkDisconnected(id int, err error) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(id)
	s.Attempts++
	s.NextRetryAt = m.now().Add(m.jitter(m.BaseDelay(s.Attempts)))
	if err != nil {
		s.LastError = err.Error()
	}
	return *s
}

func (m *Manager) MarkConnected(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(id)
	s.Attempts = 0
	s.NextRetryAt = time.Time{}
	s.LastError = ""
	s.LastConnectedAt = m.now()
}

// ShouldReconnect is false once the slot has used up MaxAttempts; only Reset
// re-arms it.
func (m *Manager) ShouldReconnect(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(id).Attempts < m.cfg.MaxAttempts
}

// Reset is the external re-trigger for an exhausted slot.
func (m *Manager) Reset(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(id)
	s.Attempts = 0
	s.NextRetryAt = time.Time{}
}

func (m *Manager) State(id int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.state(id)
}

// Exhausted lists slots that stopped retrying.
func (m *Manager) Exhausted() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for id, s := range m.states {
		if s.Attempts >= m.cfg.MaxAttempts {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// Wait blocks until the slot's retry time has passed and the shared
// min-interval guard admits another attempt.
func (m *Manager) Wait(ctx context.Context, id int) error {
	m.mu.Lock()
	until := m.state(id).NextRetryAt
	m.mu.Unlock()

	if d := until.Sub(m.now()); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return m.guard.Wait(ctx)
}
