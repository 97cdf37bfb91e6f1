// Package pool assigns instrument tokens to a fixed set of streaming
// connection slots under a per-slot capacity ceiling.
package pool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"marketdata-engine/go/pkg/shared"
)

type Config struct {
	Connections int
	Capacity    int
	// ReservePermanent is headroom kept free for PERMANENT subscriptions;
	// ON_DEMAND adds are refused once only the reserve is left.
	ReservePermanent int
}

func FromShared(c shared.PoolConfig) Config {
	return Config{Connections: c.Connections, Capacity: c.Capacity, ReservePermanent: c.ReservePermanent}
}

type slot struct {
	id                int
	tokens            map[string]struct{}
	active            bool
	lastConnectedAt   time.Time
	reconnectAttempts int
	lastError         string
}

// SlotStats is a read-only view of one slot.
type SlotStats struct {
	ID                int       `json:"id"`
	Assigned          int       `json:"assigned"`
	Capacity          int       `json:"capacity"`
	Active            bool      `json:"active"`
	LastConnectedAt   time.Time `json:"last_connected_at"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastError         string    `json:"last_error,omitempty"`
}

// Move records one token relocated by Rebalance.
type Move struct {
	Token string `json:"token"`
	From  int    `json:"from"`
	To    int    `json:"to"`
}

type Pool struct {
	mu       sync.Mutex
	capacity int
	reserve  int
	slots    []*slot // index = id-1
	owner    map[string]int
	now      func() time.Time
}

func New(cfg Config) *Pool {
	if cfg.Connections < 1 {
		cfg.Connections = 1
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	p := &Pool{
		capacity: cfg.Capacity,
		reserve:  max(cfg.ReservePermanent, 0),
		slots:    make([]*slot, cfg.Connections),
		owner:    make(map[string]int),
		now:      time.Now,
	}
	for i := range p.slots {
		p.slots[i] = &slot{id: i + 1, tokens: make(map[string]struct{})}
	}
	return p
}

// Ceiling is the global token limit: slots × per-slot capacity.
func (p *Pool) Ceiling() int { return len(p.slots) * p.capacity }

func (p *Pool) Capacity() int { return p.capacity }

func (p *Pool) Size() int { return len(p.slots) }

// AddToken assigns token to a slot and returns its id. It is idempotent: an
// already assigned token reports its current slot along with
// ErrAlreadySubscribed. preferred > 0 forces a slot and fails with
// ErrWSAtCapacity if that slot is full.
func (p *Pool) AddToken(token string, tier shared.Tier, preferred int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.owner[token]; ok {
		return id, fmt.Errorf("%s on slot %d: %w", token, id, shared.ErrAlreadySubscribed)
	}
	total := len(p.owner)
	if total >= p.Ceiling() {
		return 0, fmt.Errorf("%d/%d assigned: %w", total, p.Ceiling(), shared.ErrNoCapacity)
	}
	if tier != shared.TierPermanent && total >= p.Ceiling()-p.reserve {
		return 0, fmt.Errorf("on-demand headroom exhausted (%d reserved): %w", p.reserve, shared.ErrNoCapacity)
	}

	var target *slot
	if preferred > 0 {
		if preferred > len(p.slots) {
			return 0, fmt.Errorf("slot %d: %w", preferred, shared.ErrUnknownSlot)
		}
		target = p.slots[preferred-1]
		if len(target.tokens) >= p.capacity {
			return 0, fmt.Errorf("slot %d holds %d: %w", preferred, len(target.tokens), shared.ErrWSAtCapacity)
		}
	} else {
		target = p.leastLoaded(true, 0)
		if target == nil {
			target = p.leastLoaded(false, 0)
		}
		if target == nil {
			return 0, shared.ErrNoCapacity
		}
	}
	target.tokens[token] = struct{}{}
	p.owner[token] = target.id
	return target.id, nil
}

// leastLoaded picks the slot with most room, lowest id on ties. With
// activeOnly it only considers connected slots. skip excludes one id.
func (p *Pool) leastLoaded(activeOnly bool, skip int) *slot {
	var best *slot
	for _, s := range p.slots {
		if s.id == skip || (activeOnly && !s.active) || len(s.tokens) >= p.capacity {
			continue
		}
		if best == nil || len(s.tokens) < len(best.tokens) {
			best = s
		}
	}
	return best
}

// RemoveToken frees the token's capacity unit; false if it was unassigned.
func (p *Pool) RemoveToken(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.owner[token]
	if !ok {
		return false
	}
	delete(p.slots[id-1].tokens, token)
	delete(p.owner, token)
	return true
}

func (p *Pool) SlotOf(token string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.owner[token]
	return id, ok
}

// Tokens lists the tokens on a slot, sorted.
func (p *Pool) Tokens(id int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 1 || id > len(p.slots) {
		return nil
	}
	return sortedTokens(p.slots[id-1])
}

func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owner)
}

func (p *Pool) SetActive(id int, active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 1 || id > len(p.slots) {
		return fmt.Errorf("slot %d: %w", id, shared.ErrUnknownSlot)
	}
	p.slots[id-1].active = active
	return nil
}

func (p *Pool) MarkConnected(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 1 || id > len(p.slots) {
		return fmt.Errorf("slot %d: %w", id, shared.ErrUnknownSlot)
	}
	s := p.slots[id-1]
	s.active = true
	s.lastConnectedAt = p.now()
	s.reconnectAttempts = 0
	s.lastError = ""
	return nil
}

func (p *Pool) MarkDisconnected(id int, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 1 || id > len(p.slots) {
		return fmt.Errorf("slot %d: %w", id, shared.ErrUnknownSlot)
	}
	s := p.slots[id-1]
	s.active = false
	s.reconnectAttempts++
	if cause != nil {
		s.lastError = cause.Error()
	}
	return nil
}

func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.active {
			n++
		}
	}
	return n
}

// Rebalance moves tokens off inactive slots onto the least-loaded active
// slot with room. Tokens with no destination stay where they are.
func (p *Pool) Rebalance() (int, []Move) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var moves []Move
	for _, src := range p.slots {
		if src.active || len(src.tokens) == 0 {
			continue
		}
		for _, tok := range sortedTokens(src) {
			dst := p.leastLoaded(true, src.id)
			if dst == nil {
				break
			}
			delete(src.tokens, tok)
			dst.tokens[tok] = struct{}{}
			p.owner[tok] = dst.id
			moves = append(moves, Move{Token: tok, From: src.id, To: dst.id})
		}
	}
	return len(moves), moves
}

func (p *Pool) Stats() []SlotStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotStats, len(p.slots))
	for i, s := range p.slots {
		out[i] = SlotStats{
			ID:                s.id,
			Assigned:          len(s.tokens),
			Capacity:          p.capacity,
			Active:            s.active,
			LastConnectedAt:   s.lastConnectedAt,
			ReconnectAttempts: s.reconnectAttempts,
			LastError:         s.lastError,
		}
	}
	return out
}

func sortedTokens(s *slot) []string {
	out := make([]string, 0, len(s.tokens))
	for t := range s.tokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
