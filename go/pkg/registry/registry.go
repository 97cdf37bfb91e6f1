// Package registry is the authoritative token → subscription mapping.
package registry

import (
	"sort"
	"sync"
	"time"

	"marketdata-engine/go/pkg/shared"
)

// Entry is one subscribed instrument. ConnectionID is nil until the token
// has been given pool capacity.
type Entry struct {
	Token        string            `json:"token"`
	Exchange     string            `json:"exchange"`
	Segment      string            `json:"segment"`
	Symbol       string            `json:"symbol"`
	Expiry       string            `json:"expiry,omitempty"`
	Tier         shared.Tier       `json:"tier"`
	ConnectionID *int              `json:"connection_id,omitempty"`
	Active       bool              `json:"active"`
	CreatedAt    time.Time         `json:"created_at"`
	Meta         map[string]string `json:"meta,omitempty"`
}

func (e Entry) clone() Entry {
	if e.ConnectionID != nil {
		id := *e.ConnectionID
		e.ConnectionID = &id
	}
	if e.Meta != nil {
		meta := make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			meta[k] = v
		}
		e.Meta = meta
	}
	return e
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry), now: time.Now}
}

// Add stores a new entry; it reports false if the token is already present.
func (r *Registry) Add(e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.Token]; ok {
		return false
	}
	e = e.clone()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	r.entries[e.Token] = &e
	return true
}

func (r *Registry) Remove(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[token]; !ok {
		return false
	}
	delete(r.entries, token)
	return true
}

func (r *Registry) Get(token string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[token]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (r *Registry) SetActive(token string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[token]
	if ok {
		e.Active = active
	}
	return ok
}

func (r *Registry) UpdateConnection(token string, id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[token]
	if ok {
		e.ConnectionID = &id
	}
	return ok
}

// SetActiveByConnection flips Active for every entry on a slot and returns
// how many changed.
func (r *Registry) SetActiveByConnection(id int, active bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.ConnectionID != nil && *e.ConnectionID == id && e.Active != active {
			e.Active = active
			n++
		}
	}
	return n
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) ListByConnection(id int) []Entry {
	return r.list(func(e *Entry) bool { return e.ConnectionID != nil && *e.ConnectionID == id })
}

func (r *Registry) ListByExchange(exchange string) []Entry {
	return r.list(func(e *Entry) bool { return e.Exchange == exchange })
}

func (r *Registry) ListByTier(tier shared.Tier) []Entry {
	return r.list(func(e *Entry) bool { return e.Tier == tier })
}

func (r *Registry) All() []Entry {
	return r.list(func(*Entry) bool { return true })
}

// CountByTier is used by status reporting.
func (r *Registry) CountByTier() map[shared.Tier]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[shared.Tier]int{shared.TierPermanent: 0, shared.TierOnDemand: 0}
	for _, e := range r.entries {
		out[e.Tier]++
	}
	return out
}

func (r *Registry) list(keep func(*Entry) bool) []Entry {
	r.mu.RLock()
	out := make([]Entry, 0)
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, e.clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}
