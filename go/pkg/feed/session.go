// Package feed holds the upstream streaming sessions. One session serves one
// pool slot and is reused across reconnects; it remembers the instruments
// it should carry and resubscribes them on every connect.
package feed

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"marketdata-engine/go/pkg/shared"
)

type EventKind int

const (
	EventTick EventKind = iota
	EventRaw
	EventDisconnect
)

// Event is what a session hands to its supervisor. Tick is set for
// EventTick, Raw for EventRaw and Err for EventDisconnect.
type Event struct {
	Kind EventKind
	Tick shared.Tick
	Raw  map[string]any
	Err  error
}

type Session interface {
	Connect(ctx context.Context) error
	Disconnect() error
	AddInstrument(token string) error
	RemoveInstrument(token string) error
	Events() <-chan Event
}

// Factory builds the session for a pool slot.
type Factory func(slot int) Session

const defaultEventBuffer = 4096

// base tracks the desired instrument set and owns the event channel.
type base struct {
	mu      sync.Mutex
	tokens  map[string]struct{}
	events  chan Event
	dropped atomic.Int64
}

func newBase(buffer int) base {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return base{tokens: make(map[string]struct{}), events: make(chan Event, buffer)}
}

func (b *base) Events() <-chan Event { return b.events }

// Dropped counts ticks lost to a full event buffer.
func (b *base) Dropped() int64 { return b.dropped.Load() }

func (b *base) track(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tokens[token]; ok {
		return false
	}
	b.tokens[token] = struct{}{}
	return true
}

func (b *base) untrack(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tokens[token]; !ok {
		return false
	}
	delete(b.tokens, token)
	return true
}

func (b *base) desired() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.tokens))
	for t := range b.tokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (b *base) carries(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tokens[token]
	return ok
}

// emit never blocks on ticks; a full buffer drops the tick.
func (b *base) emit(ev Event) bool {
	select {
	case b.events <- ev:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// emitDisconnect waits for room unless the connection was stopped on
// purpose, in which case nobody needs to hear about it.
func (b *base) emitDisconnect(stop <-chan struct{}, err error) {
	select {
	case b.events <- Event{Kind: EventDisconnect, Err: err}:
	case <-stop:
	}
}
