package feed

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"marketdata-engine/go/pkg/shared"
)

// SimSession emits synthetic ticks for every tracked token with Poisson
// arrival gaps. It stands in for the exchange in dev and load runs.
type SimSession struct {
	base
	slot      int
	tps       float64
	step      time.Duration
	basePrice float64

	pmu    sync.Mutex
	prices map[string]float64

	connMu sync.Mutex
	cancel context.CancelFunc
	stop   chan struct{}
}

func NewSimSession(slot int, tps, basePrice float64) *SimSession {
	if tps <= 0 {
		tps = 5
	}
	if basePrice <= 0 {
		basePrice = 2500
	}
	return &SimSession{
		base:      newBase(defaultEventBuffer),
		slot:      slot,
		tps:       tps,
		step:      20 * time.Millisecond,
		basePrice: basePrice,
		prices:    make(map[string]float64),
	}
}

// SetPrice anchors the random walk of token at p.
func (s *SimSession) SetPrice(token string, p float64) {
	s.pmu.Lock()
	s.prices[token] = p
	s.pmu.Unlock()
}

func (s *SimSession) Connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.cancel != nil {
		return nil
	}
	cctx, cancel := context.WithCancel(ctx)
	s.cancel, s.stop = cancel, make(chan struct{})
	go s.run(cctx, rand.New(rand.NewSource(time.Now().UnixNano()+int64(s.slot))))
	return nil
}

func (s *SimSession) Disconnect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.cancel == nil {
		return nil
	}
	close(s.stop)
	s.cancel()
	s.cancel, s.stop = nil, nil
	return nil
}

// Fail drops the simulated connection as if the exchange closed it.
func (s *SimSession) Fail(cause error) {
	s.connMu.Lock()
	if s.cancel == nil {
		s.connMu.Unlock()
		return
	}
	stop := s.stop
	s.cancel()
	s.cancel, s.stop = nil, nil
	s.connMu.Unlock()
	s.emitDisconnect(stop, fmt.Errorf("slot %d: %v: %w", s.slot, cause, shared.ErrConnectionFailed))
}

func (s *SimSession) AddInstrument(token string) error {
	s.track(token)
	return nil
}

func (s *SimSession) RemoveInstrument(token string) error {
	s.untrack(token)
	return nil
}

type simSchedule struct {
	token string
	due   time.Time
}

type simScheduleHeap []simSchedule

func (h simScheduleHeap) Len() int           { return len(h) }
func (h simScheduleHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h simScheduleHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *simScheduleHeap) Push(x any)        { *h = append(*h, x.(simSchedule)) }
func (h *simScheduleHeap) Pop() any {
	old := *h
	n := len(old)
	out := old[n-1]
	*h = old[:n-1]
	return out
}

func sampleGap(rateTPS float64, rng *rand.Rand) time.Duration {
	if rateTPS <= 0 {
		return time.Second
	}
	sec := rng.ExpFloat64() / rateTPS
	if sec < 0.0005 {
		sec = 0.0005
	}
	return time.Duration(sec * float64(time.Second))
}

func (s *SimSession) run(ctx context.Context, rng *rand.Rand) {
	sched := make(simScheduleHeap, 0)
	scheduled := map[string]struct{}{}
	timer := time.NewTimer(time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		now := time.Now()
		for _, tok := range s.desired() {
			if _, ok := scheduled[tok]; !ok {
				scheduled[tok] = struct{}{}
				heap.Push(&sched, simSchedule{token: tok, due: now.Add(sampleGap(s.tps, rng))})
			}
		}

		emitted := 0
		for sched.Len() > 0 && emitted < 2048 {
			if sched[0].due.After(now) {
				break
			}
			item := heap.Pop(&sched).(simSchedule)
			if !s.carries(item.token) {
				delete(scheduled, item.token)
				continue
			}
			s.emit(Event{Kind: EventTick, Tick: s.next(item.token, rng)})
			item.due = time.Now().Add(sampleGap(s.tps, rng))
			heap.Push(&sched, item)
			emitted++
		}

		wait := s.step
		if sched.Len() > 0 {
			if d := time.Until(sched[0].due); d < wait {
				wait = d
			}
		}
		timer.Reset(max(wait, time.Millisecond))
	}
}

func (s *SimSession) next(token string, rng *rand.Rand) shared.Tick {
	s.pmu.Lock()
	price, ok := s.prices[token]
	if !ok {
		price = s.basePrice + (rng.Float64()*10.0 - 5.0)
	}
	price += rng.Float64()*0.8 - 0.4
	if price < 1.0 {
		price = 1.0
	}
	s.prices[token] = price
	s.pmu.Unlock()

	spread := 0.05
	return shared.Tick{
		Token:   token,
		LTP:     shared.F(price),
		Bid:     shared.F(price - spread),
		Ask:     shared.F(price + spread),
		Volume:  shared.I(1 + rng.Int63n(5)),
		EventTS: time.Now().UnixNano(),
		Slot:    s.slot,
	}
}
