// Package engine wires the connection pool, subscription registry, caches
// and streaming sessions into the market-data service. Subscribe and
// Unsubscribe are serialised by the engine; ticks flow without taking that
// lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marketdata-engine/go/pkg/atm"
	"marketdata-engine/go/pkg/feed"
	"marketdata-engine/go/pkg/marketcache"
	"marketdata-engine/go/pkg/pool"
	"marketdata-engine/go/pkg/reconnect"
	"marketdata-engine/go/pkg/registry"
	"marketdata-engine/go/pkg/router"
	"marketdata-engine/go/pkg/shared"
	"marketdata-engine/go/pkg/sink"
)

// Subscribe outcome reasons.
const (
	ReasonSubscribed        = "subscribed"
	ReasonAlreadySubscribed = "already_subscribed"
	ReasonNoCapacity        = "NO_CAPACITY"
	ReasonWSAtCapacity      = "WS_AT_CAPACITY"
	ReasonUnknownSlot       = "UNKNOWN_SLOT"
	ReasonInvalid           = "INVALID_REQUEST"
)

type SubscribeRequest struct {
	Token    string            `json:"token"`
	Exchange string            `json:"exchange"`
	Segment  string            `json:"segment"`
	Symbol   string            `json:"symbol"`
	Expiry   string            `json:"expiry,omitempty"`
	Tier     shared.Tier       `json:"tier"`
	Slot     int               `json:"slot,omitempty"` // preferred slot, 0 lets the pool pick
	Meta     map[string]string `json:"meta,omitempty"`
}

type SubscribeResult struct {
	OK           bool   `json:"ok"`
	Reason       string `json:"reason"`
	ConnectionID int    `json:"connection_id,omitempty"`
}

// Deps are the collaborators an Engine is built from. Sink, Chains,
// Expiries and Instruments are optional.
type Deps struct {
	Pool      *pool.Pool
	Registry  *registry.Registry
	Reconnect *reconnect.Manager
	Main      *marketcache.Cache
	Commodity *marketcache.Cache
	Router    *router.Router
	ATM       *atm.Engine
	Sessions  feed.Factory
	Sink      sink.Sink
	Log       shared.Logger

	Chains      ChainFetcher
	Expiries    ExpiryLookup
	Instruments OptionLookup

	// StreamsDisabled is the kill switch: StartStreams becomes a no-op.
	StreamsDisabled bool
}

type Engine struct {
	pool      *pool.Pool
	reg       *registry.Registry
	rc        *reconnect.Manager
	main      *marketcache.Cache
	commodity *marketcache.Cache
	router    *router.Router
	atm       *atm.Engine
	factory   feed.Factory
	sink      sink.Sink
	log       shared.Logger
	disabled  bool
	m         engineMetrics

	chains      ChainFetcher
	expiries    ExpiryLookup
	instruments OptionLookup

	// subMu serialises subscription changes. Order: subMu, then pool,
	// registry and sessions. The caches are never touched under it.
	subMu sync.Mutex

	sessMu   sync.RWMutex
	sessions map[int]feed.Session

	streamMu sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	resets   map[int]chan struct{}
	runs     map[int]slotRun

	lastTick atomic.Int64
	now      func() time.Time
}

func New(d Deps) *Engine {
	if d.Log == nil {
		d.Log = shared.NopLogger()
	}
	if d.Main == nil {
		d.Main = marketcache.New("main")
	}
	if d.Router == nil {
		d.Router = router.New(d.Main, d.Commodity, nil)
	}
	e := &Engine{
		pool:        d.Pool,
		reg:         d.Registry,
		rc:          d.Reconnect,
		main:        d.Main,
		commodity:   d.Commodity,
		router:      d.Router,
		atm:         d.ATM,
		factory:     d.Sessions,
		sink:        d.Sink,
		log:         d.Log,
		disabled:    d.StreamsDisabled,
		m:           newMetrics(),
		chains:      d.Chains,
		expiries:    d.Expiries,
		instruments: d.Instruments,
		sessions:    make(map[int]feed.Session),
		resets:      make(map[int]chan struct{}, d.Pool.Size()),
		now:         time.Now,
	}
	for id := 1; id <= d.Pool.Size(); id++ {
		e.resets[id] = make(chan struct{}, 1)
	}
	return e
}

// slotRun is one slot's supervisor; done closes when it has returned.
type slotRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *Engine) session(slot int) feed.Session {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	return e.sessions[slot]
}

func (e *Engine) slotActive(id int) bool {
	for _, s := range e.pool.Stats() {
		if s.ID == id {
			return s.Active
		}
	}
	return false
}

// Subscribe reserves pool capacity and then records the registry entry. A
// pool refusal leaves the registry untouched. Subscribing a known token is
// a success that reports the existing slot.
func (e *Engine) Subscribe(req SubscribeRequest) SubscribeResult {
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		e.m.subscribes.WithLabelValues(ReasonInvalid).Inc()
		return SubscribeResult{Reason: ReasonInvalid}
	}
	if req.Tier == "" {
		req.Tier = shared.TierOnDemand
	}

	e.subMu.Lock()
	defer e.subMu.Unlock()

	if existing, ok := e.reg.Get(req.Token); ok {
		e.m.subscribes.WithLabelValues(ReasonAlreadySubscribed).Inc()
		res := SubscribeResult{OK: true, Reason: ReasonAlreadySubscribed}
		if existing.ConnectionID != nil {
			res.ConnectionID = *existing.ConnectionID
		}
		return res
	}

	result := ReasonSubscribed
	slot, err := e.pool.AddToken(req.Token, req.Tier, req.Slot)
	switch {
	case errors.Is(err, shared.ErrAlreadySubscribed):
		// assigned in the pool but unknown to the registry: adopt it
		result = ReasonAlreadySubscribed
		e.log.Warnf("[engine] subscribe %s: %v, recording registry entry", req.Token, err)
	case err != nil:
		reason := ReasonNoCapacity
		switch {
		case errors.Is(err, shared.ErrWSAtCapacity):
			reason = ReasonWSAtCapacity
		case errors.Is(err, shared.ErrUnknownSlot):
			reason = ReasonUnknownSlot
		}
		e.m.subscribes.WithLabelValues(reason).Inc()
		e.log.Warnf("[engine] subscribe %s refused: %v", req.Token, err)
		return SubscribeResult{Reason: reason}
	}

	id := slot
	e.reg.Add(registry.Entry{
		Token:        req.Token,
		Exchange:     strings.ToUpper(req.Exchange),
		Segment:      req.Segment,
		Symbol:       strings.ToUpper(req.Symbol),
		Expiry:       req.Expiry,
		Tier:         req.Tier,
		ConnectionID: &id,
		Active:       e.slotActive(slot),
		Meta:         req.Meta,
	})
	if s := e.session(slot); s != nil {
		if err := s.AddInstrument(req.Token); err != nil {
			e.log.Warnf("[engine] slot %d add %s: %v", slot, req.Token, err)
		}
	}
	e.m.subscribes.WithLabelValues(result).Inc()
	e.m.subscriptions.Set(float64(e.reg.Count()))
	return SubscribeResult{OK: true, Reason: result, ConnectionID: slot}
}

// Unsubscribe frees the token's capacity; false if it was not subscribed.
func (e *Engine) Unsubscribe(token string) bool {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	ok := e.unsubscribeLocked(token)
	e.m.subscriptions.Set(float64(e.reg.Count()))
	return ok
}

func (e *Engine) unsubscribeLocked(token string) bool {
	if _, ok := e.reg.Get(token); !ok {
		return false
	}
	slot, assigned := e.pool.SlotOf(token)
	e.pool.RemoveToken(token)
	e.reg.Remove(token)
	if assigned {
		if s := e.session(slot); s != nil {
			if err := s.RemoveInstrument(token); err != nil {
				e.log.Warnf("[engine] slot %d remove %s: %v", slot, token, err)
			}
		}
	}
	e.m.unsubscribes.Inc()
	return true
}

// UnsubscribeAllOfTier drops every subscription of tier and returns how
// many were removed.
func (e *Engine) UnsubscribeAllOfTier(tier shared.Tier) int {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	n := 0
	for _, entry := range e.reg.ListByTier(tier) {
		if e.unsubscribeLocked(entry.Token) {
			n++
		}
	}
	e.m.subscriptions.Set(float64(e.reg.Count()))
	if n > 0 {
		e.log.Printf("[engine] cleared %d %s subscriptions", n, tier)
	}
	return n
}

// OnTick enriches a canonical tick from its registry entry, routes it into
// the caches, refreshes ATM tracking for underlyings and hands it to the
// sinks. Errors are counted and returned, never fatal.
func (e *Engine) OnTick(t shared.Tick) error {
	e.lastTick.Store(e.now().UnixNano())
	t = e.enrich(t)

	kind, err := e.router.Route(t)
	if err != nil {
		switch {
		case errors.Is(err, shared.ErrMalformedTick):
			e.m.dropped.WithLabelValues("malformed").Inc()
			e.log.Warnf("[engine] malformed tick from slot %d: %v", t.Slot, err)
		case errors.Is(err, shared.ErrNoChainSkeleton):
			e.m.dropped.WithLabelValues("no_skeleton").Inc()
		default:
			e.m.dropped.WithLabelValues("handler").Inc()
			e.log.Warnf("[engine] %s tick %s: %v", kind, t.Token, err)
		}
		return err
	}
	e.m.ticks.WithLabelValues(string(kind)).Inc()

	if t.LTP != nil {
		switch {
		case kind == shared.KindIndex || kind == shared.KindEquity:
			e.recalcATM(e.main, t.Symbol, *t.LTP)
		case kind == shared.KindFuture && e.router.IsCommodity(t.Exchange):
			e.recalcATM(e.commodity, t.Symbol, *t.LTP)
		}
	}
	if e.sink != nil {
		e.sink.Offer(t)
	}
	return nil
}

// OnRawTick normalises an upstream payload and feeds it to OnTick.
func (e *Engine) OnRawTick(slot int, raw map[string]any) error {
	t, err := router.Normalize(raw)
	if err != nil {
		e.m.dropped.WithLabelValues("malformed").Inc()
		e.log.Warnf("[engine] slot %d dropped payload: %v", slot, err)
		return err
	}
	t.Slot = slot
	return e.OnTick(t)
}

// enrich fills the identity fields a feed does not repeat on every tick.
func (e *Engine) enrich(t shared.Tick) shared.Tick {
	entry, ok := e.reg.Get(t.Token)
	if !ok {
		return t
	}
	if t.Exchange == "" {
		t.Exchange = entry.Exchange
	}
	if t.Segment == "" {
		t.Segment = entry.Segment
	}
	if t.Symbol == "" {
		t.Symbol = entry.Symbol
	}
	if t.Expiry == "" {
		t.Expiry = entry.Expiry
	}
	meta := entry.Meta
	// indices trade under a display name ("NIFTY 50") but chains are keyed
	// by the underlying
	if u := meta["underlying"]; u != "" {
		t.Symbol = strings.ToUpper(u)
	}
	if t.OptionType == "" {
		t.OptionType = meta["option_type"]
	}
	if t.Strike == 0 && meta["strike"] != "" {
		if v, err := strconv.ParseFloat(meta["strike"], 64); err == nil {
			t.Strike = v
		}
	}
	if t.InstrumentType == "" {
		t.InstrumentType = meta["instrument_type"]
	}
	if meta["is_index"] == "true" {
		t.IsIndex = true
	}
	return t
}

// recalcATM rebuilds every cached expiry of symbol once its price has moved
// a full strike step, and stamps the new ATM on the matching chains.
func (e *Engine) recalcATM(cache *marketcache.Cache, symbol string, ltp float64) {
	if e.atm == nil || cache == nil || symbol == "" || ltp <= 0 {
		return
	}
	sym := strings.ToUpper(symbol)
	for _, exp := range e.atm.OnUnderlyingTick(sym, ltp) {
		snap, _ := e.atm.GenerateChain(sym, exp, ltp, true)
		cache.SetATM(sym, exp, snap.ATMStrike)
		e.m.atmRecalcs.WithLabelValues(sym).Inc()
		e.log.Printf("[engine] %s %s ATM -> %g (ltp %g)", sym, exp, snap.ATMStrike, ltp)
	}
}

// OnDisconnect records a slot failure, marks its subscriptions inactive and
// moves what it can onto healthy slots.
func (e *Engine) OnDisconnect(slot int, cause error) reconnect.State {
	if err := e.pool.MarkDisconnected(slot, cause); err != nil {
		e.log.Warnf("[engine] disconnect: %v", err)
	}
	inactive := e.reg.SetActiveByConnection(slot, false)
	st := e.rc.MarkDisconnected(slot, cause)
	e.m.connEvents.WithLabelValues("disconnect").Inc()
	e.m.activeConns.Set(float64(e.pool.ActiveCount()))
	e.log.Warnf("[engine] slot %d disconnected attempt=%d inactive=%d: %v", slot, st.Attempts, inactive, cause)
	e.Rebalance()
	return st
}

// OnConnected marks slot live. A session not yet known to the engine is
// adopted and handed the slot's assigned tokens.
func (e *Engine) OnConnected(slot int, sess feed.Session) {
	e.subMu.Lock()
	if sess != nil && e.session(slot) != sess {
		for _, tok := range e.pool.Tokens(slot) {
			if err := sess.AddInstrument(tok); err != nil {
				e.log.Warnf("[engine] slot %d add %s: %v", slot, tok, err)
			}
		}
		e.sessMu.Lock()
		e.sessions[slot] = sess
		e.sessMu.Unlock()
	}
	e.subMu.Unlock()

	if _, ok := e.resets[slot]; !ok {
		e.log.Warnf("[engine] connect: slot %d: %v", slot, shared.ErrUnknownSlot)
		return
	}
	e.rc.MarkConnected(slot)
	e.reg.SetActiveByConnection(slot, true)
	_ = e.pool.MarkConnected(slot)
	e.m.connEvents.WithLabelValues("connect").Inc()
	e.m.activeConns.Set(float64(e.pool.ActiveCount()))
	e.log.Printf("[engine] slot %d connected with %d instruments", slot, len(e.pool.Tokens(slot)))
}

// Rebalance moves tokens off disconnected slots and keeps the registry and
// the sessions in step with the pool.
func (e *Engine) Rebalance() (int, []pool.Move) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	n, moves := e.pool.Rebalance()
	for _, mv := range moves {
		e.reg.UpdateConnection(mv.Token, mv.To)
		e.reg.SetActive(mv.Token, true)
		if s := e.session(mv.From); s != nil {
			if err := s.RemoveInstrument(mv.Token); err != nil {
				e.log.Warnf("[engine] slot %d remove %s: %v", mv.From, mv.Token, err)
			}
		}
		if s := e.session(mv.To); s != nil {
			if err := s.AddInstrument(mv.Token); err != nil {
				e.log.Warnf("[engine] slot %d add %s: %v", mv.To, mv.Token, err)
			}
		}
	}
	if n > 0 {
		e.m.rebalanced.Add(float64(n))
		e.log.Printf("[engine] rebalanced %d instruments", n)
	}
	return n, moves
}

// StartStreams builds one session per slot, seeds it with the slot's
// assigned tokens and starts its supervisor. Repeated calls are no-ops, as
// is every call while the kill switch is set.
func (e *Engine) StartStreams(ctx context.Context) error {
	if e.disabled {
		e.log.Printf("[engine] streams disabled, not connecting")
		return nil
	}
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	if e.running {
		return nil
	}
	if e.factory == nil {
		return errors.New("no session factory configured")
	}

	sctx, cancel := context.WithCancel(ctx)
	started := make(map[int]feed.Session, e.pool.Size())
	e.subMu.Lock()
	for slot := 1; slot <= e.pool.Size(); slot++ {
		s := e.factory(slot)
		if s == nil {
			e.subMu.Unlock()
			cancel()
			return fmt.Errorf("session factory returned nil for slot %d", slot)
		}
		for _, tok := range e.pool.Tokens(slot) {
			if err := s.AddInstrument(tok); err != nil {
				e.log.Warnf("[engine] slot %d add %s: %v", slot, tok, err)
			}
		}
		started[slot] = s
	}
	e.sessMu.Lock()
	for slot, s := range started {
		e.sessions[slot] = s
	}
	e.sessMu.Unlock()
	e.subMu.Unlock()

	e.running, e.cancel = true, cancel
	e.runs = make(map[int]slotRun, len(started))
	for slot, s := range started {
		rctx, rcancel := context.WithCancel(sctx)
		run := slotRun{cancel: rcancel, done: make(chan struct{})}
		e.runs[slot] = run
		e.wg.Add(1)
		go func(slot int, s feed.Session) {
			defer close(run.done)
			e.supervise(rctx, slot, s)
		}(slot, s)
	}
	e.log.Printf("[engine] started %d streaming slots", len(started))
	return nil
}

// StopStreams cancels the supervisors, waits for them and closes every
// session.
func (e *Engine) StopStreams() {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	if !e.running {
		return
	}
	e.cancel()
	e.wg.Wait()

	e.subMu.Lock()
	e.sessMu.Lock()
	for slot, s := range e.sessions {
		if err := s.Disconnect(); err != nil {
			e.log.Warnf("[engine] slot %d disconnect: %v", slot, err)
		}
		_ = e.pool.SetActive(slot, false)
		e.reg.SetActiveByConnection(slot, false)
	}
	e.sessions = make(map[int]feed.Session)
	e.sessMu.Unlock()
	e.subMu.Unlock()

	e.running, e.cancel, e.runs = false, nil, nil
	e.m.activeConns.Set(0)
	e.log.Printf("[engine] streams stopped")
}

// StopSlot stops one slot's supervisor. The slot finishes the tick in
// hand, disconnects and stays down until streams are restarted; its
// instruments move to the remaining live slots where there is room.
func (e *Engine) StopSlot(slot int) error {
	if _, ok := e.resets[slot]; !ok {
		return fmt.Errorf("slot %d: %w", slot, shared.ErrUnknownSlot)
	}
	e.streamMu.Lock()
	run, ok := e.runs[slot]
	if !ok {
		e.streamMu.Unlock()
		return nil
	}
	delete(e.runs, slot)
	run.cancel()
	<-run.done
	e.streamMu.Unlock()

	e.subMu.Lock()
	_ = e.pool.SetActive(slot, false)
	inactive := e.reg.SetActiveByConnection(slot, false)
	e.subMu.Unlock()
	e.m.connEvents.WithLabelValues("stopped").Inc()
	e.m.activeConns.Set(float64(e.pool.ActiveCount()))
	e.log.Printf("[engine] slot %d stopped, %d instruments inactive", slot, inactive)
	e.Rebalance()
	return nil
}

func (e *Engine) Running() bool {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	return e.running
}

// ResetSlot re-arms a slot that gave up reconnecting.
func (e *Engine) ResetSlot(slot int) error {
	ch, ok := e.resets[slot]
	if !ok {
		return fmt.Errorf("slot %d: %w", slot, shared.ErrUnknownSlot)
	}
	e.rc.Reset(slot)
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// ClearExpired drops contracts that expired before today from both caches
// along with their ATM snapshots, so underlying moves stop rebuilding them.
func (e *Engine) ClearExpired(today string) int {
	n := e.main.ClearExpired(today)
	if e.commodity != nil {
		n += e.commodity.ClearExpired(today)
	}
	if e.atm != nil {
		if snaps := e.atm.InvalidateBefore(today); snaps > 0 {
			e.log.Printf("[engine] dropped %d ATM snapshots expiring before %s", snaps, today)
		}
	}
	return n
}

func (e *Engine) Registry() *registry.Registry { return e.reg }

func (e *Engine) Cache() *marketcache.Cache { return e.main }

func (e *Engine) CommodityCache() *marketcache.Cache { return e.commodity }
