package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata-engine/go/pkg/atm"
	"marketdata-engine/go/pkg/feed"
	"marketdata-engine/go/pkg/marketcache"
	"marketdata-engine/go/pkg/pool"
	"marketdata-engine/go/pkg/reconnect"
	"marketdata-engine/go/pkg/registry"
	"marketdata-engine/go/pkg/router"
	"marketdata-engine/go/pkg/shared"
	"marketdata-engine/go/pkg/upstream"
)

type fakeSession struct {
	mu       sync.Mutex
	tokens   map[string]bool
	connects int
	connErr  error
	panics   int
	live     bool
	events   chan feed.Event
}

func newFakeSession() *fakeSession {
	return &fakeSession{tokens: make(map[string]bool), events: make(chan feed.Event, 64)}
}

func (f *fakeSession) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	if f.panics > 0 {
		f.panics--
		f.mu.Unlock()
		panic("feed exploded")
	}
	err := f.connErr
	f.live = err == nil
	f.mu.Unlock()
	return err
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()
	f.live = false
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) AddInstrument(token string) error {
	f.mu.Lock()
	f.tokens[token] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) RemoveInstrument(token string) error {
	f.mu.Lock()
	delete(f.tokens, token)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Events() <-chan feed.Event { return f.events }

func (f *fakeSession) has(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[token]
}

func (f *fakeSession) setConnErr(err error) {
	f.mu.Lock()
	f.connErr = err
	f.mu.Unlock()
}

func (f *fakeSession) isLive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

func (f *fakeSession) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type fakeFleet struct {
	mu       sync.Mutex
	built    int
	sessions map[int]*fakeSession
	prep     func(slot int, s *fakeSession)
}

func (f *fakeFleet) factory(slot int) feed.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeSession()
	if f.prep != nil {
		f.prep(slot, s)
	}
	f.built++
	f.sessions[slot] = s
	return s
}

func (f *fakeFleet) get(slot int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[slot]
}

func (f *fakeFleet) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built
}

func newTestEngine(conns, capacity int, mut ...func(*Deps)) (*Engine, *fakeFleet) {
	main := marketcache.New("main")
	commodity := marketcache.New("commodity")
	fleet := &fakeFleet{sessions: make(map[int]*fakeSession)}
	d := Deps{
		Pool:      pool.New(pool.Config{Connections: conns, Capacity: capacity}),
		Registry:  registry.New(),
		Reconnect: reconnect.New(reconnect.Config{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3}),
		Main:      main,
		Commodity: commodity,
		Router:    router.New(main, commodity, []string{"MCX"}),
		ATM:       atm.New(nil, 50, 2),
		Sessions:  fleet.factory,
	}
	for _, m := range mut {
		m(&d)
	}
	return New(d), fleet
}

func sub(token string, tier shared.Tier) SubscribeRequest {
	return SubscribeRequest{Token: token, Exchange: "NSE", Symbol: "SYM" + token, Tier: tier}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(2, 3)

	first := e.Subscribe(sub("A", shared.TierOnDemand))
	assert.Equal(t, SubscribeResult{OK: true, Reason: ReasonSubscribed, ConnectionID: 1}, first)

	again := e.Subscribe(sub("A", shared.TierPermanent))
	assert.Equal(t, SubscribeResult{OK: true, Reason: ReasonAlreadySubscribed, ConnectionID: 1}, again)

	assert.Equal(t, 1, e.Status().TotalSubscriptions)
	entry, ok := e.Registry().Get("A")
	require.True(t, ok)
	assert.Equal(t, shared.TierOnDemand, entry.Tier, "a repeat does not change the tier")
}

func TestTwoSlotsOfThreeRefuseTheSeventh(t *testing.T) {
	e, _ := newTestEngine(2, 3)
	for i := 0; i < 6; i++ {
		res := e.Subscribe(sub(strconv.Itoa(i), shared.TierOnDemand))
		require.True(t, res.OK, "subscribe %d", i)
	}

	res := e.Subscribe(sub("6", shared.TierOnDemand))
	assert.False(t, res.OK)
	assert.Equal(t, ReasonNoCapacity, res.Reason)

	st := e.Status()
	assert.Equal(t, 6, st.TotalSubscriptions)
	assert.Equal(t, map[int]int{1: 3, 2: 3}, st.PerConnectionCounts)
	_, ok := e.Registry().Get("6")
	assert.False(t, ok, "a pool refusal leaves the registry untouched")
}

func TestSubscribeRejections(t *testing.T) {
	e, _ := newTestEngine(2, 1)

	assert.Equal(t, ReasonInvalid, e.Subscribe(SubscribeRequest{Token: "  "}).Reason)

	req := sub("A", shared.TierOnDemand)
	req.Slot = 1
	require.True(t, e.Subscribe(req).OK)

	req = sub("B", shared.TierOnDemand)
	req.Slot = 1
	assert.Equal(t, ReasonWSAtCapacity, e.Subscribe(req).Reason)

	req.Slot = 9
	assert.Equal(t, ReasonUnknownSlot, e.Subscribe(req).Reason)
	assert.Equal(t, 1, e.Registry().Count())
}

func TestUnsubscribeAllOfTierKeepsPermanent(t *testing.T) {
	e, _ := newTestEngine(2, 5)
	for _, tok := range []string{"P1", "P2"} {
		require.True(t, e.Subscribe(sub(tok, shared.TierPermanent)).OK)
	}
	for _, tok := range []string{"D1", "D2", "D3"} {
		require.True(t, e.Subscribe(sub(tok, shared.TierOnDemand)).OK)
	}
	connections := func() map[string]int {
		out := map[string]int{}
		for _, tok := range []string{"P1", "P2"} {
			entry, ok := e.Registry().Get(tok)
			require.True(t, ok)
			require.NotNil(t, entry.ConnectionID)
			out[tok] = *entry.ConnectionID
			slot, _ := e.pool.SlotOf(tok)
			require.Equal(t, out[tok], slot)
		}
		return out
	}
	before := connections()

	assert.Equal(t, 3, e.UnsubscribeAllOfTier(shared.TierOnDemand))
	assert.Equal(t, before, connections(), "permanent assignments untouched")

	var left []string
	for _, entry := range e.Registry().All() {
		left = append(left, entry.Token)
	}
	sort.Strings(left)
	assert.Equal(t, []string{"P1", "P2"}, left)

	assigned := append(e.pool.Tokens(1), e.pool.Tokens(2)...)
	sort.Strings(assigned)
	assert.Equal(t, []string{"P1", "P2"}, assigned)
	assert.Zero(t, e.UnsubscribeAllOfTier(shared.TierOnDemand))
}

func TestUnsubscribe(t *testing.T) {
	e, fleet := newTestEngine(1, 5)
	assert.False(t, e.Unsubscribe("nope"))

	require.NoError(t, e.StartStreams(context.Background()))
	defer e.StopStreams()

	require.True(t, e.Subscribe(sub("A", shared.TierOnDemand)).OK)
	assert.True(t, fleet.get(1).has("A"))

	assert.True(t, e.Unsubscribe("A"))
	assert.False(t, fleet.get(1).has("A"))
	assert.False(t, e.Unsubscribe("A"))
	assert.Zero(t, e.pool.Total())
}

func TestStartStreamsIsIdempotentAndSeedsSessions(t *testing.T) {
	e, fleet := newTestEngine(2, 5)
	require.True(t, e.Subscribe(sub("A", shared.TierPermanent)).OK)
	require.True(t, e.Subscribe(sub("B", shared.TierPermanent)).OK)

	require.NoError(t, e.StartStreams(context.Background()))
	require.NoError(t, e.StartStreams(context.Background()))
	assert.Equal(t, 2, fleet.count())
	assert.True(t, e.Running())

	assert.True(t, fleet.get(1).has("A"))
	assert.True(t, fleet.get(2).has("B"))
	assert.Eventually(t, func() bool { return e.pool.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)

	entry, _ := e.Registry().Get("A")
	assert.True(t, entry.Active)

	e.StopStreams()
	assert.False(t, e.Running())
	assert.Zero(t, e.pool.ActiveCount())
	entry, _ = e.Registry().Get("A")
	assert.False(t, entry.Active)
	e.StopStreams()
}

func TestKillSwitchKeepsStreamsDown(t *testing.T) {
	e, fleet := newTestEngine(2, 5, func(d *Deps) { d.StreamsDisabled = true })
	require.NoError(t, e.StartStreams(context.Background()))
	assert.False(t, e.Running())
	assert.Zero(t, fleet.count())

	res := e.Subscribe(sub("A", shared.TierOnDemand))
	assert.True(t, res.OK, "subscriptions are still bookkept")
}

func TestOnDisconnectRebalancesOntoHealthySlots(t *testing.T) {
	e, _ := newTestEngine(2, 5)
	e.OnConnected(1, nil)
	e.OnConnected(2, nil)
	for _, tok := range []string{"A", "B", "C", "D"} {
		require.True(t, e.Subscribe(sub(tok, shared.TierOnDemand)).OK)
	}
	require.Equal(t, []string{"A", "C"}, e.pool.Tokens(1))

	st := e.OnDisconnect(1, errors.New("reset by peer"))
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, "reset by peer", st.LastError)

	assert.Empty(t, e.pool.Tokens(1))
	assert.Equal(t, []string{"A", "B", "C", "D"}, e.pool.Tokens(2))
	for _, tok := range []string{"A", "C"} {
		entry, ok := e.Registry().Get(tok)
		require.True(t, ok)
		require.NotNil(t, entry.ConnectionID)
		assert.Equal(t, 2, *entry.ConnectionID)
		assert.True(t, entry.Active)
	}
	assert.Equal(t, 1, e.Status().ActiveConnections)
}

func TestSupervisorReconnectsAndMovesTokens(t *testing.T) {
	e, fleet := newTestEngine(2, 5)
	require.NoError(t, e.StartStreams(context.Background()))
	defer e.StopStreams()
	assert.Eventually(t, func() bool { return e.pool.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)

	for _, tok := range []string{"A", "B", "C", "D"} {
		require.True(t, e.Subscribe(sub(tok, shared.TierOnDemand)).OK)
	}
	s1, s2 := fleet.get(1), fleet.get(2)
	require.True(t, s1.has("A"))

	s1.events <- feed.Event{Kind: feed.EventDisconnect, Err: errors.New("reset by peer")}

	assert.Eventually(t, func() bool {
		return len(e.pool.Tokens(2)) == 4 && s2.has("A") && s2.has("C") && !s1.has("A")
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return s1.connectCount() == 2 && e.pool.ActiveCount() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, e.rc.State(1).Attempts)
}

func TestStopSlotLeavesOtherSlotsRunning(t *testing.T) {
	e, fleet := newTestEngine(2, 5)
	for _, tok := range []string{"A", "B", "C", "D"} {
		require.True(t, e.Subscribe(sub(tok, shared.TierOnDemand)).OK)
	}
	require.NoError(t, e.StartStreams(context.Background()))
	defer e.StopStreams()
	assert.Eventually(t, func() bool { return e.pool.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)
	s1, s2 := fleet.get(1), fleet.get(2)

	require.NoError(t, e.StopSlot(1))
	assert.False(t, s1.isLive())
	assert.True(t, e.Running())
	assert.Equal(t, 1, e.pool.ActiveCount())
	assert.Empty(t, e.pool.Tokens(1))
	assert.Equal(t, []string{"A", "B", "C", "D"}, e.pool.Tokens(2))
	assert.True(t, s2.has("A"))
	assert.True(t, s2.has("C"))
	entry, _ := e.Registry().Get("A")
	assert.Equal(t, 2, *entry.ConnectionID)
	assert.True(t, entry.Active)

	assert.Never(t, func() bool { return s1.connectCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond, "stopped slot does not reconnect")
	assert.NoError(t, e.StopSlot(1), "already stopped")
	assert.ErrorIs(t, e.StopSlot(9), shared.ErrUnknownSlot)
}

func TestSubscribeAdoptsTokenHeldOnlyByPool(t *testing.T) {
	e, _ := newTestEngine(2, 5)
	slot, err := e.pool.AddToken("X", shared.TierOnDemand, 0)
	require.NoError(t, err)

	res := e.Subscribe(sub("X", shared.TierOnDemand))
	assert.Equal(t, SubscribeResult{OK: true, Reason: ReasonAlreadySubscribed, ConnectionID: slot}, res)
	entry, ok := e.Registry().Get("X")
	require.True(t, ok)
	assert.Equal(t, slot, *entry.ConnectionID)
	assert.Equal(t, 1, e.pool.Total())
}

func TestSupervisorParksExhaustedSlotUntilReset(t *testing.T) {
	e, fleet := newTestEngine(1, 5, func(d *Deps) {
		d.Reconnect = reconnect.New(reconnect.Config{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2})
	})
	fleet.prep = func(_ int, s *fakeSession) { s.connErr = shared.ErrConnectionFailed }
	require.NoError(t, e.StartStreams(context.Background()))
	defer e.StopStreams()

	assert.Eventually(t, func() bool { return len(e.rc.Exhausted()) == 1 }, time.Second, 5*time.Millisecond)
	calls := fleet.get(1).connectCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, fleet.get(1).connectCount(), "no retries once exhausted")
	assert.Equal(t, []int{1}, e.Status().ExhaustedSlots)

	fleet.get(1).setConnErr(nil)
	require.NoError(t, e.ResetSlot(1))
	assert.Eventually(t, func() bool { return e.pool.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, e.ResetSlot(7), shared.ErrUnknownSlot)
}

func TestSupervisorRecoversFromPanic(t *testing.T) {
	e, fleet := newTestEngine(1, 5)
	fleet.prep = func(_ int, s *fakeSession) { s.panics = 1 }
	require.NoError(t, e.StartStreams(context.Background()))
	defer e.StopStreams()

	assert.Eventually(t, func() bool { return e.pool.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, fleet.get(1).connectCount())
}

type recordingSink struct {
	mu    sync.Mutex
	ticks []shared.Tick
}

func (r *recordingSink) Offer(t shared.Tick) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, t)
	return true
}

func (r *recordingSink) Close() {}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

func TestOnRawTickDropsMalformedPayloads(t *testing.T) {
	rec := &recordingSink{}
	e, _ := newTestEngine(1, 5, func(d *Deps) { d.Sink = rec })

	err := e.OnRawTick(1, map[string]any{"ltp": 100.0})
	assert.ErrorIs(t, err, shared.ErrMalformedTick)
	assert.Zero(t, rec.len())
	assert.Nil(t, e.Status().LastTickTime)

	require.NoError(t, e.OnRawTick(1, map[string]any{"token": "2885", "exchange": "nse", "symbol": "reliance", "ltp": 2950.5}))
	q, ok := e.Cache().Equity("NSE", "RELIANCE")
	require.True(t, ok)
	assert.Equal(t, 2950.5, q.LTP)
	require.Equal(t, 1, rec.len())
	assert.Equal(t, 1, rec.ticks[0].Slot)
	assert.NotNil(t, e.Status().LastTickTime)
}

func TestOptionTickWithoutSkeletonIsNotPublished(t *testing.T) {
	rec := &recordingSink{}
	e, _ := newTestEngine(1, 5, func(d *Deps) { d.Sink = rec })
	err := e.OnTick(shared.Tick{Token: "9", Exchange: "NFO", Symbol: "NIFTY", Expiry: "2026-10-27", Strike: 25000, OptionType: "CE", LTP: shared.F(1)})
	assert.ErrorIs(t, err, shared.ErrNoChainSkeleton)
	assert.Zero(t, rec.len())
}

func niftyIndex() upstream.Instrument {
	return upstream.Instrument{
		Token: "256265", Exchange: "NSE", Segment: "INDICES", Tradingsymbol: "NIFTY 50",
		Name: "NIFTY 50", InstrumentType: "EQ", Permanent: true, Underlying: "NIFTY",
	}
}

func TestTicksAreEnrichedFromTheRegistry(t *testing.T) {
	e, _ := newTestEngine(1, 5)
	ok, rejected := e.Preload([]upstream.Instrument{niftyIndex()})
	require.Equal(t, 1, ok)
	require.Zero(t, rejected)

	require.NoError(t, e.OnTick(shared.Tick{Token: "256265", LTP: shared.F(25012.4)}))

	q, found := e.Cache().Index("NSE", "NIFTY")
	require.True(t, found, "index filed under its underlying")
	assert.Equal(t, 25012.4, q.LTP)
	u, found := e.Cache().Underlying("NIFTY")
	require.True(t, found)
	assert.Equal(t, 25012.4, u.LTP)
}

func TestPreloadRecordsFutureContracts(t *testing.T) {
	e, _ := newTestEngine(1, 5)
	fut := upstream.Instrument{
		Token: "53001", Exchange: "MCX", Tradingsymbol: "CRUDEOIL26OCTFUT", Name: "CRUDEOIL",
		Expiry: "2026-10-19", InstrumentType: "FUT", LotSize: 100, TickSize: 1,
	}
	ok, _ := e.Preload([]upstream.Instrument{fut})
	require.Equal(t, 1, ok)

	entry, _ := e.Registry().Get("53001")
	assert.Equal(t, shared.TierPermanent, entry.Tier)

	f, found := e.CommodityCache().Future("MCX", "CRUDEOIL", "2026-10-19")
	require.True(t, found)
	assert.Equal(t, 100, f.LotSize)

	require.NoError(t, e.OnTick(shared.Tick{Token: "53001", LTP: shared.F(6120)}))
	f, _ = e.CommodityCache().Future("MCX", "CRUDEOIL", "2026-10-19")
	assert.Equal(t, 6120.0, f.LTP)
	u, found := e.CommodityCache().Underlying("CRUDEOIL")
	require.True(t, found)
	assert.Equal(t, 6120.0, u.LTP)
}

func TestUnderlyingTickMovesATM(t *testing.T) {
	e, _ := newTestEngine(1, 5)
	e.Preload([]upstream.Instrument{niftyIndex()})

	const expiry = "2026-10-27"
	snap, _ := e.atm.GenerateChain("NIFTY", expiry, 25000, false)
	e.Cache().SeedChain(marketcache.ChainSeed{Exchange: "NFO", Underlying: "NIFTY", Expiry: expiry, ATM: snap.ATMStrike, Strikes: snap.Strikes})

	require.NoError(t, e.OnTick(shared.Tick{Token: "256265", LTP: shared.F(25020)}))
	chain, _ := e.Cache().Chain("NFO", "NIFTY", expiry)
	assert.Equal(t, 25000.0, chain.ATM, "less than a step: no rebuild")

	require.NoError(t, e.OnTick(shared.Tick{Token: "256265", LTP: shared.F(25060)}))
	chain, _ = e.Cache().Chain("NFO", "NIFTY", expiry)
	assert.Equal(t, 25050.0, chain.ATM)
	snap, _ = e.atm.Snapshot("NIFTY", expiry)
	assert.Equal(t, []float64{24950, 25000, 25050, 25100, 25150}, snap.Strikes)
}

func TestClearExpiredDropsATMSnapshots(t *testing.T) {
	e, _ := newTestEngine(1, 5)
	e.Preload([]upstream.Instrument{niftyIndex()})
	for _, exp := range []string{"2026-10-13", "2026-10-27"} {
		snap, _ := e.atm.GenerateChain("NIFTY", exp, 25000, false)
		e.Cache().SeedChain(marketcache.ChainSeed{Exchange: "NFO", Underlying: "NIFTY", Expiry: exp, ATM: snap.ATMStrike, Strikes: snap.Strikes})
	}

	assert.Equal(t, 1, e.ClearExpired("2026-10-16"))
	_, ok := e.atm.Snapshot("NIFTY", "2026-10-13")
	assert.False(t, ok)
	_, ok = e.atm.Snapshot("NIFTY", "2026-10-27")
	assert.True(t, ok)

	assert.Equal(t, []string{"2026-10-27"}, e.atm.OnUnderlyingTick("NIFTY", 25060), "only the live expiry rebuilds")
	require.NoError(t, e.OnTick(shared.Tick{Token: "256265", LTP: shared.F(25060)}))
	_, ok = e.atm.Snapshot("NIFTY", "2026-10-13")
	assert.False(t, ok)
}

func TestZeroPriceDoesNotMoveATM(t *testing.T) {
	e, _ := newTestEngine(1, 5)
	e.Preload([]upstream.Instrument{niftyIndex()})
	snap, _ := e.atm.GenerateChain("NIFTY", "2026-10-27", 25000, false)
	e.Cache().SeedChain(marketcache.ChainSeed{Exchange: "NFO", Underlying: "NIFTY", Expiry: "2026-10-27", ATM: snap.ATMStrike, Strikes: snap.Strikes})

	require.NoError(t, e.OnTick(shared.Tick{Token: "256265", LTP: shared.F(0)}))
	chain, _ := e.Cache().Chain("NFO", "NIFTY", "2026-10-27")
	assert.Equal(t, 25000.0, chain.ATM)
	snap, _ = e.atm.Snapshot("NIFTY", "2026-10-27")
	assert.Equal(t, 25000.0, snap.ATMStrike)
}

func TestStatusHandler(t *testing.T) {
	e, _ := newTestEngine(2, 3)
	e.Subscribe(sub("A", shared.TierPermanent))
	e.Subscribe(sub("B", shared.TierOnDemand))

	rec := httptest.NewRecorder()
	e.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2.0, body["total_connections"])
	assert.Equal(t, 2.0, body["total_subscriptions"])
	assert.Equal(t, map[string]any{"1": 1.0, "2": 1.0}, body["per_connection_counts"])
	assert.Equal(t, map[string]any{"PERMANENT": 1.0, "ON_DEMAND": 1.0}, body["tiers"])
	assert.Nil(t, body["last_tick_time"])

	rec = httptest.NewRecorder()
	e.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
