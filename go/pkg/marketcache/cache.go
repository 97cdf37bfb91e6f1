// Package marketcache holds the latest known quote per instrument in four
// keyed stores (options, futures, equities, index) plus a live underlying
// price view used for ATM tracking.
package marketcache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"marketdata-engine/go/pkg/shared"
)

// Quote is the index / equity entry.
type Quote struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Token     string    `json:"token,omitempty"`
	LTP       float64   `json:"ltp"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

type Future struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Expiry    string    `json:"expiry"`
	Token     string    `json:"token,omitempty"`
	LTP       float64   `json:"ltp"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	OI        int64     `json:"oi"`
	Volume    int64     `json:"volume"`
	LotSize   int       `json:"lot_size"`
	TickSize  float64   `json:"tick_size"`
	Timestamp time.Time `json:"timestamp"`
}

type OptionLeg struct {
	Token     string    `json:"token"`
	LTP       float64   `json:"ltp"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	OI        int64     `json:"oi"`
	Volume    int64     `json:"volume"`
	IV        float64   `json:"iv"`
	Timestamp time.Time `json:"timestamp"`
}

type StrikeLegs struct {
	CE *OptionLeg `json:"ce,omitempty"`
	PE *OptionLeg `json:"pe,omitempty"`
}

type OptionChain struct {
	Exchange       string                  `json:"exchange"`
	Underlying     string                  `json:"underlying"`
	Expiry         string                  `json:"expiry"`
	LotSize        int                     `json:"lot_size"`
	StrikeInterval float64                 `json:"strike_interval"`
	ATM            float64                 `json:"atm"`
	Strikes        map[float64]*StrikeLegs `json:"-"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// SortedStrikes returns the chain's strikes ascending.
func (c OptionChain) SortedStrikes() []float64 {
	out := make([]float64, 0, len(c.Strikes))
	for k := range c.Strikes {
		out = append(out, k)
	}
	sort.Float64s(out)
	return out
}

func (c *OptionChain) clone() OptionChain {
	out := *c
	out.Strikes = make(map[float64]*StrikeLegs, len(c.Strikes))
	for k, legs := range c.Strikes {
		cp := &StrikeLegs{}
		if legs.CE != nil {
			ce := *legs.CE
			cp.CE = &ce
		}
		if legs.PE != nil {
			pe := *legs.PE
			cp.PE = &pe
		}
		out.Strikes[k] = cp
	}
	return out
}

// LegSeed names the token of one pre-built option leg.
type LegSeed struct {
	Strike     float64
	OptionType string
	Token      string
}

// ChainSeed is the skeleton an option chain is built from. Strikes without
// a LegSeed still get empty CE and PE legs.
type ChainSeed struct {
	Exchange       string
	Underlying     string
	Expiry         string
	LotSize        int
	StrikeInterval float64
	ATM            float64
	Strikes        []float64
	Legs           []LegSeed
}

// Underlying is the live price view of an underlying symbol.
type Underlying struct {
	LTP       float64   `json:"ltp"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status counts entries per store.
type Status struct {
	Options  int `json:"options"`
	Futures  int `json:"futures"`
	Equities int `json:"equities"`
	Index    int `json:"index"`
}

type Cache struct {
	name string

	mu          sync.RWMutex
	index       map[string]*Quote
	equities    map[string]*Quote
	futures     map[string]*Future
	options     map[string]*OptionChain
	underlyings map[string]Underlying
	now         func() time.Time
}

func New(name string) *Cache {
	return &Cache{
		name:        name,
		index:       make(map[string]*Quote),
		equities:    make(map[string]*Quote),
		futures:     make(map[string]*Future),
		options:     make(map[string]*OptionChain),
		underlyings: make(map[string]Underlying),
		now:         time.Now,
	}
}

func (c *Cache) Name() string { return c.name }

func key(parts ...string) string { return strings.Join(parts, "|") }

func (c *Cache) stamp(t shared.Tick) time.Time {
	if t.EventTS != 0 {
		return t.EventTime()
	}
	return c.now()
}

// UpdateIndex merges an index tick and refreshes the underlying view.
func (c *Cache) UpdateIndex(t shared.Tick) Quote {
	return c.updateQuote(c.index, t)
}

// UpdateEquity merges an equity tick; equities double as stock-option
// underlyings so the live view is refreshed too.
func (c *Cache) UpdateEquity(t shared.Tick) Quote {
	return c.updateQuote(c.equities, t)
}

func (c *Cache) updateQuote(store map[string]*Quote, t shared.Tick) Quote {
	ts := c.stamp(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(t.Exchange, t.Symbol)
	q, ok := store[k]
	if !ok {
		q = &Quote{Exchange: t.Exchange, Symbol: t.Symbol}
		store[k] = q
	}
	if t.Token != "" {
		q.Token = t.Token
	}
	mergeF(&q.LTP, t.LTP)
	mergeF(&q.Bid, t.Bid)
	mergeF(&q.Ask, t.Ask)
	mergeI(&q.Volume, t.Volume)
	q.Timestamp = ts
	if t.LTP != nil {
		c.underlyings[t.Symbol] = Underlying{LTP: *t.LTP, UpdatedAt: ts}
	}
	return *q
}

// UpdateFuture merges a futures tick, creating the entry when absent.
func (c *Cache) UpdateFuture(t shared.Tick) Future {
	ts := c.stamp(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(t.Exchange, t.Symbol, t.Expiry)
	f, ok := c.futures[k]
	if !ok {
		f = &Future{Exchange: t.Exchange, Symbol: t.Symbol, Expiry: t.Expiry}
		c.futures[k] = f
	}
	if t.Token != "" {
		f.Token = t.Token
	}
	mergeF(&f.LTP, t.LTP)
	mergeF(&f.Bid, t.Bid)
	mergeF(&f.Ask, t.Ask)
	mergeI(&f.OI, t.OI)
	mergeI(&f.Volume, t.Volume)
	f.Timestamp = ts
	return *f
}

// SetFutureContract fills static contract fields without touching prices.
func (c *Cache) SetFutureContract(exchange, symbol, expiry string, lotSize int, tickSize float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(exchange, symbol, expiry)
	f, ok := c.futures[k]
	if !ok {
		f = &Future{Exchange: exchange, Symbol: symbol, Expiry: expiry}
		c.futures[k] = f
	}
	if lotSize > 0 {
		f.LotSize = lotSize
	}
	if tickSize > 0 {
		f.TickSize = tickSize
	}
}

// UpdateOptionLeg merges an option tick into an existing chain skeleton.
// Legs are never created here.
func (c *Cache) UpdateOptionLeg(t shared.Tick) (OptionLeg, error) {
	ts := c.stamp(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	chain, ok := c.options[key(t.Exchange, t.Symbol, t.Expiry)]
	if !ok {
		return OptionLeg{}, fmt.Errorf("%s %s %s: %w", t.Exchange, t.Symbol, t.Expiry, shared.ErrNoChainSkeleton)
	}
	legs, ok := chain.Strikes[t.Strike]
	if !ok {
		return OptionLeg{}, fmt.Errorf("%s %s strike %g: %w", t.Symbol, t.Expiry, t.Strike, shared.ErrNoChainSkeleton)
	}
	var leg *OptionLeg
	switch strings.ToUpper(t.OptionType) {
	case "CE", "CALL", "C":
		leg = legs.CE
	case "PE", "PUT", "P":
		leg = legs.PE
	}
	if leg == nil {
		return OptionLeg{}, fmt.Errorf("%s %s %g%s: %w", t.Symbol, t.Expiry, t.Strike, t.OptionType, shared.ErrNoChainSkeleton)
	}
	if t.Token != "" && leg.Token == "" {
		leg.Token = t.Token
	}
	mergeF(&leg.LTP, t.LTP)
	mergeF(&leg.Bid, t.Bid)
	mergeF(&leg.Ask, t.Ask)
	mergeI(&leg.OI, t.OI)
	mergeI(&leg.Volume, t.Volume)
	mergeF(&leg.IV, t.IV)
	leg.Timestamp = ts
	chain.UpdatedAt = ts
	return *leg, nil
}

// SeedChain builds (or extends) a chain skeleton. Existing legs keep their
// prices; only missing strikes and legs are added.
func (c *Cache) SeedChain(seed ChainSeed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(seed.Exchange, seed.Underlying, seed.Expiry)
	chain, ok := c.options[k]
	if !ok {
		chain = &OptionChain{
			Exchange:   seed.Exchange,
			Underlying: seed.Underlying,
			Expiry:     seed.Expiry,
			Strikes:    make(map[float64]*StrikeLegs),
		}
		c.options[k] = chain
	}
	if seed.LotSize > 0 {
		chain.LotSize = seed.LotSize
	}
	if seed.StrikeInterval > 0 {
		chain.StrikeInterval = seed.StrikeInterval
	}
	if seed.ATM > 0 {
		chain.ATM = seed.ATM
	}
	ensure := func(strike float64) *StrikeLegs {
		legs, ok := chain.Strikes[strike]
		if !ok {
			legs = &StrikeLegs{}
			chain.Strikes[strike] = legs
		}
		if legs.CE == nil {
			legs.CE = &OptionLeg{}
		}
		if legs.PE == nil {
			legs.PE = &OptionLeg{}
		}
		return legs
	}
	for _, s := range seed.Strikes {
		ensure(s)
	}
	for _, l := range seed.Legs {
		legs := ensure(l.Strike)
		leg := legs.CE
		if strings.EqualFold(l.OptionType, "PE") {
			leg = legs.PE
		}
		if l.Token != "" {
			leg.Token = l.Token
		}
	}
}

// SetATM records the current ATM strike on every chain of the underlying
// and expiry, across exchanges.
func (c *Cache) SetATM(underlying, expiry string, atm float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, chain := range c.options {
		if chain.Underlying == underlying && chain.Expiry == expiry {
			chain.ATM = atm
			n++
		}
	}
	return n
}

// SetUnderlying records a live underlying price directly (e.g. commodity
// futures acting as the options underlying).
func (c *Cache) SetUnderlying(symbol string, ltp float64, at time.Time) {
	if at.IsZero() {
		at = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.underlyings[symbol] = Underlying{LTP: ltp, UpdatedAt: at}
}

func (c *Cache) Underlying(symbol string) (Underlying, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.underlyings[symbol]
	return u, ok
}

func (c *Cache) Index(exchange, symbol string) (Quote, bool) {
	return c.quote(c.index, exchange, symbol)
}

func (c *Cache) Equity(exchange, symbol string) (Quote, bool) {
	return c.quote(c.equities, exchange, symbol)
}

func (c *Cache) quote(store map[string]*Quote, exchange, symbol string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := store[key(exchange, symbol)]
	if !ok {
		return Quote{}, false
	}
	return *q, true
}

func (c *Cache) Future(exchange, symbol, expiry string) (Future, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.futures[key(exchange, symbol, expiry)]
	if !ok {
		return Future{}, false
	}
	return *f, true
}

// Chain returns a deep copy of the chain.
func (c *Cache) Chain(exchange, underlying, expiry string) (OptionChain, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chain, ok := c.options[key(exchange, underlying, expiry)]
	if !ok {
		return OptionChain{}, false
	}
	return chain.clone(), true
}

func (c *Cache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Options:  len(c.options),
		Futures:  len(c.futures),
		Equities: len(c.equities),
		Index:    len(c.index),
	}
}

// ClearExpired drops futures and chains whose expiry (YYYY-MM-DD) is before
// today and returns how many were removed.
func (c *Cache) ClearExpired(today string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, f := range c.futures {
		if f.Expiry != "" && f.Expiry < today {
			delete(c.futures, k)
			n++
		}
	}
	for k, ch := range c.options {
		if ch.Expiry != "" && ch.Expiry < today {
			delete(c.options, k)
			n++
		}
	}
	return n
}

func mergeF(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func mergeI(dst *int64, v *int64) {
	if v != nil {
		*dst = *v
	}
}
