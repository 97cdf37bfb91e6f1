// Package atm tracks the at-the-money strike per underlying and expiry and
// decides when the strike ladder around it has to be rebuilt.
package atm

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultSteps are the exchange strike intervals for the common underlyings.
var DefaultSteps = map[string]float64{
	"NIFTY":      50,
	"BANKNIFTY":  100,
	"FINNIFTY":   50,
	"SENSEX":     100,
	"CRUDEOIL":   50,
	"NATURALGAS": 5,
}

type Snapshot struct {
	Symbol        string    `json:"symbol"`
	Expiry        string    `json:"expiry"`
	UnderlyingLTP float64   `json:"underlying_ltp"`
	ATMStrike     float64   `json:"atm_strike"`
	StrikeStep    float64   `json:"strike_step"`
	Strikes       []float64 `json:"strikes"`
	CachedAt      time.Time `json:"cached_at"`
}

func (s Snapshot) clone() Snapshot {
	s.Strikes = append([]float64(nil), s.Strikes...)
	return s
}

type Engine struct {
	mu          sync.Mutex
	steps       map[string]float64
	defaultStep float64
	each        int

	snapshots map[string]*Snapshot // symbol|expiry
	// trigger LTP is tracked per symbol, not per expiry
	lastLTP map[string]float64
	now     func() time.Time
}

// New builds an engine. steps overrides DefaultSteps per symbol; each is the
// number of strikes kept on either side of the ATM.
func New(steps map[string]float64, defaultStep float64, each int) *Engine {
	if defaultStep <= 0 {
		defaultStep = 50
	}
	if each < 0 {
		each = 0
	}
	merged := make(map[string]float64, len(DefaultSteps)+len(steps))
	for k, v := range DefaultSteps {
		merged[k] = v
	}
	for k, v := range steps {
		if v > 0 {
			merged[strings.ToUpper(k)] = v
		}
	}
	return &Engine{
		steps:       merged,
		defaultStep: defaultStep,
		each:        each,
		snapshots:   make(map[string]*Snapshot),
		lastLTP:     make(map[string]float64),
		now:         time.Now,
	}
}

func (e *Engine) StrikeStep(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepLocked(symbol)
}

func (e *Engine) stepLocked(symbol string) float64 {
	if s, ok := e.steps[strings.ToUpper(symbol)]; ok {
		return s
	}
	return e.defaultStep
}

func snapKey(symbol, expiry string) string { return strings.ToUpper(symbol) + "|" + expiry }

// GenerateChain returns the strike ladder for symbol/expiry. It rebuilds only
// when no snapshot exists, force is set, or ltp has moved at least one
// strike step from the symbol's last trigger price.
func (e *Engine) GenerateChain(symbol, expiry string, ltp float64, force bool) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sym := strings.ToUpper(symbol)
	step := e.stepLocked(sym)
	k := snapKey(sym, expiry)
	snap, ok := e.snapshots[k]
	if ok && !force && !e.movedLocked(sym, ltp, step) {
		return snap.clone(), false
	}

	atm := ATM(ltp, step)
	snap = &Snapshot{
		Symbol:        sym,
		Expiry:        expiry,
		UnderlyingLTP: ltp,
		ATMStrike:     atm,
		StrikeStep:    step,
		Strikes:       Ladder(atm, step, e.each),
		CachedAt:      e.now(),
	}
	e.snapshots[k] = snap
	e.lastLTP[sym] = ltp
	return snap.clone(), true
}

func (e *Engine) movedLocked(sym string, ltp, step float64) bool {
	last, ok := e.lastLTP[sym]
	if !ok {
		return true
	}
	diff := decimal.NewFromFloat(ltp).Sub(decimal.NewFromFloat(last)).Abs()
	return diff.GreaterThanOrEqual(decimal.NewFromFloat(step))
}

// OnUnderlyingTick lists the cached expiries of symbol that a tick at ltp
// would rebuild. Callers then force each one so siblings are refreshed
// together even though the trigger price is shared.
func (e *Engine) OnUnderlyingTick(symbol string, ltp float64) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sym := strings.ToUpper(symbol)
	if !e.movedLocked(sym, ltp, e.stepLocked(sym)) {
		return nil
	}
	var out []string
	for _, s := range e.snapshots {
		if s.Symbol == sym {
			out = append(out, s.Expiry)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) Snapshot(symbol, expiry string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.snapshots[snapKey(symbol, expiry)]
	if !ok {
		return Snapshot{}, false
	}
	return s.clone(), true
}

func (e *Engine) InvalidateExpiry(symbol, expiry string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.snapshots, snapKey(symbol, expiry))
}

// InvalidateSymbol drops every expiry of symbol and its trigger price.
func (e *Engine) InvalidateSymbol(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	sym := strings.ToUpper(symbol)
	n := 0
	for k, s := range e.snapshots {
		if s.Symbol == sym {
			delete(e.snapshots, k)
			n++
		}
	}
	delete(e.lastLTP, sym)
	return n
}

// InvalidateBefore drops snapshots whose expiry (YYYY-MM-DD) is before
// today. Trigger prices are kept; live expiries still share them.
func (e *Engine) InvalidateBefore(today string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k, s := range e.snapshots {
		if s.Expiry != "" && s.Expiry < today {
			delete(e.snapshots, k)
			n++
		}
	}
	return n
}

// ATM rounds ltp to the nearest multiple of step, halves away from zero.
func ATM(ltp, step float64) float64 {
	if step <= 0 {
		return ltp
	}
	d := decimal.NewFromFloat(step)
	v, _ := decimal.NewFromFloat(ltp).Div(d).Round(0).Mul(d).Float64()
	return v
}

// Ladder returns 2*each+1 strikes centred on atm, ascending. Strikes below
// zero are omitted.
func Ladder(atm, step float64, each int) []float64 {
	d := decimal.NewFromFloat(step)
	centre := decimal.NewFromFloat(atm)
	out := make([]float64, 0, 2*each+1)
	for i := -each; i <= each; i++ {
		v, _ := centre.Add(d.Mul(decimal.NewFromInt(int64(i)))).Float64()
		if v > 0 {
			out = append(out, v)
		}
	}
	return out
}
