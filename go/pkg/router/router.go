// Package router classifies canonical ticks by instrument kind and
// dispatches them to the right market cache.
package router

import (
	"fmt"
	"strings"
	"sync"

	"marketdata-engine/go/pkg/marketcache"
	"marketdata-engine/go/pkg/shared"
)

// Handler overrides the default cache path for one kind.
type Handler func(shared.Tick) error

type Router struct {
	main      *marketcache.Cache
	commodity *marketcache.Cache
	commodEx  map[string]struct{}

	mu       sync.RWMutex
	handlers map[shared.Kind]Handler
}

// New builds a router. Futures and options on commodityExchanges go to the
// commodity cache; everything else lands in main.
func New(main, commodity *marketcache.Cache, commodityExchanges []string) *Router {
	r := &Router{
		main:      main,
		commodity: commodity,
		commodEx:  make(map[string]struct{}, len(commodityExchanges)),
		handlers:  make(map[shared.Kind]Handler),
	}
	for _, ex := range commodityExchanges {
		r.commodEx[strings.ToUpper(ex)] = struct{}{}
	}
	return r
}

// Register installs h for kind; a nil h restores the default path.
func (r *Router) Register(kind shared.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, kind)
		return
	}
	r.handlers[kind] = h
}

// Classify infers the instrument kind from the tick's fields.
func Classify(t shared.Tick) shared.Kind {
	switch {
	case t.OptionType != "":
		return shared.KindOption
	case isFutureType(t.InstrumentType), t.Expiry != "":
		return shared.KindFuture
	case t.IsIndex:
		return shared.KindIndex
	default:
		return shared.KindEquity
	}
}

func isFutureType(s string) bool {
	switch strings.ToUpper(s) {
	case "FUT", "FUTURE", "FUTURES", "FUTIDX", "FUTSTK", "FUTCOM", "FUTCUR":
		return true
	}
	return false
}

// IsCommodity reports whether the exchange routes to the commodity cache.
func (r *Router) IsCommodity(exchange string) bool {
	if r.commodity == nil {
		return false
	}
	_, ok := r.commodEx[strings.ToUpper(exchange)]
	return ok
}

// CacheFor returns the cache a derivative on exchange is stored in.
func (r *Router) CacheFor(exchange string) *marketcache.Cache {
	if r.IsCommodity(exchange) {
		return r.commodity
	}
	return r.main
}

// Route classifies and applies a tick. The returned kind is valid even when
// the update failed.
func (r *Router) Route(t shared.Tick) (shared.Kind, error) {
	kind := Classify(t)
	if t.Token == "" && t.Symbol == "" {
		return kind, fmt.Errorf("no token or symbol: %w", shared.ErrMalformedTick)
	}

	r.mu.RLock()
	h := r.handlers[kind]
	r.mu.RUnlock()
	if h != nil {
		return kind, h(t)
	}

	switch kind {
	case shared.KindOption:
		_, err := r.CacheFor(t.Exchange).UpdateOptionLeg(t)
		return kind, err
	case shared.KindFuture:
		c := r.CacheFor(t.Exchange)
		c.UpdateFuture(t)
		// commodity options settle against the future, which is their live underlying
		if c == r.commodity && t.LTP != nil {
			c.SetUnderlying(t.Symbol, *t.LTP, t.EventTime())
		}
		return kind, nil
	case shared.KindIndex:
		r.main.UpdateIndex(t)
		return kind, nil
	default:
		r.main.UpdateEquity(t)
		return kind, nil
	}
}
