package engine

import (
	"strings"

	"marketdata-engine/go/pkg/shared"
	"marketdata-engine/go/pkg/upstream"
)

// Preload subscribes instruments on the PERMANENT tier. It runs at startup
// before any on-demand traffic so the always-on set gets capacity first.
func (e *Engine) Preload(list []upstream.Instrument) (subscribed, rejected int) {
	for _, in := range list {
		res := e.Subscribe(SubscribeRequest{
			Token:    in.Token,
			Exchange: in.Exchange,
			Segment:  in.Segment,
			Symbol:   in.Symbol(),
			Expiry:   in.Expiry,
			Tier:     shared.TierPermanent,
			Meta:     in.Meta(),
		})
		if !res.OK {
			rejected++
			continue
		}
		subscribed++
		if in.Expiry != "" && in.OptionType() == "" && strings.HasPrefix(strings.ToUpper(in.InstrumentType), "FUT") {
			e.router.CacheFor(in.Exchange).SetFutureContract(strings.ToUpper(in.Exchange), in.Symbol(), in.Expiry, in.LotSize, in.TickSize)
		}
	}
	e.log.Printf("[engine] preloaded %d permanent instruments, %d rejected", subscribed, rejected)
	return subscribed, rejected
}
