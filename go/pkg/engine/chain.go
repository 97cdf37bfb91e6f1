package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"marketdata-engine/go/pkg/marketcache"
	"marketdata-engine/go/pkg/shared"
	"marketdata-engine/go/pkg/upstream"
)

// ChainFetcher returns an option chain snapshot over REST.
type ChainFetcher interface {
	OptionChain(ctx context.Context, securityID int, segment, expiry string) (upstream.ChainSnapshot, error)
}

type ExpiryLookup interface {
	Expiries(ctx context.Context, u upstream.Underlying) ([]string, error)
}

// OptionLookup lists option contracts from the instrument master.
type OptionLookup interface {
	Options(underlying, expiry string) []upstream.Instrument
}

// ChainRequest opens the ATM window of one option chain. Underlying.Exchange
// is the derivatives exchange (NFO, MCX). An empty Expiry picks the nearest.
// Reopen discards the cached ATM snapshot and recalculates it from the
// current price.
type ChainRequest struct {
	Underlying upstream.Underlying
	Expiry     string
	Tier       shared.Tier
	Slot       int
	Reopen     bool
}

type ChainResult struct {
	Symbol     string    `json:"symbol"`
	Expiry     string    `json:"expiry"`
	ATM        float64   `json:"atm"`
	Strikes    []float64 `json:"strikes"`
	Source     string    `json:"source"` // rest | master
	Subscribed int       `json:"subscribed"`
	Rejected   int       `json:"rejected"`
}

type chainContract struct {
	strike     float64
	optionType string
	token      string
	segment    string
	lotSize    int
}

// OpenChain resolves the expiry, builds the strike ladder around the current
// ATM, seeds the chain skeleton and subscribes the legs inside the ladder.
// The REST snapshot is preferred; the instrument master supplies contracts
// when REST is unavailable.
func (e *Engine) OpenChain(ctx context.Context, req ChainRequest) (ChainResult, error) {
	u := req.Underlying
	sym := strings.ToUpper(u.Symbol)
	u.Exchange = strings.ToUpper(u.Exchange)
	if sym == "" || u.Exchange == "" {
		return ChainResult{}, errors.New("chain needs an underlying symbol and exchange")
	}
	if e.atm == nil {
		return ChainResult{}, errors.New("no ATM engine configured")
	}

	expiry := req.Expiry
	if expiry == "" {
		if e.expiries == nil {
			return ChainResult{}, errors.New("no expiry given and no expiry source configured")
		}
		list, err := e.expiries.Expiries(ctx, u)
		if err != nil {
			return ChainResult{}, fmt.Errorf("expiries for %s: %w", sym, err)
		}
		if len(list) == 0 {
			return ChainResult{}, fmt.Errorf("no upcoming expiries for %s", sym)
		}
		expiry = list[0]
	}

	var (
		snap      upstream.ChainSnapshot
		source    = "master"
		contracts []chainContract
	)
	if e.chains != nil && u.SecurityID > 0 {
		s, err := e.chains.OptionChain(ctx, u.SecurityID, u.Segment, expiry)
		switch {
		case err == nil:
			snap, source = s, "rest"
			for _, l := range s.Legs {
				contracts = append(contracts, chainContract{strike: l.Strike, optionType: l.OptionType, token: l.Token})
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ChainResult{}, err
		default:
			e.log.Warnf("[engine] %s %s chain via REST failed, using instrument master: %v", sym, expiry, err)
		}
	}
	if source == "master" && e.instruments != nil {
		for _, in := range e.instruments.Options(sym, expiry) {
			contracts = append(contracts, chainContract{
				strike: in.Strike, optionType: in.OptionType(), token: in.Token,
				segment: in.Segment, lotSize: in.LotSize,
			})
		}
	}

	cache := e.router.CacheFor(u.Exchange)
	ltp := snap.UnderlyingLTP
	if live, ok := cache.Underlying(sym); ok && live.LTP > 0 {
		ltp = live.LTP
	}
	if ltp <= 0 {
		return ChainResult{}, fmt.Errorf("no underlying price for %s", sym)
	}

	if req.Reopen {
		e.atm.InvalidateExpiry(sym, expiry)
	}
	ladder, _ := e.atm.GenerateChain(sym, expiry, ltp, false)
	inLadder := make(map[float64]struct{}, len(ladder.Strikes))
	for _, s := range ladder.Strikes {
		inLadder[s] = struct{}{}
	}

	seed := snap.Seed(u.Exchange, sym)
	seed.Expiry = expiry
	seed.Strikes = ladder.Strikes
	seed.StrikeInterval = ladder.StrikeStep
	seed.ATM = ladder.ATMStrike
	seed.Legs = seed.Legs[:0]
	var window []chainContract
	for _, c := range contracts {
		if _, ok := inLadder[c.strike]; !ok || c.token == "" {
			continue
		}
		window = append(window, c)
		seed.Legs = append(seed.Legs, marketcache.LegSeed{Strike: c.strike, OptionType: c.optionType, Token: c.token})
		if c.lotSize > 0 {
			seed.LotSize = c.lotSize
		}
	}
	cache.SeedChain(seed)

	if source == "rest" {
		for _, t := range snap.Ticks(u.Exchange, sym, e.now()) {
			if _, ok := inLadder[t.Strike]; ok {
				_, _ = e.router.Route(t)
			}
		}
	}

	tier := req.Tier
	if tier == "" {
		tier = shared.TierOnDemand
	}
	res := ChainResult{Symbol: sym, Expiry: expiry, ATM: ladder.ATMStrike, Strikes: ladder.Strikes, Source: source}
	for _, c := range window {
		r := e.Subscribe(SubscribeRequest{
			Token:    c.token,
			Exchange: u.Exchange,
			Segment:  c.segment,
			Symbol:   sym,
			Expiry:   expiry,
			Tier:     tier,
			Slot:     req.Slot,
			Meta: map[string]string{
				"option_type":     c.optionType,
				"strike":          strconv.FormatFloat(c.strike, 'f', -1, 64),
				"instrument_type": c.optionType,
			},
		})
		if r.OK {
			res.Subscribed++
		} else {
			res.Rejected++
		}
	}
	e.log.Printf("[engine] opened %s %s via %s atm=%g legs=%d rejected=%d", sym, expiry, source, res.ATM, res.Subscribed, res.Rejected)
	return res, nil
}
