// Package upstream talks to the broker's REST data API (expiry lists and
// option chain snapshots) and to the instrument master that backs it up.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"marketdata-engine/go/pkg/marketcache"
	"marketdata-engine/go/pkg/ratelimit"
	"marketdata-engine/go/pkg/shared"
)

type expiryListRequest struct {
	UnderlyingScrip int    `json:"UnderlyingScrip"`
	UnderlyingSeg   string `json:"UnderlyingSeg,omitempty"`
}

type optionChainRequest struct {
	UnderlyingScrip int    `json:"UnderlyingScrip"`
	UnderlyingSeg   string `json:"UnderlyingSeg,omitempty"`
	Expiry          string `json:"Expiry,omitempty"`
}

type expiryListResponse struct {
	Status string   `json:"status"`
	Data   []string `json:"data"`
}

type optionQuote struct {
	SecurityID        int64   `json:"security_id"`
	LastPrice         float64 `json:"last_price"`
	OI                int64   `json:"oi"`
	Volume            int64   `json:"volume"`
	ImpliedVolatility float64 `json:"implied_volatility"`
	TopBidPrice       float64 `json:"top_bid_price"`
	TopAskPrice       float64 `json:"top_ask_price"`
}

type optionStrike struct {
	CE *optionQuote `json:"ce,omitempty"`
	PE *optionQuote `json:"pe,omitempty"`
}

type optionChainResponse struct {
	Status string `json:"status"`
	Data   struct {
		LastPrice float64                 `json:"last_price"`
		OC        map[string]optionStrike `json:"oc"`
	} `json:"data"`
}

// ChainLeg is one contract of an option chain snapshot.
type ChainLeg struct {
	Strike     float64
	OptionType string
	Token      string
	LTP        float64
	Bid        float64
	Ask        float64
	OI         int64
	Volume     int64
	IV         float64
}

// ChainSnapshot is a point-in-time option chain for one expiry.
type ChainSnapshot struct {
	Expiry        string
	UnderlyingLTP float64
	Legs          []ChainLeg
}

// Strikes returns the distinct strikes ascending.
func (c ChainSnapshot) Strikes() []float64 {
	seen := make(map[float64]struct{}, len(c.Legs))
	out := make([]float64, 0, len(c.Legs)/2+1)
	for _, l := range c.Legs {
		if _, ok := seen[l.Strike]; !ok {
			seen[l.Strike] = struct{}{}
			out = append(out, l.Strike)
		}
	}
	sort.Float64s(out)
	return out
}

// Seed turns the snapshot into a cache skeleton with leg tokens filled in.
func (c ChainSnapshot) Seed(exchange, underlying string) marketcache.ChainSeed {
	seed := marketcache.ChainSeed{
		Exchange:   exchange,
		Underlying: underlying,
		Expiry:     c.Expiry,
		Strikes:    c.Strikes(),
		Legs:       make([]marketcache.LegSeed, 0, len(c.Legs)),
	}
	for _, l := range c.Legs {
		seed.Legs = append(seed.Legs, marketcache.LegSeed{Strike: l.Strike, OptionType: l.OptionType, Token: l.Token})
	}
	return seed
}

// Ticks renders the snapshot prices as option ticks so they can be merged
// through the normal cache path.
func (c ChainSnapshot) Ticks(exchange, underlying string, at time.Time) []shared.Tick {
	out := make([]shared.Tick, 0, len(c.Legs))
	for _, l := range c.Legs {
		t := shared.Tick{
			Token: l.Token, Exchange: exchange, Symbol: underlying, Expiry: c.Expiry,
			Strike: l.Strike, OptionType: l.OptionType, EventTS: at.UnixNano(),
			LTP: shared.F(l.LTP), OI: shared.I(l.OI), Volume: shared.I(l.Volume),
		}
		if l.Bid > 0 {
			t.Bid = shared.F(l.Bid)
		}
		if l.Ask > 0 {
			t.Ask = shared.F(l.Ask)
		}
		if l.IV > 0 {
			t.IV = shared.F(l.IV)
		}
		out = append(out, t)
	}
	return out
}

// Client is the rate-limited REST client. Every call waits on its limiter
// category; auth failures and throttling put the category on hold.
type Client struct {
	baseURL       string
	clientID      string
	accessToken   string
	http          *http.Client
	limiter       *ratelimit.Limiter
	authBlock     time.Duration
	throttleBlock time.Duration
	log           shared.Logger
}

func NewClient(kc shared.KiteConfig, rc shared.RateLimitConfig, limiter *ratelimit.Limiter, log shared.Logger) *Client {
	return &Client{
		baseURL:       strings.TrimRight(kc.RestURL, "/"),
		clientID:      kc.ClientID,
		accessToken:   kc.RestToken,
		http:          &http.Client{Timeout: kc.Timeout},
		limiter:       limiter,
		authBlock:     rc.AuthBlock,
		throttleBlock: rc.ThrottleBlock,
		log:           log,
	}
}

// ExpiryList returns the option expiries (YYYY-MM-DD, ascending) of an
// underlying.
func (c *Client) ExpiryList(ctx context.Context, securityID int, segment string) ([]string, error) {
	var resp expiryListResponse
	err := c.post(ctx, shared.CategoryExpiry, "/optionchain/expirylist",
		expiryListRequest{UnderlyingScrip: securityID, UnderlyingSeg: segment}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Data))
	for _, e := range resp.Data {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out, nil
}

// OptionChain fetches the full chain of one expiry.
func (c *Client) OptionChain(ctx context.Context, securityID int, segment, expiry string) (ChainSnapshot, error) {
	var resp optionChainResponse
	err := c.post(ctx, shared.CategoryChain, "/optionchain",
		optionChainRequest{UnderlyingScrip: securityID, UnderlyingSeg: segment, Expiry: expiry}, &resp)
	if err != nil {
		return ChainSnapshot{}, err
	}
	snap := ChainSnapshot{Expiry: expiry, UnderlyingLTP: resp.Data.LastPrice}
	for raw, legs := range resp.Data.OC {
		strike, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			c.log.Warnf("[upstream] skipping strike %q: %v", raw, err)
			continue
		}
		for _, side := range []struct {
			typ string
			q   *optionQuote
		}{{"CE", legs.CE}, {"PE", legs.PE}} {
			if side.q == nil {
				continue
			}
			snap.Legs = append(snap.Legs, ChainLeg{
				Strike: strike, OptionType: side.typ,
				Token: strconv.FormatInt(side.q.SecurityID, 10),
				LTP:   side.q.LastPrice, Bid: side.q.TopBidPrice, Ask: side.q.TopAskPrice,
				OI: side.q.OI, Volume: side.q.Volume, IV: side.q.ImpliedVolatility,
			})
		}
	}
	sort.Slice(snap.Legs, func(i, j int) bool {
		if snap.Legs[i].Strike != snap.Legs[j].Strike {
			return snap.Legs[i].Strike < snap.Legs[j].Strike
		}
		return snap.Legs[i].OptionType < snap.Legs[j].OptionType
	})
	return snap, nil
}

func (c *Client) post(ctx context.Context, category, path string, body, out any) error {
	if err := c.limiter.Wait(ctx, category); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access-token", c.accessToken)
	req.Header.Set("client-id", c.clientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", category, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// a bad token fails every endpoint, not just this one
		until := c.limiter.Block(shared.CategoryExpiry, c.authBlock)
		c.limiter.Block(shared.CategoryChain, c.authBlock)
		c.log.Errorf("[upstream] %s %s: HTTP %d, REST blocked until %s", category, path, resp.StatusCode, until.Format(time.RFC3339))
		return fmt.Errorf("%s %s: HTTP %d: %w", category, path, resp.StatusCode, shared.ErrAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		until := c.limiter.Block(category, c.throttleBlock)
		c.log.Warnf("[upstream] %s throttled, blocked until %s", category, until.Format(time.RFC3339))
		return fmt.Errorf("%s %s: %w", category, path, shared.ErrRateLimited)
	case resp.StatusCode/100 != 2:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s %s: HTTP %d: %s", category, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", category, path, err)
	}
	return nil
}
