package router

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketdata-engine/go/pkg/shared"
)

// fieldAliases maps canonical fields to the upstream spellings seen across
// feeds. Keys are compared after lower-casing and dropping '_' and '-'.
var fieldAliases = map[string][]string{
	"token":          {"token", "instrumenttoken", "securityid", "instrumentkey", "tk", "scripcode"},
	"exchange":       {"exchange", "exch", "exchangesegment", "e"},
	"segment":        {"segment", "seg"},
	"symbol":         {"symbol", "underlying", "underlyingsymbol", "name", "tradingsymbol", "ts"},
	"expiry":         {"expiry", "expirydate", "exd"},
	"strike":         {"strike", "strikeprice", "sp"},
	"optiontype":     {"optiontype", "opttype", "right", "ot"},
	"instrumenttype": {"instrumenttype", "insttype", "instrument"},
	"isindex":        {"isindex", "index"},
	"ltp":            {"ltp", "lastprice", "lasttradedprice", "lastrate", "lp", "price"},
	"bid":            {"bid", "bidprice", "bestbid", "bestbidprice", "buyprice", "bp", "bp1"},
	"ask":            {"ask", "askprice", "bestask", "bestaskprice", "sellprice", "offer", "sp1"},
	"oi":             {"oi", "openinterest", "openint"},
	"volume":         {"volume", "vol", "volumetraded", "totalvolume", "totaltradedvolume", "v"},
	"iv":             {"iv", "impliedvolatility", "impliedvol"},
	"timestamp":      {"timestamp", "exchangetimestamp", "ltt", "lasttradetime", "eventts", "time", "ft"},
}

func foldKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(k)
}

// Normalize converts a heterogeneous upstream payload into a canonical
// tick. Only fields present in raw are set; a payload without an
// instrument token is rejected with ErrMalformedTick.
func Normalize(raw map[string]any) (shared.Tick, error) {
	folded := make(map[string]any, len(raw))
	for k, v := range raw {
		if v != nil {
			folded[foldKey(k)] = v
		}
	}
	lookup := func(field string) (any, bool) {
		for _, alias := range fieldAliases[field] {
			if v, ok := folded[alias]; ok {
				return v, true
			}
		}
		return nil, false
	}

	var t shared.Tick
	v, ok := lookup("token")
	if !ok {
		return t, fmt.Errorf("missing token: %w", shared.ErrMalformedTick)
	}
	t.Token = asString(v)
	if t.Token == "" {
		return t, fmt.Errorf("empty token: %w", shared.ErrMalformedTick)
	}

	if v, ok := lookup("exchange"); ok {
		t.Exchange = strings.ToUpper(asString(v))
	}
	if v, ok := lookup("segment"); ok {
		t.Segment = asString(v)
	}
	if v, ok := lookup("symbol"); ok {
		t.Symbol = strings.ToUpper(asString(v))
	}
	if v, ok := lookup("expiry"); ok {
		t.Expiry = normalizeExpiry(asString(v))
	}
	if v, ok := lookup("strike"); ok {
		if f, ok := asFloat(v); ok {
			t.Strike = f
		}
	}
	if v, ok := lookup("optiontype"); ok {
		t.OptionType = normalizeOptionType(asString(v))
	}
	if v, ok := lookup("instrumenttype"); ok {
		t.InstrumentType = strings.ToUpper(asString(v))
	}
	if v, ok := lookup("isindex"); ok {
		t.IsIndex = asBool(v)
	}

	var bad []string
	setF := func(field string, dst **float64) {
		if v, ok := lookup(field); ok {
			if f, ok := asFloat(v); ok {
				*dst = &f
			} else {
				bad = append(bad, field)
			}
		}
	}
	setI := func(field string, dst **int64) {
		if v, ok := lookup(field); ok {
			if f, ok := asFloat(v); ok {
				n := int64(f)
				*dst = &n
			} else {
				bad = append(bad, field)
			}
		}
	}
	setF("ltp", &t.LTP)
	setF("bid", &t.Bid)
	setF("ask", &t.Ask)
	setI("oi", &t.OI)
	setI("volume", &t.Volume)
	setF("iv", &t.IV)

	if t.Bid == nil || t.Ask == nil {
		bid, ask := topOfDepth(folded["depth"])
		if t.Bid == nil {
			t.Bid = bid
		}
		if t.Ask == nil {
			t.Ask = ask
		}
	}
	if v, ok := lookup("timestamp"); ok {
		t.EventTS = asEpochNanos(v)
	}
	if len(bad) > 0 {
		return t, fmt.Errorf("non-numeric %s: %w", strings.Join(bad, ","), shared.ErrMalformedTick)
	}
	return t, nil
}

// topOfDepth reads {"buy":[{"price":..}], "sell":[{"price":..}]}.
func topOfDepth(v any) (bid, ask *float64) {
	depth, ok := v.(map[string]any)
	if !ok {
		return nil, nil
	}
	first := func(side string) *float64 {
		levels, ok := depth[side].([]any)
		if !ok || len(levels) == 0 {
			return nil
		}
		lvl, ok := levels[0].(map[string]any)
		if !ok {
			return nil
		}
		if f, ok := asFloat(lvl["price"]); ok && f > 0 {
			return &f
		}
		return nil
	}
	return first("buy"), first("sell")
}

func normalizeOptionType(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CE", "CALL", "C":
		return "CE"
	case "PE", "PUT", "P":
		return "PE"
	}
	return ""
}

var expiryLayouts = []string{"2006-01-02", "02-01-2006", "02Jan2006", "2006-01-02 15:04:05", time.RFC3339}

func normalizeExpiry(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range expiryLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.Format("2006-01-02")
		}
	}
	return s
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	}
	return fmt.Sprint(v)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	}
	f, ok := asFloat(v)
	return ok && f != 0
}

// asEpochNanos accepts epoch seconds, millis or nanos, or an RFC3339 string.
func asEpochNanos(v any) int64 {
	if s, ok := v.(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UnixNano()
		}
	}
	f, ok := asFloat(v)
	if !ok || f <= 0 {
		return 0
	}
	switch {
	case f < 1e11:
		return int64(f * 1e9)
	case f < 1e14:
		return int64(f * 1e6)
	default:
		return int64(f)
	}
}
