package shared

import "time"

// Tier classifies a subscription.
type Tier string

const (
	TierPermanent Tier = "PERMANENT"
	TierOnDemand  Tier = "ON_DEMAND"
)

// ParseTier defaults to ON_DEMAND for anything unrecognised.
func ParseTier(s string) Tier {
	if Tier(s) == TierPermanent {
		return TierPermanent
	}
	return TierOnDemand
}

// Kind is the instrument class a tick is routed by.
type Kind string

const (
	KindOption Kind = "OPTION"
	KindFuture Kind = "FUTURE"
	KindIndex  Kind = "INDEX"
	KindEquity Kind = "EQUITY"
)

// Rate limiter categories for upstream REST calls.
const (
	CategoryQuote  = "quote"
	CategoryData   = "data"
	CategoryExpiry = "expiry"
	CategoryChain  = "chain"
)

// Budget is the call allowance per sliding window. Zero means unlimited.
type Budget struct {
	PerSecond int
	PerMinute int
	PerHour   int
	PerDay    int
}

// Tick is the canonical quote update. Pointer fields are nil when the
// upstream message did not carry them.
type Tick struct {
	Token          string   `json:"token"`
	Exchange       string   `json:"exchange,omitempty"`
	Segment        string   `json:"segment,omitempty"`
	Symbol         string   `json:"symbol,omitempty"` // underlying symbol for options
	Expiry         string   `json:"expiry,omitempty"` // YYYY-MM-DD
	Strike         float64  `json:"strike,omitempty"`
	OptionType     string   `json:"option_type,omitempty"` // CE | PE
	InstrumentType string   `json:"instrument_type,omitempty"`
	IsIndex        bool     `json:"is_index,omitempty"`
	LTP            *float64 `json:"ltp,omitempty"`
	Bid            *float64 `json:"bid,omitempty"`
	Ask            *float64 `json:"ask,omitempty"`
	OI             *int64   `json:"oi,omitempty"`
	Volume         *int64   `json:"vol,omitempty"`
	IV             *float64 `json:"iv,omitempty"`
	EventTS        int64    `json:"event_ts"` // nanoseconds epoch
	Slot           int      `json:"slot,omitempty"`
}

func (t Tick) EventTime() time.Time {
	if t.EventTS == 0 {
		return time.Time{}
	}
	return time.Unix(0, t.EventTS)
}

// F and I build optional tick fields.
func F(v float64) *float64 { return &v }
func I(v int64) *int64     { return &v }
