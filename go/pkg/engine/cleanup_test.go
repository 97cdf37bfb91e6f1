package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata-engine/go/pkg/marketcache"
	"marketdata-engine/go/pkg/shared"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func weekdayCleanup(e *Engine, now time.Time) *Cleanup {
	return &Cleanup{
		engine: e,
		at:     15*time.Hour + 40*time.Minute,
		loc:    ist,
		log:    shared.NopLogger(),
		now:    func() time.Time { return now },
	}
}

func TestCleanupNextSkipsWeekends(t *testing.T) {
	c := weekdayCleanup(nil, time.Time{})

	friday := time.Date(2026, 10, 16, 10, 0, 0, 0, ist)
	assert.Equal(t, time.Date(2026, 10, 16, 15, 40, 0, 0, ist), c.Next(friday))

	late := time.Date(2026, 10, 16, 16, 0, 0, 0, ist)
	assert.Equal(t, time.Date(2026, 10, 19, 15, 40, 0, 0, ist), c.Next(late), "Friday evening rolls to Monday")

	exact := time.Date(2026, 10, 16, 15, 40, 0, 0, ist)
	assert.True(t, c.Next(exact).After(exact))

	// a UTC instant is read in exchange time
	utc := time.Date(2026, 10, 18, 22, 0, 0, 0, time.UTC) // Monday 03:30 IST
	assert.Equal(t, time.Date(2026, 10, 19, 15, 40, 0, 0, ist), c.Next(utc))
	assert.False(t, c.BusinessDay(time.Date(2026, 10, 17, 12, 0, 0, 0, ist)))
}

func TestCleanupRunOnce(t *testing.T) {
	e, _ := newTestEngine(2, 5)
	require.True(t, e.Subscribe(sub("P", shared.TierPermanent)).OK)
	require.True(t, e.Subscribe(sub("D1", shared.TierOnDemand)).OK)
	require.True(t, e.Subscribe(sub("D2", shared.TierOnDemand)).OK)

	e.Cache().SeedChain(marketcache.ChainSeed{Exchange: "NFO", Underlying: "NIFTY", Expiry: "2026-10-13", Strikes: []float64{25000}})
	e.Cache().SeedChain(marketcache.ChainSeed{Exchange: "NFO", Underlying: "NIFTY", Expiry: "2026-10-27", Strikes: []float64{25000}})
	e.CommodityCache().UpdateFuture(shared.Tick{Exchange: "MCX", Symbol: "CRUDEOIL", Expiry: "2026-09-18", LTP: shared.F(6000)})

	c := weekdayCleanup(e, time.Date(2026, 10, 16, 15, 40, 0, 0, ist))
	cleared, expired := c.RunOnce()
	assert.Equal(t, 2, cleared)
	assert.Equal(t, 2, expired)

	assert.Equal(t, 1, e.Registry().Count())
	_, ok := e.Cache().Chain("NFO", "NIFTY", "2026-10-27")
	assert.True(t, ok)
	_, ok = e.Cache().Chain("NFO", "NIFTY", "2026-10-13")
	assert.False(t, ok)
}
