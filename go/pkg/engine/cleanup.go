package engine

import (
	"context"
	"strings"
	"time"

	"github.com/scmhub/calendar"

	"marketdata-engine/go/pkg/shared"
)

// Cleanup ends the trading session: once per exchange business day at a
// fixed local time it drops the ON_DEMAND tier and expired contracts.
type Cleanup struct {
	engine *Engine
	at     time.Duration // offset from local midnight
	loc    *time.Location
	cal    *calendar.Calendar
	log    shared.Logger
	now    func() time.Time
}

// NewCleanup loads the exchange calendar by MIC. Without one it falls back
// to Monday to Friday.
func NewCleanup(e *Engine, cfg shared.SessionConfig, log shared.Logger) *Cleanup {
	c := &Cleanup{engine: e, at: cfg.CleanupAt, log: log, now: time.Now}
	c.cal = calendar.GetCalendar(strings.ToLower(cfg.CalendarMIC))
	if c.cal == nil {
		log.Warnf("[cleanup] no calendar for MIC %q, using weekdays", cfg.CalendarMIC)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	switch {
	case err == nil:
		c.loc = loc
	case c.cal != nil && c.cal.Loc != nil:
		c.loc = c.cal.Loc
	default:
		log.Warnf("[cleanup] timezone %q: %v, using UTC", cfg.Timezone, err)
		c.loc = time.UTC
	}
	return c
}

func (c *Cleanup) BusinessDay(t time.Time) bool {
	t = t.In(c.loc)
	if c.cal == nil {
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return c.cal.IsBusinessDay(t)
}

// Next is the first cleanup time strictly after the given instant.
func (c *Cleanup) Next(after time.Time) time.Time {
	a := after.In(c.loc)
	day := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, c.loc)
	// a fortnight covers any holiday run
	for i := 0; i < 15; i++ {
		fire := day.Add(c.at)
		if fire.After(a) && c.BusinessDay(day) {
			return fire
		}
		day = day.AddDate(0, 0, 1)
	}
	return day.Add(c.at)
}

// RunOnce clears the ON_DEMAND tier and expired contracts now.
func (c *Cleanup) RunOnce() (cleared, expired int) {
	cleared = c.engine.UnsubscribeAllOfTier(shared.TierOnDemand)
	expired = c.engine.ClearExpired(c.now().In(c.loc).Format("2006-01-02"))
	c.log.Printf("[cleanup] session end: %d on-demand subscriptions cleared, %d expired contracts dropped", cleared, expired)
	return cleared, expired
}

// Run fires RunOnce at every scheduled time until ctx ends.
func (c *Cleanup) Run(ctx context.Context) {
	for {
		next := c.Next(c.now())
		c.log.Printf("[cleanup] next session cleanup at %s", next.Format(time.RFC3339))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.RunOnce()
		}
	}
}
