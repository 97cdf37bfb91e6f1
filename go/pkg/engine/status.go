package engine

import (
	"encoding/json"
	"net/http"
	"time"

	"marketdata-engine/go/pkg/marketcache"
	"marketdata-engine/go/pkg/pool"
	"marketdata-engine/go/pkg/shared"
)

type Status struct {
	TotalConnections     int                 `json:"total_connections"`
	ActiveConnections    int                 `json:"active_connections"`
	TotalSubscriptions   int                 `json:"total_subscriptions"`
	PerConnectionCounts  map[int]int         `json:"per_connection_counts"`
	CacheStatus          marketcache.Status  `json:"cache_status"`
	CommodityCacheStatus *marketcache.Status `json:"commodity_cache_status,omitempty"`
	LastTickTime         *time.Time          `json:"last_tick_time"`
	StreamsRunning       bool                `json:"streams_running"`
	Tiers                map[shared.Tier]int `json:"tiers"`
	Connections          []pool.SlotStats    `json:"connections"`
	ExhaustedSlots       []int               `json:"exhausted_slots,omitempty"`
}

func (e *Engine) Status() Status {
	stats := e.pool.Stats()
	st := Status{
		TotalConnections:    len(stats),
		TotalSubscriptions:  e.reg.Count(),
		PerConnectionCounts: make(map[int]int, len(stats)),
		CacheStatus:         e.main.Status(),
		StreamsRunning:      e.Running(),
		Tiers:               e.reg.CountByTier(),
		Connections:         stats,
		ExhaustedSlots:      e.rc.Exhausted(),
	}
	for _, s := range stats {
		st.PerConnectionCounts[s.ID] = s.Assigned
		if s.Active {
			st.ActiveConnections++
		}
	}
	if e.commodity != nil {
		cs := e.commodity.Status()
		st.CommodityCacheStatus = &cs
	}
	if ns := e.lastTick.Load(); ns > 0 {
		t := time.Unix(0, ns).UTC()
		st.LastTickTime = &t
	}
	return st
}

// StatusHandler serves Status as JSON.
func (e *Engine) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(e.Status())
	})
}
