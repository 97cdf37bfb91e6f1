package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"marketdata-engine/go/pkg/shared"
)

type engineMetrics struct {
	subscribes    *prometheus.CounterVec
	unsubscribes  prometheus.Counter
	subscriptions prometheus.Gauge
	ticks         *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	connEvents    *prometheus.CounterVec
	activeConns   prometheus.Gauge
	rebalanced    prometheus.Counter
	atmRecalcs    *prometheus.CounterVec
	commands      *prometheus.CounterVec
}

func newMetrics() engineMetrics {
	return engineMetrics{
		subscribes:    shared.NewCounterVec(prometheus.CounterOpts{Name: "md_subscribe_total", Help: "Subscribe requests by outcome"}, []string{"reason"}),
		unsubscribes:  shared.NewCounter(prometheus.CounterOpts{Name: "md_unsubscribe_total", Help: "Instruments unsubscribed"}),
		subscriptions: shared.NewGauge(prometheus.GaugeOpts{Name: "md_subscriptions", Help: "Instruments currently subscribed"}),
		ticks:         shared.NewCounterVec(prometheus.CounterOpts{Name: "md_ticks_total", Help: "Ticks routed by kind"}, []string{"kind"}),
		dropped:       shared.NewCounterVec(prometheus.CounterOpts{Name: "md_ticks_dropped_total", Help: "Ticks dropped before reaching a cache"}, []string{"reason"}),
		connEvents:    shared.NewCounterVec(prometheus.CounterOpts{Name: "md_ws_events_total", Help: "Streaming connection lifecycle events"}, []string{"event"}),
		activeConns:   shared.NewGauge(prometheus.GaugeOpts{Name: "md_ws_active_connections", Help: "Connected streaming slots"}),
		rebalanced:    shared.NewCounter(prometheus.CounterOpts{Name: "md_rebalanced_tokens_total", Help: "Tokens moved off disconnected slots"}),
		atmRecalcs:    shared.NewCounterVec(prometheus.CounterOpts{Name: "md_atm_recalc_total", Help: "ATM ladder rebuilds"}, []string{"symbol"}),
		commands:      shared.NewCounterVec(prometheus.CounterOpts{Name: "md_commands_total", Help: "Commands applied by action and result"}, []string{"action", "result"}),
	}
}
