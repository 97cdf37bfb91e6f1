// Package sink fans routed ticks out of the engine. Offer never blocks:
// a sink that cannot keep up drops and counts.
package sink

import "marketdata-engine/go/pkg/shared"

type Sink interface {
	Offer(t shared.Tick) bool
	Close()
}

// Multi offers each tick to every sink.
type Multi []Sink

func (m Multi) Offer(t shared.Tick) bool {
	ok := true
	for _, s := range m {
		if !s.Offer(t) {
			ok = false
		}
	}
	return ok
}

func (m Multi) Close() {
	for _, s := range m {
		s.Close()
	}
}

// workerFor is FNV-1a over the key so one instrument always lands on the
// same worker and keeps its order.
func workerFor(key string, workers int) int {
	if workers <= 1 {
		return 0
	}
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h % uint32(workers))
}
