package sink

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marketdata-engine/go/pkg/shared"
)

type KafkaConfig struct {
	Topic      string
	Workers    int
	Queue      int
	MaxBatch   int
	FlushEvery time.Duration
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Queue < 1 {
		c.Queue = 1000
	}
	if c.MaxBatch < 1 {
		c.MaxBatch = 256
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 50 * time.Millisecond
	}
	return c
}

type kafkaMetrics struct {
	published prometheus.Counter
	dropped   prometheus.Counter
	batchSz   prometheus.Histogram
	latency   prometheus.Histogram
	queued    prometheus.Gauge
}

func newKafkaMetrics() kafkaMetrics {
	return kafkaMetrics{
		published: shared.NewCounter(prometheus.CounterOpts{Name: "md_sink_kafka_published_total", Help: "Ticks published to Kafka"}),
		dropped:   shared.NewCounter(prometheus.CounterOpts{Name: "md_sink_kafka_dropped_total", Help: "Ticks dropped by the Kafka sink"}),
		batchSz:   shared.NewHist(prometheus.HistogramOpts{Name: "md_sink_kafka_batch_size", Help: "Batch size", Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500}}),
		latency:   shared.NewHist(prometheus.HistogramOpts{Name: "md_sink_kafka_latency_seconds", Help: "Event to publish latency", Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5}}),
		queued:    shared.NewGauge(prometheus.GaugeOpts{Name: "md_sink_kafka_queue_depth", Help: "Ticks waiting in the Kafka sink"}),
	}
}

// KafkaSink batches ticks per worker and publishes them keyed by token.
type KafkaSink struct {
	cfg      KafkaConfig
	producer shared.Producer
	log      shared.Logger
	m        kafkaMetrics

	chans    []chan shared.Tick
	inFlight atomic.Int64
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewKafkaSink(cfg KafkaConfig, producer shared.Producer, log shared.Logger) *KafkaSink {
	cfg = cfg.withDefaults()
	k := &KafkaSink{cfg: cfg, producer: producer, log: log, m: newKafkaMetrics()}
	k.chans = make([]chan shared.Tick, cfg.Workers)
	for i := range k.chans {
		k.chans[i] = make(chan shared.Tick, cfg.Queue)
		k.wg.Add(1)
		go k.worker(i, k.chans[i])
	}
	return k
}

func (k *KafkaSink) Offer(t shared.Tick) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return false
	}
	select {
	case k.chans[workerFor(t.Token, len(k.chans))] <- t:
		k.m.queued.Set(float64(k.inFlight.Add(1)))
		return true
	default:
		k.m.dropped.Inc()
		return false
	}
}

// Close drains queued ticks and closes the producer.
func (k *KafkaSink) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	for _, ch := range k.chans {
		close(ch)
	}
	k.mu.Unlock()
	k.wg.Wait()
	k.producer.Close()
}

func (k *KafkaSink) worker(id int, in <-chan shared.Tick) {
	defer k.wg.Done()
	batch := make([]shared.Tick, 0, k.cfg.MaxBatch)
	timer := time.NewTimer(k.cfg.FlushEvery)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		k.m.batchSz.Observe(float64(len(batch)))
		records := make([]shared.Record, 0, len(batch))
		sent := make([]shared.Tick, 0, len(batch))
		for _, tk := range batch {
			raw, err := json.Marshal(tk)
			if err != nil {
				k.m.dropped.Inc()
				continue
			}
			records = append(records, shared.Record{Key: []byte(tk.Token), Value: raw, Time: time.Now().UTC()})
			sent = append(sent, tk)
		}
		if len(records) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := k.producer.ProduceBatch(ctx, k.cfg.Topic, records)
			cancel()
			if err != nil {
				k.m.dropped.Add(float64(len(records)))
				k.log.Warnf("[sink] kafka worker=%d batch write failed: %v", id, err)
			} else {
				k.m.published.Add(float64(len(records)))
				for _, tk := range sent {
					if tk.EventTS > 0 {
						k.m.latency.Observe(time.Since(tk.EventTime()).Seconds())
					}
				}
			}
		}
		k.m.queued.Set(float64(k.inFlight.Add(int64(-len(batch)))))
		batch = batch[:0]
	}

	for {
		select {
		case tk, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, tk)
			if len(batch) >= k.cfg.MaxBatch {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(k.cfg.FlushEvery)
			}
		case <-timer.C:
			flush()
			timer.Reset(k.cfg.FlushEvery)
		}
	}
}
