package sink

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"marketdata-engine/go/pkg/shared"
)

// Store persists the latest view of a batch of instruments.
type Store interface {
	WriteLatest(ctx context.Context, ticks []shared.Tick) error
	Close() error
}

// RedisStore keeps one hash per instrument at <prefix>:tick:<token>.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(cfg shared.RedisConfig) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		prefix: cfg.Prefix,
		ttl:    24 * time.Hour,
	}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Key(token string) string { return r.prefix + ":tick:" + token }

func (r *RedisStore) WriteLatest(ctx context.Context, ticks []shared.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, t := range ticks {
		key := r.Key(t.Token)
		pipe.HSet(ctx, key, tickFields(t))
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Close() error { return r.client.Close() }

func tickFields(t shared.Tick) map[string]any {
	f := map[string]any{"ts": strconv.FormatInt(t.EventTS, 10)}
	put := func(name string, v *float64) {
		if v != nil {
			f[name] = strconv.FormatFloat(*v, 'f', -1, 64)
		}
	}
	put("ltp", t.LTP)
	put("bid", t.Bid)
	put("ask", t.Ask)
	put("iv", t.IV)
	if t.OI != nil {
		f["oi"] = strconv.FormatInt(*t.OI, 10)
	}
	if t.Volume != nil {
		f["vol"] = strconv.FormatInt(*t.Volume, 10)
	}
	if t.Symbol != "" {
		f["symbol"] = t.Symbol
	}
	if t.Exchange != "" {
		f["exchange"] = t.Exchange
	}
	return f
}

const maxPending = 100000

// RedisSink coalesces ticks per token and writes the latest view on a fixed
// cadence, so a hot instrument costs one write per flush.
type RedisSink struct {
	store Store
	log   shared.Logger
	every time.Duration

	mu      sync.Mutex
	pending map[string]shared.Tick

	written prometheus.Counter
	dropped prometheus.Counter

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewRedisSink(store Store, every time.Duration, log shared.Logger) *RedisSink {
	if every <= 0 {
		every = 250 * time.Millisecond
	}
	r := &RedisSink{
		store:   store,
		log:     log,
		every:   every,
		pending: make(map[string]shared.Tick),
		written: shared.NewCounter(prometheus.CounterOpts{Name: "md_sink_redis_written_total", Help: "Instrument snapshots written to Redis"}),
		dropped: shared.NewCounter(prometheus.CounterOpts{Name: "md_sink_redis_dropped_total", Help: "Ticks dropped by the Redis sink"}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *RedisSink) Offer(t shared.Tick) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.pending[t.Token]
	if !ok {
		if len(r.pending) >= maxPending {
			r.dropped.Inc()
			return false
		}
		r.pending[t.Token] = t
		return true
	}
	r.pending[t.Token] = overlay(prev, t)
	return true
}

// overlay applies the non-nil fields of next on top of prev.
func overlay(prev, next shared.Tick) shared.Tick {
	out := next
	if out.LTP == nil {
		out.LTP = prev.LTP
	}
	if out.Bid == nil {
		out.Bid = prev.Bid
	}
	if out.Ask == nil {
		out.Ask = prev.Ask
	}
	if out.OI == nil {
		out.OI = prev.OI
	}
	if out.Volume == nil {
		out.Volume = prev.Volume
	}
	if out.IV == nil {
		out.IV = prev.IV
	}
	return out
}

func (r *RedisSink) loop() {
	defer close(r.done)
	t := time.NewTicker(r.every)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			r.flush()
			return
		case <-t.C:
			r.flush()
		}
	}
}

func (r *RedisSink) flush() {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	batch := make([]shared.Tick, 0, len(r.pending))
	for _, t := range r.pending {
		batch = append(batch, t)
	}
	r.pending = make(map[string]shared.Tick, len(batch))
	r.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Token < batch[j].Token })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.WriteLatest(ctx, batch); err != nil {
		r.dropped.Add(float64(len(batch)))
		r.log.Warnf("[sink] redis write of %d instruments failed: %v", len(batch), err)
		return
	}
	r.written.Add(float64(len(batch)))
}

// Close flushes what is pending and closes the store.
func (r *RedisSink) Close() {
	r.once.Do(func() {
		close(r.stop)
		<-r.done
		if err := r.store.Close(); err != nil {
			r.log.Warnf("[sink] redis close: %v", err)
		}
	})
}
