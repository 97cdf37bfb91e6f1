package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"marketdata-engine/go/pkg/atm"
	"marketdata-engine/go/pkg/engine"
	"marketdata-engine/go/pkg/feed"
	"marketdata-engine/go/pkg/marketcache"
	"marketdata-engine/go/pkg/pool"
	"marketdata-engine/go/pkg/ratelimit"
	"marketdata-engine/go/pkg/reconnect"
	"marketdata-engine/go/pkg/registry"
	"marketdata-engine/go/pkg/router"
	"marketdata-engine/go/pkg/shared"
	"marketdata-engine/go/pkg/sink"
	"marketdata-engine/go/pkg/upstream"
)

// Config specific to the market-data engine.
type Config struct {
	Kafka     shared.KafkaConfig
	Postgres  shared.PostgresConfig
	Redis     shared.RedisConfig
	Metrics   shared.MetricsConfig
	Pool      shared.PoolConfig
	Reconnect shared.ReconnectConfig
	RateLimit shared.RateLimitConfig
	Kite      shared.KiteConfig
	Session   shared.SessionConfig

	DefaultStrikeStep float64 `envconfig:"ATM_DEFAULT_STEP" default:"50"`
	BatchFlushMs      int     `envconfig:"BATCH_FLUSH_MS" default:"200"`
	MaxBatch          int     `envconfig:"MAX_BATCH" default:"256"`
	ProduceWorkers    int     `envconfig:"PRODUCE_WORKERS" default:"8"`
	ProduceQueue      int     `envconfig:"PRODUCE_QUEUE" default:"16000"`
}

func main() {
	var cfg Config
	envconfig.MustProcess("", &cfg)
	logger := shared.NewLogger("md_engine")

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	factory, err := buildFactory(cfg, logger)
	if err != nil {
		logger.Fatalf("build feed: %v", err)
	}

	var store *upstream.PGStore
	if cfg.Postgres.Enabled {
		db, err := shared.NewPgxPool(ctx, cfg.Postgres)
		if err != nil {
			logger.Fatalf("postgres: %v", err)
		}
		defer db.Close()
		store = upstream.NewPGStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Fatalf("instrument schema: %v", err)
		}
	}

	master := upstream.NewMaster()
	n := master.Replace(loadInstruments(ctx, cfg, logger, store))
	logger.Printf("instrument master loaded: %d contracts", n)

	limiter := ratelimit.New(cfg.RateLimit.Budgets())
	client := upstream.NewClient(cfg.Kite, cfg.RateLimit, limiter, logger)
	fallbacks := []upstream.ExpirySource{master}
	if store != nil {
		fallbacks = append(fallbacks, store)
	}

	mainCache := marketcache.New("main")
	commodity := marketcache.New("commodity")
	deps := engine.Deps{
		Pool:            pool.New(pool.FromShared(cfg.Pool)),
		Registry:        registry.New(),
		Reconnect:       reconnect.New(reconnect.FromShared(cfg.Reconnect)),
		Main:            mainCache,
		Commodity:       commodity,
		Router:          router.New(mainCache, commodity, cfg.Session.CommodityExchanges()),
		ATM:             atm.New(nil, cfg.DefaultStrikeStep, cfg.Session.StrikesEachSide),
		Sessions:        factory,
		Log:             logger,
		Instruments:     master,
		StreamsDisabled: cfg.Session.StreamsDisabled,
	}
	// without REST credentials every call would fail auth, so go straight to
	// the instrument master
	if cfg.Kite.RestToken != "" {
		deps.Chains = client
		deps.Expiries = upstream.NewExpiryService(client, logger, fallbacks...)
	} else {
		deps.Expiries = upstream.NewExpiryService(nil, logger, fallbacks...)
	}

	var producer *shared.KafkaProducer
	var sinks sink.Multi
	if cfg.Kafka.Enabled {
		producer = shared.NewProducer(cfg.Kafka)
		sinks = append(sinks, sink.NewKafkaSink(sink.KafkaConfig{
			Topic:      cfg.Kafka.TickTopic,
			Workers:    cfg.ProduceWorkers,
			Queue:      cfg.ProduceQueue,
			MaxBatch:   cfg.MaxBatch,
			FlushEvery: time.Duration(cfg.BatchFlushMs) * time.Millisecond,
		}, producer, logger))
	}
	if cfg.Redis.Addr != "" {
		rs := sink.NewRedisStore(cfg.Redis)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rs.Ping(pctx); err != nil {
			logger.Warnf("redis %s unreachable, writes will retry each flush: %v", cfg.Redis.Addr, err)
		}
		cancel()
		sinks = append(sinks, sink.NewRedisSink(rs, cfg.Redis.Flush, logger))
	}
	if len(sinks) > 0 {
		deps.Sink = sinks
	}

	eng := engine.New(deps)

	ms := shared.NewMetricsServer(cfg.Metrics.Port)
	ms.Handle("/status", eng.StatusHandler())
	ms.Start()

	subscribed, rejected := eng.Preload(master.Permanent())
	if err := eng.StartStreams(ctx); err != nil {
		logger.Fatalf("start streams: %v", err)
	}

	var wg sync.WaitGroup
	if cfg.Kafka.Enabled {
		consumer, err := shared.NewConsumer(cfg.Kafka, cfg.Kafka.CommandTopic)
		if err != nil {
			logger.Fatalf("command consumer: %v", err)
		}
		defer consumer.Close()
		listener := engine.NewCommandListener(eng, consumer, producer, cfg.Kafka.ReplyTopic, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(ctx); err != nil {
				logger.Errorf("command listener: %v", err)
			}
		}()
	}

	cleanup := engine.NewCleanup(eng, cfg.Session, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleanup.Run(ctx)
	}()

	logger.Printf(
		"running md engine feed=%s connections=%d capacity=%d permanent=%d rejected=%d kafka=%v redis=%v streams_disabled=%v",
		cfg.Kite.Feed,
		cfg.Pool.Connections,
		cfg.Pool.Capacity,
		subscribed,
		rejected,
		cfg.Kafka.Enabled,
		cfg.Redis.Addr != "",
		cfg.Session.StreamsDisabled,
	)

	<-ctx.Done()
	logger.Printf("md engine shutdown: stopping streams")
	eng.StopStreams()
	wg.Wait()
	if len(sinks) > 0 {
		sinks.Close()
	}
}

func buildFactory(cfg Config, logger shared.Logger) (feed.Factory, error) {
	kc := cfg.Kite
	switch strings.ToLower(kc.Feed) {
	case "sim":
		return func(slot int) feed.Session {
			return feed.NewSimSession(slot, kc.SimTPS, kc.SimPrice)
		}, nil
	case "json":
		if kc.FeedURL == "" {
			return nil, errors.New("FEED_WS_URL required for json feed")
		}
		return func(slot int) feed.Session {
			return feed.NewJSONSession(slot, kc.FeedURL, kc.Timeout, logger)
		}, nil
	case "kite", "":
		apiKey, access, err := kiteCredentials(kc)
		if err != nil {
			return nil, err
		}
		return func(slot int) feed.Session {
			return feed.NewKiteSession(slot, apiKey, access, kc.Timeout, logger)
		}, nil
	}
	return nil, fmt.Errorf("unknown FEED %q (kite, json or sim)", kc.Feed)
}

func kiteCredentials(kc shared.KiteConfig) (string, string, error) {
	if kc.APIKey == "" {
		return "", "", errors.New("KITE_API_KEY required for live websocket")
	}
	if kc.AccessToken != "" {
		return kc.APIKey, kc.AccessToken, nil
	}
	access, err := loadAccessToken(kc.TokenJSON)
	if err != nil {
		return "", "", err
	}
	return kc.APIKey, access, nil
}

// loadInstruments layers the CSV file over the Kite dump so the file's
// permanent and underlying columns win for the rows it lists. The merged
// list is written through to Postgres, which is also the last resort when
// neither source answers.
func loadInstruments(ctx context.Context, cfg Config, logger shared.Logger, store *upstream.PGStore) []upstream.Instrument {
	byToken := make(map[string]upstream.Instrument)
	var order []string
	add := func(list []upstream.Instrument) {
		for _, in := range list {
			if _, ok := byToken[in.Token]; !ok {
				order = append(order, in.Token)
			}
			byToken[in.Token] = in
		}
	}

	if _, access, err := kiteCredentials(cfg.Kite); err == nil {
		list, err := upstream.NewKiteSource(cfg.Kite.APIKey, access, cfg.Kite.InstrumentExchanges()).Load(ctx)
		if err != nil {
			logger.Warnf("kite instrument dump: %v", err)
		} else {
			add(list)
		}
	}
	if cfg.Session.InstrumentsCSV != "" {
		list, err := upstream.CSVSource{Path: cfg.Session.InstrumentsCSV}.Load(ctx)
		if err != nil {
			logger.Warnf("instruments csv %s: %v", cfg.Session.InstrumentsCSV, err)
		} else {
			add(list)
		}
	}

	out := make([]upstream.Instrument, 0, len(order))
	for _, tok := range order {
		out = append(out, byToken[tok])
	}
	if store == nil {
		return out
	}
	if len(out) == 0 {
		list, err := store.Load(ctx)
		if err != nil {
			logger.Warnf("instrument master from postgres: %v", err)
			return nil
		}
		return list
	}
	if n, err := store.Upsert(ctx, out); err != nil {
		logger.Warnf("instrument upsert: %v", err)
	} else {
		logger.Printf("instrument master persisted: %d rows", n)
	}
	return out
}

func loadAccessToken(path string) (string, error) {
	if path == "" {
		return "", errors.New("token path empty")
	}
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err == nil {
			path = abs
		}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", err
	}
	if tok, ok := doc["access_token"].(string); ok && tok != "" {
		return tok, nil
	}
	return "", errors.New("access_token missing in token file")
}
