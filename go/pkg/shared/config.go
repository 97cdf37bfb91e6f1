package shared

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// KafkaConfig holds broker and topic details.
type KafkaConfig struct {
	Brokers      string `envconfig:"KAFKA_BROKER" default:"localhost:9092"`
	GroupID      string `envconfig:"KAFKA_GROUP" default:"md-engine"`
	TickTopic    string `envconfig:"TICKS_TOPIC" default:"ticks.normalized"`
	CommandTopic string `envconfig:"COMMAND_TOPIC" default:"md.commands"`
	ReplyTopic   string `envconfig:"REPLY_TOPIC"`
	ProducerAcks string `envconfig:"KAFKA_ACKS" default:"one"`
	LingerMS     int    `envconfig:"KAFKA_LINGER_MS" default:"5"`
	BatchBytes   int    `envconfig:"KAFKA_BATCH_BYTES" default:"1048576"` // 1MB
	Enabled      bool   `envconfig:"KAFKA_ENABLED" default:"false"`
}

func (k KafkaConfig) BrokerList() []string {
	return splitList(k.Brokers, "localhost:9092")
}

// PostgresConfig holds DB connection details for the instrument master.
type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	Database string `envconfig:"POSTGRES_DB" default:"trading"`
	User     string `envconfig:"POSTGRES_USER" default:"trader"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"trader"`
	PoolMax  int    `envconfig:"PG_POOL_MAX" default:"4"`
	Enabled  bool   `envconfig:"POSTGRES_ENABLED" default:"false"`
}

// RedisConfig controls the latest-price mirror.
type RedisConfig struct {
	Addr     string        `envconfig:"REDIS_ADDR"`
	Password string        `envconfig:"REDIS_PASSWORD"`
	DB       int           `envconfig:"REDIS_DB" default:"0"`
	Prefix   string        `envconfig:"REDIS_PREFIX" default:"md"`
	Flush    time.Duration `envconfig:"REDIS_FLUSH" default:"250ms"`
}

// MetricsConfig controls Prometheus listener.
type MetricsConfig struct {
	Port int `envconfig:"METRICS_PORT" default:"9000"`
}

// PoolConfig sizes the streaming connection pool.
type PoolConfig struct {
	Connections      int `envconfig:"WS_CONNECTIONS" default:"5"`
	Capacity         int `envconfig:"WS_CAPACITY" default:"5000"`
	ReservePermanent int `envconfig:"WS_RESERVE_PERMANENT" default:"0"`
}

// ReconnectConfig holds the backoff knobs.
type ReconnectConfig struct {
	MinDelay    time.Duration `envconfig:"RECONNECT_MIN_DELAY" default:"1s"`
	MaxDelay    time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"60s"`
	Factor      float64       `envconfig:"RECONNECT_FACTOR" default:"2"`
	Jitter      float64       `envconfig:"RECONNECT_JITTER" default:"0.2"`
	MaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"8"`
	MinInterval time.Duration `envconfig:"RECONNECT_MIN_INTERVAL" default:"2s"`
}

// RateLimitConfig holds per-category REST budgets. Zero disables a window.
type RateLimitConfig struct {
	QuotePerSec   int           `envconfig:"RL_QUOTE_PER_SEC" default:"1"`
	DataPerSec    int           `envconfig:"RL_DATA_PER_SEC" default:"5"`
	DataPerMin    int           `envconfig:"RL_DATA_PER_MIN" default:"1000"`
	DataPerHour   int           `envconfig:"RL_DATA_PER_HOUR" default:"5000"`
	DataPerDay    int           `envconfig:"RL_DATA_PER_DAY" default:"100000"`
	ExpiryPerSec  int           `envconfig:"RL_EXPIRY_PER_SEC" default:"1"`
	ExpiryPerMin  int           `envconfig:"RL_EXPIRY_PER_MIN" default:"20"`
	ChainPerSec   int           `envconfig:"RL_CHAIN_PER_SEC" default:"1"`
	ChainPerMin   int           `envconfig:"RL_CHAIN_PER_MIN" default:"20"`
	AuthBlock     time.Duration `envconfig:"RL_AUTH_BLOCK" default:"900s"`
	ThrottleBlock time.Duration `envconfig:"RL_THROTTLE_BLOCK" default:"120s"`
}

// Budgets maps the flat env knobs onto per-category window budgets.
func (r RateLimitConfig) Budgets() map[string]Budget {
	return map[string]Budget{
		CategoryQuote:  {PerSecond: r.QuotePerSec},
		CategoryData:   {PerSecond: r.DataPerSec, PerMinute: r.DataPerMin, PerHour: r.DataPerHour, PerDay: r.DataPerDay},
		CategoryExpiry: {PerSecond: r.ExpiryPerSec, PerMinute: r.ExpiryPerMin},
		CategoryChain:  {PerSecond: r.ChainPerSec, PerMinute: r.ChainPerMin},
	}
}

// KiteConfig holds upstream credentials and feed selection.
type KiteConfig struct {
	Feed        string        `envconfig:"FEED" default:"kite"` // kite | json | sim
	APIKey      string        `envconfig:"KITE_API_KEY"`
	AccessToken string        `envconfig:"KITE_ACCESS_TOKEN"`
	TokenJSON   string        `envconfig:"KITE_TOKEN_FILE" default:"ingestion/auth/token.json"`
	FeedURL     string        `envconfig:"FEED_WS_URL"`
	RestURL     string        `envconfig:"UPSTREAM_REST_URL" default:"https://api.dhan.co/v2"`
	ClientID    string        `envconfig:"UPSTREAM_CLIENT_ID"`
	RestToken   string        `envconfig:"UPSTREAM_ACCESS_TOKEN"`
	Timeout     time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"10s"`
	SimTPS      float64       `envconfig:"SIM_TPS" default:"5"`
	SimPrice    float64       `envconfig:"SIM_BASE_PRICE" default:"2500"`
	Exchanges   string        `envconfig:"KITE_INSTRUMENT_EXCHANGES" default:"NSE,NFO,MCX"`
}

// InstrumentExchanges lists the exchanges pulled from the Kite instrument dump.
func (k KiteConfig) InstrumentExchanges() []string {
	return splitList(k.Exchanges, "NSE")
}

// SessionConfig controls stream start-up and end-of-session housekeeping.
type SessionConfig struct {
	StreamsDisabled bool          `envconfig:"MD_STREAMS_DISABLED" default:"false"`
	InstrumentsCSV  string        `envconfig:"INSTRUMENTS_CSV" default:"configs/instruments.csv"`
	CleanupAt       time.Duration `envconfig:"SESSION_CLEANUP_AT" default:"15h40m"`
	CalendarMIC     string        `envconfig:"SESSION_CALENDAR_MIC" default:"xnse"`
	Timezone        string        `envconfig:"SESSION_TZ" default:"Asia/Kolkata"`
	CommodityExch   string        `envconfig:"COMMODITY_EXCHANGES" default:"MCX,NCDEX"`
	StrikesEachSide int           `envconfig:"ATM_STRIKES_EACH_SIDE" default:"10"`
}

func (s SessionConfig) CommodityExchanges() []string {
	return splitList(s.CommodityExch, "MCX")
}

// Load fills the given struct from environment.
func Load[T any](prefix string) (T, error) {
	var cfg T
	err := envconfig.Process(prefix, &cfg)
	return cfg, err
}

func splitList(raw, fallback string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{fallback}
	}
	return out
}
