package shared

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes Prometheus metrics plus any extra handlers.
type MetricsServer struct {
	addr string
	mux  *http.ServeMux
}

func NewMetricsServer(port int) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{addr: ":" + strconv.Itoa(port), mux: mux}
}

// Handle mounts an extra endpoint (e.g. /status) next to /metrics.
func (m *MetricsServer) Handle(path string, h http.Handler) {
	m.mux.Handle(path, h)
}

func (m *MetricsServer) Start() {
	go func() { _ = http.ListenAndServe(m.addr, m.mux) }()
}

// register tolerates re-registration so components can be built more than
// once per process (tests, restarts).
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Convenience helpers to avoid repeating namespace.
func NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	return register(prometheus.NewCounter(opts))
}

func NewCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(prometheus.NewCounterVec(opts, labels))
}

func NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	return register(prometheus.NewGauge(opts))
}

func NewGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	return register(prometheus.NewGaugeVec(opts, labels))
}

func NewHist(opts prometheus.HistogramOpts) prometheus.Histogram {
	return register(prometheus.NewHistogram(opts))
}

func NewHistVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(prometheus.NewHistogramVec(opts, labels))
}
