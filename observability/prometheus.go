package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusFactory is a MetricFactory backed by a Prometheus registerer.
// Dotted metric names are rewritten to Prometheus form, so
// "bonus.match.closed" becomes "bonus_match_closed_total".
type PrometheusFactory struct {
	auto promauto.Factory

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

var _ MetricFactory = (*PrometheusFactory)(nil)

// NewPrometheusFactory registers metrics on reg. A nil reg uses the default
// registerer.
func NewPrometheusFactory(reg prometheus.Registerer) *PrometheusFactory {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusFactory{
		auto:       promauto.With(reg),
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Counter implements MetricFactory. Asking twice for the same name returns
// the same collector.
func (f *PrometheusFactory) Counter(name string) Counter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.counters[name]; ok {
		return c
	}
	c := f.auto.NewCounter(prometheus.CounterOpts{
		Name: promName(name) + "_total",
		Help: "Total " + strings.ReplaceAll(name, ".", " ") + " events",
	})
	f.counters[name] = c
	return c
}

// Histogram implements MetricFactory.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h, ok := f.histograms[name]; ok {
		return h
	}
	h := f.auto.NewHistogram(prometheus.HistogramOpts{
		Name:    promName(name),
		Help:    "Distribution of " + strings.ReplaceAll(name, ".", " "),
		Buckets: bucketsFor(name),
	})
	f.histograms[name] = h
	return h
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// bucketsFor picks latency buckets for *_ms histograms and exponential
// buckets for counts and paise amounts.
func bucketsFor(name string) []float64 {
	if strings.HasSuffix(name, "_ms") {
		return []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}
	}
	return prometheus.ExponentialBuckets(1, 10, 10)
}
