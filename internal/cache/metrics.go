package cache

import "github.com/prometheus/client_golang/prometheus"

const (
	resultSuccess = "success"
	resultError   = "error"
	resultHit     = "hit"
	resultMiss    = "miss"
)

type metrics struct {
	compiles        *prometheus.CounterVec
	compileDuration prometheus.Histogram
	readerRequests  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		compiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracelens_compiles_total",
			Help: "Total number of trace compilations by result",
		}, []string{"result"}),
		compileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracelens_compile_duration_seconds",
			Help:    "Time spent compiling traces into indexes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		readerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracelens_reader_cache_requests_total",
			Help: "Total number of index reader lookups by cache result",
		}, []string{"result"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.compiles, m.compileDuration, m.readerRequests} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
