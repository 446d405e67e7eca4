package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the outbound client collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	leasesInUse   *prometheus.GaugeVec
	acquireWait   *prometheus.HistogramVec
	poolExhausted *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that are
// already registered (a second client in the same process) are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_requests_total",
			Help: "Total number of outbound requests",
		}, []string{"pool", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbound_latency_seconds",
			Help:    "Outbound request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"pool"}),
		leasesInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_leases_in_use",
			Help: "Number of connection leases currently held",
		}, []string{"pool"}),
		acquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a connection lease",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		}, []string{"pool"}),
		poolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_exhausted_total",
			Help: "Lease acquisitions that gave up after the acquire timeout",
		}, []string{"pool"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	m.requests, err = register(reg, m.requests)
	if err != nil {
		return nil, err
	}
	m.latency, err = register(reg, m.latency)
	if err != nil {
		return nil, err
	}
	m.leasesInUse, err = register(reg, m.leasesInUse)
	if err != nil {
		return nil, err
	}
	m.acquireWait, err = register(reg, m.acquireWait)
	if err != nil {
		return nil, err
	}
	m.poolExhausted, err = register(reg, m.poolExhausted)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) IncRequest(pool, method, status string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(pool, method, status).Inc()
}

func (m *Metrics) ObserveLatency(pool string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(pool).Observe(d.Seconds())
}

func (m *Metrics) LeaseAcquired(pool string, wait time.Duration) {
	if m == nil {
		return
	}
	m.leasesInUse.WithLabelValues(pool).Inc()
	m.acquireWait.WithLabelValues(pool).Observe(wait.Seconds())
}

func (m *Metrics) LeaseReleased(pool string) {
	if m == nil {
		return
	}
	m.leasesInUse.WithLabelValues(pool).Dec()
}

func (m *Metrics) PoolExhausted(pool string, wait time.Duration) {
	if m == nil {
		return
	}
	m.poolExhausted.WithLabelValues(pool).Inc()
	m.acquireWait.WithLabelValues(pool).Observe(wait.Seconds())
}
