package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the controller collectors. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	fetches        *prometheus.CounterVec
	bypasses       *prometheus.CounterVec
	revalidations  *prometheus.CounterVec
	cacheWrites    *prometheus.CounterVec
	lifecycle      *prometheus.CounterVec
	bucketsDeleted prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_total",
				Help:      "Intercepted requests by answer source",
			},
			[]string{"source"},
		),
		bypasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bypass_total",
				Help:      "Requests excluded from caching by reason",
			},
			[]string{"reason"},
		),
		revalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revalidations_total",
				Help:      "Background revalidations by result",
			},
			[]string{"result"},
		),
		cacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_writes_total",
				Help:      "Bucket writes by result",
			},
			[]string{"result"},
		),
		lifecycle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_total",
				Help:      "Install and activate runs by result",
			},
			[]string{"phase", "result"},
		),
		bucketsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "buckets_deleted_total",
				Help:      "Stale buckets removed during activation",
			},
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.fetches, m.bypasses, m.revalidations, m.cacheWrites, m.lifecycle, m.bucketsDeleted} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeFetch(source Source) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) observeBypass(reason string) {
	if m == nil {
		return
	}
	m.bypasses.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeRevalidation(result string) {
	if m == nil {
		return
	}
	m.revalidations.WithLabelValues(result).Inc()
}

func (m *Metrics) observeWrite(err error) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) observeLifecycle(phase string, err error) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(phase, resultLabel(err)).Inc()
}

func (m *Metrics) observeBucketDeleted() {
	if m == nil {
		return
	}
	m.bucketsDeleted.Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
