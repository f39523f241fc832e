package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deliverytrack"

var latencyBuckets = []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000}

type promMetric struct {
	labels    []string
	counter   *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// PrometheusSink maps known event names onto Prometheus collectors. Events
// with an unknown name are dropped.
type PrometheusSink struct {
	metrics map[string]promMetric
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	counter := func(name, help string, labels ...string) promMetric {
		return promMetric{
			labels: labels,
			counter: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      name,
				Help:      help,
			}, labels),
		}
	}
	histogram := func(name, help string, labels ...string) promMetric {
		return promMetric{
			labels: labels,
			histogram: factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      name,
				Help:      help,
				Buckets:   latencyBuckets,
			}, labels),
		}
	}
	return &PrometheusSink{
		metrics: map[string]promMetric{
			CryptoFailCount:          counter(CryptoFailCount, "Crypto operations that failed and were handled by the fail mode", "operation", "failMode", "fallback"),
			CryptoEncryptMs:          histogram(CryptoEncryptMs, "Field encryption latency in milliseconds", "kid"),
			CryptoDecryptMs:          histogram(CryptoDecryptMs, "Field decryption latency in milliseconds", "kid"),
			KeyKidUsage:              counter(KeyKidUsage, "Crypto operations per key id", "kid", "operation"),
			CryptoCircuitStateChange: counter(CryptoCircuitStateChange, "Crypto circuit state transitions", "from", "to"),
			TrackingPollRecords:      counter(TrackingPollRecords, "Due records fetched by poll cycles"),
			TrackingPollUpdates:      counter(TrackingPollUpdates, "Patches applied by poll cycles"),
			TrackingPollErrors:       counter(TrackingPollErrors, "Per-record errors reported by poll cycles", "code"),
			TrackingPollMs:           histogram(TrackingPollMs, "Poll cycle duration in milliseconds"),
		},
	}
}

func (s *PrometheusSink) Emit(_ context.Context, event Event) {
	if s == nil {
		return
	}
	m, ok := s.metrics[event.Name]
	if !ok {
		return
	}
	values := make([]string, len(m.labels))
	for i, label := range m.labels {
		values[i] = event.Tags[label]
	}
	switch {
	case m.counter != nil:
		if event.Value < 0 {
			return
		}
		m.counter.WithLabelValues(values...).Add(event.Value)
	case m.histogram != nil:
		m.histogram.WithLabelValues(values...).Observe(event.Value)
	}
}
