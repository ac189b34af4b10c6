package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "paybridge"

// PublisherMetrics records outbox relay activity.
type PublisherMetrics struct {
	published  *prometheus.CounterVec
	failures   *prometheus.CounterVec
	batch      prometheus.Histogram
	unroutable prometheus.Gauge
}

// NewPublisherMetrics registers the outbox publisher metrics on the provided registerer.
func NewPublisherMetrics(reg prometheus.Registerer) *PublisherMetrics {
	if reg == nil {
		return &PublisherMetrics{}
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_published_total",
		Help:      "Outbox rows published to the broker.",
	}, []string{"event_type"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_publish_failures_total",
		Help:      "Failed outbox publish attempts.",
	}, []string{"event_type"})
	batch := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "outbox_batch_duration_seconds",
		Help:      "Duration of outbox publisher ticks in seconds.",
		Buckets:   prometheus.DefBuckets,
	})
	unroutable := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_unroutable_rows",
		Help:      "Unpublished outbox rows whose event type has no route.",
	})
	reg.MustRegister(published, failures, batch, unroutable)
	return &PublisherMetrics{
		published:  published,
		failures:   failures,
		batch:      batch,
		unroutable: unroutable,
	}
}

// IncPublished counts a successfully published row.
func (p *PublisherMetrics) IncPublished(eventType string) {
	if p == nil || p.published == nil {
		return
	}
	p.published.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncPublishFailure counts a failed publish.
func (p *PublisherMetrics) IncPublishFailure(eventType string) {
	if p == nil || p.failures == nil {
		return
	}
	p.failures.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// ObserveBatch records the duration of one tick.
func (p *PublisherMetrics) ObserveBatch(duration time.Duration) {
	if p == nil || p.batch == nil {
		return
	}
	p.batch.Observe(duration.Seconds())
}

// SetUnroutable reports how many rows are stuck without a route.
func (p *PublisherMetrics) SetUnroutable(count int64) {
	if p == nil || p.unroutable == nil {
		return
	}
	p.unroutable.Set(float64(count))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
