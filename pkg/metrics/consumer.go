package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Consumer outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeRejected  = "rejected"
	OutcomeRequeued  = "requeued"
)

// ConsumerMetrics records inbound message handling.
type ConsumerMetrics struct {
	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewConsumerMetrics registers the consumer metrics on the provided registerer.
func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	if reg == nil {
		return &ConsumerMetrics{}
	}
	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_messages_total",
		Help:      "Messages handled by consumers, by outcome.",
	}, []string{"queue", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "consumer_handle_duration_seconds",
		Help:      "Time spent handling one delivery.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"queue"})
	reg.MustRegister(messages, duration)
	return &ConsumerMetrics{messages: messages, duration: duration}
}

// IncOutcome counts one handled delivery.
func (c *ConsumerMetrics) IncOutcome(queue, outcome string) {
	if c == nil || c.messages == nil {
		return
	}
	c.messages.WithLabelValues(normalizeLabel(queue), normalizeLabel(outcome)).Inc()
}

// ObserveDuration records handling time for queue.
func (c *ConsumerMetrics) ObserveDuration(queue string, duration time.Duration) {
	if c == nil || c.duration == nil {
		return
	}
	c.duration.WithLabelValues(normalizeLabel(queue)).Observe(duration.Seconds())
}
