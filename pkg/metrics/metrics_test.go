package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/angelmondragon/paybridge/pkg/enums"
)

func TestPublisherMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPublisherMetrics(reg)
	metrics.IncPublished("OrderCreated")
	metrics.IncPublished("OrderCreated")
	metrics.IncPublishFailure("")
	metrics.ObserveBatch(250 * time.Millisecond)
	metrics.SetUnroutable(3)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "paybridge_outbox_published_total", "event_type", "OrderCreated"); err != nil {
		t.Fatalf("fetch published: %v", err)
	} else if got != 2 {
		t.Fatalf("expected published=2, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "paybridge_outbox_publish_failures_total", "event_type", "unknown"); err != nil {
		t.Fatalf("fetch failures: %v", err)
	} else if got != 1 {
		t.Fatalf("expected failures=1, got %f", got)
	}

	mf := findMetricFamily(mfs, "paybridge_outbox_batch_duration_seconds")
	if mf == nil || mf.GetMetric()[0].GetHistogram().GetSampleSum() <= 0 {
		t.Fatalf("expected batch duration to be observed")
	}

	mf = findMetricFamily(mfs, "paybridge_outbox_unroutable_rows")
	if mf == nil || mf.GetMetric()[0].GetGauge().GetValue() != 3 {
		t.Fatalf("expected unroutable gauge of 3")
	}
}

func TestConsumerMetricsCountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewConsumerMetrics(reg)
	metrics.IncOutcome("order_created", OutcomeDuplicate)
	metrics.IncOutcome("order_created", OutcomeProcessed)
	metrics.IncOutcome("order_created", OutcomeProcessed)
	metrics.ObserveDuration("order_created", time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "paybridge_consumer_messages_total", "outcome", OutcomeProcessed); err != nil {
		t.Fatalf("fetch processed: %v", err)
	} else if got != 2 {
		t.Fatalf("expected processed=2, got %f", got)
	}
	if got, err := fetchCounterValue(mfs, "paybridge_consumer_messages_total", "outcome", OutcomeDuplicate); err != nil {
		t.Fatalf("fetch duplicate: %v", err)
	} else if got != 1 {
		t.Fatalf("expected duplicate=1, got %f", got)
	}
}

func TestConnectorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewConnectorMetrics(reg)
	metrics.SetConnState(enums.ConnConnected)
	metrics.IncConnectAttempt(false)
	metrics.IncConnectAttempt(true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	mf := findMetricFamily(mfs, "paybridge_broker_connection_state")
	if mf == nil || mf.GetMetric()[0].GetGauge().GetValue() != float64(enums.ConnConnected) {
		t.Fatalf("expected connected state gauge")
	}
	if got, err := fetchCounterValue(mfs, "paybridge_broker_connect_attempts_total", "success", "false"); err != nil || got != 1 {
		t.Fatalf("expected one failed attempt, got %f err=%v", got, err)
	}
}

func TestNilRegistererIsNoop(t *testing.T) {
	NewPublisherMetrics(nil).IncPublished("x")
	NewConsumerMetrics(nil).IncOutcome("q", OutcomeProcessed)
	NewConnectorMetrics(nil).SetConnState(enums.ConnClosed)
	var p *PublisherMetrics
	p.ObserveBatch(time.Second)
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
