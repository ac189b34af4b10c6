package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/paybridge/pkg/enums"
)

// ConnectorMetrics exposes the broker connection lifecycle.
type ConnectorMetrics struct {
	state    prometheus.Gauge
	attempts *prometheus.CounterVec
}

// NewConnectorMetrics registers the connector metrics on the provided registerer.
func NewConnectorMetrics(reg prometheus.Registerer) *ConnectorMetrics {
	if reg == nil {
		return &ConnectorMetrics{}
	}
	state := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_connection_state",
		Help:      "Broker connection state: 0 disconnected, 1 connecting, 2 connected, 3 closed.",
	})
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broker_connect_attempts_total",
		Help:      "Broker connect attempts by result.",
	}, []string{"success"})
	reg.MustRegister(state, attempts)
	return &ConnectorMetrics{state: state, attempts: attempts}
}

// SetConnState publishes the current state.
func (c *ConnectorMetrics) SetConnState(state enums.ConnState) {
	if c == nil || c.state == nil {
		return
	}
	c.state.Set(float64(state))
}

// IncConnectAttempt counts a dial attempt.
func (c *ConnectorMetrics) IncConnectAttempt(success bool) {
	if c == nil || c.attempts == nil {
		return
	}
	c.attempts.WithLabelValues(strconv.FormatBool(success)).Inc()
}
