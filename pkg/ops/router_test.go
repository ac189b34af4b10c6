package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/paybridge/pkg/logger"
	"github.com/angelmondragon/paybridge/pkg/metrics"
)

func serve(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAlwaysLive(t *testing.T) {
	router := NewRouter(RouterParams{
		Service: "orders",
		Logger:  logger.Nop(),
		Checks: map[string]Check{
			"database": func(context.Context) error { return errors.New("down") },
		},
	})

	rec := serve(t, router, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	var body struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "live", body.Data["status"])
	assert.Equal(t, "orders", body.Data["service"])
}

func TestReadyzReportsFailingChecks(t *testing.T) {
	router := NewRouter(RouterParams{
		Service: "payments",
		Logger:  logger.Nop(),
		Checks: map[string]Check{
			"database": func(context.Context) error { return nil },
			"broker":   func(context.Context) error { return errors.New("broker not connected") },
		},
	})

	rec := serve(t, router, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Error struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "DEPENDENCY_ERROR", body.Error.Code)
	assert.Equal(t, "broker not connected", body.Error.Details["broker"])
	assert.NotContains(t, body.Error.Details, "database")
}

func TestReadyzOK(t *testing.T) {
	router := NewRouter(RouterParams{
		Service: "payments",
		Logger:  logger.Nop(),
		Checks: map[string]Check{
			"database": func(context.Context) error { return nil },
		},
	})
	rec := serve(t, router, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	consumer := metrics.NewConsumerMetrics(reg)
	consumer.IncOutcome("order_created", metrics.OutcomeProcessed)

	router := NewRouter(RouterParams{Service: "payments", Logger: logger.Nop(), Gatherer: reg})
	rec := serve(t, router, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "paybridge_consumer_messages_total"))
}

func TestRecovererReturnsInternalError(t *testing.T) {
	handler := Recoverer(logger.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := serve(t, handler, "/")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}

func TestRequestIDIsPropagated(t *testing.T) {
	handler := RequestID(logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))
}
