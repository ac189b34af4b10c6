package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"
	"github.com/angelmondragon/paybridge/pkg/logger"
	"github.com/angelmondragon/paybridge/pkg/types"
)

const readyTimeout = 2 * time.Second

// Check is one readiness probe, e.g. a DB ping or the broker connector.
type Check func(ctx context.Context) error

type RouterParams struct {
	Service  string
	Logger   *logger.Logger
	Gatherer prometheus.Gatherer
	Checks   map[string]Check
}

// NewRouter exposes /healthz, /readyz and /metrics.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	r.Use(
		Recoverer(params.Logger),
		RequestID(params.Logger),
	)

	r.Get("/healthz", healthz(params.Service))
	r.With(Logging(params.Logger)).Get("/readyz", readyz(params.Service, params.Logger, params.Checks))

	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func healthz(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.Success(types.Probe{Status: "live", Service: service}))
	}
}

func readyz(service string, logg *logger.Logger, checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		failed := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
				if logg != nil {
					logg.Warn(logg.WithFields(ctx, map[string]any{"check": name, "error": err.Error()}), "readiness check failed")
				}
			}
		}

		if len(failed) > 0 {
			err := pkgerrors.New(pkgerrors.CodeDependency, "service not ready").WithDetails(failed)
			writeJSON(w, http.StatusServiceUnavailable, types.Failure(err))
			return
		}
		writeJSON(w, http.StatusOK, types.Success(types.Probe{Status: "ready", Service: service}))
	}
}
