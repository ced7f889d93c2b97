package engine

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"modelserve/internal/errdefs"
)

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelserve",
			Subsystem: "engine",
			Name:      "generations_total",
			Help:      "Completed generation requests by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	modelLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelserve",
			Subsystem: "engine",
			Name:      "model_loads_total",
			Help:      "Model runtime loads by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	statsUpdateFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelserve",
			Subsystem: "engine",
			Name:      "stats_update_failures_total",
			Help:      "Usage statistics updates that failed to persist",
		},
	)
)

func init() {
	prometheus.MustRegister(generationsTotal, modelLoadsTotal, statsUpdateFailures)
}

// outcomeLabel buckets an error into a low-cardinality metric label.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errdefs.IsInvalidParameters(err) || errdefs.IsIncompatibleKind(err):
		return "invalid"
	case errdefs.IsNotFound(err) || errdefs.IsModelNotFound(err):
		return "not_found"
	case errdefs.IsMissingDependency(err):
		return "missing_dependency"
	case errdefs.IsTimeout(err):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errdefs.IsLoadFailure(err):
		return "load_failure"
	default:
		return "error"
	}
}
