// Package loader turns a registered model record into a loaded runtime,
// checking external capabilities before any expensive work.
package loader

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"modelserve/internal/backend"
	"modelserve/internal/errdefs"
	"modelserve/pkg/types"
)

// Result is a freshly loaded runtime plus what the cache needs to account
// for it.
type Result struct {
	Runtime     backend.Runtime
	Backend     string
	FootprintMB int
}

// Loader resolves model records against an ordered list of backend
// factories. The first factory that serves the record's kind wins, so
// callers control preference by construction order.
type Loader struct {
	checker   backend.Checker
	factories []backend.Factory
	log       zerolog.Logger
}

func New(checker backend.Checker, factories []backend.Factory, log zerolog.Logger) *Loader {
	return &Loader{
		checker:   checker,
		factories: factories,
		log:       log.With().Str("component", "loader").Logger(),
	}
}

// Load builds a runtime for rec. The capability check runs before any
// network or disk I/O so a broken environment fails fast and cheaply.
func (l *Loader) Load(ctx context.Context, rec types.ModelRecord) (Result, error) {
	var factory backend.Factory
	for _, f := range l.factories {
		if f.Serves(rec.Kind) {
			factory = f
			break
		}
	}
	if factory == nil {
		return Result{}, errdefs.ErrIncompatibleKind("no backend serves kind %q", rec.Kind)
	}

	for _, capability := range factory.Requires() {
		if !l.checker.Has(ctx, capability) {
			return Result{}, errdefs.ErrMissingDependency(capability)
		}
	}

	start := time.Now()
	rt, footprint, err := factory.Open(ctx, rec.ModelID, rec.Kind)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Result{}, err
		}
		err = classify(rec.ModelID, err)
		l.log.Warn().Err(err).Str("model", rec.ModelID).Str("backend", factory.Name()).Msg("load failed")
		return Result{}, err
	}
	l.log.Info().
		Str("model", rec.ModelID).
		Str("backend", factory.Name()).
		Int("footprint_mb", footprint).
		Dur("dur", time.Since(start)).
		Msg("model loaded")
	return Result{Runtime: rt, Backend: factory.Name(), FootprintMB: footprint}, nil
}

// classify maps factory errors onto the taxonomy, wrapping anything
// unrecognized as a load failure.
func classify(modelID string, err error) error {
	switch {
	case errdefs.IsModelNotFound(err),
		errdefs.IsMissingDependency(err),
		errdefs.IsIncompatibleKind(err),
		errdefs.IsLoadFailure(err):
		return err
	default:
		return errdefs.ErrLoadFailure(modelID, err)
	}
}
