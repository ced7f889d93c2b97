// Package engine is the facade the transport layer talks to. It composes
// the registry, the runtime cache and the dispatcher into the operations
// the API exposes, and owns usage accounting.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"modelserve/internal/backend"
	"modelserve/internal/cache"
	"modelserve/internal/dispatch"
	"modelserve/internal/errdefs"
	"modelserve/internal/loader"
	"modelserve/internal/registry"
	"modelserve/pkg/types"
)

// Config wires the engine's collaborators and tuning knobs.
type Config struct {
	Registry *registry.Store
	Loader   *loader.Loader
	Checker  backend.Checker

	Cache cache.Config
	// MaxDuration bounds a single generation; zero disables the limit.
	MaxDuration time.Duration
}

type Engine struct {
	reg     *registry.Store
	cache   *cache.Cache
	disp    *dispatch.Dispatcher
	checker backend.Checker
	log     zerolog.Logger
	now     func() time.Time
}

func New(cfg Config, log zerolog.Logger) *Engine {
	log = log.With().Str("component", "engine").Logger()
	load := func(ctx context.Context, rec types.ModelRecord) (loader.Result, error) {
		res, err := cfg.Loader.Load(ctx, rec)
		if err != nil {
			modelLoadsTotal.WithLabelValues("none", outcomeLabel(err)).Inc()
			return loader.Result{}, err
		}
		modelLoadsTotal.WithLabelValues(res.Backend, "ok").Inc()
		return res, nil
	}
	return &Engine{
		reg:     cfg.Registry,
		cache:   cache.New(load, cfg.Cache, log),
		disp:    dispatch.New(dispatch.Config{MaxDuration: cfg.MaxDuration}, log),
		checker: cfg.Checker,
		log:     log,
		now:     time.Now,
	}
}

// Register adds a model identifier to the registry.
func (e *Engine) Register(req types.RegisterRequest) (types.ModelRecord, error) {
	return e.reg.Register(req)
}

// List returns registered models, optionally filtered by kind. Status is
// recomputed from cache residency.
func (e *Engine) List(kind string) ([]types.ModelRecord, error) {
	var recs []types.ModelRecord
	if kind == "" {
		recs = e.reg.List()
	} else {
		k := types.ModelKind(kind)
		if !k.Valid() {
			return nil, errdefs.ErrInvalidParameters("unknown model kind %q", kind)
		}
		recs = e.reg.ListByKind(k)
	}
	for i := range recs {
		recs[i] = e.withStatus(recs[i])
	}
	return recs, nil
}

func (e *Engine) Get(id string) (types.ModelRecord, error) {
	rec, err := e.reg.Get(id)
	if err != nil {
		return types.ModelRecord{}, err
	}
	return e.withStatus(rec), nil
}

func (e *Engine) Update(id string, patch types.ModelPatch) (types.ModelRecord, error) {
	rec, err := e.reg.Update(id, patch)
	if err != nil {
		return types.ModelRecord{}, err
	}
	return e.withStatus(rec), nil
}

// Remove deletes the model from the registry and tears down any cached
// runtime so later requests cannot hit a stale entry.
func (e *Engine) Remove(id string) error {
	if err := e.reg.Remove(id); err != nil {
		return err
	}
	if e.cache.Evict(id) {
		e.log.Info().Str("model_id", id).Msg("evicted runtime of removed model")
	}
	e.disp.DropModel(id)
	return nil
}

// LoadResult reports the outcome of an explicit load.
type LoadResult struct {
	Model   types.ModelRecord `json:"model"`
	Backend string            `json:"backend"`
}

// Load makes a model resident ahead of its first generation. ForceReload
// evicts any cached runtime first so it is rebuilt from scratch.
func (e *Engine) Load(ctx context.Context, id string, force bool) (LoadResult, error) {
	rec, err := e.reg.Get(id)
	if err != nil {
		return LoadResult{}, err
	}
	if force && e.cache.Evict(id) {
		e.disp.DropModel(id)
	}
	h, err := e.cache.Acquire(ctx, rec)
	if err != nil {
		return LoadResult{}, err
	}
	backendName := h.Backend()
	h.Release()
	rec.Status = types.StatusLoaded
	return LoadResult{Model: rec, Backend: backendName}, nil
}

// Generate runs direct generation: validate, resolve the model, pin its
// runtime, dispatch, then record usage on success.
func (e *Engine) Generate(ctx context.Context, req types.GenerateRequest) (types.GenerationResult, error) {
	if err := dispatch.ValidateGenerate(req); err != nil {
		generationsTotal.WithLabelValues(string(types.StrategyDirect), outcomeLabel(err)).Inc()
		return types.GenerationResult{}, err
	}
	rec, err := e.reg.Get(req.ModelID)
	if err != nil {
		generationsTotal.WithLabelValues(string(types.StrategyDirect), outcomeLabel(err)).Inc()
		return types.GenerationResult{}, err
	}
	h, err := e.cache.Acquire(ctx, rec)
	if err != nil {
		generationsTotal.WithLabelValues(string(types.StrategyDirect), outcomeLabel(err)).Inc()
		return types.GenerationResult{}, err
	}
	defer h.Release()

	res, err := e.disp.Direct(ctx, h, rec, req)
	generationsTotal.WithLabelValues(string(types.StrategyDirect), outcomeLabel(err)).Inc()
	if err != nil {
		return types.GenerationResult{}, err
	}
	e.recordUsage(rec.ModelID)
	return res, nil
}

// PipelineGenerate runs task-oriented generation through a cached pipeline.
func (e *Engine) PipelineGenerate(ctx context.Context, req types.PipelineRequest) (types.GenerationResult, error) {
	if err := dispatch.ValidatePipeline(req); err != nil {
		generationsTotal.WithLabelValues(string(types.StrategyPipeline), outcomeLabel(err)).Inc()
		return types.GenerationResult{}, err
	}
	rec, err := e.reg.Get(req.ModelID)
	if err != nil {
		generationsTotal.WithLabelValues(string(types.StrategyPipeline), outcomeLabel(err)).Inc()
		return types.GenerationResult{}, err
	}
	h, err := e.cache.Acquire(ctx, rec)
	if err != nil {
		generationsTotal.WithLabelValues(string(types.StrategyPipeline), outcomeLabel(err)).Inc()
		return types.GenerationResult{}, err
	}
	defer h.Release()

	res, err := e.disp.Pipeline(ctx, h, rec, req)
	generationsTotal.WithLabelValues(string(types.StrategyPipeline), outcomeLabel(err)).Inc()
	if err != nil {
		return types.GenerationResult{}, err
	}
	e.recordUsage(rec.ModelID)
	return res, nil
}

// CacheInfo snapshots the runtime cache.
func (e *Engine) CacheInfo() types.CacheInfo {
	return e.cache.Info()
}

// CacheClear evicts one model if id is non-empty, otherwise everything.
// It returns how many entries were evicted.
func (e *Engine) CacheClear(id string) int {
	if id != "" {
		if !e.cache.Evict(id) {
			return 0
		}
		e.disp.DropModel(id)
		return 1
	}
	resident := e.cache.Info().Entries
	n := e.cache.Clear()
	for _, ent := range resident {
		e.disp.DropModel(ent.ModelID)
	}
	return n
}

func (e *Engine) Stats() types.Stats {
	return e.reg.Stats()
}

func (e *Engine) Kinds() []types.ModelKind {
	return e.reg.Kinds()
}

// DependencyCheck probes which backends are usable in this environment.
func (e *Engine) DependencyCheck(ctx context.Context) types.DependencyReport {
	return e.checker.Check(ctx)
}

// Ready reports whether at least one backend capability is present, i.e.
// whether any model could actually be served.
func (e *Engine) Ready(ctx context.Context) bool {
	for _, present := range e.checker.Check(ctx) {
		if present {
			return true
		}
	}
	return false
}

// Close tears down all cached runtimes.
func (e *Engine) Close() {
	e.cache.Clear()
}

func (e *Engine) withStatus(rec types.ModelRecord) types.ModelRecord {
	if e.cache.Has(rec.ModelID) {
		rec.Status = types.StatusLoaded
	} else if rec.Status == types.StatusLoaded {
		rec.Status = types.StatusRegistered
	}
	return rec
}
