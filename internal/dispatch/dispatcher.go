// Package dispatch routes validated generation requests to the right
// strategy (direct call or task pipeline) and classifies failures.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"modelserve/internal/cache"
	"modelserve/internal/errdefs"
	"modelserve/pkg/types"
)

// pipelineCacheSize bounds how many (model, task) pipelines stay warm.
const pipelineCacheSize = 64

// Config tunes the dispatcher.
type Config struct {
	// MaxDuration bounds a single generation; zero disables the limit.
	MaxDuration time.Duration
}

type Dispatcher struct {
	pipelines   *lru.Cache[string, *pipeline]
	maxDuration time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

func New(cfg Config, log zerolog.Logger) *Dispatcher {
	pc, _ := lru.New[string, *pipeline](pipelineCacheSize)
	return &Dispatcher{
		pipelines:   pc,
		maxDuration: cfg.MaxDuration,
		log:         log.With().Str("component", "dispatch").Logger(),
		now:         time.Now,
	}
}

// directKinds are the model kinds legal for the direct strategy; the rest
// must go through a task pipeline.
var directKinds = map[types.ModelKind]struct{}{
	types.KindCausal:         {},
	types.KindConversational: {},
	types.KindSeq2Seq:        {},
}

// Direct runs a plain continuation call against the loaded model.
// The request must already be validated and the handle pinned.
func (d *Dispatcher) Direct(ctx context.Context, h *cache.Handle, rec types.ModelRecord, req types.GenerateRequest) (types.GenerationResult, error) {
	if _, ok := directKinds[rec.Kind]; !ok {
		return types.GenerationResult{}, errdefs.ErrIncompatibleKind("direct generation is not supported for %q models, use a pipeline", rec.Kind)
	}
	opts, effective := resolve(rec.Parameters, req.GenerationParams)
	start := d.now()
	text, usage, err := d.run(ctx, h, func(runCtx context.Context) (string, types.Usage, error) {
		return h.Runtime().Generate(runCtx, req.Prompt, opts)
	})
	if err != nil {
		return types.GenerationResult{}, err
	}
	return d.result(rec.ModelID, types.StrategyDirect, "", text, effective, usage, time.Since(start)), nil
}

// Pipeline runs a task-oriented generation. Pipelines are cached per
// (model, task) and dropped when the model leaves the registry or cache.
func (d *Dispatcher) Pipeline(ctx context.Context, h *cache.Handle, rec types.ModelRecord, req types.PipelineRequest) (types.GenerationResult, error) {
	key := rec.ModelID + "/" + req.Task
	p, ok := d.pipelines.Get(key)
	if !ok {
		var err error
		p, err = newPipeline(rec.ModelID, req.Task, rec.Kind)
		if err != nil {
			return types.GenerationResult{}, err
		}
		d.pipelines.Add(key, p)
	}
	opts, effective := resolve(rec.Parameters, req.GenerationParams)
	start := d.now()
	text, usage, err := d.run(ctx, h, func(runCtx context.Context) (string, types.Usage, error) {
		return p.Run(runCtx, h.Runtime(), req, opts)
	})
	if err != nil {
		return types.GenerationResult{}, err
	}
	return d.result(rec.ModelID, types.StrategyPipeline, req.Task, text, effective, usage, time.Since(start)), nil
}

// run serializes generation per model, applies the configured duration
// bound, and classifies failures into the taxonomy.
func (d *Dispatcher) run(ctx context.Context, h *cache.Handle, fn func(context.Context) (string, types.Usage, error)) (string, types.Usage, error) {
	release, err := h.BeginGeneration(ctx)
	if err != nil {
		return "", types.Usage{}, err
	}
	defer release()

	runCtx := ctx
	if d.maxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.maxDuration)
		defer cancel()
	}
	text, usage, err := fn(runCtx)
	if err != nil {
		return "", types.Usage{}, d.classify(h.ModelID(), ctx, err)
	}
	return text, usage, nil
}

// classify maps a generation failure onto the taxonomy. Deadline overruns
// become Timeout; caller cancellation propagates as-is.
func (d *Dispatcher) classify(modelID string, callerCtx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errdefs.ErrTimeout(modelID)
	case errors.Is(err, context.Canceled) && callerCtx.Err() != nil:
		return err
	case errdefs.IsInvalidParameters(err), errdefs.IsIncompatibleKind(err):
		return err
	default:
		d.log.Warn().Err(err).Str("model", modelID).Msg("generation failed")
		return errdefs.ErrGeneration(modelID, err)
	}
}

func (d *Dispatcher) result(modelID string, strategy types.Strategy, task, text string, params types.GenerationParams, usage types.Usage, elapsed time.Duration) types.GenerationResult {
	return types.GenerationResult{
		ID:         uuid.NewString(),
		ModelID:    modelID,
		Strategy:   strategy,
		Task:       task,
		Text:       text,
		Params:     params,
		Usage:      usage,
		Duration:   elapsed,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  d.now(),
	}
}

// DropModel discards cached pipelines for modelID. Called when a model is
// removed or its cache entry evicted.
func (d *Dispatcher) DropModel(modelID string) {
	for _, key := range d.pipelines.Keys() {
		if p, ok := d.pipelines.Peek(key); ok && p.modelID == modelID {
			d.pipelines.Remove(key)
		}
	}
}

// PipelineCount reports how many pipelines are warm (for cache info).
func (d *Dispatcher) PipelineCount() int { return d.pipelines.Len() }
