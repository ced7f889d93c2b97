// Package backend contains the runtime adapters that actually produce
// text, plus the capability probes the loader consults before touching
// any of them.
package backend

import (
	"context"

	"modelserve/pkg/types"
)

// GenOptions are fully resolved generation options handed to a runtime.
// Unlike types.GenerationParams there are no unset fields here; the
// dispatcher resolves defaults before the call.
type GenOptions struct {
	MaxNewTokens      int
	Temperature       float64
	TopP              float64
	TopK              int
	RepetitionPenalty float64
	DoSample          bool
	Seed              int64
	Stop              []string
}

// Runtime is a loaded, generation-capable model object. Runtimes are owned
// by the model cache; callers obtain generation results, never the runtime
// itself.
type Runtime interface {
	// Generate produces continuation text for prompt. Implementations must
	// honor ctx cancellation.
	Generate(ctx context.Context, prompt string, opts GenOptions) (string, types.Usage, error)
	// Reentrant reports whether concurrent Generate calls are safe. The
	// dispatcher serializes generation per model unless this returns true.
	Reentrant() bool
	// Close releases resources held by the runtime.
	Close() error
}

// Factory builds runtimes for model identifiers of a given kind.
type Factory interface {
	// Name identifies the backend (also used in logs and cache info).
	Name() string
	// Requires lists the capability names that must be present before a
	// load is attempted.
	Requires() []string
	// Serves reports whether this backend can serve the given kind.
	Serves(kind types.ModelKind) bool
	// Open resolves modelID and constructs a runtime for it, returning the
	// runtime and its approximate resource footprint in MB.
	Open(ctx context.Context, modelID string, kind types.ModelKind) (Runtime, int, error)
}
