package backend

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"modelserve/internal/common/fsutil"
	"modelserve/internal/errdefs"
	"modelserve/pkg/types"
)

// nominalFootprintMB is assumed for models with no local artifact to stat.
const nominalFootprintMB = 512

// LocalFactory serves every model kind with an in-process deterministic
// runtime. Identifiers that name a file (directly or under the models
// directory) must resolve; hub-style identifiers are accepted as-is, the
// identifier itself seeding the generator.
type LocalFactory struct {
	ModelsDir string
}

func NewLocalFactory(modelsDir string) *LocalFactory {
	return &LocalFactory{ModelsDir: modelsDir}
}

func (f *LocalFactory) Name() string { return "local" }

func (f *LocalFactory) Requires() []string { return []string{CapLocalRuntime} }

func (f *LocalFactory) Serves(types.ModelKind) bool { return true }

func (f *LocalFactory) Open(ctx context.Context, modelID string, kind types.ModelKind) (Runtime, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	footprint := nominalFootprintMB
	switch {
	case filepath.IsAbs(modelID):
		fi, err := os.Stat(modelID)
		if err != nil {
			return nil, 0, errdefs.ErrModelNotFound(modelID)
		}
		footprint = sizeMB(fi.Size())
	default:
		if p, ok := f.resolveLocal(modelID); ok {
			if fi, err := os.Stat(p); err == nil {
				footprint = sizeMB(fi.Size())
			}
		}
	}
	return &localRuntime{modelID: modelID, kind: kind}, footprint, nil
}

// resolveLocal looks for a model artifact under the models directory,
// trying the bare name and common weight-file extensions.
func (f *LocalFactory) resolveLocal(modelID string) (string, bool) {
	if f.ModelsDir == "" {
		return "", false
	}
	dir, err := fsutil.ExpandHome(f.ModelsDir)
	if err != nil {
		return "", false
	}
	for _, name := range []string{modelID, modelID + ".gguf", modelID + ".bin", modelID + ".safetensors"} {
		p := filepath.Join(dir, name)
		if fsutil.PathExists(p) {
			return p, true
		}
	}
	return "", false
}

func sizeMB(n int64) int {
	mb := int(n / (1024 * 1024))
	if mb <= 0 {
		mb = 1
	}
	return mb
}

// localRuntime produces text from a fixed vocabulary, deterministically
// derived from (model, prompt, options) when sampling is off or a seed is
// supplied. It holds no mutable generation state, so it is reentrant.
type localRuntime struct {
	modelID string
	kind    types.ModelKind
}

var vocabulary = []string{
	"the", "model", "continues", "with", "a", "steady", "stream", "of",
	"tokens", "drawn", "from", "its", "training", "data", "and", "each",
	"word", "follows", "plausibly", "given", "what", "came", "before",
	"until", "generation", "reaches", "its", "limit", "or", "stops",
}

func (r *localRuntime) Generate(ctx context.Context, prompt string, opts GenOptions) (string, types.Usage, error) {
	promptTokens := len(strings.Fields(prompt))
	state := seedState(r.modelID, prompt)

	var rng *rand.Rand
	if opts.DoSample && opts.Temperature > 0 {
		seed := opts.Seed
		if seed == 0 {
			// Unseeded sampling is documented as non-reproducible.
			seed = int64(state) ^ rand.Int63()
		}
		rng = rand.New(rand.NewSource(seed))
	}

	var b strings.Builder
	produced := 0
	for produced < opts.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			return "", types.Usage{}, err
		}
		var idx int
		if rng != nil {
			// Temperature widens the slice of candidates considered.
			width := 1 + int(opts.Temperature*float64(len(vocabulary)-1))
			if opts.TopK > 0 && opts.TopK < width {
				width = opts.TopK
			}
			idx = int((state + uint64(rng.Intn(width))) % uint64(len(vocabulary)))
		} else {
			idx = int(state % uint64(len(vocabulary)))
		}
		word := vocabulary[idx]
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
		produced++
		state = state*6364136223846793005 + uint64(produced)

		if stopAt := firstStop(b.String(), opts.Stop); stopAt >= 0 {
			text := strings.TrimSpace(b.String()[:stopAt])
			return text, usage(promptTokens, produced), nil
		}
	}
	return b.String(), usage(promptTokens, produced), nil
}

func (r *localRuntime) Reentrant() bool { return true }

func (r *localRuntime) Close() error { return nil }

func seedState(modelID, prompt string) uint64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s\x00%s", modelID, prompt)
	s := h.Sum64()
	if s == 0 {
		s = 1
	}
	return s
}

func firstStop(text string, stops []string) int {
	for _, s := range stops {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 {
			return i
		}
	}
	return -1
}

func usage(prompt, completion int) types.Usage {
	return types.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
