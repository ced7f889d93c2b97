package types

import (
	"fmt"
	"sort"
	"time"
)

// ModelKind is the generation modality a model supports. It decides which
// generation strategies and pipeline tasks are legal for the model.
type ModelKind string

const (
	KindCausal            ModelKind = "causal"
	KindSeq2Seq           ModelKind = "seq2seq"
	KindConversational    ModelKind = "conversational"
	KindFillMask          ModelKind = "fill-mask"
	KindSummarization     ModelKind = "summarization"
	KindTranslation       ModelKind = "translation"
	KindQuestionAnswering ModelKind = "question-answering"
)

var allKinds = map[ModelKind]struct{}{
	KindCausal:            {},
	KindSeq2Seq:           {},
	KindConversational:    {},
	KindFillMask:          {},
	KindSummarization:     {},
	KindTranslation:       {},
	KindQuestionAnswering: {},
}

// Valid reports whether k is a member of the closed kind set.
func (k ModelKind) Valid() bool {
	_, ok := allKinds[k]
	return ok
}

// Kinds returns all supported model kinds in stable (sorted) order.
func Kinds() []ModelKind {
	out := make([]ModelKind, 0, len(allKinds))
	for k := range allKinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ModelStatus reflects whether a registered model is currently resident in
// the cache. It is recomputed from cache state on read; only "error" is
// persisted, to record a previous load failure.
type ModelStatus string

const (
	StatusRegistered  ModelStatus = "registered"
	StatusLoaded      ModelStatus = "loaded"
	StatusError       ModelStatus = "error"
	StatusUnavailable ModelStatus = "unavailable"
)

// GenerationParams holds generation-time defaults stored on a model record
// and per-request overrides. Pointer fields distinguish "unset" from an
// explicit zero so request values can be merged over model defaults.
type GenerationParams struct {
	MaxNewTokens      *int     `json:"max_new_tokens,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	DoSample          *bool    `json:"do_sample,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	Stop              []string `json:"stop,omitempty"`
}

// Merged returns p with any fields set in over taking precedence.
// Neither receiver nor argument is mutated.
func (p GenerationParams) Merged(over GenerationParams) GenerationParams {
	out := p
	if over.MaxNewTokens != nil {
		out.MaxNewTokens = over.MaxNewTokens
	}
	if over.Temperature != nil {
		out.Temperature = over.Temperature
	}
	if over.TopP != nil {
		out.TopP = over.TopP
	}
	if over.TopK != nil {
		out.TopK = over.TopK
	}
	if over.RepetitionPenalty != nil {
		out.RepetitionPenalty = over.RepetitionPenalty
	}
	if over.DoSample != nil {
		out.DoSample = over.DoSample
	}
	if over.Seed != nil {
		out.Seed = over.Seed
	}
	if len(over.Stop) > 0 {
		out.Stop = append([]string(nil), over.Stop...)
	}
	return out
}

// Validate checks every set field against its legal range. Unset fields
// are fine; defaults are applied at dispatch time. Both request params
// and stored model defaults go through this, so out-of-range values can
// neither enter the registry nor reach a runtime.
func (p GenerationParams) Validate() error {
	if p.MaxNewTokens != nil && *p.MaxNewTokens < 1 {
		return fmt.Errorf("max_new_tokens must be >= 1, got %d", *p.MaxNewTokens)
	}
	if p.Temperature != nil && *p.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %g", *p.Temperature)
	}
	if p.TopP != nil && (*p.TopP <= 0 || *p.TopP > 1) {
		return fmt.Errorf("top_p must be in (0, 1], got %g", *p.TopP)
	}
	if p.TopK != nil && *p.TopK < 0 {
		return fmt.Errorf("top_k must be >= 0, got %d", *p.TopK)
	}
	if p.RepetitionPenalty != nil && *p.RepetitionPenalty < 0 {
		return fmt.Errorf("repetition_penalty must be >= 0, got %g", *p.RepetitionPenalty)
	}
	return nil
}

// ModelRecord is one entry in the registry: the durable metadata for a
// registered model. ModelID doubles as the load handle (a hub path or a
// local file path, depending on the model family).
type ModelRecord struct {
	ModelID     string           `json:"model_id"`
	DisplayName string           `json:"display_name"`
	Description string           `json:"description,omitempty"`
	Kind        ModelKind        `json:"model_kind"`
	Parameters  GenerationParams `json:"parameters"`
	AddedAt     time.Time        `json:"added_at"`
	LastUsedAt  *time.Time       `json:"last_used_at"`
	UsageCount  uint64           `json:"usage_count"`
	Status      ModelStatus      `json:"status"`
}

// ModelPatch is a partial update to the mutable fields of a ModelRecord.
// Nil fields are left untouched.
type ModelPatch struct {
	DisplayName *string           `json:"display_name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Parameters  *GenerationParams `json:"parameters,omitempty"`
	Status      *ModelStatus      `json:"status,omitempty"`
}

// Usage contains token accounting for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Stats aggregates usage across all registered models.
type Stats struct {
	TotalModels int               `json:"total_models"`
	TotalUsage  uint64            `json:"total_usage"`
	PerKind     map[ModelKind]int `json:"model_kinds"`
	MostUsed    *ModelRecord      `json:"most_used,omitempty"`
	LastUpdated *time.Time        `json:"last_updated,omitempty"`
}

// CacheEntryInfo describes one resident cache entry without exposing the
// underlying runtime object.
type CacheEntryInfo struct {
	ModelID     string    `json:"model_id"`
	Kind        ModelKind `json:"model_kind"`
	LoadedAt    time.Time `json:"loaded_at"`
	LastUsed    time.Time `json:"last_used"`
	FootprintMB int       `json:"footprint_mb"`
	Inflight    int       `json:"inflight"`
}

// CacheInfo is a point-in-time snapshot of the model cache.
type CacheInfo struct {
	Entries   []CacheEntryInfo `json:"entries"`
	TotalMB   int              `json:"total_footprint_mb"`
	BudgetMB  int              `json:"budget_mb,omitempty"`
	MarginMB  int              `json:"margin_mb,omitempty"`
	Evictions uint64           `json:"evictions_total"`
	Loads     uint64           `json:"loads_total"`
}

// DependencyReport maps capability name to presence.
type DependencyReport map[string]bool
