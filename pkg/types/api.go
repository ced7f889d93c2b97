package types

import "time"

// Strategy selects how a request is dispatched against a loaded model.
type Strategy string

const (
	// StrategyDirect is a single forward call producing continuation text.
	StrategyDirect Strategy = "direct"
	// StrategyPipeline wraps task-specific pre/post-processing around the call.
	StrategyPipeline Strategy = "pipeline"
)

// RegisterRequest is the payload for registering a new model.
type RegisterRequest struct {
	ModelID     string           `json:"model_id"`
	DisplayName string           `json:"display_name"`
	Description string           `json:"description,omitempty"`
	Kind        ModelKind        `json:"model_kind"`
	Parameters  GenerationParams `json:"parameters,omitempty"`
}

// LoadRequest is the payload for an explicit load.
type LoadRequest struct {
	// ForceReload evicts any cached entry first so the model is rebuilt.
	ForceReload bool `json:"force_reload,omitempty"`
}

// GenerateRequest asks for direct generation against a registered model.
type GenerateRequest struct {
	ModelID string `json:"model_id"`
	Prompt  string `json:"prompt"`
	GenerationParams
}

// PipelineOptions carries task-specific controls accepted only by the
// pipeline strategy.
type PipelineOptions struct {
	// MinLength/MaxLength bound the produced text for summarization.
	MinLength *int `json:"min_length,omitempty"`
	MaxLength *int `json:"max_length,omitempty"`
	// SourceLang/TargetLang select the language pair for translation.
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang,omitempty"`
	// Question is packed together with Input (the context) for
	// question-answering.
	Question string `json:"question,omitempty"`
}

// PipelineRequest asks for task-oriented generation against a registered model.
type PipelineRequest struct {
	ModelID string `json:"model_id"`
	Task    string `json:"task"`
	Input   string `json:"inputs"`
	GenerationParams
	PipelineOptions
}

// GenerationResult is the outcome of a completed generation.
type GenerationResult struct {
	ID         string           `json:"id"`
	ModelID    string           `json:"model_used"`
	Strategy   Strategy         `json:"strategy"`
	Task       string           `json:"task,omitempty"`
	Text       string           `json:"generated_text"`
	Params     GenerationParams `json:"parameters"`
	Usage      Usage            `json:"usage"`
	Duration   time.Duration    `json:"-"`
	DurationMS int64            `json:"duration_ms"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ErrorResponse is the consistent JSON error payload.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    int    `json:"code"`
}
