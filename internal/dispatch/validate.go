package dispatch

import (
	"strings"

	"modelserve/internal/errdefs"
	"modelserve/pkg/types"
)

// validateParams enforces the documented legal ranges before any model
// access. Unset fields are fine; defaults are applied later.
func validateParams(p types.GenerationParams) error {
	if err := p.Validate(); err != nil {
		return errdefs.ErrInvalidParameters("%s", err)
	}
	return nil
}

// ValidateGenerate checks a direct generation request.
func ValidateGenerate(req types.GenerateRequest) error {
	if strings.TrimSpace(req.ModelID) == "" {
		return errdefs.ErrInvalidParameters("model_id is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return errdefs.ErrInvalidParameters("prompt is required")
	}
	return validateParams(req.GenerationParams)
}

// ValidatePipeline checks a pipeline generation request.
func ValidatePipeline(req types.PipelineRequest) error {
	if strings.TrimSpace(req.ModelID) == "" {
		return errdefs.ErrInvalidParameters("model_id is required")
	}
	if strings.TrimSpace(req.Task) == "" {
		return errdefs.ErrInvalidParameters("task is required")
	}
	if strings.TrimSpace(req.Input) == "" {
		return errdefs.ErrInvalidParameters("inputs is required")
	}
	if err := validateParams(req.GenerationParams); err != nil {
		return err
	}
	if req.MinLength != nil && *req.MinLength < 0 {
		return errdefs.ErrInvalidParameters("min_length must be >= 0, got %d", *req.MinLength)
	}
	if req.MaxLength != nil && *req.MaxLength < 1 {
		return errdefs.ErrInvalidParameters("max_length must be >= 1, got %d", *req.MaxLength)
	}
	if req.MinLength != nil && req.MaxLength != nil && *req.MinLength > *req.MaxLength {
		return errdefs.ErrInvalidParameters("min_length %d exceeds max_length %d", *req.MinLength, *req.MaxLength)
	}
	return nil
}
