package dispatch

import (
	"modelserve/internal/backend"
	"modelserve/pkg/types"
)

// Package defaults applied when neither the model record nor the request
// sets a field. They mirror common text-generation defaults.
const (
	defaultMaxNewTokens      = 100
	defaultTemperature       = 0.7
	defaultTopP              = 0.9
	defaultTopK              = 50
	defaultRepetitionPenalty = 1.1
	defaultDoSample          = true
)

// resolve merges request parameters over model defaults over package
// defaults and returns both the runtime options and the fully populated
// effective parameter set reported back to the caller.
func resolve(modelDefaults, request types.GenerationParams) (backend.GenOptions, types.GenerationParams) {
	merged := modelDefaults.Merged(request)

	opts := backend.GenOptions{
		MaxNewTokens:      defaultMaxNewTokens,
		Temperature:       defaultTemperature,
		TopP:              defaultTopP,
		TopK:              defaultTopK,
		RepetitionPenalty: defaultRepetitionPenalty,
		DoSample:          defaultDoSample,
	}
	if merged.MaxNewTokens != nil {
		opts.MaxNewTokens = *merged.MaxNewTokens
	}
	if merged.Temperature != nil {
		opts.Temperature = *merged.Temperature
	}
	if merged.TopP != nil {
		opts.TopP = *merged.TopP
	}
	if merged.TopK != nil {
		opts.TopK = *merged.TopK
	}
	if merged.RepetitionPenalty != nil {
		opts.RepetitionPenalty = *merged.RepetitionPenalty
	}
	if merged.DoSample != nil {
		opts.DoSample = *merged.DoSample
	}
	if merged.Seed != nil {
		opts.Seed = *merged.Seed
	}
	// Greedy decoding ignores sampling noise entirely.
	if opts.Temperature == 0 {
		opts.DoSample = false
	}
	opts.Stop = append([]string(nil), merged.Stop...)

	effective := types.GenerationParams{
		MaxNewTokens:      &opts.MaxNewTokens,
		Temperature:       &opts.Temperature,
		TopP:              &opts.TopP,
		TopK:              &opts.TopK,
		RepetitionPenalty: &opts.RepetitionPenalty,
		DoSample:          &opts.DoSample,
		Stop:              opts.Stop,
	}
	if merged.Seed != nil {
		effective.Seed = merged.Seed
	}
	return opts, effective
}
