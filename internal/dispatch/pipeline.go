package dispatch

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"modelserve/internal/backend"
	"modelserve/internal/errdefs"
	"modelserve/pkg/types"
)

// Task names follow the usual text-pipeline vocabulary.
const (
	TaskTextGeneration    = "text-generation"
	TaskSummarization     = "summarization"
	TaskTranslation       = "translation"
	TaskQuestionAnswering = "question-answering"
	TaskFillMask          = "fill-mask"
)

// maskToken is the placeholder a fill-mask input must contain.
const maskToken = "[MASK]"

// summaryInputBudget caps how much of the source document is fed to the
// model for summarization.
const summaryInputBudget = 1024

// taskKinds maps each task to the model kinds that can serve it.
var taskKinds = map[string][]types.ModelKind{
	TaskTextGeneration:    {types.KindCausal, types.KindConversational},
	TaskSummarization:     {types.KindSummarization, types.KindSeq2Seq},
	TaskTranslation:       {types.KindTranslation, types.KindSeq2Seq},
	TaskQuestionAnswering: {types.KindQuestionAnswering, types.KindSeq2Seq},
	TaskFillMask:          {types.KindFillMask},
}

// taskForKind validates the task name and its compatibility with kind.
func taskForKind(task string, kind types.ModelKind) error {
	kinds, ok := taskKinds[task]
	if !ok {
		return errdefs.ErrInvalidParameters("unknown task %q", task)
	}
	for _, k := range kinds {
		if k == kind {
			return nil
		}
	}
	return errdefs.ErrIncompatibleKind("task %q cannot run on a %q model", task, kind)
}

// pipeline wraps task-specific pre/post-processing around a raw runtime
// call. Pipelines are immutable once built and safe to share; they are
// cached per (model, task) pair.
type pipeline struct {
	modelID string
	task    string
	kind    types.ModelKind
}

func newPipeline(modelID, task string, kind types.ModelKind) (*pipeline, error) {
	if err := taskForKind(task, kind); err != nil {
		return nil, err
	}
	return &pipeline{modelID: modelID, task: task, kind: kind}, nil
}

// Run executes the pipeline: build the model prompt, generate, post-process.
func (p *pipeline) Run(ctx context.Context, rt backend.Runtime, req types.PipelineRequest, opts backend.GenOptions) (string, types.Usage, error) {
	prompt, opts, err := p.preprocess(req, opts)
	if err != nil {
		return "", types.Usage{}, err
	}
	text, usage, err := rt.Generate(ctx, prompt, opts)
	if err != nil {
		return "", types.Usage{}, err
	}
	return p.postprocess(text, req), usage, nil
}

func (p *pipeline) preprocess(req types.PipelineRequest, opts backend.GenOptions) (string, backend.GenOptions, error) {
	input := strings.TrimSpace(req.Input)
	switch p.task {
	case TaskTextGeneration:
		return input, opts, nil
	case TaskSummarization:
		if len(input) > summaryInputBudget {
			// Cut on a rune boundary so the model never sees a split
			// UTF-8 sequence.
			cut := summaryInputBudget
			for cut > 0 && !utf8.RuneStart(input[cut]) {
				cut--
			}
			input = input[:cut]
		}
		if req.MaxLength != nil {
			opts.MaxNewTokens = *req.MaxLength
		}
		// min_length floors the token budget so the summary can reach it.
		if req.MinLength != nil && opts.MaxNewTokens < *req.MinLength {
			opts.MaxNewTokens = *req.MinLength
		}
		return "summarize: " + input, opts, nil
	case TaskTranslation:
		src, dst := req.SourceLang, req.TargetLang
		if dst == "" {
			return "", opts, errdefs.ErrInvalidParameters("target_lang is required for translation")
		}
		if src == "" {
			src = "auto"
		}
		return fmt.Sprintf("translate %s to %s: %s", src, dst, input), opts, nil
	case TaskQuestionAnswering:
		if strings.TrimSpace(req.Question) == "" {
			return "", opts, errdefs.ErrInvalidParameters("question is required for question-answering")
		}
		return fmt.Sprintf("question: %s context: %s", req.Question, input), opts, nil
	case TaskFillMask:
		if !strings.Contains(input, maskToken) {
			return "", opts, errdefs.ErrInvalidParameters("fill-mask input must contain %s", maskToken)
		}
		return input, opts, nil
	default:
		return "", opts, errdefs.ErrInvalidParameters("unknown task %q", p.task)
	}
}

func (p *pipeline) postprocess(text string, req types.PipelineRequest) string {
	switch p.task {
	case TaskSummarization:
		// Enforce the caller's length bounds on the produced summary.
		words := strings.Fields(text)
		if req.MaxLength != nil && len(words) > *req.MaxLength {
			words = words[:*req.MaxLength]
		}
		return strings.Join(words, " ")
	case TaskFillMask:
		words := strings.Fields(text)
		if len(words) == 0 {
			return text
		}
		// The first produced token fills the blank.
		return strings.Replace(req.Input, maskToken, words[0], 1)
	default:
		return text
	}
}
