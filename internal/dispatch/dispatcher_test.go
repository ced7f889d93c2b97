package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelserve/internal/backend"
	"modelserve/internal/cache"
	"modelserve/internal/errdefs"
	"modelserve/internal/loader"
	"modelserve/pkg/types"
)

// testRuntime is a controllable backend.Runtime.
type testRuntime struct {
	reentrant bool
	text      string
	err       error
	delay     time.Duration
	inflight  atomic.Int32
	maxSeen   atomic.Int32
}

func (r *testRuntime) Generate(ctx context.Context, prompt string, opts backend.GenOptions) (string, types.Usage, error) {
	cur := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		seen := r.maxSeen.Load()
		if cur <= seen || r.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", types.Usage{}, ctx.Err()
		}
	}
	if r.err != nil {
		return "", types.Usage{}, r.err
	}
	text := r.text
	if text == "" {
		text = "echo " + prompt
	}
	return text, types.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}, nil
}

func (r *testRuntime) Reentrant() bool { return r.reentrant }
func (r *testRuntime) Close() error    { return nil }

// handleFor pins rt in a fresh cache and returns the handle.
func handleFor(t *testing.T, rt backend.Runtime, rec types.ModelRecord) *cache.Handle {
	t.Helper()
	c := cache.New(func(context.Context, types.ModelRecord) (loader.Result, error) {
		return loader.Result{Runtime: rt, Backend: "test", FootprintMB: 1}, nil
	}, cache.Config{}, zerolog.Nop())
	h, err := c.Acquire(context.Background(), rec)
	require.NoError(t, err)
	t.Cleanup(h.Release)
	return h
}

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func causal(id string) types.ModelRecord {
	return types.ModelRecord{ModelID: id, Kind: types.KindCausal}
}

func TestValidateGenerate(t *testing.T) {
	base := types.GenerateRequest{ModelID: "gpt2", Prompt: "hi"}
	require.NoError(t, ValidateGenerate(base))

	cases := []struct {
		name   string
		mutate func(*types.GenerateRequest)
	}{
		{"empty model id", func(r *types.GenerateRequest) { r.ModelID = "  " }},
		{"empty prompt", func(r *types.GenerateRequest) { r.Prompt = "" }},
		{"negative max tokens", func(r *types.GenerateRequest) { r.MaxNewTokens = intp(-1) }},
		{"zero max tokens", func(r *types.GenerateRequest) { r.MaxNewTokens = intp(0) }},
		{"negative temperature", func(r *types.GenerateRequest) { r.Temperature = floatp(-0.1) }},
		{"top_p zero", func(r *types.GenerateRequest) { r.TopP = floatp(0) }},
		{"top_p above one", func(r *types.GenerateRequest) { r.TopP = floatp(1.5) }},
		{"negative top_k", func(r *types.GenerateRequest) { r.TopK = intp(-3) }},
		{"negative repetition penalty", func(r *types.GenerateRequest) { r.RepetitionPenalty = floatp(-1) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			err := ValidateGenerate(req)
			assert.True(t, errdefs.IsInvalidParameters(err), "got %v", err)
		})
	}
}

func TestValidatePipeline(t *testing.T) {
	base := types.PipelineRequest{ModelID: "m", Task: TaskSummarization, Input: "text"}
	require.NoError(t, ValidatePipeline(base))

	bad := base
	bad.Task = ""
	assert.True(t, errdefs.IsInvalidParameters(ValidatePipeline(bad)))

	bad = base
	bad.Input = " "
	assert.True(t, errdefs.IsInvalidParameters(ValidatePipeline(bad)))

	bad = base
	bad.MinLength = intp(40)
	bad.MaxLength = intp(10)
	assert.True(t, errdefs.IsInvalidParameters(ValidatePipeline(bad)))
}

func TestResolvePrecedence(t *testing.T) {
	defaults := types.GenerationParams{
		Temperature:  floatp(0.2),
		MaxNewTokens: intp(64),
	}
	request := types.GenerationParams{
		Temperature: floatp(0.9),
		TopK:        intp(10),
	}
	opts, effective := resolve(defaults, request)

	assert.Equal(t, 0.9, opts.Temperature, "request beats model default")
	assert.Equal(t, 64, opts.MaxNewTokens, "model default beats package default")
	assert.Equal(t, 10, opts.TopK)
	assert.Equal(t, defaultTopP, opts.TopP, "package default fills the rest")
	assert.Equal(t, defaultRepetitionPenalty, opts.RepetitionPenalty)
	assert.Equal(t, 0.9, *effective.Temperature)
	assert.Equal(t, 64, *effective.MaxNewTokens)
}

func TestResolveGreedyDisablesSampling(t *testing.T) {
	opts, effective := resolve(types.GenerationParams{}, types.GenerationParams{Temperature: floatp(0)})
	assert.False(t, opts.DoSample)
	assert.False(t, *effective.DoSample)
}

func TestDirectGeneration(t *testing.T) {
	d := New(Config{}, zerolog.Nop())
	rt := &testRuntime{reentrant: true}
	rec := causal("gpt2")
	h := handleFor(t, rt, rec)

	res, err := d.Direct(context.Background(), h, rec, types.GenerateRequest{
		ModelID: "gpt2",
		Prompt:  "The future of AI is",
		GenerationParams: types.GenerationParams{
			MaxNewTokens: intp(10),
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "gpt2", res.ModelID)
	assert.Equal(t, types.StrategyDirect, res.Strategy)
	assert.Equal(t, "echo The future of AI is", res.Text)
	assert.Equal(t, 10, *res.Params.MaxNewTokens)
	assert.Equal(t, 3, res.Usage.TotalTokens)
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))
}

func TestDirectRejectsPipelineOnlyKinds(t *testing.T) {
	d := New(Config{}, zerolog.Nop())
	rec := types.ModelRecord{ModelID: "bert", Kind: types.KindFillMask}
	h := handleFor(t, &testRuntime{}, rec)

	_, err := d.Direct(context.Background(), h, rec, types.GenerateRequest{ModelID: "bert", Prompt: "x"})
	assert.True(t, errdefs.IsIncompatibleKind(err))
}

func TestPipelineTaskKindCompatibility(t *testing.T) {
	d := New(Config{}, zerolog.Nop())

	// Summarization on a causal model is rejected.
	rec := causal("gpt2")
	h := handleFor(t, &testRuntime{}, rec)
	_, err := d.Pipeline(context.Background(), h, rec, types.PipelineRequest{
		ModelID: "gpt2", Task: TaskSummarization, Input: "long document",
	})
	assert.True(t, errdefs.IsIncompatibleKind(err))

	// Unknown task is a validation error, not a kind error.
	_, err = d.Pipeline(context.Background(), h, rec, types.PipelineRequest{
		ModelID: "gpt2", Task: "image-generation", Input: "x",
	})
	assert.True(t, errdefs.IsInvalidParameters(err))
}

func TestPipelineSummarization(t *testing.T) {
	d := New(Config{}, zerolog.Nop())
	rec := types.ModelRecord{ModelID: "bart", Kind: types.KindSummarization}
	rt := &testRuntime{reentrant: true, text: "one two three four five six"}
	h := handleFor(t, rt, rec)

	res, err := d.Pipeline(context.Background(), h, rec, types.PipelineRequest{
		ModelID:         "bart",
		Task:            TaskSummarization,
		Input:           "a very long document",
		PipelineOptions: types.PipelineOptions{MaxLength: intp(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, "one two three", res.Text, "summary trimmed to max_length words")
	assert.Equal(t, types.StrategyPipeline, res.Strategy)
	assert.Equal(t, TaskSummarization, res.Task)
	assert.Equal(t, 1, d.PipelineCount(), "pipeline cached after first use")
}

func TestSummarizationTruncatesOnRuneBoundary(t *testing.T) {
	p, err := newPipeline("bart", TaskSummarization, types.KindSummarization)
	require.NoError(t, err)

	// A multi-byte rune straddles the input budget boundary.
	input := strings.Repeat("a", summaryInputBudget-1) + "日本語"
	prompt, _, err := p.preprocess(types.PipelineRequest{
		ModelID: "bart", Task: TaskSummarization, Input: input,
	}, backend.GenOptions{MaxNewTokens: 100})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(prompt), "truncation must not split a rune")
	assert.Equal(t, "summarize: "+strings.Repeat("a", summaryInputBudget-1), prompt)
}

func TestSummarizationMinLengthFloorsTokenBudget(t *testing.T) {
	p, err := newPipeline("bart", TaskSummarization, types.KindSummarization)
	require.NoError(t, err)

	_, opts, err := p.preprocess(types.PipelineRequest{
		ModelID:         "bart",
		Task:            TaskSummarization,
		Input:           "doc",
		PipelineOptions: types.PipelineOptions{MinLength: intp(200)},
	}, backend.GenOptions{MaxNewTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, 200, opts.MaxNewTokens, "min_length raises an insufficient token budget")

	_, opts, err = p.preprocess(types.PipelineRequest{
		ModelID:         "bart",
		Task:            TaskSummarization,
		Input:           "doc",
		PipelineOptions: types.PipelineOptions{MinLength: intp(30), MaxLength: intp(50)},
	}, backend.GenOptions{MaxNewTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, 50, opts.MaxNewTokens, "a satisfied min_length leaves max_length in charge")
}

func TestPipelineTranslationRequiresTargetLang(t *testing.T) {
	d := New(Config{}, zerolog.Nop())
	rec := types.ModelRecord{ModelID: "opus", Kind: types.KindTranslation}
	h := handleFor(t, &testRuntime{reentrant: true}, rec)

	_, err := d.Pipeline(context.Background(), h, rec, types.PipelineRequest{
		ModelID: "opus", Task: TaskTranslation, Input: "bonjour",
	})
	assert.True(t, errdefs.IsInvalidParameters(err))

	res, err := d.Pipeline(context.Background(), h, rec, types.PipelineRequest{
		ModelID:         "opus",
		Task:            TaskTranslation,
		Input:           "bonjour",
		PipelineOptions: types.PipelineOptions{SourceLang: "fr", TargetLang: "en"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "translate fr to en: bonjour")
}

func TestPipelineQuestionAnswering(t *testing.T) {
	d := New(Config{}, zerolog.Nop())
	rec := types.ModelRecord{ModelID: "qa", Kind: types.KindQuestionAnswering}
	h := handleFor(t, &testRuntime{reentrant: true}, rec)

	_, err := d.Pipeline(context.Background(), h, rec, types.PipelineRequest{
		ModelID: "qa", Task: TaskQuestionAnswering, Input: "some context",
	})
	assert.True(t, errdefs.IsInvalidParameters(err), "question is required")

	res, err := d.Pipeline(context.Background(), h, rec, types.PipelineRequest{
		ModelID:         "qa",
		Task:            TaskQuestionAnswering,
		Input:           "Go was designed at Google.",
		PipelineOptions: types.PipelineOptions{Question: "Where was Go designed?"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "question: Where was Go designed?")
}

func TestPipelineFillMask(t *testing.T) {
	d := New(Config{}, zerolog.Nop())
	rec := types.ModelRecord{ModelID: "bert", Kind: types.KindFillMask}
	rt := &testRuntime{reentrant: true, text: "capital city of"}
	h := handleFor(t, rt, rec)

	_, err := d.Pipeline(context.Background(), h, rec, types.PipelineRequest{
		ModelID: "bert", Task: TaskFillMask, Input: "no mask here",
	})
	assert.True(t, errdefs.IsInvalidParameters(err))

	res, err := d.Pipeline(context.Background(), h, rec, types.PipelineRequest{
		ModelID: "bert", Task: TaskFillMask, Input: "Paris is the [MASK] of France.",
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", res.Text)
}

func TestGenerationErrorClassified(t *testing.T) {
	d := New(Config{}, zerolog.Nop())
	rec := causal("gpt2")
	h := handleFor(t, &testRuntime{reentrant: true, err: errors.New("cuda out of memory")}, rec)

	_, err := d.Direct(context.Background(), h, rec, types.GenerateRequest{ModelID: "gpt2", Prompt: "x"})
	assert.True(t, errdefs.IsGeneration(err), "got %v", err)
}

func TestTimeoutClassified(t *testing.T) {
	d := New(Config{MaxDuration: 20 * time.Millisecond}, zerolog.Nop())
	rec := causal("gpt2")
	h := handleFor(t, &testRuntime{reentrant: true, delay: time.Second}, rec)

	_, err := d.Direct(context.Background(), h, rec, types.GenerateRequest{ModelID: "gpt2", Prompt: "x"})
	assert.True(t, errdefs.IsTimeout(err), "got %v", err)
}

func TestCallerCancelPropagates(t *testing.T) {
	d := New(Config{}, zerolog.Nop())
	rec := causal("gpt2")
	h := handleFor(t, &testRuntime{reentrant: true, delay: time.Second}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := d.Direct(ctx, h, rec, types.GenerateRequest{ModelID: "gpt2", Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errdefs.IsGeneration(err))
}

func TestNonReentrantRuntimeSerialized(t *testing.T) {
	d := New(Config{}, zerolog.Nop())
	rec := causal("gpt2")
	rt := &testRuntime{reentrant: false, delay: 10 * time.Millisecond}
	h := handleFor(t, rt, rec)

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Direct(context.Background(), h, rec, types.GenerateRequest{ModelID: "gpt2", Prompt: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), rt.maxSeen.Load(), "generations against a non-reentrant runtime must not overlap")
}

func TestDropModelPurgesPipelines(t *testing.T) {
	d := New(Config{}, zerolog.Nop())
	rec := types.ModelRecord{ModelID: "bart", Kind: types.KindSummarization}
	h := handleFor(t, &testRuntime{reentrant: true}, rec)

	_, err := d.Pipeline(context.Background(), h, rec, types.PipelineRequest{
		ModelID: "bart", Task: TaskSummarization, Input: "doc",
	})
	require.NoError(t, err)
	require.Equal(t, 1, d.PipelineCount())

	d.DropModel("bart")
	assert.Equal(t, 0, d.PipelineCount())
}
