package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"modelserve/internal/errdefs"
	"modelserve/pkg/types"
)

// LlamaServerFactory serves causal and conversational models through a
// llama.cpp-style completion server over HTTP. The server is an external
// process; this factory never spawns it, only talks to it.
type LlamaServerFactory struct {
	BaseURL string
	Client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewLlamaServerFactory(baseURL string) *LlamaServerFactory {
	return &LlamaServerFactory{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Minute},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "llama-server",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (f *LlamaServerFactory) Name() string { return "llama-server" }

func (f *LlamaServerFactory) Requires() []string { return []string{CapLlamaServer} }

func (f *LlamaServerFactory) Serves(kind types.ModelKind) bool {
	return kind == types.KindCausal || kind == types.KindConversational
}

func (f *LlamaServerFactory) Open(ctx context.Context, modelID string, kind types.ModelKind) (Runtime, int, error) {
	// Ask the server whether it knows the model before handing out a handle.
	known, footprint, err := f.describeModel(ctx, modelID)
	if err != nil {
		return nil, 0, errdefs.ErrLoadFailure(modelID, err)
	}
	if !known {
		return nil, 0, errdefs.ErrModelNotFound(modelID)
	}
	if footprint <= 0 {
		footprint = nominalFootprintMB
	}
	return &llamaServerRuntime{factory: f, modelID: modelID}, footprint, nil
}

type llamaModelInfo struct {
	ID   string `json:"id"`
	Meta struct {
		SizeBytes int64 `json:"size"`
	} `json:"meta"`
}

// describeModel queries GET /v1/models and looks for modelID.
func (f *LlamaServerFactory) describeModel(ctx context.Context, modelID string) (bool, int, error) {
	u, err := url.JoinPath(f.BaseURL, "v1", "models")
	if err != nil {
		return false, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, 0, err
	}
	out, err := f.breaker.Execute(func() (any, error) {
		resp, err := f.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("llama-server: unexpected status %d", resp.StatusCode)
		}
		var body struct {
			Data []llamaModelInfo `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		return body.Data, nil
	})
	if err != nil {
		return false, 0, err
	}
	for _, m := range out.([]llamaModelInfo) {
		if m.ID == modelID || strings.HasSuffix(m.ID, "/"+modelID) {
			return true, sizeMB(m.Meta.SizeBytes), nil
		}
	}
	return false, 0, nil
}

// llamaServerRuntime is one loaded model on the remote server. The server
// shares a single KV cache per model, so concurrent generations against
// the same handle are not assumed safe.
type llamaServerRuntime struct {
	factory *LlamaServerFactory
	modelID string
}

type completionRequest struct {
	Model         string   `json:"model"`
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Seed          int64    `json:"seed,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

type completionResponse struct {
	Content            string `json:"content"`
	TokensPredicted    int    `json:"tokens_predicted"`
	TokensEvaluated    int    `json:"tokens_evaluated"`
	StoppedEOS         bool   `json:"stopped_eos"`
	StoppedWord        bool   `json:"stopped_word"`
	StoppingWord       string `json:"stopping_word"`
	GenerationSettings any    `json:"generation_settings"`
}

func (r *llamaServerRuntime) Generate(ctx context.Context, prompt string, opts GenOptions) (string, types.Usage, error) {
	temp := opts.Temperature
	if !opts.DoSample {
		temp = 0
	}
	payload := completionRequest{
		Model:         r.modelID,
		Prompt:        prompt,
		NPredict:      opts.MaxNewTokens,
		Temperature:   temp,
		TopP:          opts.TopP,
		TopK:          opts.TopK,
		RepeatPenalty: opts.RepetitionPenalty,
		Seed:          opts.Seed,
		Stop:          opts.Stop,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", types.Usage{}, err
	}
	u, err := url.JoinPath(r.factory.BaseURL, "completion")
	if err != nil {
		return "", types.Usage{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return "", types.Usage{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	out, err := r.factory.breaker.Execute(func() (any, error) {
		resp, err := r.factory.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("llama-server: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		var cr completionResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return nil, err
		}
		return cr, nil
	})
	if err != nil {
		// Let cancellation surface as such, not as a backend failure.
		if ctx.Err() != nil {
			return "", types.Usage{}, ctx.Err()
		}
		return "", types.Usage{}, err
	}
	cr := out.(completionResponse)
	return cr.Content, types.Usage{
		PromptTokens:     cr.TokensEvaluated,
		CompletionTokens: cr.TokensPredicted,
		TotalTokens:      cr.TokensEvaluated + cr.TokensPredicted,
	}, nil
}

func (r *llamaServerRuntime) Reentrant() bool { return false }

func (r *llamaServerRuntime) Close() error { return nil }
