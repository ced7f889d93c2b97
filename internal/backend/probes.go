package backend

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"sort"
	"time"

	"modelserve/internal/common/fsutil"
	"modelserve/pkg/types"
)

// Capability names reported by Check and required by factories.
const (
	CapModelsDir    = "models_dir"
	CapLocalRuntime = "local_runtime"
	CapLlamaServer  = "llama_server"
)

// Checker reports which external capabilities are present. It must have no
// side effects so dependency-check endpoints can call it freely.
type Checker interface {
	Check(ctx context.Context) types.DependencyReport
	// Has reports presence of a single capability.
	Has(ctx context.Context, capability string) bool
}

// EnvChecker probes the actual process environment: the models directory,
// the built-in runtime and the optional llama-server endpoint.
type EnvChecker struct {
	ModelsDir      string
	LlamaServerURL string
	HTTPClient     *http.Client
}

// NewEnvChecker builds a checker for the given directories/endpoints.
func NewEnvChecker(modelsDir, llamaServerURL string) *EnvChecker {
	return &EnvChecker{
		ModelsDir:      modelsDir,
		LlamaServerURL: llamaServerURL,
		HTTPClient:     &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *EnvChecker) Check(ctx context.Context) types.DependencyReport {
	return types.DependencyReport{
		CapModelsDir:    c.modelsDirPresent(),
		CapLocalRuntime: true,
		CapLlamaServer:  c.llamaServerPresent(ctx),
	}
}

func (c *EnvChecker) Has(ctx context.Context, capability string) bool {
	switch capability {
	case CapModelsDir:
		return c.modelsDirPresent()
	case CapLocalRuntime:
		return true
	case CapLlamaServer:
		return c.llamaServerPresent(ctx)
	default:
		return false
	}
}

func (c *EnvChecker) modelsDirPresent() bool {
	if c.ModelsDir == "" {
		return false
	}
	dir, err := fsutil.ExpandHome(c.ModelsDir)
	if err != nil {
		return false
	}
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}

func (c *EnvChecker) llamaServerPresent(ctx context.Context) bool {
	if c.LlamaServerURL == "" {
		return false
	}
	u, err := url.JoinPath(c.LlamaServerURL, "health")
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// StaticChecker is a fixed capability table, used in tests and by the
// offline `check` command output formatting.
type StaticChecker map[string]bool

func (c StaticChecker) Check(context.Context) types.DependencyReport {
	out := make(types.DependencyReport, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c StaticChecker) Has(_ context.Context, capability string) bool {
	return c[capability]
}

// CapabilityNames returns the capability names in a report, sorted, for
// stable log and CLI output.
func CapabilityNames(r types.DependencyReport) []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
