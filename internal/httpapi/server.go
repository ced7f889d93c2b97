// Package httpapi is the HTTP transport for the model-serving engine. It
// is deliberately thin: decode, delegate, encode. All semantics live in
// the engine.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"modelserve/internal/engine"
	"modelserve/pkg/types"
)

// Service defines the engine methods required by the HTTP API layer.
type Service interface {
	Register(req types.RegisterRequest) (types.ModelRecord, error)
	List(kind string) ([]types.ModelRecord, error)
	Get(id string) (types.ModelRecord, error)
	Update(id string, patch types.ModelPatch) (types.ModelRecord, error)
	Remove(id string) error
	Load(ctx context.Context, id string, force bool) (engine.LoadResult, error)
	Generate(ctx context.Context, req types.GenerateRequest) (types.GenerationResult, error)
	PipelineGenerate(ctx context.Context, req types.PipelineRequest) (types.GenerationResult, error)
	CacheInfo() types.CacheInfo
	CacheClear(id string) int
	Stats() types.Stats
	Kinds() []types.ModelKind
	DependencyCheck(ctx context.Context) types.DependencyReport
	Ready(ctx context.Context) bool
}

// Options tunes the HTTP layer. The zero value is usable.
type Options struct {
	// BaseContext is canceled on shutdown; in-flight generations are
	// canceled with it. Nil means context.Background().
	BaseContext context.Context
	// MaxBodyBytes limits JSON request bodies. Zero means 1 MiB.
	MaxBodyBytes int64
	Log          zerolog.Logger
}

type server struct {
	svc  Service
	base context.Context
	body int64
	log  zerolog.Logger
}

// NewMux builds the routed handler for the API surface.
func NewMux(svc Service, opts Options) http.Handler {
	s := &server{
		svc:  svc,
		base: opts.BaseContext,
		body: opts.MaxBodyBytes,
		log:  opts.Log,
	}
	if s.base == nil {
		s.base = context.Background()
	}
	if s.body <= 0 {
		s.body = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(metricsMiddleware)
	r.Use(requestLogger(s.log))

	r.Route("/api", func(r chi.Router) {
		r.Get("/models", s.handleListModels)
		r.Post("/models", s.handleRegister)
		r.Get("/models/{id}", s.handleGetModel)
		r.Put("/models/{id}", s.handleUpdateModel)
		r.Delete("/models/{id}", s.handleRemoveModel)
		r.Post("/models/{id}/load", s.handleLoadModel)
		r.Post("/generate", s.handleGenerate)
		r.Post("/pipeline", s.handlePipeline)
		r.Get("/cache", s.handleCacheInfo)
		r.Delete("/cache", s.handleCacheClear)
		r.Get("/statistics", s.handleStatistics)
		r.Get("/model-kinds", s.handleKinds)
		r.Get("/dependencies", s.handleDependencies)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decodeJSON enforces the content type and body limit, then decodes into v.
// It writes the error response itself and reports whether decoding worked.
func (s *server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.body)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

type modelResponse struct {
	Success bool              `json:"success"`
	Model   types.ModelRecord `json:"model"`
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.List(r.URL.Query().Get("kind"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool                `json:"success"`
		Models  []types.ModelRecord `json:"models"`
		Count   int                 `json:"count"`
	}{true, recs, len(recs)})
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.svc.Register(req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, modelResponse{true, rec})
}

func (s *server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelResponse{true, rec})
}

func (s *server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	var patch types.ModelPatch
	if !s.decodeJSON(w, r, &patch) {
		return
	}
	rec, err := s.svc.Update(chi.URLParam(r, "id"), patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelResponse{true, rec})
}

func (s *server) handleRemoveModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Remove(id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}{true, "model " + id + " removed"})
}

func (s *server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	// The body is optional; an empty one means a plain load.
	var req types.LoadRequest
	if r.ContentLength > 0 {
		if !s.decodeJSON(w, r, &req) {
			return
		}
	}
	ctx, cancel := joinContexts(r.Context(), s.base)
	defer cancel()
	res, err := s.svc.Load(ctx, chi.URLParam(r, "id"), req.ForceReload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool              `json:"success"`
		Model   types.ModelRecord `json:"model"`
		Backend string            `json:"backend"`
	}{true, res.Model, res.Backend})
}

type generateResponse struct {
	Success bool `json:"success"`
	types.GenerationResult
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := joinContexts(r.Context(), s.base)
	defer cancel()
	res, err := s.svc.Generate(ctx, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{true, res})
}

func (s *server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	var req types.PipelineRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := joinContexts(r.Context(), s.base)
	defer cancel()
	res, err := s.svc.PipelineGenerate(ctx, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{true, res})
}

func (s *server) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Success bool            `json:"success"`
		Cache   types.CacheInfo `json:"cache"`
	}{true, s.svc.CacheInfo()})
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	n := s.svc.CacheClear(r.URL.Query().Get("model_id"))
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		Evicted int  `json:"evicted"`
	}{true, n})
}

func (s *server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Success    bool        `json:"success"`
		Statistics types.Stats `json:"statistics"`
	}{true, s.svc.Stats()})
}

func (s *server) handleKinds(w http.ResponseWriter, r *http.Request) {
	kinds := s.svc.Kinds()
	writeJSON(w, http.StatusOK, struct {
		Success bool              `json:"success"`
		Kinds   []types.ModelKind `json:"model_kinds"`
		Count   int               `json:"count"`
	}{true, kinds, len(kinds)})
}

func (s *server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Success      bool                   `json:"success"`
		Dependencies types.DependencyReport `json:"dependencies"`
	}{true, s.svc.DependencyCheck(r.Context())})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Ready(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, "no backend available")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
