package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"modelserve/internal/backend"
	"modelserve/internal/cache"
	"modelserve/internal/config"
	"modelserve/internal/engine"
	"modelserve/internal/httpapi"
	"modelserve/internal/loader"
	"modelserve/internal/registry"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		flagCfg    config.Config
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				fileCfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = config.Merge(cfg, fileCfg)
			}
			cfg = config.FromEnv(cfg)
			cfg = config.Merge(cfg, flagCfg)
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a yaml/json/toml config file")
	cmd.Flags().StringVar(&flagCfg.Addr, "addr", "", "HTTP listen address, e.g. :8080")
	cmd.Flags().StringVar(&flagCfg.RegistryFile, "registry-file", "", "path of the persisted model registry")
	cmd.Flags().StringVar(&flagCfg.ModelsDir, "models-dir", "", "directory holding local model files")
	cmd.Flags().IntVar(&flagCfg.BudgetMB, "budget-mb", 0, "resource budget in MB for resident models (0=unlimited)")
	cmd.Flags().IntVar(&flagCfg.MarginMB, "margin-mb", 0, "reserved margin in MB kept free under the budget")
	cmd.Flags().StringVar(&flagCfg.LlamaServerURL, "llama-server", "", "base URL of a llama-server backend")
	cmd.Flags().StringVar(&flagCfg.Timeout, "timeout", "", "per-generation time limit, e.g. 90s (empty=none)")
	return cmd
}

func serve(cfg config.Config) error {
	log := newLogger()

	maxDuration, err := cfg.MaxDuration()
	if err != nil {
		return err
	}

	reg, err := registry.Open(cfg.RegistryFile, log)
	if err != nil {
		return err
	}

	checker := backend.NewEnvChecker(cfg.ModelsDir, cfg.LlamaServerURL)
	factories := []backend.Factory{backend.NewLocalFactory(cfg.ModelsDir)}
	if cfg.LlamaServerURL != "" {
		// The llama-server backend goes first so causal models prefer it.
		factories = append([]backend.Factory{backend.NewLlamaServerFactory(cfg.LlamaServerURL)}, factories...)
	}

	eng := engine.New(engine.Config{
		Registry:    reg,
		Loader:      loader.New(checker, factories, log),
		Checker:     checker,
		Cache:       cache.Config{BudgetMB: cfg.BudgetMB, MarginMB: cfg.MarginMB},
		MaxDuration: maxDuration,
	}, log)
	defer eng.Close()

	// base is canceled on SIGINT/SIGTERM; in-flight generations observe it.
	base, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := httpapi.NewMux(eng, httpapi.Options{BaseContext: base, Log: log})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("registry", cfg.RegistryFile).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-base.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return <-errCh
}
