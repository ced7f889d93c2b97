package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"modelserve/internal/backend"
	"modelserve/internal/config"
)

func newCheckCmd() *cobra.Command {
	var (
		modelsDir      string
		llamaServerURL string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe backend dependencies and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv(config.Default())
			if modelsDir != "" {
				cfg.ModelsDir = modelsDir
			}
			if llamaServerURL != "" {
				cfg.LlamaServerURL = llamaServerURL
			}
			checker := backend.NewEnvChecker(cfg.ModelsDir, cfg.LlamaServerURL)
			report := checker.Check(cmd.Context())

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&modelsDir, "models-dir", "", "directory holding local model files")
	cmd.Flags().StringVar(&llamaServerURL, "llama-server", "", "base URL of a llama-server backend")
	return cmd
}
