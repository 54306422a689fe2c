package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/levelingai/levelingai/pipeline"
	"github.com/levelingai/levelingai/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close()

			gateway, err := buildGateway(cfg, d.metrics, d.logger)
			if err != nil {
				return err
			}

			// The server only renders results; the executors it would need
			// stay nil and the worker process runs them.
			p := pipeline.New(d.store, d.blobs, gateway, nil, d.runner, pipeline.Config{
				Model:         cfg.LLM.GeminiModel,
				ChunkSize:     cfg.Generation.ChunkSize,
				PromptVersion: cfg.Generation.PromptVersion,
			}, pipeline.WithLogger(d.logger), pipeline.WithMetrics(d.metrics))

			srv := server.New(d.store, d.blobs, d.runner, p, cfg,
				server.WithLogger(d.logger),
				server.WithMetrics(d.metrics),
				server.WithLLM(gateway),
			)
			return srv.ListenAndServe(ctx)
		},
	}
}
