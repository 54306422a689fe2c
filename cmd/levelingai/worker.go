package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/levelingai/levelingai/pdf"
	"github.com/levelingai/levelingai/pipeline"
	"github.com/levelingai/levelingai/worker"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the pipeline task worker",
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

			p := pipeline.New(d.store, d.blobs, gateway, pdf.NewExtractor(d.logger), d.runner, pipeline.Config{
				Model:         cfg.LLM.GeminiModel,
				ChunkSize:     cfg.Generation.ChunkSize,
				PromptVersion: cfg.Generation.PromptVersion,
			}, pipeline.WithLogger(d.logger), pipeline.WithMetrics(d.metrics))

			worker.New(p, d.runner, d.logger).Register(d.runner)
			if err := d.runner.Start(ctx); err != nil {
				return err
			}
			d.logger.Info("worker running", "stream", cfg.NATS.Stream)

			<-ctx.Done()
			d.logger.Info("shutting down worker")
			d.runner.Stop()
			return nil
		},
	}
}
