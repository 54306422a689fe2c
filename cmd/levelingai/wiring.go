package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/levelingai/levelingai/config"
	"github.com/levelingai/levelingai/llm"
	"github.com/levelingai/levelingai/llm/providers"
	"github.com/levelingai/levelingai/metrics"
	"github.com/levelingai/levelingai/storage"
	"github.com/levelingai/levelingai/store/postgres"
	"github.com/levelingai/levelingai/taskrunner"
)

// deps bundles the shared clients both processes need.
type deps struct {
	cfg     config.Config
	store   *postgres.Store
	blobs   *storage.Client
	nc      *nats.Conn
	runner  *taskrunner.Runner
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func buildDeps(ctx context.Context, cfg config.Config) (*deps, error) {
	logger := slog.Default()
	m := metrics.New(appName)

	st, err := postgres.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	blobs := storage.New(cfg.Storage.URL, cfg.Storage.ServiceRoleKey, cfg.Storage.Bucket)

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connect NATS: %w", err)
	}

	runner, err := taskrunner.New(nc,
		taskrunner.WithLogger(logger),
		taskrunner.WithMetrics(m),
		taskrunner.WithStream(cfg.NATS.Stream),
	)
	if err != nil {
		nc.Close()
		st.Close()
		return nil, err
	}
	if err := runner.EnsureStream(ctx); err != nil {
		nc.Close()
		st.Close()
		return nil, err
	}

	return &deps{
		cfg:     cfg,
		store:   st,
		blobs:   blobs,
		nc:      nc,
		runner:  runner,
		metrics: m,
		logger:  logger,
	}, nil
}

func (d *deps) close() {
	d.nc.Close()
	d.store.Close()
}

// buildGateway constructs the LLM client over the configured provider.
func buildGateway(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*llm.Client, error) {
	if cfg.LLM.Provider != "gemini" {
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.LLM.Provider)
	}

	var opts []providers.GeminiOption
	if cfg.LLM.GeminiBaseURL != "" {
		opts = append(opts, providers.WithGeminiBaseURL(cfg.LLM.GeminiBaseURL))
	}
	opts = append(opts, providers.WithGeminiHTTPClient(&http.Client{Timeout: cfg.LLM.Timeout()}))
	provider := providers.NewGemini(cfg.LLM.GeminiAPIKey, opts...)

	return llm.NewClient(provider, cfg.LLM.GeminiModel,
		llm.WithTemperature(cfg.LLM.Temperature),
		llm.WithMaxOutputTokens(cfg.LLM.MaxOutputTokens),
		llm.WithMaxRetries(cfg.LLM.MaxRetries),
		llm.WithLogger(logger),
		llm.WithRecorder(&metrics.LLMRecorder{Metrics: m, Logger: logger}),
	), nil
}
