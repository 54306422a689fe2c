// Package pipeline implements the four phase executors that move a guide
// from QUEUED to DONE: extract, parse, generate-chunk, and finalize, plus the
// kickoff fan-out. Each executor follows the same contract: claim the status
// transition, read inputs, compute without holding a transaction across
// network I/O, persist atomically, transition status.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/levelingai/levelingai/llm"
	"github.com/levelingai/levelingai/metrics"
	"github.com/levelingai/levelingai/pdf"
	"github.com/levelingai/levelingai/status"
	"github.com/levelingai/levelingai/storage"
	"github.com/levelingai/levelingai/store"
)

// Task names. The worker registers a handler per name; the kickoff executor
// fans out by enqueueing them.
const (
	TaskExtractText        = "extract_text"
	TaskParseMatrix        = "parse_matrix"
	TaskKickoffGeneration  = "kickoff_generation"
	TaskGenerateCells      = "generate_cells"
	TaskFinalizeGeneration = "finalize_generation"
)

// PromptName identifies the batch generation prompt whose (name, version)
// pair keys CellGeneration rows.
const PromptName = "generate_examples_batch"

// finalizeDelay spaces the first finalize poll behind the fan-out.
const finalizeDelay = 30 * time.Second

// TaskArgs is the JSON payload of every task. Unused fields stay zero.
type TaskArgs struct {
	GuideID       uuid.UUID `json:"guide_id"`
	LevelID       uuid.UUID `json:"level_id,omitempty"`
	Start         int       `json:"start,omitempty"`
	End           int       `json:"end,omitempty"`
	PromptVersion string    `json:"prompt_version,omitempty"`
}

// BlobStore is the slice of the storage client the pipeline needs.
type BlobStore interface {
	Bucket() string
	UploadText(ctx context.Context, obj storage.Object, text string) error
	SignedURL(ctx context.Context, obj storage.Object, expiresIn time.Duration) (string, error)
	Download(ctx context.Context, obj storage.Object) ([]byte, error)
}

// Gateway is the slice of the LLM client the pipeline needs.
type Gateway interface {
	GenerateStructured(ctx context.Context, in llm.GenerateInput, schema *llm.Schema, out any) (*llm.Response, error)
}

// Enqueuer hands tasks to the durable runner. A zero countdown means deliver
// immediately.
type Enqueuer interface {
	Enqueue(ctx context.Context, task string, args TaskArgs, countdown time.Duration) error
}

// Extractor produces text plus a quality report from PDF bytes.
type Extractor interface {
	Extract(data []byte) (*pdf.Result, error)
}

// Config carries the tunables the executors read.
type Config struct {
	// Model is recorded on audit rows; the gateway owns the actual binding.
	Model string

	// ChunkSize is the competencies-per-task width for large matrices.
	ChunkSize int

	// PromptVersion is the default generation prompt version.
	PromptVersion string
}

// Pipeline wires the executors to their dependencies.
type Pipeline struct {
	store     store.Store
	blobs     BlobStore
	gateway   Gateway
	extractor Extractor
	queue     Enqueuer
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New creates a Pipeline.
func New(st store.Store, blobs BlobStore, gateway Gateway, extractor Extractor, queue Enqueuer, cfg Config, opts ...Option) *Pipeline {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 6
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = "v1"
	}
	p := &Pipeline{
		store:     st,
		blobs:     blobs,
		gateway:   gateway,
		extractor: extractor,
		queue:     queue,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// setStatus transitions the guide and bumps the transition counter.
func (p *Pipeline) setStatus(ctx context.Context, guideID uuid.UUID, to status.Status, errorMessage string) error {
	if err := p.store.SetStatus(ctx, guideID, to, errorMessage); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
	}
	return nil
}

// claim wraps the store claim with the transition counter.
func (p *Pipeline) claim(ctx context.Context, guideID uuid.UUID, from, to status.Status) (bool, error) {
	claimed, err := p.store.ClaimStatus(ctx, guideID, from, to)
	if err != nil {
		return false, err
	}
	if claimed && p.metrics != nil {
		p.metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
	}
	return claimed, nil
}
