// Package worker binds the pipeline executors to the task runner and chains
// the phases: a finished extract enqueues the parse, a finished parse
// enqueues the generation kickoff, and an unsettled finalize asks for another
// poll. Claim losses make every chain step safe to redeliver.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/levelingai/levelingai/pipeline"
	"github.com/levelingai/levelingai/status"
	"github.com/levelingai/levelingai/taskrunner"
)

// Worker registers one handler per pipeline task.
type Worker struct {
	pipeline *pipeline.Pipeline
	queue    pipeline.Enqueuer
	logger   *slog.Logger
}

// New creates a Worker. The queue is the same runner the handlers register
// on; it is passed separately so tests can fake it.
func New(p *pipeline.Pipeline, queue pipeline.Enqueuer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{pipeline: p, queue: queue, logger: logger}
}

// Registrar is the slice of the runner the worker needs.
type Registrar interface {
	Register(task string, handler taskrunner.Handler)
}

// Register binds all five task handlers.
func (w *Worker) Register(r Registrar) {
	r.Register(pipeline.TaskExtractText, w.handleExtract)
	r.Register(pipeline.TaskParseMatrix, w.handleParse)
	r.Register(pipeline.TaskKickoffGeneration, w.handleKickoff)
	r.Register(pipeline.TaskGenerateCells, w.handleGenerate)
	r.Register(pipeline.TaskFinalizeGeneration, w.handleFinalize)
}

func (w *Worker) handleExtract(ctx context.Context, args pipeline.TaskArgs) error {
	res, err := w.pipeline.ExtractText(ctx, args.GuideID)
	if err != nil {
		return err
	}
	if res.Claimed && res.Status == status.TextExtracted {
		return w.queue.Enqueue(ctx, pipeline.TaskParseMatrix, pipeline.TaskArgs{GuideID: args.GuideID}, 0)
	}
	return nil
}

func (w *Worker) handleParse(ctx context.Context, args pipeline.TaskArgs) error {
	res, err := w.pipeline.ParseMatrix(ctx, args.GuideID)
	if err != nil {
		return err
	}
	if res.Claimed && res.Status == status.MatrixParsed {
		return w.queue.Enqueue(ctx, pipeline.TaskKickoffGeneration,
			pipeline.TaskArgs{GuideID: args.GuideID, PromptVersion: args.PromptVersion}, 0)
	}
	return nil
}

func (w *Worker) handleKickoff(ctx context.Context, args pipeline.TaskArgs) error {
	_, err := w.pipeline.KickoffGeneration(ctx, args.GuideID, args.PromptVersion)
	return err
}

func (w *Worker) handleGenerate(ctx context.Context, args pipeline.TaskArgs) error {
	_, err := w.pipeline.GenerateChunk(ctx, args.GuideID, args.LevelID, args.Start, args.End, args.PromptVersion)
	return err
}

func (w *Worker) handleFinalize(ctx context.Context, args pipeline.TaskArgs) error {
	res, err := w.pipeline.FinalizeGeneration(ctx, args.GuideID, args.PromptVersion)
	if err != nil {
		return err
	}
	if !res.Settled {
		return fmt.Errorf("guide %s has %d/%d terminal rows: %w",
			args.GuideID, res.TotalRows, res.TotalCells, taskrunner.ErrRetry)
	}
	return nil
}
