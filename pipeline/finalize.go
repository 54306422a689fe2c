package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/levelingai/levelingai/status"
)

// FinalizeResult reports one finalize poll. Settled is false while cells are
// still outstanding; the runner redelivers the task until it flips or the
// delivery budget runs out.
type FinalizeResult struct {
	GuideID    uuid.UUID     `json:"guide_id"`
	Status     status.Status `json:"status"`
	Settled    bool          `json:"settled"`
	TotalCells int           `json:"total_cells"`
	TotalRows  int           `json:"total_rows"`
	Success    int           `json:"success"`
	Failed     int           `json:"failed"`
}

// FinalizeGeneration fans in: once every cell has a terminal generation row,
// the guide moves to DONE or FAILED_GENERATION. Counting is the only
// mechanism; no per-task completion tracking exists.
func (p *Pipeline) FinalizeGeneration(ctx context.Context, guideID uuid.UUID, promptVersion string) (*FinalizeResult, error) {
	if promptVersion == "" {
		promptVersion = p.cfg.PromptVersion
	}

	guide, err := p.getGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}
	if guide.Status.Terminal() {
		return &FinalizeResult{GuideID: guideID, Status: guide.Status, Settled: true}, nil
	}

	counts, err := p.store.CountGenerations(ctx, guideID, PromptName, promptVersion)
	if err != nil {
		return nil, err
	}

	result := &FinalizeResult{
		GuideID:    guideID,
		Status:     guide.Status,
		TotalCells: counts.TotalCells,
		TotalRows:  counts.TotalRows,
		Success:    counts.Success,
		Failed:     counts.Failed(),
	}

	if counts.TotalCells == 0 || counts.TotalRows < counts.TotalCells {
		p.logger.Debug("generation still in flight",
			"guide_id", guideID,
			"rows", counts.TotalRows,
			"cells", counts.TotalCells)
		return result, nil
	}

	final := status.Done
	message := ""
	if counts.Failed() > 0 {
		final = status.FailedGeneration
		message = fmt.Sprintf("example generation failed for %d of %d cells", counts.Failed(), counts.TotalCells)
	}
	if err := p.setStatus(ctx, guideID, final, message); err != nil {
		return nil, err
	}

	p.logger.Info("generation finalized",
		"guide_id", guideID,
		"status", final,
		"success", counts.Success,
		"failed", counts.Failed())

	result.Status = final
	result.Settled = true
	return result, nil
}
