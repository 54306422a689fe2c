package pipeline

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/levelingai/levelingai/status"
	"github.com/levelingai/levelingai/store"
)

// Per-cell generation states in the results view. SUCCESS and FAILED come
// straight from the generation rows.
const (
	CellStatusPending     = "PENDING"
	CellStatusMissingCell = "MISSING_CELL"
)

// ResultLevel is one matrix column in the results view.
type ResultLevel struct {
	ID       uuid.UUID `json:"id"`
	Label    string    `json:"label"`
	Position int       `json:"position"`
}

// ResultExample is one rendered example.
type ResultExample struct {
	Title   string `json:"title"`
	Example string `json:"example"`
}

// ResultCell is one (competency, level) entry in the results view.
type ResultCell struct {
	LevelID          uuid.UUID       `json:"level_id"`
	CellID           *uuid.UUID      `json:"cell_id,omitempty"`
	DefinitionText   string          `json:"definition_text,omitempty"`
	Examples         []ResultExample `json:"examples"`
	GenerationStatus string          `json:"generation_status"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}

// ResultCompetency is one matrix row with its per-level cells.
type ResultCompetency struct {
	ID       uuid.UUID    `json:"id"`
	Name     string       `json:"name"`
	Position int          `json:"position"`
	Cells    []ResultCell `json:"cells"`
}

// Progress counts generation completion over the full matrix.
type Progress struct {
	Expected  int `json:"expected"`
	Completed int `json:"completed"`
}

// Results is the full results view for one guide.
type Results struct {
	GuideID      uuid.UUID          `json:"guide_id"`
	Status       status.Status      `json:"status"`
	RoleTitle    string             `json:"role_title,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Levels       []ResultLevel      `json:"levels"`
	Competencies []ResultCompetency `json:"competencies"`
	Progress     Progress           `json:"progress"`
}

// GetResults renders the matrix with whatever generations exist so far. It is
// safe to call at any status; missing cells render as MISSING_CELL and cells
// without a generation row as PENDING.
func (p *Pipeline) GetResults(ctx context.Context, guideID uuid.UUID, promptVersion string) (*Results, error) {
	if promptVersion == "" {
		promptVersion = p.cfg.PromptVersion
	}

	guide, err := p.getGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}

	levels, err := p.store.ListLevels(ctx, guideID)
	if err != nil {
		return nil, err
	}
	comps, err := p.store.ListCompetencies(ctx, guideID)
	if err != nil {
		return nil, err
	}
	cells, err := p.store.ListCells(ctx, guideID)
	if err != nil {
		return nil, err
	}
	generations, err := p.store.ListGenerations(ctx, guideID, PromptName, promptVersion)
	if err != nil {
		return nil, err
	}

	genByCell := make(map[uuid.UUID]store.CellGeneration, len(generations))
	for _, g := range generations {
		genByCell[g.CellID] = g
	}
	cellByCoord := make(map[[2]uuid.UUID]store.Cell, len(cells))
	for _, c := range cells {
		cellByCoord[[2]uuid.UUID{c.CompetencyID, c.LevelID}] = c
	}

	out := &Results{
		GuideID:      guideID,
		Status:       guide.Status,
		RoleTitle:    guide.RoleTitle,
		ErrorMessage: guide.ErrorMessage,
		Levels:       make([]ResultLevel, 0, len(levels)),
		Competencies: make([]ResultCompetency, 0, len(comps)),
	}
	for _, lvl := range levels {
		label := lvl.Title
		if label == "" {
			label = lvl.Code
		}
		out.Levels = append(out.Levels, ResultLevel{ID: lvl.ID, Label: label, Position: lvl.Position})
	}

	completed := 0
	for _, comp := range comps {
		rc := ResultCompetency{
			ID:       comp.ID,
			Name:     comp.Name,
			Position: comp.Position,
			Cells:    make([]ResultCell, 0, len(levels)),
		}
		for _, lvl := range levels {
			cell, ok := cellByCoord[[2]uuid.UUID{comp.ID, lvl.ID}]
			if !ok {
				rc.Cells = append(rc.Cells, ResultCell{
					LevelID:          lvl.ID,
					Examples:         []ResultExample{},
					GenerationStatus: CellStatusMissingCell,
				})
				continue
			}

			entry := ResultCell{
				LevelID:          lvl.ID,
				CellID:           &cell.ID,
				DefinitionText:   cell.DefinitionText,
				Examples:         []ResultExample{},
				GenerationStatus: CellStatusPending,
			}
			if gen, ok := genByCell[cell.ID]; ok {
				entry.GenerationStatus = gen.Outcome
				switch gen.Outcome {
				case store.OutcomeSuccess:
					completed++
					var payload struct {
						Examples []ResultExample `json:"examples"`
					}
					if err := json.Unmarshal(gen.ContentJSON, &payload); err == nil {
						entry.Examples = payload.Examples
					}
				case store.OutcomeFailed:
					entry.ErrorMessage = gen.ErrorMessage
				}
			}
			rc.Cells = append(rc.Cells, entry)
		}
		out.Competencies = append(out.Competencies, rc)
	}

	out.Progress = Progress{
		Expected:  len(levels) * len(comps),
		Completed: completed,
	}
	return out, nil
}
