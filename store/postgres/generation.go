package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/levelingai/levelingai/store"
)

func (s *Store) GetCellGeneration(ctx context.Context, cellID uuid.UUID, promptName, promptVersion string) (*store.CellGeneration, error) {
	const q = `
		SELECT id, guide_id, cell_id, prompt_name, prompt_version, outcome,
		       content_json, model, trace_id, error_message, created_at
		FROM cell_generations
		WHERE cell_id = $1 AND prompt_name = $2 AND prompt_version = $3`

	var g store.CellGeneration
	err := s.pool.QueryRow(ctx, q, cellID, promptName, promptVersion).Scan(
		&g.ID, &g.GuideID, &g.CellID, &g.PromptName, &g.PromptVersion, &g.Outcome,
		&g.ContentJSON, &g.Model, &g.TraceID, &g.ErrorMessage, &g.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &g, nil
}

// UpsertCellGenerations writes a whole chunk's outcomes atomically. The
// unique (cell_id, prompt_name, prompt_version) key makes re-delivered chunk
// tasks replace rather than duplicate.
func (s *Store) UpsertCellGenerations(ctx context.Context, rows []store.CellGeneration) error {
	if len(rows) == 0 {
		return nil
	}
	const q = `
		INSERT INTO cell_generations
			(id, guide_id, cell_id, prompt_name, prompt_version, outcome,
			 content_json, model, trace_id, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (cell_id, prompt_name, prompt_version) DO UPDATE SET
			outcome       = EXCLUDED.outcome,
			content_json  = EXCLUDED.content_json,
			model         = EXCLUDED.model,
			trace_id      = EXCLUDED.trace_id,
			error_message = EXCLUDED.error_message,
			created_at    = now()`

	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, row := range rows {
			id := row.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			if _, err := tx.Exec(ctx, q,
				id, row.GuideID, row.CellID, row.PromptName, row.PromptVersion,
				row.Outcome, row.ContentJSON, row.Model, row.TraceID, row.ErrorMessage); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) CountGenerations(ctx context.Context, guideID uuid.UUID, promptName, promptVersion string) (store.GenerationCounts, error) {
	const q = `
		SELECT
			(SELECT count(*) FROM guide_cells WHERE guide_id = $1),
			count(*),
			count(*) FILTER (WHERE outcome = 'SUCCESS')
		FROM cell_generations
		WHERE guide_id = $1 AND prompt_name = $2 AND prompt_version = $3`

	var counts store.GenerationCounts
	err := s.pool.QueryRow(ctx, q, guideID, promptName, promptVersion).
		Scan(&counts.TotalCells, &counts.TotalRows, &counts.Success)
	if err != nil {
		return store.GenerationCounts{}, err
	}
	return counts, nil
}

func (s *Store) ListGenerations(ctx context.Context, guideID uuid.UUID, promptName, promptVersion string) ([]store.CellGeneration, error) {
	const q = `
		SELECT id, guide_id, cell_id, prompt_name, prompt_version, outcome,
		       content_json, model, trace_id, error_message, created_at
		FROM cell_generations
		WHERE guide_id = $1 AND prompt_name = $2 AND prompt_version = $3`

	rows, err := s.pool.Query(ctx, q, guideID, promptName, promptVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.CellGeneration
	for rows.Next() {
		var g store.CellGeneration
		if err := rows.Scan(&g.ID, &g.GuideID, &g.CellID, &g.PromptName, &g.PromptVersion,
			&g.Outcome, &g.ContentJSON, &g.Model, &g.TraceID, &g.ErrorMessage, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
