package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/levelingai/levelingai/store"
)

// PersistParsedMatrix writes the matrix artifact, level/competency/cell
// upserts, the audit row, and the status transition in one transaction.
func (s *Store) PersistParsedMatrix(ctx context.Context, persist store.MatrixPersist) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		artifact := persist.Artifact
		if artifact.ID == uuid.Nil {
			artifact.ID = uuid.New()
		}
		const artifactQ = `
			INSERT INTO guide_artifacts (id, guide_id, type, content_json)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (guide_id, type) DO UPDATE SET
				content_json = EXCLUDED.content_json,
				created_at   = now()
			RETURNING id`
		var artifactID uuid.UUID
		if err := tx.QueryRow(ctx, artifactQ, artifact.ID, artifact.GuideID, artifact.Type, artifact.ContentJSON).Scan(&artifactID); err != nil {
			return fmt.Errorf("upsert matrix artifact: %w", err)
		}

		const levelQ = `
			INSERT INTO levels (id, guide_id, code, title, position)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (guide_id, code) DO UPDATE SET
				title = EXCLUDED.title, position = EXCLUDED.position
			RETURNING id`
		levelByCode := make(map[string]uuid.UUID, len(persist.Levels))
		for _, lvl := range persist.Levels {
			var id uuid.UUID
			if err := tx.QueryRow(ctx, levelQ, uuid.New(), persist.GuideID, lvl.Code, lvl.Title, lvl.Position).Scan(&id); err != nil {
				return fmt.Errorf("upsert level %q: %w", lvl.Code, err)
			}
			levelByCode[lvl.Code] = id
		}

		const compQ = `
			INSERT INTO competencies (id, guide_id, name, position)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (guide_id, name) DO UPDATE SET position = EXCLUDED.position
			RETURNING id`
		compByName := make(map[string]uuid.UUID, len(persist.Competencies))
		for _, comp := range persist.Competencies {
			var id uuid.UUID
			if err := tx.QueryRow(ctx, compQ, uuid.New(), persist.GuideID, comp.Name, comp.Position).Scan(&id); err != nil {
				return fmt.Errorf("upsert competency %q: %w", comp.Name, err)
			}
			compByName[comp.Name] = id
		}

		const cellQ = `
			INSERT INTO guide_cells (id, guide_id, competency_id, level_id, definition_text, source_artifact_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (competency_id, level_id) DO UPDATE SET
				definition_text = EXCLUDED.definition_text,
				source_artifact_id = EXCLUDED.source_artifact_id`
		for _, spec := range persist.Cells {
			compID, okComp := compByName[spec.CompetencyName]
			levelID, okLevel := levelByCode[spec.LevelCode]
			if !okComp || !okLevel {
				continue
			}
			if _, err := tx.Exec(ctx, cellQ, uuid.New(), persist.GuideID, compID, levelID,
				spec.DefinitionText, persist.SourceArtifactID); err != nil {
				return fmt.Errorf("upsert cell (%s, %s): %w", spec.CompetencyName, spec.LevelCode, err)
			}
		}

		run := persist.ParseRun
		if run.ID == uuid.Nil {
			run.ID = uuid.New()
		}
		const runQ = `
			INSERT INTO parse_runs
				(id, guide_id, strategy, outcome, confidence, model, prompt_version,
				 input_artifact_id, output_artifact_id, error_message)
			VALUES ($1, $2, $3, $4, $5, $6, $7,
			        NULLIF($8, '00000000-0000-0000-0000-000000000000'::uuid), $9, $10)`
		if _, err := tx.Exec(ctx, runQ,
			run.ID, run.GuideID, run.Strategy, run.Outcome, run.Confidence,
			run.Model, run.PromptVersion, run.InputArtifactID, artifactID, run.ErrorMessage); err != nil {
			return fmt.Errorf("append parse run: %w", err)
		}

		const statusQ = `UPDATE leveling_guides SET status = $2, error_message = '', updated_at = now() WHERE id = $1`
		tag, err := tx.Exec(ctx, statusQ, persist.GuideID, string(persist.ToStatus))
		if err != nil {
			return fmt.Errorf("transition status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) ListLevels(ctx context.Context, guideID uuid.UUID) ([]store.Level, error) {
	const q = `
		SELECT id, guide_id, code, title, position
		FROM levels WHERE guide_id = $1 ORDER BY position ASC`

	rows, err := s.pool.Query(ctx, q, guideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Level
	for rows.Next() {
		var lvl store.Level
		if err := rows.Scan(&lvl.ID, &lvl.GuideID, &lvl.Code, &lvl.Title, &lvl.Position); err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, rows.Err()
}

func (s *Store) GetLevel(ctx context.Context, guideID, levelID uuid.UUID) (*store.Level, error) {
	const q = `SELECT id, guide_id, code, title, position FROM levels WHERE guide_id = $1 AND id = $2`

	var lvl store.Level
	err := s.pool.QueryRow(ctx, q, guideID, levelID).
		Scan(&lvl.ID, &lvl.GuideID, &lvl.Code, &lvl.Title, &lvl.Position)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &lvl, nil
}

func (s *Store) ListCompetencies(ctx context.Context, guideID uuid.UUID) ([]store.Competency, error) {
	const q = `
		SELECT id, guide_id, name, position
		FROM competencies WHERE guide_id = $1 ORDER BY position ASC`

	rows, err := s.pool.Query(ctx, q, guideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Competency
	for rows.Next() {
		var comp store.Competency
		if err := rows.Scan(&comp.ID, &comp.GuideID, &comp.Name, &comp.Position); err != nil {
			return nil, err
		}
		out = append(out, comp)
	}
	return out, rows.Err()
}

func (s *Store) ListCells(ctx context.Context, guideID uuid.UUID) ([]store.Cell, error) {
	const q = `
		SELECT id, guide_id, competency_id, level_id, definition_text, source_artifact_id
		FROM guide_cells WHERE guide_id = $1`

	return s.queryCells(ctx, q, guideID)
}

func (s *Store) ListCellsForLevel(ctx context.Context, guideID, levelID uuid.UUID, competencyIDs []uuid.UUID) ([]store.Cell, error) {
	const q = `
		SELECT id, guide_id, competency_id, level_id, definition_text, source_artifact_id
		FROM guide_cells
		WHERE guide_id = $1 AND level_id = $2 AND competency_id = ANY($3)`

	return s.queryCells(ctx, q, guideID, levelID, competencyIDs)
}

func (s *Store) queryCells(ctx context.Context, q string, args ...any) ([]store.Cell, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Cell
	for rows.Next() {
		var c store.Cell
		var sourceID *uuid.UUID
		if err := rows.Scan(&c.ID, &c.GuideID, &c.CompetencyID, &c.LevelID, &c.DefinitionText, &sourceID); err != nil {
			return nil, err
		}
		if sourceID != nil {
			c.SourceArtifactID = *sourceID
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CountCells(ctx context.Context, guideID uuid.UUID) (int, error) {
	const q = `SELECT count(*) FROM guide_cells WHERE guide_id = $1`

	var n int
	if err := s.pool.QueryRow(ctx, q, guideID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
