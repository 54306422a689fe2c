package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/levelingai/levelingai/status"
	"github.com/levelingai/levelingai/store"
)

func (s *Store) UpsertCompanyByWebsite(ctx context.Context, websiteURL, name, companyContext string) (*store.Company, error) {
	const q = `
		INSERT INTO companies (id, website_url, name, context)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (website_url) DO UPDATE SET
			name    = CASE WHEN EXCLUDED.name    <> '' THEN EXCLUDED.name    ELSE companies.name    END,
			context = CASE WHEN EXCLUDED.context <> '' THEN EXCLUDED.context ELSE companies.context END
		RETURNING id, website_url, name, context, created_at`

	var c store.Company
	err := s.pool.QueryRow(ctx, q, uuid.New(), websiteURL, name, companyContext).
		Scan(&c.ID, &c.WebsiteURL, &c.Name, &c.Context, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetCompany(ctx context.Context, id uuid.UUID) (*store.Company, error) {
	const q = `SELECT id, website_url, name, context, created_at FROM companies WHERE id = $1`

	var c store.Company
	err := s.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.WebsiteURL, &c.Name, &c.Context, &c.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &c, nil
}

func (s *Store) CreateGuide(ctx context.Context, guide *store.Guide) error {
	if guide.ID == uuid.Nil {
		guide.ID = uuid.New()
	}
	const q = `
		INSERT INTO leveling_guides
			(id, company_id, role_title, pdf_path, original_filename, mime_type, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	return s.pool.QueryRow(ctx, q,
		guide.ID, guide.CompanyID, guide.RoleTitle, guide.PDFPath,
		guide.OriginalFilename, guide.MimeType, string(guide.Status), guide.ErrorMessage,
	).Scan(&guide.CreatedAt, &guide.UpdatedAt)
}

func (s *Store) GetGuide(ctx context.Context, id uuid.UUID) (*store.Guide, error) {
	const q = `
		SELECT id, company_id, role_title, pdf_path, original_filename, mime_type,
		       status, error_message, created_at, updated_at
		FROM leveling_guides WHERE id = $1`

	var g store.Guide
	var st string
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&g.ID, &g.CompanyID, &g.RoleTitle, &g.PDFPath, &g.OriginalFilename,
		&g.MimeType, &st, &g.ErrorMessage, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err)
	}
	g.Status = status.Status(st)
	return &g, nil
}

// ClaimStatus is the atomic compare-and-set on the guide row. The WHERE
// clause carries the expected status, so exactly one of N concurrent callers
// observes RowsAffected == 1.
func (s *Store) ClaimStatus(ctx context.Context, guideID uuid.UUID, from, to status.Status) (bool, error) {
	const q = `
		UPDATE leveling_guides
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, q, guideID, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetStatus(ctx context.Context, guideID uuid.UUID, to status.Status, errorMessage string) error {
	const q = `
		UPDATE leveling_guides
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, guideID, string(to), errorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertArtifact(ctx context.Context, artifact *store.Artifact) error {
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	const q = `
		INSERT INTO guide_artifacts (id, guide_id, type, content_json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guide_id, type) DO UPDATE SET
			content_json = EXCLUDED.content_json,
			created_at   = now()
		RETURNING id, created_at`

	return s.pool.QueryRow(ctx, q, artifact.ID, artifact.GuideID, artifact.Type, artifact.ContentJSON).
		Scan(&artifact.ID, &artifact.CreatedAt)
}

func (s *Store) GetArtifact(ctx context.Context, guideID uuid.UUID, artifactType string) (*store.Artifact, error) {
	const q = `
		SELECT id, guide_id, type, content_json, created_at
		FROM guide_artifacts WHERE guide_id = $1 AND type = $2`

	var a store.Artifact
	err := s.pool.QueryRow(ctx, q, guideID, artifactType).
		Scan(&a.ID, &a.GuideID, &a.Type, &a.ContentJSON, &a.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &a, nil
}

func (s *Store) AppendParseRun(ctx context.Context, run *store.ParseRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	const q = `
		INSERT INTO parse_runs
			(id, guide_id, strategy, outcome, confidence, model, prompt_version,
			 input_artifact_id, output_artifact_id, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '00000000-0000-0000-0000-000000000000'::uuid),
		        NULLIF($9, '00000000-0000-0000-0000-000000000000'::uuid), $10)
		RETURNING created_at`

	return s.pool.QueryRow(ctx, q,
		run.ID, run.GuideID, run.Strategy, run.Outcome, run.Confidence,
		run.Model, run.PromptVersion, run.InputArtifactID, run.OutputArtifactID,
		run.ErrorMessage,
	).Scan(&run.CreatedAt)
}
