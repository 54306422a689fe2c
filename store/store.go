// Package store defines the persistence model for guides and the Store
// interface the pipeline runs against. Two implementations exist:
// store/postgres for production and store/memory for tests and local
// development. The only cross-worker synchronization point is
// Store.ClaimStatus, an atomic compare-and-set on the guide row.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/levelingai/levelingai/status"
)

// Artifact types.
const (
	ArtifactPDFText    = "PDF_TEXT"
	ArtifactMatrixJSON = "MATRIX_JSON"
)

// Terminal outcomes for parse runs and cell generations.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailed  = "FAILED"
)

// ErrNotFound is returned by lookups when the row does not exist.
var ErrNotFound = errors.New("not found")

// Company owns zero or more guides, identified by its normalized website URL.
type Company struct {
	ID         uuid.UUID
	WebsiteURL string
	Name       string
	Context    string
	CreatedAt  time.Time
}

// Guide is one uploaded leveling guide moving through the pipeline.
type Guide struct {
	ID               uuid.UUID
	CompanyID        uuid.UUID
	RoleTitle        string
	PDFPath          string
	OriginalFilename string
	MimeType         string
	Status           status.Status
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Artifact is a persisted intermediate output. Each (guide, type) pair has at
// most one current row; upserts replace the previous content.
type Artifact struct {
	ID          uuid.UUID
	GuideID     uuid.UUID
	Type        string
	ContentJSON json.RawMessage
	CreatedAt   time.Time
}

// ParseRun is an append-only audit row for one extraction or parsing attempt.
type ParseRun struct {
	ID               uuid.UUID
	GuideID          uuid.UUID
	Strategy         string
	Outcome          string
	Confidence       float64
	Model            string
	PromptVersion    string
	InputArtifactID  uuid.UUID
	OutputArtifactID uuid.UUID
	ErrorMessage     string
	CreatedAt        time.Time
}

// Level is one column of the matrix, stable across re-parses via its code.
type Level struct {
	ID       uuid.UUID
	GuideID  uuid.UUID
	Code     string
	Title    string
	Position int
}

// Competency is one row of the matrix, stable across re-parses via its name.
type Competency struct {
	ID       uuid.UUID
	GuideID  uuid.UUID
	Name     string
	Position int
}

// Cell is the definition text for one (competency, level) pair.
type Cell struct {
	ID               uuid.UUID
	GuideID          uuid.UUID
	CompetencyID     uuid.UUID
	LevelID          uuid.UUID
	DefinitionText   string
	SourceArtifactID uuid.UUID
}

// CellGeneration is the terminal outcome of generating examples for one cell
// under one prompt identity. The unique key (CellID, PromptName,
// PromptVersion) is the idempotency token for the generate phase.
type CellGeneration struct {
	ID            uuid.UUID
	GuideID       uuid.UUID
	CellID        uuid.UUID
	PromptName    string
	PromptVersion string
	Outcome       string
	ContentJSON   json.RawMessage
	Model         string
	TraceID       string
	ErrorMessage  string
	CreatedAt     time.Time
}

// CellSpec names a cell by its matrix coordinates during parse persistence,
// before level/competency IDs are assigned.
type CellSpec struct {
	CompetencyName string
	LevelCode      string
	DefinitionText string
}

// MatrixPersist is everything the parse executor writes in one transaction.
type MatrixPersist struct {
	GuideID          uuid.UUID
	Artifact         Artifact // MATRIX_JSON payload
	Levels           []Level  // ordered; Code and Position set
	Competencies     []Competency
	Cells            []CellSpec
	SourceArtifactID uuid.UUID
	ParseRun         ParseRun
	ToStatus         status.Status
}

// GenerationCounts summarizes generation progress for one prompt identity.
type GenerationCounts struct {
	TotalCells int
	TotalRows  int
	Success    int
}

// Failed returns the count of terminal-failed rows.
func (c GenerationCounts) Failed() int {
	if c.TotalRows > c.Success {
		return c.TotalRows - c.Success
	}
	return 0
}

// Store is the persistence surface used by the pipeline and the API layer.
// Methods that persist multiple rows do so in a single transaction; no
// implementation holds a transaction across network I/O.
type Store interface {
	// Companies.
	UpsertCompanyByWebsite(ctx context.Context, websiteURL, name, companyContext string) (*Company, error)
	GetCompany(ctx context.Context, id uuid.UUID) (*Company, error)

	// Guides.
	CreateGuide(ctx context.Context, guide *Guide) error
	GetGuide(ctx context.Context, id uuid.UUID) (*Guide, error)

	// ClaimStatus atomically sets the guide status to "to" iff it currently
	// equals "from", returning whether the single row was updated. This is
	// the claim primitive that serializes phase entry; there is no
	// read-then-write variant.
	ClaimStatus(ctx context.Context, guideID uuid.UUID, from, to status.Status) (bool, error)

	// SetStatus unconditionally moves the guide to a status, recording an
	// optional error message. Executors only call it for the success/failure
	// transition of a phase they have already claimed.
	SetStatus(ctx context.Context, guideID uuid.UUID, to status.Status, errorMessage string) error

	// Artifacts and audit.
	UpsertArtifact(ctx context.Context, artifact *Artifact) error
	GetArtifact(ctx context.Context, guideID uuid.UUID, artifactType string) (*Artifact, error)
	AppendParseRun(ctx context.Context, run *ParseRun) error

	// Matrix.
	PersistParsedMatrix(ctx context.Context, persist MatrixPersist) error
	ListLevels(ctx context.Context, guideID uuid.UUID) ([]Level, error)
	GetLevel(ctx context.Context, guideID, levelID uuid.UUID) (*Level, error)
	ListCompetencies(ctx context.Context, guideID uuid.UUID) ([]Competency, error)
	ListCells(ctx context.Context, guideID uuid.UUID) ([]Cell, error)
	ListCellsForLevel(ctx context.Context, guideID, levelID uuid.UUID, competencyIDs []uuid.UUID) ([]Cell, error)
	CountCells(ctx context.Context, guideID uuid.UUID) (int, error)

	// Generations.
	GetCellGeneration(ctx context.Context, cellID uuid.UUID, promptName, promptVersion string) (*CellGeneration, error)
	UpsertCellGenerations(ctx context.Context, rows []CellGeneration) error
	CountGenerations(ctx context.Context, guideID uuid.UUID, promptName, promptVersion string) (GenerationCounts, error)
	ListGenerations(ctx context.Context, guideID uuid.UUID, promptName, promptVersion string) ([]CellGeneration, error)
}
