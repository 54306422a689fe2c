package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levelingai/levelingai/status"
	"github.com/levelingai/levelingai/store"
)

func newGuide(t *testing.T, s *Store, st status.Status) *store.Guide {
	t.Helper()
	guide := &store.Guide{
		CompanyID: uuid.New(),
		RoleTitle: "Software Engineer",
		PDFPath:   "companies/x/guides/y/guide.pdf",
		Status:    st,
	}
	require.NoError(t, s.CreateGuide(context.Background(), guide))
	return guide
}

func TestClaimStatus_ClaimThenReclaim(t *testing.T) {
	s := New()
	ctx := context.Background()
	guide := newGuide(t, s, status.Queued)

	ok, err := s.ClaimStatus(ctx, guide.ID, status.Queued, status.ExtractingText)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimStatus(ctx, guide.ID, status.Queued, status.ExtractingText)
	require.NoError(t, err)
	assert.False(t, ok, "second claim from the same status must fail")

	got, err := s.GetGuide(ctx, guide.ID)
	require.NoError(t, err)
	assert.Equal(t, status.ExtractingText, got.Status)
}

func TestClaimStatus_ExactlyOneWinnerUnderConcurrency(t *testing.T) {
	s := New()
	ctx := context.Background()
	guide := newGuide(t, s, status.MatrixParsed)

	const workers = 32
	var wins atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			ok, err := s.ClaimStatus(ctx, guide.ID, status.MatrixParsed, status.GeneratingExamples)
			require.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
}

func TestUpsertArtifact_LatestWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	guide := newGuide(t, s, status.Queued)

	first := &store.Artifact{GuideID: guide.ID, Type: store.ArtifactPDFText, ContentJSON: []byte(`{"v":1}`)}
	require.NoError(t, s.UpsertArtifact(ctx, first))

	second := &store.Artifact{GuideID: guide.ID, Type: store.ArtifactPDFText, ContentJSON: []byte(`{"v":2}`)}
	require.NoError(t, s.UpsertArtifact(ctx, second))

	got, err := s.GetArtifact(ctx, guide.ID, store.ArtifactPDFText)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID, "upsert keeps the row identity")
	assert.JSONEq(t, `{"v":2}`, string(got.ContentJSON))
}

func TestPersistParsedMatrix_UpsertIsStableAcrossReparses(t *testing.T) {
	s := New()
	ctx := context.Background()
	guide := newGuide(t, s, status.ParsingMatrix)

	persist := store.MatrixPersist{
		GuideID:  guide.ID,
		Artifact: store.Artifact{GuideID: guide.ID, Type: store.ArtifactMatrixJSON, ContentJSON: []byte(`{}`)},
		Levels: []store.Level{
			{Code: "L1", Position: 0},
			{Code: "L2", Position: 1},
		},
		Competencies: []store.Competency{
			{Name: "Craft", Position: 0},
		},
		Cells: []store.CellSpec{
			{CompetencyName: "Craft", LevelCode: "L1", DefinitionText: "writes tested code"},
			{CompetencyName: "Craft", LevelCode: "L2", DefinitionText: "designs components"},
		},
		ParseRun: store.ParseRun{GuideID: guide.ID, Strategy: "PARSE_MATRIX_LLM_V1", Outcome: store.OutcomeSuccess},
		ToStatus: status.MatrixParsed,
	}
	require.NoError(t, s.PersistParsedMatrix(ctx, persist))

	levels, err := s.ListLevels(ctx, guide.ID)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	firstL1 := levels[0].ID

	// Re-parse with updated text: same identity, replaced content.
	persist.Cells[0].DefinitionText = "writes well-tested code"
	require.NoError(t, s.PersistParsedMatrix(ctx, persist))

	levels, err = s.ListLevels(ctx, guide.ID)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, firstL1, levels[0].ID)

	cells, err := s.ListCells(ctx, guide.ID)
	require.NoError(t, err)
	require.Len(t, cells, 2)

	n, err := s.CountCells(ctx, guide.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	runs := s.ParseRuns(guide.ID)
	assert.Len(t, runs, 2, "parse runs are append-only")
}

func TestUpsertCellGenerations_KeyUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	guide := newGuide(t, s, status.GeneratingExamples)
	cellID := uuid.New()

	row := store.CellGeneration{
		GuideID:       guide.ID,
		CellID:        cellID,
		PromptName:    "generate_examples_batch",
		PromptVersion: "v1",
		Outcome:       store.OutcomeFailed,
		ErrorMessage:  "validation failed",
	}
	require.NoError(t, s.UpsertCellGenerations(ctx, []store.CellGeneration{row}))

	row.Outcome = store.OutcomeSuccess
	row.ErrorMessage = ""
	row.ContentJSON = []byte(`{"examples":[]}`)
	require.NoError(t, s.UpsertCellGenerations(ctx, []store.CellGeneration{row}))

	rows, err := s.ListGenerations(ctx, guide.ID, "generate_examples_batch", "v1")
	require.NoError(t, err)
	require.Len(t, rows, 1, "same (cell, prompt, version) key must not duplicate")
	assert.Equal(t, store.OutcomeSuccess, rows[0].Outcome)

	counts, err := s.CountGenerations(ctx, guide.ID, "generate_examples_batch", "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.TotalRows)
	assert.Equal(t, 1, counts.Success)
	assert.Equal(t, 0, counts.Failed())
}

func TestUpsertCompanyByWebsite(t *testing.T) {
	s := New()
	ctx := context.Background()

	a, err := s.UpsertCompanyByWebsite(ctx, "https://acme.example", "Acme", "")
	require.NoError(t, err)

	b, err := s.UpsertCompanyByWebsite(ctx, "https://acme.example", "", "b2b widgets")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "Acme", b.Name, "existing name survives empty update")
	assert.Equal(t, "b2b widgets", b.Context)
}
