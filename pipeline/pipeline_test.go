package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levelingai/levelingai/apperr"
	"github.com/levelingai/levelingai/llm"
	"github.com/levelingai/levelingai/pdf"
	"github.com/levelingai/levelingai/status"
	"github.com/levelingai/levelingai/storage"
	"github.com/levelingai/levelingai/store"
	"github.com/levelingai/levelingai/store/memory"
)

type fakeBlobs struct {
	bucket  string
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{bucket: "leveling-guides", objects: make(map[string][]byte)}
}

func (b *fakeBlobs) Bucket() string { return b.bucket }

func (b *fakeBlobs) UploadText(_ context.Context, obj storage.Object, text string) error {
	b.objects[obj.Path] = []byte(text)
	return nil
}

func (b *fakeBlobs) SignedURL(_ context.Context, obj storage.Object, _ time.Duration) (string, error) {
	return "https://signed.example/" + obj.Path, nil
}

func (b *fakeBlobs) Download(_ context.Context, obj storage.Object) ([]byte, error) {
	data, ok := b.objects[obj.Path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", obj.Path)
	}
	return data, nil
}

// fakeGateway scripts GenerateStructured by call index.
type fakeGateway struct {
	calls   []llm.GenerateInput
	respond func(in llm.GenerateInput, call int) (string, error)
}

func (g *fakeGateway) GenerateStructured(_ context.Context, in llm.GenerateInput, schema *llm.Schema, out any) (*llm.Response, error) {
	call := len(g.calls)
	g.calls = append(g.calls, in)

	payload, err := g.respond(in, call)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate([]byte(payload), out); err != nil {
		return nil, err
	}
	return &llm.Response{TraceID: "trace-" + fmt.Sprint(call), Provider: "stub", Model: "stub-model", OutputText: payload}, nil
}

type enqueued struct {
	task      string
	args      TaskArgs
	countdown time.Duration
}

type fakeQueue struct {
	items []enqueued
}

func (q *fakeQueue) Enqueue(_ context.Context, task string, args TaskArgs, countdown time.Duration) error {
	q.items = append(q.items, enqueued{task: task, args: args, countdown: countdown})
	return nil
}

type fakeExtractor struct {
	result *pdf.Result
	err    error
}

func (e *fakeExtractor) Extract(_ []byte) (*pdf.Result, error) {
	return e.result, e.err
}

type env struct {
	pipeline  *Pipeline
	store     *memory.Store
	blobs     *fakeBlobs
	gateway   *fakeGateway
	queue     *fakeQueue
	extractor *fakeExtractor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:     memory.New(),
		blobs:     newFakeBlobs(),
		gateway:   &fakeGateway{},
		queue:     &fakeQueue{},
		extractor: &fakeExtractor{},
	}
	e.pipeline = New(e.store, e.blobs, e.gateway, e.extractor, e.queue, Config{Model: "stub-model"})
	return e
}

func (e *env) seedGuide(t *testing.T, st status.Status) *store.Guide {
	t.Helper()
	ctx := context.Background()

	company, err := e.store.UpsertCompanyByWebsite(ctx, "https://acme.example", "Acme", "")
	require.NoError(t, err)

	guide := &store.Guide{
		CompanyID:        company.ID,
		RoleTitle:        "Software Engineer",
		PDFPath:          "companies/" + company.ID.String() + "/guides/obj/guide.pdf",
		OriginalFilename: "guide.pdf",
		MimeType:         "application/pdf",
		Status:           st,
	}
	require.NoError(t, e.store.CreateGuide(ctx, guide))
	e.blobs.objects[guide.PDFPath] = []byte("%PDF-1.4 fake")
	return guide
}

// seedMatrix persists levels, competencies, and a full cell grid.
func (e *env) seedMatrix(t *testing.T, guideID uuid.UUID, levelCodes, compNames []string) {
	t.Helper()

	levels := make([]store.Level, len(levelCodes))
	for i, code := range levelCodes {
		levels[i] = store.Level{GuideID: guideID, Code: code, Position: i}
	}
	comps := make([]store.Competency, len(compNames))
	for i, name := range compNames {
		comps[i] = store.Competency{GuideID: guideID, Name: name, Position: i}
	}
	var cells []store.CellSpec
	for _, name := range compNames {
		for _, code := range levelCodes {
			cells = append(cells, store.CellSpec{
				CompetencyName: name,
				LevelCode:      code,
				DefinitionText: "Expected behavior for " + name + " at " + code,
			})
		}
	}
	require.NoError(t, e.store.PersistParsedMatrix(context.Background(), store.MatrixPersist{
		GuideID:      guideID,
		Artifact:     store.Artifact{GuideID: guideID, Type: store.ArtifactMatrixJSON, ContentJSON: json.RawMessage(`{}`)},
		Levels:       levels,
		Competencies: comps,
		Cells:        cells,
		ParseRun:     store.ParseRun{GuideID: guideID, Strategy: "PARSE_MATRIX_LLM_V1", Outcome: store.OutcomeSuccess},
		ToStatus:     status.MatrixParsed,
	}))
}

func goodExtract(confidence float64) *pdf.Result {
	return &pdf.Result{
		Extracted: pdf.Extracted{Text: "Level L1 L2 Engineering Craft", PageCount: 3, PagesWithText: 3},
		Engine:    "fitz",
		Quality:   pdf.Report{Confidence: confidence, CharCount: 3000, PrintableRatio: 1.0},
	}
}

// batchOutput renders a valid generate_examples_batch payload covering items.
func batchOutput(level string, competencies []string) string {
	results := make([]map[string]any, 0, len(competencies))
	for _, name := range competencies {
		examples := make([]map[string]string, 0, 3)
		for i := 1; i <= 3; i++ {
			examples = append(examples, map[string]string{
				"title": fmt.Sprintf("%s signal %d", name, i),
				"example": fmt.Sprintf(
					"Led the %s workstream through iteration %d with clear scoping. Partnered with adjacent teams to land the change safely.",
					name, i),
			})
		}
		results = append(results, map[string]any{"competency": name, "examples": examples})
	}
	payload, _ := json.Marshal(map[string]any{"level": level, "results": results})
	return string(payload)
}

func TestExtractTextSuccess(t *testing.T) {
	e := newEnv(t)
	guide := e.seedGuide(t, status.Queued)
	e.extractor.result = goodExtract(0.85)

	res, err := e.pipeline.ExtractText(context.Background(), guide.ID)
	require.NoError(t, err)

	assert.True(t, res.Claimed)
	assert.Equal(t, status.TextExtracted, res.Status)
	assert.Equal(t, "fitz", res.Engine)

	// Text blob lands next to the PDF.
	textPath := storage.TextPathFor(guide.PDFPath)
	assert.Equal(t, []byte("Level L1 L2 Engineering Craft"), e.blobs.objects[textPath])

	artifact, err := e.store.GetArtifact(context.Background(), guide.ID, store.ArtifactPDFText)
	require.NoError(t, err)
	var ref pdfTextArtifact
	require.NoError(t, json.Unmarshal(artifact.ContentJSON, &ref))
	assert.Equal(t, textPath, ref.Path)
	assert.Equal(t, 0.85, ref.Quality.Confidence)

	runs := e.store.ParseRuns(guide.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, "EXTRACT_FITZ", runs[0].Strategy)
	assert.Equal(t, store.OutcomeSuccess, runs[0].Outcome)
}

func TestExtractTextScannedPDF(t *testing.T) {
	e := newEnv(t)
	guide := e.seedGuide(t, status.Queued)
	e.extractor.result = &pdf.Result{
		Extracted: pdf.Extracted{Text: "", PageCount: 5, PagesWithText: 0},
		Engine:    "fitz",
		Quality:   pdf.Report{Confidence: 0.10, IsScannedLikely: true},
	}

	res, err := e.pipeline.ExtractText(context.Background(), guide.ID)
	require.NoError(t, err) // domain outcome, not an infra error

	assert.Equal(t, status.FailedBadPDF, res.Status)

	refreshed, err := e.store.GetGuide(context.Background(), guide.ID)
	require.NoError(t, err)
	assert.Equal(t, status.FailedBadPDF, refreshed.Status)
	assert.Contains(t, refreshed.ErrorMessage, "scanned/empty")

	runs := e.store.ParseRuns(guide.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, store.OutcomeFailed, runs[0].Outcome)
}

func TestExtractTextLowConfidence(t *testing.T) {
	e := newEnv(t)
	guide := e.seedGuide(t, status.Queued)
	e.extractor.result = goodExtract(0.10)

	res, err := e.pipeline.ExtractText(context.Background(), guide.ID)
	require.NoError(t, err)
	assert.Equal(t, status.FailedBadPDF, res.Status)
}

func TestExtractTextDuplicateDelivery(t *testing.T) {
	e := newEnv(t)
	guide := e.seedGuide(t, status.Queued)
	e.extractor.result = goodExtract(0.85)

	_, err := e.pipeline.ExtractText(context.Background(), guide.ID)
	require.NoError(t, err)

	// Redelivery after completion: claim loses, nothing changes.
	res, err := e.pipeline.ExtractText(context.Background(), guide.ID)
	require.NoError(t, err)
	assert.False(t, res.Claimed)
	assert.Equal(t, status.TextExtracted, res.Status)
	assert.Len(t, e.store.ParseRuns(guide.ID), 1)
}

func TestExtractTextAllEnginesFail(t *testing.T) {
	e := newEnv(t)
	guide := e.seedGuide(t, status.Queued)
	e.extractor.err = errors.New("no engine produced text")

	_, err := e.pipeline.ExtractText(context.Background(), guide.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsApp(err))

	refreshed, _ := e.store.GetGuide(context.Background(), guide.ID)
	assert.Equal(t, status.FailedBadPDF, refreshed.Status)
}

func (e *env) extractedGuide(t *testing.T) *store.Guide {
	t.Helper()
	guide := e.seedGuide(t, status.Queued)
	e.extractor.result = goodExtract(0.85)
	_, err := e.pipeline.ExtractText(context.Background(), guide.ID)
	require.NoError(t, err)
	return guide
}

const matrixOutput = `{
	"confidence": 0.9,
	"role": "Software Engineer",
	"levels": ["L1", "L2"],
	"competencies": [
		{"name": "Engineering Craft", "cells": {"L1": "Writes correct code", "L2": "Designs components"}},
		{"name": "Collaboration", "cells": {"L1": "Communicates status", "L2": "Coordinates across teams"}}
	],
	"notes": null
}`

func TestParseMatrixSuccess(t *testing.T) {
	e := newEnv(t)
	guide := e.extractedGuide(t)
	e.gateway.respond = func(llm.GenerateInput, int) (string, error) { return matrixOutput, nil }

	res, err := e.pipeline.ParseMatrix(context.Background(), guide.ID)
	require.NoError(t, err)

	assert.Equal(t, status.MatrixParsed, res.Status)
	assert.Equal(t, 2, res.Levels)
	assert.Equal(t, 2, res.Competencies)
	assert.Equal(t, 0.9, res.Confidence)

	require.Len(t, e.gateway.calls, 1)
	assert.Equal(t, "parse_matrix", e.gateway.calls[0].PromptName)
	assert.Contains(t, e.gateway.calls[0].Variables["text"], "Engineering Craft")

	levels, _ := e.store.ListLevels(context.Background(), guide.ID)
	comps, _ := e.store.ListCompetencies(context.Background(), guide.ID)
	cells, _ := e.store.ListCells(context.Background(), guide.ID)
	assert.Len(t, levels, 2)
	assert.Len(t, comps, 2)
	assert.Len(t, cells, 4)

	_, err = e.store.GetArtifact(context.Background(), guide.ID, store.ArtifactMatrixJSON)
	assert.NoError(t, err)
}

func TestParseMatrixFatalLLMError(t *testing.T) {
	e := newEnv(t)
	guide := e.extractedGuide(t)
	e.gateway.respond = func(llm.GenerateInput, int) (string, error) {
		return "", llm.NewFatalError(errors.New("output failed schema validation after repair"))
	}

	_, err := e.pipeline.ParseMatrix(context.Background(), guide.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeLLMNonRetryable, apperr.CodeOf(err))

	refreshed, _ := e.store.GetGuide(context.Background(), guide.ID)
	assert.Equal(t, status.FailedParse, refreshed.Status)

	runs := e.store.ParseRuns(guide.ID)
	last := runs[len(runs)-1]
	assert.Equal(t, "PARSE_MATRIX_LLM_V1", last.Strategy)
	assert.Equal(t, store.OutcomeFailed, last.Outcome)
}

func TestParseMatrixTransientErrorResetsStatus(t *testing.T) {
	e := newEnv(t)
	guide := e.extractedGuide(t)
	e.gateway.respond = func(llm.GenerateInput, int) (string, error) {
		return "", llm.NewTransientError(errors.New("gemini: status 503"))
	}

	_, err := e.pipeline.ParseMatrix(context.Background(), guide.ID)
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))

	// Status is back where the redelivered task can claim it.
	refreshed, _ := e.store.GetGuide(context.Background(), guide.ID)
	assert.Equal(t, status.TextExtracted, refreshed.Status)
}

func TestParseMatrixEmptyMatrixFails(t *testing.T) {
	e := newEnv(t)
	guide := e.extractedGuide(t)
	e.gateway.respond = func(llm.GenerateInput, int) (string, error) {
		// Levels declared but no usable competency rows survive trimming.
		return `{"confidence": 0.5, "levels": ["L1"], "competencies": [{"name": "  ", "cells": {}}]}`, nil
	}

	_, err := e.pipeline.ParseMatrix(context.Background(), guide.ID)
	require.Error(t, err)

	refreshed, _ := e.store.GetGuide(context.Background(), guide.ID)
	assert.Equal(t, status.FailedParse, refreshed.Status)
}

func TestKickoffFanOut(t *testing.T) {
	e := newEnv(t)
	guide := e.seedGuide(t, status.Queued)
	e.seedMatrix(t, guide.ID, []string{"L1", "L2", "L3"}, []string{"Craft", "Collaboration"})

	res, err := e.pipeline.KickoffGeneration(context.Background(), guide.ID, "")
	require.NoError(t, err)

	assert.True(t, res.Claimed)
	assert.Equal(t, status.GeneratingExamples, res.Status)
	// 2 competencies fit one chunk, so one generate task per level.
	assert.Equal(t, 3, res.TasksEnqueued)
	assert.Equal(t, 2, res.ChunkSize)

	require.Len(t, e.queue.items, 4)
	for _, item := range e.queue.items[:3] {
		assert.Equal(t, TaskGenerateCells, item.task)
		assert.Equal(t, guide.ID, item.args.GuideID)
		assert.Equal(t, 0, item.args.Start)
		assert.Equal(t, 2, item.args.End)
	}
	finalize := e.queue.items[3]
	assert.Equal(t, TaskFinalizeGeneration, finalize.task)
	assert.Equal(t, finalizeDelay, finalize.countdown)
}

func TestKickoffChunksWideMatrix(t *testing.T) {
	e := newEnv(t)
	guide := e.seedGuide(t, status.Queued)

	comps := make([]string, 10)
	for i := range comps {
		comps[i] = fmt.Sprintf("Competency %02d", i)
	}
	e.seedMatrix(t, guide.ID, []string{"L1", "L2"}, comps)

	res, err := e.pipeline.KickoffGeneration(context.Background(), guide.ID, "")
	require.NoError(t, err)

	// 10 competencies above the threshold: default chunk of 6 gives ranges
	// [0,6) and [6,10) per level.
	assert.Equal(t, 6, res.ChunkSize)
	assert.Equal(t, 4, res.TasksEnqueued)

	var ranges [][2]int
	for _, item := range e.queue.items {
		if item.task == TaskGenerateCells {
			ranges = append(ranges, [2]int{item.args.Start, item.args.End})
		}
	}
	assert.Contains(t, ranges, [2]int{0, 6})
	assert.Contains(t, ranges, [2]int{6, 10})
}

func TestKickoffDuplicateEnqueuesNothing(t *testing.T) {
	e := newEnv(t)
	guide := e.seedGuide(t, status.Queued)
	e.seedMatrix(t, guide.ID, []string{"L1"}, []string{"Craft"})

	_, err := e.pipeline.KickoffGeneration(context.Background(), guide.ID, "")
	require.NoError(t, err)
	before := len(e.queue.items)

	res, err := e.pipeline.KickoffGeneration(context.Background(), guide.ID, "")
	require.NoError(t, err)
	assert.False(t, res.Claimed)
	assert.Equal(t, 0, res.TasksEnqueued)
	assert.Len(t, e.queue.items, before)
}

func TestKickoffDoneGuideFastReturn(t *testing.T) {
	e := newEnv(t)
	guide := e.seedGuide(t, status.Queued)
	e.seedMatrix(t, guide.ID, []string{"L1"}, []string{"Craft"})
	require.NoError(t, e.store.SetStatus(context.Background(), guide.ID, status.Done, ""))

	res, err := e.pipeline.KickoffGeneration(context.Background(), guide.ID, "")
	require.NoError(t, err)
	assert.Equal(t, status.Done, res.Status)
	assert.Empty(t, e.queue.items)
}

// generatingGuide seeds a guide mid-generation with the given matrix shape.
func (e *env) generatingGuide(t *testing.T, levelCodes, compNames []string) (*store.Guide, []store.Level) {
	t.Helper()
	guide := e.seedGuide(t, status.Queued)
	e.seedMatrix(t, guide.ID, levelCodes, compNames)
	require.NoError(t, e.store.SetStatus(context.Background(), guide.ID, status.GeneratingExamples, ""))
	levels, err := e.store.ListLevels(context.Background(), guide.ID)
	require.NoError(t, err)
	return guide, levels
}

func TestGenerateChunkSuccess(t *testing.T) {
	e := newEnv(t)
	guide, levels := e.generatingGuide(t, []string{"L1"}, []string{"Craft", "Collaboration"})
	e.gateway.respond = func(in llm.GenerateInput, _ int) (string, error) {
		return batchOutput("L1", []string{"Craft", "Collaboration"}), nil
	}

	res, err := e.pipeline.GenerateChunk(context.Background(), guide.ID, levels[0].ID, 0, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)

	require.Len(t, e.gateway.calls, 1)
	call := e.gateway.calls[0]
	assert.Equal(t, PromptName, call.PromptName)
	assert.Contains(t, call.Variables["base_context"], "Acme")
	assert.Contains(t, call.Variables["base_context"], "Do not guess")
	assert.Equal(t, "L1", call.Variables["level"])

	var items []batchItem
	require.NoError(t, json.Unmarshal([]byte(call.Variables["items_json"]), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "Craft", items[0].Competency)

	counts, err := e.store.CountGenerations(context.Background(), guide.ID, PromptName, "v1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts.TotalRows)
	assert.Equal(t, 2, counts.Success)
}

func TestGenerateChunkSkipsCompletedCells(t *testing.T) {
	e := newEnv(t)
	guide, levels := e.generatingGuide(t, []string{"L1"}, []string{"Craft", "Collaboration"})
	e.gateway.respond = func(llm.GenerateInput, int) (string, error) {
		return batchOutput("L1", []string{"Craft", "Collaboration"}), nil
	}
	_, err := e.pipeline.GenerateChunk(context.Background(), guide.ID, levels[0].ID, 0, 2, "")
	require.NoError(t, err)

	// Redelivery: every targeted cell already has a SUCCESS row.
	res, err := e.pipeline.GenerateChunk(context.Background(), guide.ID, levels[0].ID, 0, 2, "")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "already_done", res.Reason)
	assert.Len(t, e.gateway.calls, 1)
}

func TestGenerateChunkRepairsInvalidOutput(t *testing.T) {
	e := newEnv(t)
	guide, levels := e.generatingGuide(t, []string{"L1"}, []string{"Craft"})
	e.gateway.respond = func(in llm.GenerateInput, call int) (string, error) {
		if call == 0 {
			// Only 2 examples: fails the exactly-3 rule.
			return `{"level": "L1", "results": [{"competency": "Craft", "examples": [
				{"title": "a", "example": "Did one thing well. Then shipped it."},
				{"title": "b", "example": "Did another thing well. Then shipped it too."}
			]}]}`, nil
		}
		return batchOutput("L1", []string{"Craft"}), nil
	}

	res, err := e.pipeline.GenerateChunk(context.Background(), guide.ID, levels[0].ID, 0, 1, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	require.Len(t, e.gateway.calls, 2)
	repair := e.gateway.calls[1]
	assert.Contains(t, repair.Variables["__REPAIR_INSTRUCTIONS__"], "exactly one entry per input competency")

	counts, _ := e.store.CountGenerations(context.Background(), guide.ID, PromptName, "v1")
	assert.Equal(t, 1, counts.Success)
}

func TestGenerateChunkDoubleFailurePersistsFailedRows(t *testing.T) {
	e := newEnv(t)
	guide, levels := e.generatingGuide(t, []string{"L1"}, []string{"Craft"})
	e.gateway.respond = func(llm.GenerateInput, int) (string, error) {
		// Forbidden infra term absent from the inputs.
		return `{"level": "L1", "results": [{"competency": "Craft", "examples": [
			{"title": "a", "example": "Migrated the service to kubernetes. It went fine."},
			{"title": "b", "example": "Did a second thing carefully. Then verified it."},
			{"title": "c", "example": "Did a third thing carefully. Then verified it."}
		]}]}`, nil
	}

	_, err := e.pipeline.GenerateChunk(context.Background(), guide.ID, levels[0].ID, 0, 1, "")
	require.Error(t, err)
	assert.True(t, apperr.IsApp(err))
	assert.Len(t, e.gateway.calls, 2)

	counts, _ := e.store.CountGenerations(context.Background(), guide.ID, PromptName, "v1")
	assert.Equal(t, 1, counts.TotalRows)
	assert.Equal(t, 0, counts.Success)
	assert.Equal(t, 1, counts.Failed())
}

func TestValidateBatchResultMissingCompetency(t *testing.T) {
	out := GenerateExamplesBatchResult{
		Results: []BatchCompetencyResult{{Competency: "Other", Examples: []BatchExample{
			{Title: "a", Example: "One thing. Two things."},
			{Title: "b", Example: "Three things. Four things."},
			{Title: "c", Example: "Five things. Six things."},
		}}},
	}
	err := validateBatchResult(out, []batchItem{{Competency: "Craft", CellText: "x"}}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing competencies")
}

func TestGenerateChunkWrongStatusRejected(t *testing.T) {
	e := newEnv(t)
	guide := e.seedGuide(t, status.Queued)
	e.seedMatrix(t, guide.ID, []string{"L1"}, []string{"Craft"})
	levels, _ := e.store.ListLevels(context.Background(), guide.ID)

	// MATRIX_PARSED, not GENERATING_EXAMPLES: the chunk precondition fails.
	_, err := e.pipeline.GenerateChunk(context.Background(), guide.ID, levels[0].ID, 0, 1, "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestValidateBatchResultRules(t *testing.T) {
	items := []batchItem{{Competency: "Craft", CellText: "Builds reliable systems"}}
	base := "Company name: Acme"

	valid := func() GenerateExamplesBatchResult {
		var out GenerateExamplesBatchResult
		require.NoError(t, json.Unmarshal([]byte(batchOutput("L1", []string{"Craft"})), &out))
		return out
	}

	t.Run("accepts valid output", func(t *testing.T) {
		assert.NoError(t, validateBatchResult(valid(), items, base))
	})

	t.Run("rejects single sentence", func(t *testing.T) {
		out := valid()
		out.Results[0].Examples[0].Example = "One short sentence."
		assert.ErrorContains(t, validateBatchResult(out, items, base), "out of range")
	})

	t.Run("rejects six sentences", func(t *testing.T) {
		out := valid()
		out.Results[0].Examples[0].Example = strings.Repeat("A full sentence here. ", 6)
		assert.ErrorContains(t, validateBatchResult(out, items, base), "out of range")
	})

	t.Run("rejects duplicate examples", func(t *testing.T) {
		out := valid()
		out.Results[0].Examples[1].Example = out.Results[0].Examples[0].Example + "  "
		assert.ErrorContains(t, validateBatchResult(out, items, base), "duplicate")
	})

	t.Run("allows forbidden term present in cell text", func(t *testing.T) {
		out := valid()
		out.Results[0].Examples[0].Example = "Tuned the postgres query plan for the hot path. Latency dropped by half."
		grounded := []batchItem{{Competency: "Craft", CellText: "Optimizes postgres workloads"}}
		assert.NoError(t, validateBatchResult(out, grounded, base))
	})

	t.Run("rejects result count mismatch", func(t *testing.T) {
		out := valid()
		out.Results = append(out.Results, out.Results[0])
		assert.ErrorContains(t, validateBatchResult(out, items, base), "expected 1 results")
	})
}

func TestFinalizeNotSettledWhileInFlight(t *testing.T) {
	e := newEnv(t)
	guide, _ := e.generatingGuide(t, []string{"L1", "L2"}, []string{"Craft"})

	res, err := e.pipeline.FinalizeGeneration(context.Background(), guide.ID, "")
	require.NoError(t, err)
	assert.False(t, res.Settled)
	assert.Equal(t, status.GeneratingExamples, res.Status)
	assert.Equal(t, 2, res.TotalCells)
	assert.Equal(t, 0, res.TotalRows)
}

func TestFinalizeAllSuccessGoesDone(t *testing.T) {
	e := newEnv(t)
	guide, levels := e.generatingGuide(t, []string{"L1"}, []string{"Craft", "Collaboration"})
	e.gateway.respond = func(llm.GenerateInput, int) (string, error) {
		return batchOutput("L1", []string{"Craft", "Collaboration"}), nil
	}
	_, err := e.pipeline.GenerateChunk(context.Background(), guide.ID, levels[0].ID, 0, 2, "")
	require.NoError(t, err)

	res, err := e.pipeline.FinalizeGeneration(context.Background(), guide.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, status.Done, res.Status)
	assert.Equal(t, 2, res.Success)
}

func TestFinalizePartialFailureGoesFailedGeneration(t *testing.T) {
	e := newEnv(t)
	guide, _ := e.generatingGuide(t, []string{"L1"}, []string{"Craft", "Collaboration"})

	cells, err := e.store.ListCells(context.Background(), guide.ID)
	require.NoError(t, err)
	require.Len(t, cells, 2)

	rows := []store.CellGeneration{
		{GuideID: guide.ID, CellID: cells[0].ID, PromptName: PromptName, PromptVersion: "v1",
			Outcome: store.OutcomeSuccess, ContentJSON: json.RawMessage(`{"examples":[]}`)},
		{GuideID: guide.ID, CellID: cells[1].ID, PromptName: PromptName, PromptVersion: "v1",
			Outcome: store.OutcomeFailed, ErrorMessage: "LLM validation failed"},
	}
	require.NoError(t, e.store.UpsertCellGenerations(context.Background(), rows))

	res, err := e.pipeline.FinalizeGeneration(context.Background(), guide.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, status.FailedGeneration, res.Status)
	assert.Equal(t, 1, res.Failed)
}

func TestFinalizeTerminalFastReturn(t *testing.T) {
	e := newEnv(t)
	guide := e.seedGuide(t, status.Queued)
	require.NoError(t, e.store.SetStatus(context.Background(), guide.ID, status.FailedBadPDF, "bad pdf"))

	res, err := e.pipeline.FinalizeGeneration(context.Background(), guide.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, status.FailedBadPDF, res.Status)
}

func TestGetResultsRendersMatrix(t *testing.T) {
	e := newEnv(t)
	guide, levels := e.generatingGuide(t, []string{"L1", "L2"}, []string{"Craft"})

	cells, err := e.store.ListCells(context.Background(), guide.ID)
	require.NoError(t, err)

	var l1Cell store.Cell
	for _, c := range cells {
		if c.LevelID == levels[0].ID {
			l1Cell = c
		}
	}
	require.NoError(t, e.store.UpsertCellGenerations(context.Background(), []store.CellGeneration{{
		GuideID: guide.ID, CellID: l1Cell.ID, PromptName: PromptName, PromptVersion: "v1",
		Outcome:     store.OutcomeSuccess,
		ContentJSON: json.RawMessage(`{"examples":[{"title":"t","example":"Did a thing. Then another."}]}`),
	}}))

	res, err := e.pipeline.GetResults(context.Background(), guide.ID, "")
	require.NoError(t, err)

	assert.Equal(t, status.GeneratingExamples, res.Status)
	require.Len(t, res.Levels, 2)
	require.Len(t, res.Competencies, 1)
	require.Len(t, res.Competencies[0].Cells, 2)

	byLevel := make(map[uuid.UUID]ResultCell)
	for _, c := range res.Competencies[0].Cells {
		byLevel[c.LevelID] = c
	}
	done := byLevel[levels[0].ID]
	assert.Equal(t, store.OutcomeSuccess, done.GenerationStatus)
	require.Len(t, done.Examples, 1)
	assert.Equal(t, "t", done.Examples[0].Title)

	pending := byLevel[levels[1].ID]
	assert.Equal(t, CellStatusPending, pending.GenerationStatus)
	assert.Empty(t, pending.Examples)

	assert.Equal(t, Progress{Expected: 2, Completed: 1}, res.Progress)
}

func TestGetResultsMissingCell(t *testing.T) {
	e := newEnv(t)
	guide := e.seedGuide(t, status.Queued)

	// Persist a matrix where one (competency, level) pair has no cell.
	require.NoError(t, e.store.PersistParsedMatrix(context.Background(), store.MatrixPersist{
		GuideID:  guide.ID,
		Artifact: store.Artifact{GuideID: guide.ID, Type: store.ArtifactMatrixJSON, ContentJSON: json.RawMessage(`{}`)},
		Levels: []store.Level{
			{GuideID: guide.ID, Code: "L1", Position: 0},
			{GuideID: guide.ID, Code: "L2", Position: 1},
		},
		Competencies: []store.Competency{{GuideID: guide.ID, Name: "Craft", Position: 0}},
		Cells:        []store.CellSpec{{CompetencyName: "Craft", LevelCode: "L1", DefinitionText: "Builds things"}},
		ParseRun:     store.ParseRun{GuideID: guide.ID, Strategy: "PARSE_MATRIX_LLM_V1", Outcome: store.OutcomeSuccess},
		ToStatus:     status.MatrixParsed,
	}))

	res, err := e.pipeline.GetResults(context.Background(), guide.ID, "")
	require.NoError(t, err)

	require.Len(t, res.Competencies[0].Cells, 2)
	statuses := []string{
		res.Competencies[0].Cells[0].GenerationStatus,
		res.Competencies[0].Cells[1].GenerationStatus,
	}
	assert.Contains(t, statuses, CellStatusMissingCell)
	assert.Contains(t, statuses, CellStatusPending)
}

func TestChunkRanges(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 6}, {6, 10}}, chunkRanges(10, 6))
	assert.Equal(t, [][2]int{{0, 3}}, chunkRanges(3, 3))
	assert.Equal(t, [][2]int{{0, 1}}, chunkRanges(1, 5))
	assert.Nil(t, chunkRanges(0, 5))
}
