package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/levelingai/levelingai/apperr"
	"github.com/levelingai/levelingai/llm"
	"github.com/levelingai/levelingai/status"
	"github.com/levelingai/levelingai/storage"
	"github.com/levelingai/levelingai/store"
)

// parseStrategy labels the LLM parsing audit rows.
const parseStrategy = "PARSE_MATRIX_LLM_V1"

// ParsedMatrix is the structured output of the parse_matrix prompt.
type ParsedMatrix struct {
	Confidence   float64            `json:"confidence"`
	Role         string             `json:"role"`
	Levels       []string           `json:"levels"`
	Competencies []ParsedCompetency `json:"competencies"`
	Notes        string             `json:"notes"`
}

// ParsedCompetency is one matrix row: definition text keyed by level label.
type ParsedCompetency struct {
	Name  string            `json:"name"`
	Cells map[string]string `json:"cells"`
}

var parsedMatrixSchema = llm.MustSchema("parsed_matrix", `{
	"type": "object",
	"required": ["confidence", "levels", "competencies"],
	"properties": {
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"role": {"type": ["string", "null"]},
		"levels": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string"}
		},
		"competencies": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "cells"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"cells": {
						"type": "object",
						"additionalProperties": {"type": "string"}
					}
				}
			}
		},
		"notes": {"type": ["string", "null"]}
	}
}`)

// ParseResult reports the outcome of one parse invocation.
type ParseResult struct {
	GuideID      uuid.UUID     `json:"guide_id"`
	Status       status.Status `json:"status"`
	Claimed      bool          `json:"claimed"`
	Levels       int           `json:"levels,omitempty"`
	Competencies int           `json:"competencies,omitempty"`
	Confidence   float64       `json:"confidence,omitempty"`
}

// ParseMatrix runs the parse phase: claim TEXT_EXTRACTED -> PARSING_MATRIX,
// load the extracted text, ask the LLM for the structured matrix, and persist
// levels, competencies, cells, artifact, and audit row in one transaction.
func (p *Pipeline) ParseMatrix(ctx context.Context, guideID uuid.UUID) (*ParseResult, error) {
	guide, err := p.getGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}

	claimed, err := p.claim(ctx, guideID, status.TextExtracted, status.ParsingMatrix)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &ParseResult{GuideID: guideID, Status: guide.Status}, nil
	}

	logger := p.logger.With("guide_id", guideID, "phase", "parse")

	artifact, err := p.store.GetArtifact(ctx, guideID, store.ArtifactPDFText)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, p.failParse(ctx, guideID, 0, apperr.NotFound("PDF_TEXT artifact missing"))
		}
		return nil, err
	}

	var textRef pdfTextArtifact
	if err := json.Unmarshal(artifact.ContentJSON, &textRef); err != nil {
		return nil, p.failParse(ctx, guideID, 0, apperr.Wrap(apperr.CodeInternal, err, "decode PDF_TEXT artifact"))
	}

	raw, err := p.blobs.Download(ctx, storage.Object{Bucket: textRef.Bucket, Path: textRef.Path})
	if err != nil {
		return nil, err
	}
	text := sanitizeForPrompt(string(raw))

	var parsed ParsedMatrix
	resp, err := p.gateway.GenerateStructured(ctx, llm.GenerateInput{
		Purpose:       "parse_matrix",
		PromptName:    "parse_matrix",
		PromptVersion: "v1",
		Variables:     map[string]string{"text": text},
	}, parsedMatrixSchema, &parsed)
	if err != nil {
		if llm.IsTransient(err) {
			// Put the guide back to TEXT_EXTRACTED so the runner's redelivery
			// can win the claim again.
			if resetErr := p.setStatus(ctx, guideID, status.TextExtracted, ""); resetErr != nil {
				logger.Error("failed to reset status for retry", "error", resetErr)
			}
			return nil, err
		}
		return nil, p.failParse(ctx, guideID, 0, apperr.Wrap(apperr.CodeLLMNonRetryable, err, "matrix parsing failed"))
	}

	levels, comps, cells := matrixRows(guideID, parsed)
	if len(levels) == 0 || len(comps) == 0 {
		return nil, p.failParse(ctx, guideID, parsed.Confidence,
			apperr.Validation("parsed matrix has no levels or competencies"))
	}

	payload, err := json.Marshal(parsed)
	if err != nil {
		return nil, p.failParse(ctx, guideID, parsed.Confidence, apperr.Wrap(apperr.CodeInternal, err, "marshal matrix payload"))
	}

	persist := store.MatrixPersist{
		GuideID:          guideID,
		Artifact:         store.Artifact{GuideID: guideID, Type: store.ArtifactMatrixJSON, ContentJSON: payload},
		Levels:           levels,
		Competencies:     comps,
		Cells:            cells,
		SourceArtifactID: artifact.ID,
		ParseRun: store.ParseRun{
			GuideID:         guideID,
			Strategy:        parseStrategy,
			Outcome:         store.OutcomeSuccess,
			Confidence:      parsed.Confidence,
			Model:           resp.Model,
			PromptVersion:   "v1",
			InputArtifactID: artifact.ID,
		},
		ToStatus: status.MatrixParsed,
	}
	if err := p.store.PersistParsedMatrix(ctx, persist); err != nil {
		return nil, p.failParse(ctx, guideID, parsed.Confidence, apperr.Wrap(apperr.CodeInternal, err, "persist parsed matrix"))
	}
	if p.metrics != nil {
		p.metrics.StatusTransitions.WithLabelValues(string(status.MatrixParsed)).Inc()
	}

	logger.Info("matrix parsed",
		"levels", len(levels), "competencies", len(comps), "cells", len(cells),
		"confidence", parsed.Confidence)

	return &ParseResult{
		GuideID:      guideID,
		Status:       status.MatrixParsed,
		Claimed:      true,
		Levels:       len(levels),
		Competencies: len(comps),
		Confidence:   parsed.Confidence,
	}, nil
}

// failParse records the failed audit row, moves the guide to FAILED_PARSE,
// and returns the original error for the caller.
func (p *Pipeline) failParse(ctx context.Context, guideID uuid.UUID, confidence float64, cause error) error {
	if err := p.store.AppendParseRun(ctx, &store.ParseRun{
		GuideID:       guideID,
		Strategy:      parseStrategy,
		Outcome:       store.OutcomeFailed,
		Confidence:    confidence,
		PromptVersion: "v1",
		ErrorMessage:  cause.Error(),
	}); err != nil {
		p.logger.Error("failed to append parse audit row", "guide_id", guideID, "error", err)
	}
	if err := p.setStatus(ctx, guideID, status.FailedParse, cause.Error()); err != nil {
		p.logger.Error("failed to set FAILED_PARSE", "guide_id", guideID, "error", err)
	}
	return cause
}

// matrixRows flattens the parsed payload into ordered store rows. Cells with
// labels the payload never declared are dropped rather than invented.
func matrixRows(guideID uuid.UUID, parsed ParsedMatrix) ([]store.Level, []store.Competency, []store.CellSpec) {
	levels := make([]store.Level, 0, len(parsed.Levels))
	known := make(map[string]bool, len(parsed.Levels))
	for i, code := range parsed.Levels {
		code = strings.TrimSpace(code)
		if code == "" || known[code] {
			continue
		}
		known[code] = true
		levels = append(levels, store.Level{GuideID: guideID, Code: code, Position: i})
	}

	comps := make([]store.Competency, 0, len(parsed.Competencies))
	cells := make([]store.CellSpec, 0, len(parsed.Competencies)*len(levels))
	seen := make(map[string]bool, len(parsed.Competencies))
	for i, comp := range parsed.Competencies {
		name := strings.TrimSpace(comp.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		comps = append(comps, store.Competency{GuideID: guideID, Name: name, Position: i})

		for levelCode, definition := range comp.Cells {
			levelCode = strings.TrimSpace(levelCode)
			definition = strings.TrimSpace(definition)
			if !known[levelCode] || definition == "" {
				continue
			}
			cells = append(cells, store.CellSpec{
				CompetencyName: name,
				LevelCode:      levelCode,
				DefinitionText: definition,
			})
		}
	}
	return levels, comps, cells
}

// sanitizeForPrompt strips NULs, normalizes newlines, and replaces double
// quotes with single quotes to reduce JSON breakage in the model output.
func sanitizeForPrompt(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, `"`, "'")
	return text
}
