package pipeline

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/levelingai/levelingai/apperr"
	"github.com/levelingai/levelingai/pdf"
	"github.com/levelingai/levelingai/status"
	"github.com/levelingai/levelingai/storage"
	"github.com/levelingai/levelingai/store"
)

// minExtractConfidence gates the transition to TEXT_EXTRACTED. Below it (or
// for a likely-scanned PDF) the guide terminates as FAILED_BAD_PDF.
const minExtractConfidence = 0.20

const badPDFMessage = "PDF looks scanned/empty or has too little extractable text; no OCR is performed"

// ExtractResult reports the outcome of one extract invocation.
type ExtractResult struct {
	GuideID uuid.UUID     `json:"guide_id"`
	Status  status.Status `json:"status"`
	Claimed bool          `json:"claimed"`
	Engine  string        `json:"engine,omitempty"`
	Quality *pdf.Report   `json:"quality,omitempty"`
}

// pdfTextArtifact is the MATRIX-phase input persisted as the PDF_TEXT
// artifact: a pointer to the text blob plus the quality report.
type pdfTextArtifact struct {
	Bucket  string     `json:"bucket"`
	Path    string     `json:"path"`
	Engine  string     `json:"engine"`
	Quality pdf.Report `json:"quality"`
}

// ExtractText runs the extract phase: claim QUEUED -> EXTRACTING_TEXT,
// download the PDF, extract and score text, persist the text blob and the
// PDF_TEXT artifact, and transition to TEXT_EXTRACTED or FAILED_BAD_PDF.
func (p *Pipeline) ExtractText(ctx context.Context, guideID uuid.UUID) (*ExtractResult, error) {
	guide, err := p.getGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}

	claimed, err := p.claim(ctx, guideID, status.Queued, status.ExtractingText)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Replay of a finished or in-flight extraction: report the current
		// status without touching anything.
		return &ExtractResult{GuideID: guideID, Status: guide.Status}, nil
	}

	logger := p.logger.With("guide_id", guideID, "phase", "extract")

	pdfObj := storage.Object{Bucket: p.blobs.Bucket(), Path: guide.PDFPath}
	data, err := p.blobs.Download(ctx, pdfObj)
	if err != nil {
		return nil, err
	}

	result, err := p.extractor.Extract(data)
	if err != nil {
		// No engine produced text. Terminal: record the audit row and fail
		// the guide the same way a scanned PDF does.
		appErr := apperr.Wrap(apperr.CodeValidation, err, "text extraction failed")
		p.recordExtractFailure(ctx, guideID, "EXTRACT_FAILED", 0, appErr.Message)
		return nil, appErr
	}

	report := result.Quality
	logger.Info("extracted text",
		"engine", result.Engine,
		"pages", result.Extracted.PageCount,
		"chars", report.CharCount,
		"confidence", report.Confidence)

	textObj := storage.Object{Bucket: p.blobs.Bucket(), Path: storage.TextPathFor(guide.PDFPath)}
	if err := p.blobs.UploadText(ctx, textObj, result.Extracted.Text); err != nil {
		return nil, err
	}

	content, err := json.Marshal(pdfTextArtifact{
		Bucket:  textObj.Bucket,
		Path:    textObj.Path,
		Engine:  result.Engine,
		Quality: report,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "marshal PDF_TEXT artifact")
	}
	artifact := store.Artifact{GuideID: guideID, Type: store.ArtifactPDFText, ContentJSON: content}
	if err := p.store.UpsertArtifact(ctx, &artifact); err != nil {
		return nil, err
	}

	strategy := pdf.StrategyName(result.Engine)

	if report.IsScannedLikely || report.Confidence < minExtractConfidence {
		p.recordExtractFailure(ctx, guideID, strategy, report.Confidence, badPDFMessage)
		logger.Warn("PDF rejected", "scanned_likely", report.IsScannedLikely, "confidence", report.Confidence)
		return &ExtractResult{
			GuideID: guideID,
			Status:  status.FailedBadPDF,
			Claimed: true,
			Engine:  result.Engine,
			Quality: &report,
		}, nil
	}

	if err := p.store.AppendParseRun(ctx, &store.ParseRun{
		GuideID:          guideID,
		Strategy:         strategy,
		Outcome:          store.OutcomeSuccess,
		Confidence:       report.Confidence,
		OutputArtifactID: artifact.ID,
	}); err != nil {
		return nil, err
	}
	if err := p.setStatus(ctx, guideID, status.TextExtracted, ""); err != nil {
		return nil, err
	}

	return &ExtractResult{
		GuideID: guideID,
		Status:  status.TextExtracted,
		Claimed: true,
		Engine:  result.Engine,
		Quality: &report,
	}, nil
}

// recordExtractFailure writes the audit row and terminal status for a bad
// PDF. Best-effort: a failure to record must not mask the original error.
func (p *Pipeline) recordExtractFailure(ctx context.Context, guideID uuid.UUID, strategy string, confidence float64, message string) {
	if err := p.store.AppendParseRun(ctx, &store.ParseRun{
		GuideID:      guideID,
		Strategy:     strategy,
		Outcome:      store.OutcomeFailed,
		Confidence:   confidence,
		ErrorMessage: message,
	}); err != nil {
		p.logger.Error("failed to append extract audit row", "guide_id", guideID, "error", err)
	}
	if err := p.setStatus(ctx, guideID, status.FailedBadPDF, message); err != nil {
		p.logger.Error("failed to set FAILED_BAD_PDF", "guide_id", guideID, "error", err)
	}
}

func (p *Pipeline) getGuide(ctx context.Context, guideID uuid.UUID) (*store.Guide, error) {
	guide, err := p.store.GetGuide(ctx, guideID)
	if err == store.ErrNotFound {
		return nil, apperr.NotFound("guide %s not found", guideID)
	}
	return guide, err
}
