// Package pdf provides deterministic PDF text extraction with a pluggable
// engine chain, plus cheap explainable quality scoring of the result. No OCR:
// scanned PDFs come out empty and are flagged by the quality report.
package pdf

import (
	"fmt"
	"log/slog"

	"github.com/levelingai/levelingai/apperr"
)

// Extracted is the raw output of one engine.
type Extracted struct {
	Text          string
	PageCount     int
	PagesWithText int
}

// Engine extracts embedded text from PDF bytes.
type Engine interface {
	Name() string
	Extract(data []byte) (*Extracted, error)
}

// Result pairs the extracted text with the engine that produced it and the
// quality report scored over it.
type Result struct {
	Extracted Extracted
	Engine    string
	Quality   Report
}

// Extractor tries each engine in order and scores the first success.
type Extractor struct {
	engines []Engine
	logger  *slog.Logger
}

// NewExtractor creates an extractor over the given engine chain. With no
// engines it defaults to MuPDF first, the pure-Go reader as fallback.
func NewExtractor(logger *slog.Logger, engines ...Engine) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if len(engines) == 0 {
		engines = []Engine{FitzEngine{}, PDFLibEngine{}}
	}
	return &Extractor{engines: engines, logger: logger}
}

// Extract runs the engine chain over the PDF bytes.
func (e *Extractor) Extract(data []byte) (*Result, error) {
	if len(data) == 0 {
		return nil, apperr.Validation("empty PDF bytes")
	}

	var lastErr error
	for _, engine := range e.engines {
		extracted, err := engine.Extract(data)
		if err != nil {
			e.logger.Warn("PDF engine failed, trying next",
				"engine", engine.Name(), "error", err)
			lastErr = err
			continue
		}
		return &Result{
			Extracted: *extracted,
			Engine:    engine.Name(),
			Quality:   Score(extracted.Text, extracted.PageCount, extracted.PagesWithText),
		}, nil
	}

	if lastErr == nil {
		return nil, apperr.New(apperr.CodeConfig, "no PDF extraction engine configured")
	}
	return nil, apperr.Wrap(apperr.CodeValidation, lastErr, "all PDF engines failed")
}

// StrategyName returns the audit-row strategy label for an engine name,
// e.g. "EXTRACT_FITZ".
func StrategyName(engine string) string {
	out := make([]byte, 0, len(engine))
	for i := 0; i < len(engine); i++ {
		c := engine[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return fmt.Sprintf("EXTRACT_%s", out)
}
