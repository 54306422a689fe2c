package pdf

import (
	"bytes"
	"fmt"
	"strings"

	pdflib "github.com/ledongthuc/pdf"
)

// PDFLibEngine is the pure-Go fallback. Weaker on layout than MuPDF but has
// no cgo dependency, so it works anywhere the binary runs.
type PDFLibEngine struct{}

func (PDFLibEngine) Name() string { return "pdflib" }

func (PDFLibEngine) Extract(data []byte) (out *Extracted, err error) {
	// The underlying reader panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("reader panic: %v", r)
		}
	}()

	reader, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}

	var (
		sb            strings.Builder
		pagesWithText int
	)
	pageCount := reader.NumPage()
	for i := 1; i <= pageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			pagesWithText++
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	return &Extracted{
		Text:          sb.String(),
		PageCount:     pageCount,
		PagesWithText: pagesWithText,
	}, nil
}
