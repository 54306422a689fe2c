package pdf

import (
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// FitzEngine extracts text through MuPDF. It is the primary engine: fastest
// and most faithful to page layout.
type FitzEngine struct{}

func (FitzEngine) Name() string { return "fitz" }

func (FitzEngine) Extract(data []byte) (*Extracted, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer doc.Close()

	var (
		sb            strings.Builder
		pagesWithText int
	)
	pageCount := doc.NumPage()
	for i := 0; i < pageCount; i++ {
		text, err := doc.Text(i)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", i+1, err)
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
