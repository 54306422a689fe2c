package pdf

import (
	"math"
	"regexp"
	"strings"
)

// Report is a cheap, explainable quality score over extracted text. Confidence
// drives the bad-PDF gate; the remaining fields explain how it was derived.
type Report struct {
	Confidence       float64  `json:"confidence"`
	CharCount        int      `json:"char_count"`
	WordCount        int      `json:"word_count"`
	LineCount        int      `json:"line_count"`
	PrintableRatio   float64  `json:"printable_ratio"`
	HasMatrixSignals bool     `json:"has_matrix_signals"`
	HasTableSignals  bool     `json:"has_table_signals"`
	IsScannedLikely  bool     `json:"is_scanned_likely"`
	IsGarbledLikely  bool     `json:"is_garbled_likely"`
	Notes            []string `json:"notes"`
}

var (
	matrixSignalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\blevel\b`),
		regexp.MustCompile(`\bcompetenc(y|ies)\b`),
		regexp.MustCompile(`\bscope\b`),
		regexp.MustCompile(`\bexpectation(s)?\b`),
		regexp.MustCompile(`\bresponsibilit(y|ies)\b`),
		regexp.MustCompile(`\bbehavior(s)?\b`),
	}

	tableSignalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\btable\b`),
		regexp.MustCompile(`\brow\b`),
		regexp.MustCompile(`\bcolumn\b`),
		regexp.MustCompile(`\|`),
	}

	wordPattern = regexp.MustCompile(`\w+`)
)

func printableRatio(text string) float64 {
	if text == "" {
		return 0.0
	}
	var good, total int
	for _, r := range text {
		total++
		if (r >= 0x20 && r < 0x7f) || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			good++
		}
	}
	return float64(good) / float64(total)
}

func hasAnyPattern(lower string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(lower) {
			return true
		}
	}
	return false
}

// Score grades extracted text on volume, vocabulary signals, printability,
// and whether the PDF looks scanned. Confidence never exceeds 0.10 for a
// likely-scanned document regardless of other signals.
func Score(text string, pageCount, pagesWithText int) Report {
	lower := strings.ToLower(text)

	charCount := len([]rune(text))
	wordCount := len(wordPattern.FindAllString(text, -1))
	lineCount := 0
	if text != "" {
		lineCount = strings.Count(text, "\n") + 1
	}
	ratio := printableRatio(text)

	hasMatrix := hasAnyPattern(lower, matrixSignalPatterns)
	hasTable := hasAnyPattern(lower, tableSignalPatterns)

	scannedLikely := pagesWithText == 0 || charCount < 200
	garbledLikely := charCount > 0 && ratio < 0.85

	var (
		confidence float64
		notes      []string
	)
	switch {
	case charCount < 800 || pagesWithText == 0:
		confidence = 0.10
		if pagesWithText == 0 {
			notes = append(notes, "No pages had extractable text")
		}
		if charCount < 800 {
			notes = append(notes, "Extracted text is very small")
		}
	case charCount <= 2500:
		confidence = 0.40
		notes = append(notes, "Moderate text volume")
	default:
		confidence = 0.80
		notes = append(notes, "High text volume")
	}

	if hasMatrix && charCount > 2500 {
		confidence = min(0.95, confidence+0.15)
		notes = append(notes, "Detected leveling/matrix signals")
	} else if hasMatrix {
		confidence = min(0.85, confidence+0.10)
		notes = append(notes, "Detected some matrix signals")
	}

	if garbledLikely {
		confidence = max(0.05, confidence-0.25)
		notes = append(notes, "Text looks garbled (low printable ratio)")
	}

	if hasTable {
		confidence = min(0.95, confidence+0.05)
		notes = append(notes, "Detected possible table signals")
	}

	if scannedLikely {
		confidence = min(confidence, 0.10)
		notes = append(notes, "Looks like scanned/empty PDF (no embedded text)")
	}

	return Report{
		Confidence:       round3(confidence),
		CharCount:        charCount,
		WordCount:        wordCount,
		LineCount:        lineCount,
		PrintableRatio:   round3(ratio),
		HasMatrixSignals: hasMatrix,
		HasTableSignals:  hasTable,
		IsScannedLikely:  scannedLikely,
		IsGarbledLikely:  garbledLikely,
		Notes:            notes,
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
