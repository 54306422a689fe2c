// Package status defines the guide lifecycle state machine. The string values
// are stable, surfaced verbatim in API responses, and persisted on the guide
// row. Transition legality is enforced here; the atomic compare-and-set that
// serializes phase entry lives on the store (see store.Store.ClaimStatus).
package status

// Status is a guide lifecycle state.
type Status string

const (
	Queued              Status = "QUEUED"
	ExtractingText      Status = "EXTRACTING_TEXT"
	TextExtracted       Status = "TEXT_EXTRACTED"
	ParsingMatrix       Status = "PARSING_MATRIX"
	MatrixParsed        Status = "MATRIX_PARSED"
	GeneratingExamples  Status = "GENERATING_EXAMPLES"
	Done                Status = "DONE"
	FailedBadPDF        Status = "FAILED_BAD_PDF"
	FailedParse         Status = "FAILED_PARSE"
	FailedGeneration    Status = "FAILED_GENERATION"
)

// transitions enumerates every legal (from → to) edge. Nothing leaves a
// terminal state.
var transitions = map[Status][]Status{
	Queued:             {ExtractingText},
	ExtractingText:     {TextExtracted, FailedBadPDF},
	TextExtracted:      {ParsingMatrix},
	ParsingMatrix:      {MatrixParsed, FailedParse},
	MatrixParsed:       {GeneratingExamples},
	GeneratingExamples: {Done, FailedGeneration},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case Queued, ExtractingText, TextExtracted, ParsingMatrix, MatrixParsed,
		GeneratingExamples, Done, FailedBadPDF, FailedParse, FailedGeneration:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case Done, FailedBadPDF, FailedParse, FailedGeneration:
		return true
	}
	return false
}

// Failed reports whether s is a failure terminal.
func (s Status) Failed() bool {
	switch s {
	case FailedBadPDF, FailedParse, FailedGeneration:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
