package llm

import "log/slog"

// CallRecord summarizes one gateway invocation: a Generate call, or a whole
// GenerateStructured call including its repair round-trip. Exactly one record
// is emitted per invocation.
type CallRecord struct {
	TraceID       string
	Provider      string
	Model         string
	Purpose       string
	PromptName    string
	PromptVersion string
	LatencyMS     int64
	Retries       int
	OK            bool
	ErrorType     string
}

// Recorder receives call records. Implementations must not block.
type Recorder interface {
	RecordCall(rec CallRecord)
}

// LogRecorder writes call records to a structured logger.
type LogRecorder struct {
	Logger *slog.Logger
}

func (r *LogRecorder) RecordCall(rec CallRecord) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("llm call",
		"trace_id", rec.TraceID,
		"provider", rec.Provider,
		"model", rec.Model,
		"purpose", rec.Purpose,
		"prompt", rec.PromptName+"@"+rec.PromptVersion,
		"latency_ms", rec.LatencyMS,
		"retries", rec.Retries,
		"ok", rec.OK,
		"error_type", rec.ErrorType)
}
