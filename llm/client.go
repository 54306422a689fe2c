// Package llm is the gateway between phase executors and LLM providers. It
// renders named/versioned prompt templates, retries transient provider
// failures with bounded backoff, validates structured output against a JSON
// Schema with one repair round-trip, and records per-invocation telemetry.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/levelingai/levelingai/llm/prompts"
)

// parseMatrixTokenFloor guarantees enough output room for a whole matrix.
const parseMatrixTokenFloor = 8192

// repairInstructions fills the template's repair placeholder on the second
// structured attempt.
const repairInstructions = "You MUST return valid JSON only. " +
	"Escape all quotes and newlines inside strings. " +
	"Do not include any raw line breaks inside string values. " +
	"No markdown. No trailing commas. " +
	"Return EXACTLY the schema with correct types."

// Client drives a single provider with retry, structured-output validation,
// and telemetry. Providers are single-attempt; all retry policy lives here.
type Client struct {
	provider        Provider
	model           string
	temperature     float64
	maxOutputTokens int
	maxRetries      int
	recorder        Recorder
	logger          *slog.Logger
	sleep           func(time.Duration)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) ClientOption {
	return func(c *Client) { c.temperature = t }
}

// WithMaxOutputTokens sets the default response token budget.
func WithMaxOutputTokens(n int) ClientOption {
	return func(c *Client) { c.maxOutputTokens = n }
}

// WithMaxRetries sets how many extra attempts follow a transient failure.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) ClientOption {
	return func(c *Client) { c.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a gateway client over the given provider and model.
func NewClient(provider Provider, model string, opts ...ClientOption) *Client {
	c := &Client{
		provider:        provider,
		model:           model,
		temperature:     0.4,
		maxOutputTokens: 800,
		maxRetries:      2,
		logger:          slog.Default(),
		sleep:           time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.recorder == nil {
		c.recorder = &LogRecorder{Logger: c.logger}
	}
	return c
}

// GenerateInput identifies the prompt and its variables for one invocation.
type GenerateInput struct {
	// Purpose labels the call for telemetry and token budgeting.
	Purpose string

	// PromptName and PromptVersion select the template.
	PromptName    string
	PromptVersion string

	// Variables are substituted into the template's {{key}} markers.
	Variables map[string]string
}

// Generate renders the prompt and calls the provider, retrying transient
// failures. It emits one telemetry record.
func (c *Client) Generate(ctx context.Context, in GenerateInput) (*Response, error) {
	resp, rec, err := c.generate(ctx, in)
	c.recorder.RecordCall(rec)
	return resp, err
}

// GenerateStructured calls Generate semantics, then validates the output
// against schema and decodes it into out. On a parse or schema failure it
// makes one repair round-trip with explicit JSON instructions. Exactly one
// telemetry record is emitted per invocation, covering both attempts.
func (c *Client) GenerateStructured(ctx context.Context, in GenerateInput, schema *Schema, out any) (*Response, error) {
	resp, rec, err := c.generate(ctx, in)
	if err != nil {
		c.recorder.RecordCall(rec)
		return nil, err
	}

	if verr := decodeStructured(resp.OutputText, schema, out); verr == nil {
		rec.OK = true
		c.recorder.RecordCall(rec)
		return resp, nil
	} else {
		c.logger.Warn("structured output invalid, attempting repair",
			"trace_id", rec.TraceID, "purpose", in.Purpose, "error", verr)
	}

	repairIn := in
	repairIn.Purpose = in.Purpose + "_repair"
	repairIn.Variables = make(map[string]string, len(in.Variables)+1)
	for k, v := range in.Variables {
		repairIn.Variables[k] = v
	}
	repairIn.Variables[prompts.RepairPlaceholder] = repairInstructions

	resp2, rec2, err2 := c.generate(ctx, repairIn)
	rec2.Purpose = in.Purpose
	rec2.Retries += rec.Retries
	rec2.LatencyMS += rec.LatencyMS
	if err2 != nil {
		c.recorder.RecordCall(rec2)
		return nil, err2
	}

	if verr := decodeStructured(resp2.OutputText, schema, out); verr != nil {
		rec2.OK = false
		rec2.ErrorType = "schema_validation"
		c.recorder.RecordCall(rec2)
		return nil, NewFatalError(fmt.Errorf("output failed schema validation after repair: %w", verr))
	}

	rec2.OK = true
	c.recorder.RecordCall(rec2)
	return resp2, nil
}

// Ping issues one minimal untemplated provider call. The health endpoint
// uses it to verify credentials and connectivity without touching the prompt
// registry.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.provider.Generate(ctx, Request{
		TraceID:         uuid.New().String(),
		Purpose:         "health",
		Prompt:          "Reply with the single word: ok",
		Model:           c.model,
		MaxOutputTokens: 8,
	})
	return err
}

// generate runs the retry loop without emitting telemetry; callers own the
// one-record-per-invocation contract.
func (c *Client) generate(ctx context.Context, in GenerateInput) (*Response, CallRecord, error) {
	traceID := uuid.New().String()
	started := time.Now()

	rec := CallRecord{
		TraceID:       traceID,
		Provider:      c.provider.Name(),
		Model:         c.model,
		Purpose:       in.Purpose,
		PromptName:    in.PromptName,
		PromptVersion: in.PromptVersion,
	}
	finish := func(ok bool, errType string) CallRecord {
		rec.LatencyMS = time.Since(started).Milliseconds()
		rec.OK = ok
		rec.ErrorType = errType
		return rec
	}

	tmpl, err := prompts.Get(in.PromptName, in.PromptVersion)
	if err != nil {
		return nil, finish(false, "unknown_prompt"), NewFatalError(err)
	}

	variables := make(map[string]string, len(in.Variables)+1)
	for k, v := range in.Variables {
		variables[k] = v
	}
	if _, ok := variables[prompts.RepairPlaceholder]; !ok {
		variables[prompts.RepairPlaceholder] = ""
	}
	rendered := tmpl.Render(variables)

	maxTokens := c.maxOutputTokens
	if strings.HasPrefix(in.Purpose, "parse_matrix") && maxTokens < parseMatrixTokenFloor {
		maxTokens = parseMatrixTokenFloor
	}

	req := Request{
		TraceID:         traceID,
		Purpose:         in.Purpose,
		PromptName:      in.PromptName,
		PromptVersion:   in.PromptVersion,
		Prompt:          rendered,
		Model:           c.model,
		Temperature:     c.temperature,
		MaxOutputTokens: maxTokens,
		JSONResponse:    true,
	}

	var (
		lastErr error
		retries int
	)
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, err := c.provider.Generate(ctx, req)
		if err == nil {
			resp.Retries = retries
			rec.Retries = retries
			return resp, finish(true, ""), nil
		}
		lastErr = err

		if !IsTransient(err) {
			rec.Retries = retries
			return nil, finish(false, "fatal"), err
		}

		retries++
		rec.Retries = retries
		if attempt < c.maxRetries {
			backoff := transientBackoff(attempt)
			c.logger.Debug("provider call failed, retrying",
				"trace_id", traceID, "attempt", attempt+1, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil, finish(false, "canceled"), ctx.Err()
			default:
				c.sleep(backoff)
			}
		}
	}

	return nil, finish(false, "transient"), lastErr
}

// transientBackoff doubles from 250ms and caps at 2s.
func transientBackoff(attempt int) time.Duration {
	backoff := 250 * time.Millisecond << uint(attempt)
	if backoff > 2*time.Second {
		backoff = 2 * time.Second
	}
	return backoff
}

// decodeStructured validates raw output against the schema, falling back to
// markdown-fence extraction when the raw text is not valid JSON.
func decodeStructured(text string, schema *Schema, out any) error {
	if err := schema.Validate([]byte(text), out); err == nil {
		return nil
	} else if cleaned := ExtractJSON(text); cleaned != "" && cleaned != text {
		return schema.Validate([]byte(cleaned), out)
	} else {
		return err
	}
}
