package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	name     string
	results  []scriptedResult
	requests []Request
}

type scriptedResult struct {
	text string
	err  error
}

func (p *scriptedProvider) Name() string {
	if p.name == "" {
		return "scripted"
	}
	return p.name
}

func (p *scriptedProvider) Generate(_ context.Context, req Request) (*Response, error) {
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	if idx >= len(p.results) {
		return nil, NewFatalError(errors.New("script exhausted"))
	}
	r := p.results[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &Response{
		TraceID:    req.TraceID,
		Provider:   p.Name(),
		Model:      req.Model,
		OutputText: r.text,
	}, nil
}

type captureRecorder struct {
	records []CallRecord
}

func (r *captureRecorder) RecordCall(rec CallRecord) {
	r.records = append(r.records, rec)
}

func newTestClient(provider Provider, recorder Recorder, opts ...ClientOption) *Client {
	base := []ClientOption{WithRecorder(recorder)}
	c := NewClient(provider, "test-model", append(base, opts...)...)
	c.sleep = func(time.Duration) {}
	return c
}

var testSchema = MustSchema("test_confidence", `{
	"type": "object",
	"required": ["confidence"],
	"properties": {
		"confidence": {"type": "number"}
	}
}`)

func TestGenerateSuccessFirstAttempt(t *testing.T) {
	provider := &scriptedProvider{results: []scriptedResult{{text: "hello"}}}
	recorder := &captureRecorder{}
	client := newTestClient(provider, recorder)

	resp, err := client.Generate(context.Background(), GenerateInput{
		Purpose:       "parse_matrix",
		PromptName:    "parse_matrix",
		PromptVersion: "v1",
		Variables:     map[string]string{"text": "some guide text"},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.OutputText)
	assert.Equal(t, 0, resp.Retries)
	require.Len(t, recorder.records, 1)
	assert.True(t, recorder.records[0].OK)
	assert.Equal(t, 0, recorder.records[0].Retries)
}

func TestGenerateRetriesTransientThenSucceeds(t *testing.T) {
	provider := &scriptedProvider{results: []scriptedResult{
		{err: NewTransientError(errors.New("429 rate limited"))},
		{text: "ok"},
	}}
	recorder := &captureRecorder{}
	client := newTestClient(provider, recorder)

	resp, err := client.Generate(context.Background(), GenerateInput{
		Purpose:       "parse_matrix",
		PromptName:    "parse_matrix",
		PromptVersion: "v1",
		Variables:     map[string]string{"text": "t"},
	})
	require.NoError(t, err)

	assert.Len(t, provider.requests, 2)
	assert.Equal(t, 1, resp.Retries)
	require.Len(t, recorder.records, 1)
	assert.True(t, recorder.records[0].OK)
	assert.Equal(t, 1, recorder.records[0].Retries)
}

func TestGenerateFatalStopsImmediately(t *testing.T) {
	provider := &scriptedProvider{results: []scriptedResult{
		{err: NewFatalError(errors.New("401 unauthorized"))},
	}}
	recorder := &captureRecorder{}
	client := newTestClient(provider, recorder)

	_, err := client.Generate(context.Background(), GenerateInput{
		Purpose:       "parse_matrix",
		PromptName:    "parse_matrix",
		PromptVersion: "v1",
		Variables:     map[string]string{"text": "t"},
	})
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	assert.Len(t, provider.requests, 1)
	require.Len(t, recorder.records, 1)
	assert.False(t, recorder.records[0].OK)
	assert.Equal(t, "fatal", recorder.records[0].ErrorType)
}

func TestGenerateExhaustsRetries(t *testing.T) {
	transient := scriptedResult{err: NewTransientError(errors.New("503"))}
	provider := &scriptedProvider{results: []scriptedResult{transient, transient, transient}}
	recorder := &captureRecorder{}
	client := newTestClient(provider, recorder, WithMaxRetries(2))

	_, err := client.Generate(context.Background(), GenerateInput{
		Purpose:       "parse_matrix",
		PromptName:    "parse_matrix",
		PromptVersion: "v1",
		Variables:     map[string]string{"text": "t"},
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	// maxRetries=2 means 3 attempts total.
	assert.Len(t, provider.requests, 3)
	require.Len(t, recorder.records, 1)
	assert.Equal(t, 3, recorder.records[0].Retries)
	assert.Equal(t, "transient", recorder.records[0].ErrorType)
}

func TestGenerateUnknownPromptIsFatal(t *testing.T) {
	provider := &scriptedProvider{}
	client := newTestClient(provider, &captureRecorder{})

	_, err := client.Generate(context.Background(), GenerateInput{
		Purpose:       "parse_matrix",
		PromptName:    "no_such_prompt",
		PromptVersion: "v9",
	})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Empty(t, provider.requests)
}

func TestGenerateParseMatrixTokenFloor(t *testing.T) {
	provider := &scriptedProvider{results: []scriptedResult{{text: "x"}, {text: "y"}}}
	client := newTestClient(provider, &captureRecorder{}, WithMaxOutputTokens(800))

	_, err := client.Generate(context.Background(), GenerateInput{
		Purpose:       "parse_matrix",
		PromptName:    "parse_matrix",
		PromptVersion: "v1",
		Variables:     map[string]string{"text": "t"},
	})
	require.NoError(t, err)
	assert.Equal(t, 8192, provider.requests[0].MaxOutputTokens)

	_, err = client.Generate(context.Background(), GenerateInput{
		Purpose:       "generate_examples_chunk",
		PromptName:    "generate_examples_batch",
		PromptVersion: "v1",
		Variables:     map[string]string{"items_json": "[]"},
	})
	require.NoError(t, err)
	assert.Equal(t, 800, provider.requests[1].MaxOutputTokens)
}

func TestGenerateRendersRepairPlaceholderEmpty(t *testing.T) {
	provider := &scriptedProvider{results: []scriptedResult{{text: "x"}}}
	client := newTestClient(provider, &captureRecorder{})

	_, err := client.Generate(context.Background(), GenerateInput{
		Purpose:       "parse_matrix",
		PromptName:    "parse_matrix",
		PromptVersion: "v1",
		Variables:     map[string]string{"text": "guide body"},
	})
	require.NoError(t, err)

	prompt := provider.requests[0].Prompt
	assert.Contains(t, prompt, "guide body")
	assert.NotContains(t, prompt, "__REPAIR_INSTRUCTIONS__")
	assert.NotContains(t, prompt, "{{text}}")
}

func TestGenerateStructuredValidFirstAttempt(t *testing.T) {
	provider := &scriptedProvider{results: []scriptedResult{{text: `{"confidence": 0.9}`}}}
	recorder := &captureRecorder{}
	client := newTestClient(provider, recorder)

	var out struct {
		Confidence float64 `json:"confidence"`
	}
	_, err := client.GenerateStructured(context.Background(), GenerateInput{
		Purpose:       "parse_matrix",
		PromptName:    "parse_matrix",
		PromptVersion: "v1",
		Variables:     map[string]string{"text": "t"},
	}, testSchema, &out)
	require.NoError(t, err)

	assert.Equal(t, 0.9, out.Confidence)
	assert.Len(t, provider.requests, 1)
	require.Len(t, recorder.records, 1)
	assert.True(t, recorder.records[0].OK)
}

func TestGenerateStructuredRepairsMalformedJSON(t *testing.T) {
	provider := &scriptedProvider{results: []scriptedResult{
		{text: "}{"},
		{text: `{"confidence": 0.75}`},
	}}
	recorder := &captureRecorder{}
	client := newTestClient(provider, recorder)

	var out struct {
		Confidence float64 `json:"confidence"`
	}
	_, err := client.GenerateStructured(context.Background(), GenerateInput{
		Purpose:       "parse_matrix",
		PromptName:    "parse_matrix",
		PromptVersion: "v1",
		Variables:     map[string]string{"text": "t"},
	}, testSchema, &out)
	require.NoError(t, err)

	assert.Equal(t, 0.75, out.Confidence)
	// Two provider calls, one telemetry record for the whole invocation.
	assert.Len(t, provider.requests, 2)
	require.Len(t, recorder.records, 1)
	assert.True(t, recorder.records[0].OK)
	assert.Equal(t, 0, recorder.records[0].Retries)
	assert.Equal(t, "parse_matrix", recorder.records[0].Purpose)

	// Repair call carries the explicit JSON instructions.
	assert.Equal(t, "parse_matrix_repair", provider.requests[1].Purpose)
	assert.Contains(t, provider.requests[1].Prompt, "No trailing commas")
}

func TestGenerateStructuredFailsAfterRepair(t *testing.T) {
	provider := &scriptedProvider{results: []scriptedResult{
		{text: `{"wrong": true}`},
		{text: "still not json"},
	}}
	recorder := &captureRecorder{}
	client := newTestClient(provider, recorder)

	var out struct {
		Confidence float64 `json:"confidence"`
	}
	_, err := client.GenerateStructured(context.Background(), GenerateInput{
		Purpose:       "parse_matrix",
		PromptName:    "parse_matrix",
		PromptVersion: "v1",
		Variables:     map[string]string{"text": "t"},
	}, testSchema, &out)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	assert.Len(t, provider.requests, 2)
	require.Len(t, recorder.records, 1)
	assert.False(t, recorder.records[0].OK)
	assert.Equal(t, "schema_validation", recorder.records[0].ErrorType)
}

func TestGenerateStructuredAcceptsMarkdownFencedJSON(t *testing.T) {
	provider := &scriptedProvider{results: []scriptedResult{
		{text: "```json\n{\"confidence\": 0.5}\n```"},
	}}
	recorder := &captureRecorder{}
	client := newTestClient(provider, recorder)

	var out struct {
		Confidence float64 `json:"confidence"`
	}
	_, err := client.GenerateStructured(context.Background(), GenerateInput{
		Purpose:       "parse_matrix",
		PromptName:    "parse_matrix",
		PromptVersion: "v1",
		Variables:     map[string]string{"text": "t"},
	}, testSchema, &out)
	require.NoError(t, err)

	assert.Equal(t, 0.5, out.Confidence)
	assert.Len(t, provider.requests, 1)
}
