// Package providers implements LLM provider adapters.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/levelingai/levelingai/llm"
)

// maxResponseSize limits the provider response body to prevent memory
// exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiProvider calls the Gemini generateContent REST API. Single-attempt:
// retries and backoff are owned by llm.Client.
type GeminiProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// GeminiOption configures a GeminiProvider.
type GeminiOption func(*GeminiProvider)

// WithGeminiBaseURL overrides the API base URL, mainly for tests.
func WithGeminiBaseURL(baseURL string) GeminiOption {
	return func(p *GeminiProvider) {
		p.baseURL = baseURL
	}
}

// WithGeminiHTTPClient sets a custom HTTP client.
func WithGeminiHTTPClient(c *http.Client) GeminiOption {
	return func(p *GeminiProvider) {
		p.httpClient = c
	}
}

// NewGemini creates a Gemini provider with the given API key.
func NewGemini(apiKey string, opts ...GeminiOption) *GeminiProvider {
	p := &GeminiProvider{
		apiKey:  apiKey,
		baseURL: defaultGeminiBaseURL,
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GeminiProvider) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (p *GeminiProvider) url(model string) string {
	base := strings.TrimSuffix(p.baseURL, "/")
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", base, model)
}

// Generate makes one generateContent call and classifies failures as
// transient or fatal for the client's retry loop.
func (p *GeminiProvider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if p.apiKey == "" {
		return nil, llm.NewFatalError(fmt.Errorf("gemini API key is missing"))
	}

	body := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
		},
	}
	if req.JSONResponse {
		body.GenerationConfig.ResponseMimeType = "application/json"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("marshal request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(req.Model), bytes.NewReader(payload))
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	started := time.Now()
	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and timeouts are transient.
		return nil, llm.NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Candidates) == 0 {
		return nil, llm.NewTransientError(fmt.Errorf("response contained no candidates"))
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	return &llm.Response{
		TraceID:      req.TraceID,
		Provider:     p.Name(),
		Model:        req.Model,
		OutputText:   strings.TrimSpace(sb.String()),
		LatencyMS:    time.Since(started).Milliseconds(),
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
	}, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("gemini API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient.
		return llm.NewTransientError(err)
	case statusCode >= 500:
		// Server errors are transient.
		return llm.NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal.
		return llm.NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		// Bad requests are fatal.
		return llm.NewFatalError(err)
	default:
		// Unknown errors default to fatal.
		return llm.NewFatalError(err)
	}
}
