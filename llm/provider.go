package llm

import (
	"context"
	"sync"
)

// Request carries one rendered prompt to a provider. The client owns the
// retry loop; providers make exactly one attempt per Generate call.
type Request struct {
	// TraceID correlates this call across logs and persisted rows.
	TraceID string

	// Purpose labels what the call is for ("parse_matrix",
	// "generate_examples_chunk", or a "_repair" variant of either).
	Purpose string

	// PromptName and PromptVersion identify the template that produced Prompt.
	PromptName    string
	PromptVersion string

	// Prompt is the fully rendered template text.
	Prompt string

	// Model is the provider model identifier.
	Model string

	// Temperature controls randomness.
	Temperature float64

	// MaxOutputTokens limits response length. 0 uses the provider default.
	MaxOutputTokens int

	// JSONResponse asks the provider for a JSON-only response when supported.
	JSONResponse bool
}

// Response contains the provider completion result.
type Response struct {
	TraceID      string
	Provider     string
	Model        string
	OutputText   string
	LatencyMS    int64
	Retries      int
	InputTokens  int
	OutputTokens int
}

// Provider defines the interface for LLM provider implementations. Errors
// must be wrapped as TransientError or FatalError so the client can decide
// whether to retry.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, or nil if unregistered.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
