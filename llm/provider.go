package llm

import (
	"context"
	"net/http"
	"sync"
)

// Provider defines the interface for LLM provider implementations.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "openai").
	Name() string

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body for the provider.
	// stream selects the server-sent-events response mode.
	BuildRequestBody(model string, req Request, stream bool) ([]byte, error)

	// ParseResponse extracts the response from provider-specific JSON.
	ParseResponse(body []byte, model string) (*Response, error)
}

// Invoker is implemented by in-process providers that answer without an
// HTTP round trip. The client calls Invoke instead of building a request.
type Invoker interface {
	Invoke(ctx context.Context, model string, req Request) (*Response, error)
}

// Streamer is implemented by providers that can decode their streaming
// wire format. Decoders are per-stream because tool call arguments
// arrive fragmented across events.
type Streamer interface {
	NewStreamDecoder() StreamDecoder
}

// StreamDecoder turns one SSE event into zero or more chunks; done
// reports the end of the stream.
type StreamDecoder interface {
	Decode(event, data []byte) (chunks []StreamChunk, done bool, err error)
}

// providerRegistry holds registered providers.
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

// GetProvider retrieves a provider by name.
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
