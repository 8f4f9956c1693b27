package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"

	"github.com/pullsmith/pullsmith/llm"
)

// MockProvider answers in-process without any network. Responses are
// deterministic: the same prompts always produce the same output, so
// tests and offline development get stable review runs.
//
// Routing sniffs the system prompt for the role phrases the built-in
// agent prompts use ("change intent", "code reviewer", and so on);
// unrecognized prompts get a generic completion.
type MockProvider struct{}

func init() {
	llm.RegisterProvider(&MockProvider{})
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string {
	return "mock"
}

// BuildURL returns a placeholder; the mock never dials it.
func (m *MockProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		return "mock://local"
	}
	return baseURL
}

// SetHeaders is a no-op for the in-process mock.
func (m *MockProvider) SetHeaders(_ *http.Request) {}

// BuildRequestBody marshals the request; only used if something
// bypasses Invoke.
func (m *MockProvider) BuildRequestBody(model string, req llm.Request, _ bool) ([]byte, error) {
	return json.Marshal(struct {
		Model    string        `json:"model"`
		Messages []llm.Message `json:"messages"`
	}{Model: model, Messages: req.Messages})
}

// ParseResponse decodes a pre-built Response; only used if something
// bypasses Invoke.
func (m *MockProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var resp llm.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse mock response: %w", err)
	}
	return &resp, nil
}

// Invoke produces the canned completion for the request.
func (m *MockProvider) Invoke(_ context.Context, model string, req llm.Request) (*llm.Response, error) {
	var system, lastUser string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = msg.Content
		case "user":
			lastUser = msg.Content
		}
	}

	seed := promptSeed(system, lastUser)
	content := mockContent(system, seed)

	promptChars := len(system) + len(lastUser)
	return &llm.Response{
		Content: content,
		Model:   model,
		Usage: llm.TokenUsage{
			PromptTokens:     promptChars / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (promptChars + len(content)) / 4,
		},
		FinishReason: "stop",
	}, nil
}

// promptSeed hashes the prompts so distinct inputs vary the canned
// output while identical inputs repeat it exactly.
func promptSeed(system, user string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(user))
	return h.Sum64()
}

func mockContent(system string, seed uint64) string {
	lowered := strings.ToLower(system)
	switch {
	case strings.Contains(lowered, "change intent"):
		return mockIntent(seed)
	case strings.Contains(lowered, "code reviewer"):
		return mockFindings(seed)
	case strings.Contains(lowered, "test engineer"):
		return mockTests(seed)
	case strings.Contains(lowered, "documentation"):
		return mockDocs(seed)
	default:
		return fmt.Sprintf("Mock completion %016x.", seed)
	}
}

var mockCategories = []string{"feature", "bugfix", "refactor", "docs", "test", "chore", "dependency"}

func mockIntent(seed uint64) string {
	category := mockCategories[seed%uint64(len(mockCategories))]
	out, _ := json.Marshal(map[string]string{
		"category": category,
		"summary":  fmt.Sprintf("This change looks like a %s touching the files in the diff.", category),
	})
	// Fenced so extraction sees what real models produce.
	return "```json\n" + string(out) + "\n```"
}

func mockFindings(seed uint64) string {
	line := int(seed%200) + 10
	findings := []map[string]any{
		{
			"file":       "internal/service/handler.go",
			"line":       line,
			"end_line":   line + 2,
			"severity":   "HIGH",
			"category":   "BUG",
			"message":    fmt.Sprintf("Possible nil dereference when the lookup at line %d misses.", line),
			"quick_fix":  "Check the error before using the result.",
			"confidence": 0.85,
		},
		{
			"file":       "internal/service/handler.go",
			"line":       line + 40,
			"severity":   "LOW",
			"category":   "STYLE",
			"message":    "Variable name shadows the package-level identifier.",
			"confidence": 0.6,
		},
	}
	out, _ := json.Marshal(findings)
	return "```json\n" + string(out) + "\n```"
}

func mockTests(seed uint64) string {
	tests := []map[string]string{
		{
			"file":        "internal/service/handler.go",
			"name":        fmt.Sprintf("TestHandlerMissingRecord_%04x", seed%0x10000),
			"description": "Covers the lookup-miss branch added in this change.",
			"outline":     "Arrange a store with no record, call the handler, assert a not-found response.",
		},
	}
	out, _ := json.Marshal(tests)
	return "```json\n" + string(out) + "\n```"
}

func mockDocs(seed uint64) string {
	docs := []map[string]any{
		{
			"file":       "README.md",
			"line":       int(seed % 40),
			"suggestion": "Document the new configuration flag introduced by this change.",
			"reason":     "The flag changes default behavior and is not mentioned anywhere.",
		},
	}
	out, _ := json.Marshal(docs)
	return "```json\n" + string(out) + "\n```"
}
