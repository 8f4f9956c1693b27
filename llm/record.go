package llm

import (
	"context"
	"time"
)

// CallRecord captures one completed (or failed) LLM call for the
// analytics trail.
type CallRecord struct {
	RequestID        string    `json:"request_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Messages         int       `json:"messages"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	TotalTokens      int       `json:"total_tokens,omitempty"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
	DurationMs       int64     `json:"duration_ms"`
	Retries          int       `json:"retries,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Recorder persists call records. Recording failures are logged and
// swallowed; they never fail the call itself.
type Recorder interface {
	RecordLLMCall(ctx context.Context, rec *CallRecord) error
}
