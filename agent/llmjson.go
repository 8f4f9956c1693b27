package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pullsmith/pullsmith/llm"
	"github.com/pullsmith/pullsmith/metrics"
)

// maxFormatRetries bounds re-prompts when the model returns prose or
// malformed JSON instead of the requested document.
const maxFormatRetries = 2

// zero temperature for structured extraction.
var zeroTemp = 0.0

// CompleteJSON sends a system+user prompt pair and decodes the reply,
// expected to be a single JSON object, into v. Malformed replies get a
// correction turn and a retry; the budget records usage from every
// round trip.
func CompleteJSON(ctx context.Context, c *llm.Client, budget *TokenBudget, system, user string, maxTokens int, v any) error {
	return completeStructured(ctx, c, budget, system, user, maxTokens, llm.ExtractJSON, "object", v)
}

// CompleteJSONArray is CompleteJSON for replies shaped as a JSON array.
func CompleteJSONArray(ctx context.Context, c *llm.Client, budget *TokenBudget, system, user string, maxTokens int, v any) error {
	return completeStructured(ctx, c, budget, system, user, maxTokens, llm.ExtractJSONArray, "array", v)
}

func completeStructured(ctx context.Context, c *llm.Client, budget *TokenBudget, system, user string, maxTokens int, extract func(string) string, shape string, v any) error {
	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}

	var lastErr error
	for attempt := 0; attempt <= maxFormatRetries; attempt++ {
		resp, err := c.Complete(ctx, llm.Request{
			Messages:    messages,
			Temperature: &zeroTemp,
			MaxTokens:   maxTokens,
		})
		if err != nil {
			return err
		}
		budget.Consume(int64(resp.Usage.TotalTokens))
		metrics.LLMTokensTotal.WithLabelValues(c.Provider()).Add(float64(resp.Usage.TotalTokens))

		if raw := extract(resp.Content); raw == "" {
			lastErr = fmt.Errorf("no JSON %s found in response", shape)
		} else if err := json.Unmarshal([]byte(raw), v); err != nil {
			lastErr = fmt.Errorf("decode response: %w", err)
		} else {
			return nil
		}

		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: fmt.Sprintf("The previous reply was not a valid JSON %s (%s). Respond again with only the JSON %s, no prose and no code fences.", shape, lastErr, shape)},
		)
	}
	return fmt.Errorf("model output unparseable after %d corrections: %w", maxFormatRetries, lastErr)
}
