package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/pullsmith/pullsmith/agent"
)

// DocSuggestion points at documentation the change makes stale or
// should have added.
type DocSuggestion struct {
	File       string `json:"file"`
	Line       int    `json:"line,omitempty"`
	Suggestion string `json:"suggestion"`
	Reason     string `json:"reason,omitempty"`
}

// DocsOutput lists the documentation follow-ups.
type DocsOutput struct {
	Suggestions []DocSuggestion `json:"suggestions"`
}

// runDocs asks the model where the change leaves documentation behind.
func runDocs(ctx context.Context, rc *agent.RunContext) (any, error) {
	var b strings.Builder
	b.WriteString(prText(rc.Input))

	var intent IntentOutput
	if ok, err := rc.Output(agent.AgentIntent, &intent); err == nil && ok {
		fmt.Fprintf(&b, "\nChange intent: %s. %s\n", intent.Category, intent.Summary)
	}
	b.WriteString("\n")
	b.WriteString(fileListText(rc.Input.Files))
	b.WriteString("\n")
	b.WriteString(diffText(rc.Input.Diff))

	var suggestions []DocSuggestion
	err := agent.CompleteJSONArray(ctx, rc.Services.LLM, rc.Budget, DocsPrompt(), b.String(), 2048, &suggestions)
	if err != nil {
		return nil, fmt.Errorf("suggest docs: %w", err)
	}

	kept := suggestions[:0]
	for _, s := range suggestions {
		if s.File == "" || s.Suggestion == "" {
			continue
		}
		kept = append(kept, s)
	}
	return DocsOutput{Suggestions: kept}, nil
}
