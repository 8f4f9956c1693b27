package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/pullsmith/pullsmith/agent"
)

// IntentOutput classifies what kind of change the PR is.
type IntentOutput struct {
	Category string `json:"category"`
	Summary  string `json:"summary"`
}

// intentCategories is the closed set the classifier may answer with.
var intentCategories = map[string]bool{
	"feature":    true,
	"bugfix":     true,
	"refactor":   true,
	"docs":       true,
	"test":       true,
	"chore":      true,
	"dependency": true,
}

// runIntent asks the model what the change is trying to do.
func runIntent(ctx context.Context, rc *agent.RunContext) (any, error) {
	user := prText(rc.Input) + "\n" + fileListText(rc.Input.Files) + "\n" + diffText(rc.Input.Diff)

	var out IntentOutput
	err := agent.CompleteJSON(ctx, rc.Services.LLM, rc.Budget, IntentPrompt(), user, 1024, &out)
	if err != nil {
		return nil, fmt.Errorf("classify intent: %w", err)
	}

	out.Category = strings.ToLower(strings.TrimSpace(out.Category))
	if !intentCategories[out.Category] {
		// Off-script answer; keep the summary, bucket the category.
		out.Category = "chore"
	}
	return out, nil
}
