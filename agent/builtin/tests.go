package builtin

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/forge"
)

// GeneratedTest is one suggested test case for a changed source file.
type GeneratedTest struct {
	File        string `json:"file"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Outline     string `json:"outline,omitempty"`
}

// TestsOutput lists the suggested tests.
type TestsOutput struct {
	Tests []GeneratedTest `json:"tests"`
}

// runTests asks the model for test suggestions covering the changed
// source files. PRs with no reviewable source changes produce an empty
// output without a model call.
func runTests(ctx context.Context, rc *agent.RunContext) (any, error) {
	sources := sourceFiles(rc.Input.Files)
	if len(sources) == 0 {
		return TestsOutput{Tests: []GeneratedTest{}}, nil
	}

	var b strings.Builder
	b.WriteString(prText(rc.Input))
	b.WriteString("\n")
	b.WriteString(fileListText(sources))

	var review ReviewOutput
	if ok, err := rc.Output(agent.AgentReview, &review); err == nil && ok && len(review.Findings) > 0 {
		b.WriteString("\nReview findings already raised (avoid duplicating them as tests):\n")
		for i, f := range review.Findings {
			if i == 10 {
				break
			}
			fmt.Fprintf(&b, "- %s:%d %s\n", f.File, f.Line, f.Message)
		}
	}
	b.WriteString("\n")
	b.WriteString(diffText(rc.Input.Diff))

	var tests []GeneratedTest
	err := agent.CompleteJSONArray(ctx, rc.Services.LLM, rc.Budget, TestsPrompt(), b.String(), 2048, &tests)
	if err != nil {
		return nil, fmt.Errorf("suggest tests: %w", err)
	}

	kept := tests[:0]
	for _, t := range tests {
		if t.File == "" || t.Name == "" {
			continue
		}
		kept = append(kept, t)
	}
	return TestsOutput{Tests: kept}, nil
}

// sourceFiles filters out removed files, tests themselves, and paths
// that are configuration or documentation.
func sourceFiles(files []forge.ChangedFile) []forge.ChangedFile {
	var out []forge.ChangedFile
	for _, f := range files {
		if f.Status == "removed" || isTestFile(f.Path) {
			continue
		}
		ext := strings.ToLower(path.Ext(f.Path))
		switch ext {
		case ".md", ".json", ".yaml", ".yml", ".toml", ".txt", ".lock", ".sum", ".mod", ".html", ".css", "":
			continue
		}
		out = append(out, f)
	}
	return out
}
