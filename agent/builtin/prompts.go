package builtin

import (
	"fmt"
	"strings"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/forge"
)

// Diff and file-list truncation bounds keep prompts inside provider
// context windows for oversized PRs.
const (
	maxDiffChars  = 48_000
	maxPromptFile = 60
)

// BuildSystemPrompt returns the system prompt for an agent by name.
// Returns "" for agents that never call the model.
func BuildSystemPrompt(agentName string) string {
	switch agentName {
	case agent.AgentIntent:
		return IntentPrompt()
	case agent.AgentReview:
		return ReviewPrompt()
	case agent.AgentTests:
		return TestsPrompt()
	case agent.AgentDocs:
		return DocsPrompt()
	default:
		return ""
	}
}

// IntentPrompt is the system prompt for the intent classifier.
func IntentPrompt() string {
	return `You are a change intent classifier for pull requests.

Classify the change into exactly one category:
- feature: adds new user-facing or API-facing behavior
- bugfix: corrects incorrect behavior
- refactor: restructures code without changing behavior
- docs: documentation only
- test: tests only
- chore: build, CI, formatting, or housekeeping
- dependency: dependency version or lockfile changes

Respond with only a JSON object:
{"category": "<one of the categories>", "summary": "<one paragraph describing what the change does and why>"}

Base the classification on the diff, not the title. A change that mixes
categories gets the one describing its dominant effect.`
}

// ReviewPrompt is the system prompt for the review agent.
func ReviewPrompt() string {
	return `You are an experienced code reviewer examining a pull request diff.

Report only findings a maintainer would act on: bugs, races, unchecked
errors, security problems, broken edge cases, misleading names. Skip
compliments and restatements of the diff.

Respond with only a JSON array of findings:
[{"file": "<path>", "line": <first changed line>, "end_line": <last line, omit for single-line>, "severity": "CRITICAL|HIGH|MEDIUM|LOW|NITPICK", "category": "BUG|SECURITY|PERFORMANCE|STYLE|MAINTAINABILITY|TESTING|DOCUMENTATION", "message": "<what is wrong and why it matters>", "quick_fix": "<one-line suggested change, optional>", "confidence": <0.0-1.0>}]

Line numbers refer to the new file side of the diff. An empty array is a
valid answer for a clean diff.`
}

// TestsPrompt is the system prompt for the test-suggestion agent.
func TestsPrompt() string {
	return `You are a test engineer suggesting unit tests for a pull request.

For each changed source file, propose the tests that would catch a
regression in the changed behavior. Prefer edge cases the diff makes
reachable: error paths, boundary values, concurrent access.

Respond with only a JSON array:
[{"file": "<source file the test targets>", "name": "<test function name>", "description": "<what the test protects>", "outline": "<arrange / act / assert in two or three sentences>"}]

Suggest nothing for files that are pure configuration or generated.`
}

// DocsPrompt is the system prompt for the doc-suggestion agent.
func DocsPrompt() string {
	return `You are a documentation reviewer for a pull request.

Find places where the change makes existing documentation wrong or where
new behavior ships undocumented: README sections, configuration
references, exported API comments, changelog entries.

Respond with only a JSON array:
[{"file": "<doc or source file>", "line": <line number, 0 if unknown>, "suggestion": "<what to add or fix>", "reason": "<why the change requires it>"}]

An empty array is a valid answer when the documentation still holds.`
}

// prText renders the shared PR header block for user prompts.
func prText(in *agent.Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", in.Ref.Repo)
	fmt.Fprintf(&b, "Pull request #%d: %s\n", in.PR.Number, in.PR.Title)
	fmt.Fprintf(&b, "Author: %s\n", in.PR.AuthorLogin)
	fmt.Fprintf(&b, "Branches: %s <- %s\n", in.PR.BaseRef, in.PR.HeadRef)
	if body := strings.TrimSpace(in.PR.Body); body != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", truncate(body, 4000))
	}
	return b.String()
}

// fileListText renders changed files with churn counts, truncated for
// very wide PRs.
func fileListText(files []forge.ChangedFile) string {
	var b strings.Builder
	b.WriteString("Changed files:\n")
	for i, f := range files {
		if i == maxPromptFile {
			fmt.Fprintf(&b, "... and %d more files\n", len(files)-maxPromptFile)
			break
		}
		fmt.Fprintf(&b, "- %s (%s, +%d -%d)\n", f.Path, f.Status, f.Additions, f.Deletions)
	}
	return b.String()
}

// diffText returns the diff bounded to the prompt budget.
func diffText(diff string) string {
	return "Diff:\n```diff\n" + truncate(diff, maxDiffChars) + "\n```"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}
