package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/workflow"
)

// defaultConfidence fills in findings the model returned without one.
const defaultConfidence = 0.7

// ReviewOutput carries the publishable findings plus bookkeeping on
// what preference filtering and consolidation removed.
type ReviewOutput struct {
	Findings     []workflow.Finding `json:"findings"`
	Consolidated int                `json:"consolidated"`
	Suppressed   int                `json:"suppressed"`
}

// runReview asks the model for findings, folds overlapping ones
// together, and filters the rest through the repository's learned
// preferences.
func runReview(ctx context.Context, rc *agent.RunContext) (any, error) {
	user := buildReviewUserPrompt(rc)

	var findings []workflow.Finding
	err := agent.CompleteJSONArray(ctx, rc.Services.LLM, rc.Budget, ReviewPrompt(), user, 4096, &findings)
	if err != nil {
		return nil, fmt.Errorf("generate findings: %w", err)
	}

	findings = normalizeFindings(findings)
	findings, consolidated := consolidateFindings(findings)

	out := ReviewOutput{Findings: make([]workflow.Finding, 0, len(findings)), Consolidated: consolidated}
	for _, f := range findings {
		adj, err := rc.Services.Prefs.Adjust(ctx, rc.Workflow.RepositoryID, f)
		if err != nil {
			// Preference trouble must not block the review itself.
			rc.Services.Logger.Warn("preference adjustment failed",
				slog.String("workflow_id", rc.Workflow.ID),
				slog.String("error", err.Error()))
			out.Findings = append(out.Findings, f)
			continue
		}
		if adj.Suppressed {
			out.Suppressed++
			continue
		}
		out.Findings = append(out.Findings, adj.Finding)
	}
	return out, nil
}

// buildReviewUserPrompt layers the upstream agent outputs onto the
// shared PR header so the model reviews with intent and risk in view.
func buildReviewUserPrompt(rc *agent.RunContext) string {
	var b strings.Builder
	b.WriteString(prText(rc.Input))

	var intent IntentOutput
	if ok, err := rc.Output(agent.AgentIntent, &intent); err == nil && ok {
		fmt.Fprintf(&b, "\nChange intent: %s. %s\n", intent.Category, intent.Summary)
	}
	var risk RiskOutput
	if ok, err := rc.Output(agent.AgentRisk, &risk); err == nil && ok {
		fmt.Fprintf(&b, "Risk level: %s (%d lines across %d files)\n", risk.Level, risk.TotalLines, risk.Files)
		if len(risk.Hotspots) > 0 {
			fmt.Fprintf(&b, "Hotspots: %s\n", strings.Join(risk.Hotspots, ", "))
		}
	}
	var repoCtx ContextOutput
	if ok, err := rc.Output(agent.AgentContext, &repoCtx); err == nil && ok && len(repoCtx.Owners) > 0 {
		fmt.Fprintf(&b, "Code owners: %s\n", strings.Join(repoCtx.Owners, ", "))
	}

	b.WriteString("\n")
	b.WriteString(fileListText(rc.Input.Files))
	b.WriteString("\n")
	b.WriteString(diffText(rc.Input.Diff))
	return b.String()
}

// normalizeFindings drops entries the publisher could not place and
// clamps model-supplied fields onto the domain's value sets.
func normalizeFindings(findings []workflow.Finding) []workflow.Finding {
	kept := findings[:0]
	for _, f := range findings {
		if f.File == "" || f.Line <= 0 {
			continue
		}
		f.Severity = workflow.Severity(strings.ToUpper(string(f.Severity)))
		if !workflow.ValidSeverity(f.Severity) {
			f.Severity = workflow.SeverityMedium
		}
		f.Category = strings.ToUpper(strings.TrimSpace(f.Category))
		if f.Category == "" {
			f.Category = "MAINTAINABILITY"
		}
		if f.Confidence <= 0 || f.Confidence > 1 {
			f.Confidence = defaultConfidence
		}
		if f.EndLine != 0 && f.EndLine < f.Line {
			f.EndLine = f.Line
		}
		kept = append(kept, f)
	}
	return kept
}

// consolidateFindings merges findings whose line ranges overlap in the
// same file, keeping the highest-severity one and folding the other
// messages into it. Returns the merge count.
func consolidateFindings(findings []workflow.Finding) ([]workflow.Finding, int) {
	if len(findings) < 2 {
		return findings, 0
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].File != findings[j].File {
			return findings[i].File < findings[j].File
		}
		si, _ := findings[i].Span()
		sj, _ := findings[j].Span()
		return si < sj
	})

	merged := 0
	out := findings[:1]
	for _, f := range findings[1:] {
		last := &out[len(out)-1]
		if !workflow.HasLineOverlap(*last, f) {
			out = append(out, f)
			continue
		}
		merged++
		lastStart, lastEnd := last.Span()
		fStart, fEnd := f.Span()
		start, end := lastStart, lastEnd
		if fStart < start {
			start = fStart
		}
		if fEnd > end {
			end = fEnd
		}
		if f.Severity.Rank() > last.Severity.Rank() {
			f.Message += "\nAlso: " + last.Message
			*last = f
		} else {
			last.Message += "\nAlso: " + f.Message
			if f.Confidence > last.Confidence {
				last.Confidence = f.Confidence
			}
		}
		last.Line = start
		if end > start {
			last.EndLine = end
		}
	}
	return out, merged
}
