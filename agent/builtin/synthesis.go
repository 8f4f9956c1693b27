package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/workflow"
)

// SynthesisOutput is the final fan-in: the markdown summary published
// to the provider plus the structured verdict the API serves.
type SynthesisOutput struct {
	Summary        string                  `json:"summary"`
	FindingCounts  map[string]int          `json:"finding_counts,omitempty"`
	TestsSuggested int                     `json:"tests_suggested"`
	DocsSuggested  int                     `json:"docs_suggested"`
	Gate           workflow.MergeInput     `json:"gate"`
	Readiness      workflow.MergeReadiness `json:"readiness"`
	Priority       int                     `json:"priority"`
	// Unavailable lists upstream agents that produced no output; the
	// summary is best-effort without them.
	Unavailable []string `json:"unavailable,omitempty"`
}

// runSynthesis folds whatever upstream outputs exist into the summary.
// It is deterministic and must succeed with any subset of inputs.
func runSynthesis(_ context.Context, rc *agent.RunContext) (any, error) {
	var (
		intent  IntentOutput
		risk    RiskOutput
		repoCtx ContextOutput
		review  ReviewOutput
		tests   TestsOutput
		docs    DocsOutput
	)
	haveIntent := decodeOutput(rc, agent.AgentIntent, &intent)
	haveRisk := decodeOutput(rc, agent.AgentRisk, &risk)
	haveCtx := decodeOutput(rc, agent.AgentContext, &repoCtx)
	haveReview := decodeOutput(rc, agent.AgentReview, &review)
	haveTests := decodeOutput(rc, agent.AgentTests, &tests)
	haveDocs := decodeOutput(rc, agent.AgentDocs, &docs)

	out := SynthesisOutput{
		TestsSuggested: len(tests.Tests),
		DocsSuggested:  len(docs.Suggestions),
	}
	for name, have := range map[string]bool{
		agent.AgentIntent:  haveIntent,
		agent.AgentRisk:    haveRisk,
		agent.AgentContext: haveCtx,
		agent.AgentReview:  haveReview,
		agent.AgentTests:   haveTests,
		agent.AgentDocs:    haveDocs,
	} {
		if !have {
			out.Unavailable = append(out.Unavailable, name)
		}
	}
	sort.Strings(out.Unavailable)

	if haveReview && len(review.Findings) > 0 {
		out.FindingCounts = make(map[string]int)
		for _, f := range review.Findings {
			out.FindingCounts[string(f.Severity)]++
		}
	}

	out.Gate = buildMergeInput(rc, repoCtx, haveCtx)
	out.Readiness = workflow.AssessMergeReadiness(out.Gate)
	out.Priority = workflow.ReviewPriority(workflow.PriorityInput{
		HasCritical:    out.FindingCounts[string(workflow.SeverityCritical)] > 0,
		HasHigh:        out.FindingCounts[string(workflow.SeverityHigh)] > 0,
		AuthorRole:     authorRole(rc, repoCtx),
		WaitMinutes:    int(time.Since(rc.Workflow.CreatedAt).Minutes()),
		FailedAttempts: rc.Workflow.Attempt - 1,
	})

	out.Summary = renderSummary(rc, &out, intent, haveIntent, risk, haveRisk, review, haveReview, tests, docs)
	return out, nil
}

// decodeOutput is rc.Output with decode failures treated as absence.
func decodeOutput(rc *agent.RunContext, name string, v any) bool {
	ok, err := rc.Output(name, v)
	return err == nil && ok
}

// buildMergeInput derives the gate from provider context. Approval
// requirements are not visible through the webhook payload, so the
// approval leg only blocks when the provider reported a requirement.
func buildMergeInput(rc *agent.RunContext, repoCtx ContextOutput, haveCtx bool) workflow.MergeInput {
	in := workflow.MergeInput{ChecksPass: true, IsUpToDate: true}

	if haveCtx {
		if cs := repoCtx.CombinedStatus; cs != nil && cs.State != "success" && cs.Total > 0 {
			in.ChecksPass = false
		}
		for _, cr := range repoCtx.CheckRuns {
			if cr.Status == "completed" && cr.Conclusion != "success" && cr.Conclusion != "neutral" && cr.Conclusion != "skipped" {
				in.ChecksPass = false
			}
		}
		if cmp := repoCtx.Comparison; cmp != nil && cmp.BehindBy > 0 {
			in.IsUpToDate = false
		}
	}

	pr := rc.Input.PR
	if pr.Mergeable != nil && !*pr.Mergeable {
		in.HasConflicts = true
	}
	if pr.MergeableState == "dirty" {
		in.HasConflicts = true
	}
	return in
}

// authorRole treats a code owner of the touched paths as a maintainer.
func authorRole(rc *agent.RunContext, repoCtx ContextOutput) string {
	author := "@" + rc.Input.PR.AuthorLogin
	for _, owner := range repoCtx.Owners {
		if strings.EqualFold(owner, author) {
			return "maintainer"
		}
	}
	return "contributor"
}

// renderSummary builds the markdown published as the summary comment
// and check-run body.
func renderSummary(rc *agent.RunContext, out *SynthesisOutput, intent IntentOutput, haveIntent bool, risk RiskOutput, haveRisk bool, review ReviewOutput, haveReview bool, tests TestsOutput, docs DocsOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Review of #%d: %s\n\n", rc.Input.PR.Number, rc.Input.PR.Title)

	if haveIntent {
		fmt.Fprintf(&b, "**Intent:** %s — %s\n\n", intent.Category, intent.Summary)
	}
	if haveRisk {
		fmt.Fprintf(&b, "**Risk:** %s (%d lines across %d files)\n\n", risk.Level, risk.TotalLines, risk.Files)
		for _, factor := range risk.Factors {
			fmt.Fprintf(&b, "- %s\n", factor)
		}
		if len(risk.Factors) > 0 {
			b.WriteString("\n")
		}
	}

	if out.Readiness.Ready {
		b.WriteString("**Merge readiness:** ready\n\n")
	} else {
		b.WriteString("**Merge readiness:** blocked\n\n")
		for _, reason := range out.Readiness.Reasons {
			fmt.Fprintf(&b, "- %s\n", reason)
		}
		b.WriteString("\n")
	}

	switch {
	case haveReview && len(review.Findings) > 0:
		fmt.Fprintf(&b, "### Findings (%d)\n\n", len(review.Findings))
		for _, f := range review.Findings {
			loc := fmt.Sprintf("%s:%d", f.File, f.Line)
			if f.EndLine > f.Line {
				loc = fmt.Sprintf("%s:%d-%d", f.File, f.Line, f.EndLine)
			}
			fmt.Fprintf(&b, "- **%s** `%s` — %s\n", f.Severity, loc, firstLine(f.Message))
		}
		b.WriteString("\n")
	case haveReview:
		b.WriteString("### Findings\n\nNo findings. The diff looks clean.\n\n")
	}

	if len(tests.Tests) > 0 {
		fmt.Fprintf(&b, "### Suggested tests (%d)\n\n", len(tests.Tests))
		for _, t := range tests.Tests {
			fmt.Fprintf(&b, "- `%s` (%s) — %s\n", t.Name, t.File, t.Description)
		}
		b.WriteString("\n")
	}
	if len(docs.Suggestions) > 0 {
		fmt.Fprintf(&b, "### Documentation (%d)\n\n", len(docs.Suggestions))
		for _, d := range docs.Suggestions {
			fmt.Fprintf(&b, "- `%s` — %s\n", d.File, d.Suggestion)
		}
		b.WriteString("\n")
	}

	var footer []string
	if haveReview && review.Suppressed > 0 {
		footer = append(footer, fmt.Sprintf("%d finding(s) suppressed by repository preferences", review.Suppressed))
	}
	if len(out.Unavailable) > 0 {
		footer = append(footer, "unavailable: "+strings.Join(out.Unavailable, ", "))
	}
	if len(footer) > 0 {
		fmt.Fprintf(&b, "---\n%s.\n", strings.Join(footer, "; "))
	}
	return b.String()
}

// firstLine keeps multi-line consolidated messages readable in the
// summary list.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
