package publisher

import (
	"fmt"

	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/workflow"
)

// CheckRunStart is the check run published when a workflow begins.
func CheckRunStart(wf *workflow.Workflow) forge.CheckRunParams {
	return forge.CheckRunParams{
		Name:    DefaultCheckName,
		HeadSHA: wf.HeadSHA,
		Status:  "in_progress",
		Title:   "Review in progress",
		Summary: fmt.Sprintf("Reviewing %s (attempt %d).", shortSHA(wf.HeadSHA), wf.Attempt),
	}
}

// CheckRunCompleted is the terminal check run for a finished review.
// counts is findings per severity as reported by synthesis.
func CheckRunCompleted(wf *workflow.Workflow, counts map[string]int, summary string) forge.CheckRunParams {
	total := 0
	for _, n := range counts {
		total += n
	}
	title := "No findings"
	if total > 0 {
		noun := "findings"
		if total == 1 {
			noun = "finding"
		}
		title = fmt.Sprintf("%d %s", total, noun)
	}
	return forge.CheckRunParams{
		Name:       DefaultCheckName,
		HeadSHA:    wf.HeadSHA,
		Status:     "completed",
		Conclusion: CheckConclusion(counts),
		Title:      title,
		Summary:    summary,
	}
}

// CheckRunFailure is the terminal check run for a workflow that could
// not produce a review. The request id lets operators find the logs.
func CheckRunFailure(wf *workflow.Workflow, reason, requestID string) forge.CheckRunParams {
	summary := reason
	if requestID != "" {
		summary = fmt.Sprintf("%s (request %s)", reason, requestID)
	}
	return forge.CheckRunParams{
		Name:       DefaultCheckName,
		HeadSHA:    wf.HeadSHA,
		Status:     "completed",
		Conclusion: "failure",
		Title:      "Review failed",
		Summary:    summary,
	}
}

// CheckConclusion maps finding counts to a check run conclusion.
// Critical findings fail the check; high findings surface as neutral so
// they draw attention without blocking required checks on a judgement
// call; everything else passes.
func CheckConclusion(counts map[string]int) string {
	switch {
	case counts[string(workflow.SeverityCritical)] > 0:
		return "failure"
	case counts[string(workflow.SeverityHigh)] > 0:
		return "neutral"
	default:
		return "success"
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
