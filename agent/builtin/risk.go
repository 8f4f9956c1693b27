package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/workflow"
)

// hotspotChurn marks a single file as a hotspot when its own churn
// crosses this many lines.
const hotspotChurn = 100

// RiskOutput grades the blast radius of the change.
type RiskOutput struct {
	Level      workflow.RiskLevel `json:"level"`
	Score      float64            `json:"score"`
	TotalLines int                `json:"total_lines"`
	Files      int                `json:"files"`
	Factors    []string           `json:"factors,omitempty"`
	Hotspots   []string           `json:"hotspots,omitempty"`
}

// sensitiveMarkers flag paths whose changes deserve closer review
// regardless of size.
var sensitiveMarkers = []string{
	"auth", "crypto", "secret", "token", "password",
	"migration", "payment", "billing",
}

// runRisk grades the change deterministically from its shape. No model
// call; the thresholds are part of the product contract.
func runRisk(_ context.Context, rc *agent.RunContext) (any, error) {
	in := rc.Input
	additions, deletions := 0, 0
	for _, f := range in.Files {
		additions += f.Additions
		deletions += f.Deletions
	}

	out := RiskOutput{
		Level:      workflow.AssessRisk(additions, deletions, len(in.Files)),
		Score:      workflow.RiskScore(additions, deletions, len(in.Files)),
		TotalLines: additions + deletions,
		Files:      len(in.Files),
	}

	if out.TotalLines > 500 {
		out.Factors = append(out.Factors, fmt.Sprintf("large change: %d lines", out.TotalLines))
	}
	if out.Files > 20 {
		out.Factors = append(out.Factors, fmt.Sprintf("wide change: %d files", out.Files))
	}

	var analysis AnalysisOutput
	if ok, err := rc.Output(agent.AgentAnalysis, &analysis); err == nil && ok {
		if !analysis.HasTests && out.TotalLines > 100 {
			out.Factors = append(out.Factors, "no test changes in a non-trivial diff")
		}
		if analysis.RemovedFiles > 0 {
			out.Factors = append(out.Factors, fmt.Sprintf("removes %d file(s)", analysis.RemovedFiles))
		}
	}

	for _, f := range in.Files {
		churn := f.Additions + f.Deletions
		lowered := strings.ToLower(f.Path)
		sensitive := false
		for _, marker := range sensitiveMarkers {
			if strings.Contains(lowered, marker) {
				sensitive = true
				break
			}
		}
		if sensitive {
			out.Factors = append(out.Factors, "touches sensitive path "+f.Path)
		}
		if sensitive || churn > hotspotChurn {
			out.Hotspots = append(out.Hotspots, f.Path)
		}
	}

	return out, nil
}
