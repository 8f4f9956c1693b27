package builtin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/forge"
)

// ContextOutput is the repository-side picture around the change:
// ownership, CI state, and how far the branch has drifted.
type ContextOutput struct {
	Owners         []string                `json:"owners,omitempty"`
	CombinedStatus *forge.CombinedStatus   `json:"combined_status,omitempty"`
	CheckRuns      []forge.CheckRun        `json:"check_runs,omitempty"`
	Comparison     *forge.BranchComparison `json:"comparison,omitempty"`
	// LookupErrors records provider calls that failed; the output is
	// still usable with the fields that resolved.
	LookupErrors []string `json:"lookup_errors,omitempty"`
}

// runContext gathers provider-side context. Individual lookup failures
// degrade the output instead of failing the agent; only a total
// provider outage counts as failure.
func runContext(ctx context.Context, rc *agent.RunContext) (any, error) {
	in := rc.Input
	fc := rc.Services.Forge
	log := rc.Services.Logger

	var out ContextOutput
	failed := 0
	record := func(op string, err error) {
		failed++
		out.LookupErrors = append(out.LookupErrors, fmt.Sprintf("%s: %v", op, err))
		log.Warn("context lookup failed",
			slog.String("workflow_id", rc.Workflow.ID),
			slog.String("op", op),
			slog.String("error", err.Error()))
	}

	if co, err := fc.GetCodeowners(ctx, in.Ref); err != nil {
		record("codeowners", err)
	} else {
		paths := make([]string, 0, len(in.Files))
		for _, f := range in.Files {
			paths = append(paths, f.Path)
		}
		out.Owners = co.OwnersForFiles(paths)
	}

	if cs, err := fc.GetCombinedStatus(ctx, in.Ref, in.PR.HeadSHA); err != nil {
		record("combined status", err)
	} else {
		out.CombinedStatus = cs
	}

	if runs, err := fc.GetCheckRuns(ctx, in.Ref, in.PR.HeadSHA); err != nil {
		record("check runs", err)
	} else {
		out.CheckRuns = runs
	}

	if cmp, err := fc.CompareBranches(ctx, in.Ref, in.PR.BaseRef, in.PR.HeadRef); err != nil {
		record("compare branches", err)
	} else {
		out.Comparison = cmp
	}

	if failed == 4 {
		return nil, fmt.Errorf("all provider lookups failed: %s", out.LookupErrors[0])
	}
	return out, nil
}
