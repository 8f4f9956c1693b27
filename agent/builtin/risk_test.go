package builtin

import (
	"context"
	"strings"
	"testing"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/workflow"
)

func riskInput(t *testing.T, files []forge.ChangedFile, analysis *AnalysisOutput) *agent.RunContext {
	t.Helper()
	wf := workflow.New(workflow.TriggerEvent{RepositoryID: "acme/widgets", PRNumber: 7, HeadSHA: "abc"})
	rc := agent.NewRunContext(wf, &agent.Input{
		Ref:   forge.RepoRef{Repo: "acme/widgets"},
		PR:    &forge.PullRequest{Number: 7},
		Files: files,
	}, &agent.Services{}, agent.NewTokenBudget(0))
	if analysis != nil {
		if err := rc.PutOutput(agent.AgentAnalysis, analysis); err != nil {
			t.Fatalf("seed analysis: %v", err)
		}
	}
	return rc
}

// spreadFiles fabricates n files carrying the given total churn.
func spreadFiles(n, additions, deletions int) []forge.ChangedFile {
	files := make([]forge.ChangedFile, n)
	for i := range files {
		files[i] = forge.ChangedFile{Path: "pkg/file.go", Status: "modified"}
	}
	files[0].Additions = additions
	files[0].Deletions = deletions
	return files
}

func TestRunRiskLevels(t *testing.T) {
	cases := []struct {
		name      string
		additions int
		deletions int
		files     int
		want      workflow.RiskLevel
	}{
		{"tiny", 10, 5, 2, workflow.RiskLow},
		{"boundary hundred lines", 60, 40, 3, workflow.RiskLow},
		{"just over hundred lines", 61, 40, 3, workflow.RiskMedium},
		{"boundary ten files", 20, 20, 10, workflow.RiskLow},
		{"eleven files", 20, 20, 11, workflow.RiskMedium},
		{"boundary five hundred lines", 300, 200, 5, workflow.RiskMedium},
		{"over five hundred lines", 301, 200, 5, workflow.RiskHigh},
		{"twentyone files", 10, 10, 21, workflow.RiskHigh},
		{"big everything", 900, 400, 40, workflow.RiskHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc := riskInput(t, spreadFiles(tc.files, tc.additions, tc.deletions), nil)
			got, err := runRisk(context.Background(), rc)
			if err != nil {
				t.Fatalf("runRisk: %v", err)
			}
			out := got.(RiskOutput)
			if out.Level != tc.want {
				t.Errorf("level: want %s, got %s", tc.want, out.Level)
			}
			if out.TotalLines != tc.additions+tc.deletions {
				t.Errorf("total lines: want %d, got %d", tc.additions+tc.deletions, out.TotalLines)
			}
			if out.Score < 0 || out.Score > 1 {
				t.Errorf("score outside [0,1]: %f", out.Score)
			}
		})
	}
}

func TestRunRiskFactorsAndHotspots(t *testing.T) {
	files := []forge.ChangedFile{
		{Path: "internal/auth/session.go", Status: "modified", Additions: 30, Deletions: 10},
		{Path: "internal/server/router.go", Status: "modified", Additions: 150, Deletions: 40},
		{Path: "README.md", Status: "modified", Additions: 4, Deletions: 0},
	}
	rc := riskInput(t, files, &AnalysisOutput{HasTests: false, RemovedFiles: 2})

	got, err := runRisk(context.Background(), rc)
	if err != nil {
		t.Fatalf("runRisk: %v", err)
	}
	out := got.(RiskOutput)

	joined := strings.Join(out.Factors, "\n")
	if !strings.Contains(joined, "no test changes") {
		t.Errorf("missing no-tests factor in %q", joined)
	}
	if !strings.Contains(joined, "removes 2 file(s)") {
		t.Errorf("missing removed-files factor in %q", joined)
	}
	if !strings.Contains(joined, "internal/auth/session.go") {
		t.Errorf("missing sensitive-path factor in %q", joined)
	}

	wantHot := map[string]bool{
		"internal/auth/session.go":  true, // sensitive path
		"internal/server/router.go": true, // churn over threshold
	}
	if len(out.Hotspots) != len(wantHot) {
		t.Fatalf("hotspots: want %d, got %v", len(wantHot), out.Hotspots)
	}
	for _, h := range out.Hotspots {
		if !wantHot[h] {
			t.Errorf("unexpected hotspot %s", h)
		}
	}
}
