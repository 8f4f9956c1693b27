package engine_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/agent/builtin"
	"github.com/pullsmith/pullsmith/engine"
	"github.com/pullsmith/pullsmith/storage"
	"github.com/pullsmith/pullsmith/workflow"
)

// seedAwaiting persists a workflow parked at AWAITING_REVIEW together
// with the agent runs a finished review leaves behind.
func seedAwaiting(t *testing.T, h *harness) *workflow.Workflow {
	t.Helper()

	ev := h.seedPR("acme/widgets", 7, "abc123def456")
	wf := workflow.New(ev)
	started := time.Now().UTC().Add(-10 * time.Minute)
	wf.Status = workflow.StatusAwaitingReview
	wf.StartedAt = &started
	_, err := h.store.Workflows.Create(h.ctx, wf)
	require.NoError(t, err)

	putRun := func(name string, output any) {
		run := workflow.NewAgentRun(wf.ID, name)
		run.Status = workflow.RunSucceeded
		data, err := json.Marshal(output)
		require.NoError(t, err)
		run.Output = data
		require.NoError(t, h.store.Runs.Put(h.ctx, run))
	}
	putRun(agent.AgentAnalysis, builtin.AnalysisOutput{
		Files:          3,
		Additions:      120,
		Deletions:      30,
		HasTests:       true,
		HasDescription: true,
	})
	putRun(agent.AgentRisk, builtin.RiskOutput{Level: workflow.RiskMedium, Score: 0.4})
	putRun(agent.AgentReview, builtin.ReviewOutput{Findings: []workflow.Finding{
		{File: "a.go", Line: 3, Severity: workflow.SeverityCritical, Category: "BUG", Message: "nil deref"},
		{File: "b.go", Line: 9, Severity: workflow.SeverityHigh, Category: "SECURITY", Message: "unchecked input"},
		{File: "c.go", Line: 2, Severity: workflow.SeverityLow, Category: "STYLE", Message: "missing doc"},
	}})
	putRun(agent.AgentContext, builtin.ContextOutput{Owners: []string{"@riley", "@morgan"}})
	return wf
}

func TestResolveReviewCompletesWorkflow(t *testing.T) {
	h := newHarness(t, engine.Config{})
	wf := seedAwaiting(t, h)

	decision := &workflow.ReviewerDecision{
		WorkflowID: wf.ID,
		ReviewerID: "riley",
		Action:     workflow.DecisionAccepted,
		Context: workflow.DecisionContext{
			File:     "c.go",
			Line:     2,
			Category: "STYLE",
			Severity: workflow.SeverityLow,
			Message:  "missing doc",
		},
	}
	completed, err := h.engine.ResolveReview(h.ctx, decision)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
	assert.NotEmpty(t, decision.ID, "resolution assigns the decision an id")
	assert.Equal(t, wf.RepositoryID, decision.RepositoryID)

	decisions, err := h.store.Decisions.ListByWorkflow(h.ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, workflow.DecisionAccepted, decisions[0].Action)

	// The outcome became a training example built from the stored runs.
	examples, err := h.store.Analytics.Examples(h.ctx, wf.RepositoryID)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	ex := examples[0]
	assert.Equal(t, wf.ID, ex.WorkflowID)
	assert.True(t, ex.Merged)
	assert.Greater(t, ex.MergeTimeHours, 0.0)
	assert.Equal(t, 3.0, ex.Features.Files)
	assert.Equal(t, 1.0, ex.Features.CriticalIssues)
	assert.Equal(t, 1.0, ex.Features.HighIssues)
	assert.Equal(t, 0.4, ex.Features.RiskScore)
	assert.Equal(t, 1.0, ex.Features.HasTests)

	var statuses []string
	for _, evt := range h.events.byType(workflow.EventWorkflowUpdate) {
		if data, ok := evt.Data.(map[string]any); ok {
			if s, ok := data["status"].(string); ok {
				statuses = append(statuses, s)
			}
		}
	}
	assert.Contains(t, statuses, string(workflow.StatusCompleted))
}

func TestResolveReviewAfterCompletionStillLearns(t *testing.T) {
	h := newHarness(t, engine.Config{})
	wf := seedAwaiting(t, h)

	first := &workflow.ReviewerDecision{
		WorkflowID: wf.ID,
		ReviewerID: "riley",
		Action:     workflow.DecisionAccepted,
		Context:    workflow.DecisionContext{Category: "BUG", Severity: workflow.SeverityCritical},
	}
	_, err := h.engine.ResolveReview(h.ctx, first)
	require.NoError(t, err)

	second := &workflow.ReviewerDecision{
		WorkflowID: wf.ID,
		ReviewerID: "morgan",
		Action:     workflow.DecisionDismissed,
		Context:    workflow.DecisionContext{Category: "STYLE", Severity: workflow.SeverityLow},
	}
	got, err := h.engine.ResolveReview(h.ctx, second)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Status)

	decisions, err := h.store.Decisions.ListByWorkflow(h.ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 2, "late decisions still count for learning")

	examples, err := h.store.Analytics.Examples(h.ctx, wf.RepositoryID)
	require.NoError(t, err)
	assert.Len(t, examples, 1, "only the completing decision appends an outcome")
}

func TestResolveReviewUnknownWorkflow(t *testing.T) {
	h := newHarness(t, engine.Config{})

	_, err := h.engine.ResolveReview(h.ctx, &workflow.ReviewerDecision{
		WorkflowID: "wf-does-not-exist",
		ReviewerID: "riley",
		Action:     workflow.DecisionAccepted,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestFeaturesDegradeWithoutRuns(t *testing.T) {
	h := newHarness(t, engine.Config{})
	ev := h.seedPR("acme/widgets", 7, "abc123")
	wf := workflow.New(ev)
	_, err := h.store.Workflows.Create(h.ctx, wf)
	require.NoError(t, err)

	features, err := h.engine.Features(h.ctx, wf)
	require.NoError(t, err)
	assert.Zero(t, features.Files)
	assert.Zero(t, features.CriticalIssues)
	assert.Zero(t, features.RiskScore)
	assert.GreaterOrEqual(t, features.PRAgeHours, 0.0)
}
