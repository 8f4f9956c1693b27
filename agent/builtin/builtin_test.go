package builtin_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/agent/builtin"
	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/llm"
	_ "github.com/pullsmith/pullsmith/llm/providers" // Register providers
	"github.com/pullsmith/pullsmith/prefs"
	"github.com/pullsmith/pullsmith/workflow"
)

// memPersistence keeps preference models in memory with the revision
// semantics the store expects.
type memPersistence struct {
	mu     sync.Mutex
	models map[string]*prefs.Model
	revs   map[string]uint64
}

func newMemPersistence() *memPersistence {
	return &memPersistence{models: make(map[string]*prefs.Model), revs: make(map[string]uint64)}
}

func (p *memPersistence) Load(_ context.Context, repositoryID string) (*prefs.Model, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.models[repositoryID]
	if !ok {
		return nil, 0, prefs.ErrNoModel
	}
	return m.Clone(), p.revs[repositoryID], nil
}

func (p *memPersistence) Save(_ context.Context, model *prefs.Model, revision uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.revs[model.RepositoryID] != revision {
		return 0, prefs.ErrStale
	}
	p.models[model.RepositoryID] = model.Clone()
	p.revs[model.RepositoryID]++
	return p.revs[model.RepositoryID], nil
}

func mockClient(t *testing.T) *llm.Client {
	t.Helper()
	client, err := llm.NewClient(llm.Config{Provider: "mock", Model: "mock-model"})
	require.NoError(t, err)
	return client
}

func testServices(t *testing.T) (*agent.Services, *forge.Fake) {
	t.Helper()
	fake := forge.NewFake()
	return &agent.Services{
		LLM:      mockClient(t),
		Forge:    fake,
		Prefs:    prefs.NewStore(newMemPersistence(), nil, slog.Default()),
		Notifier: workflow.NopNotifier{},
		Logger:   slog.Default(),
	}, fake
}

func testRunContext(t *testing.T, svcs *agent.Services) *agent.RunContext {
	t.Helper()
	wf := workflow.New(workflow.TriggerEvent{
		RepositoryID: "acme/widgets",
		PRNumber:     7,
		HeadSHA:      "abc123",
	})
	input := &agent.Input{
		Ref: forge.RepoRef{Repo: "acme/widgets", InstallationID: "inst-1"},
		PR: &forge.PullRequest{
			Number:      7,
			Title:       "Add request throttling",
			Body:        "Introduces a limiter in front of the API.",
			AuthorLogin: "casey",
			HeadSHA:     "abc123",
			HeadRef:     "feature/throttle",
			BaseRef:     "main",
		},
		Diff: "diff --git a/internal/server/limiter.go b/internal/server/limiter.go\n+func NewLimiter() {}\n",
		Files: []forge.ChangedFile{
			{Path: "internal/server/limiter.go", Status: "added", Additions: 120},
			{Path: "internal/server/limiter_test.go", Status: "added", Additions: 60},
		},
	}
	return agent.NewRunContext(wf, input, svcs, agent.NewTokenBudget(0))
}

func runAgent(t *testing.T, reg *agent.Registry, name string, rc *agent.RunContext) any {
	t.Helper()
	d, ok := reg.Get(name)
	require.True(t, ok, "agent %s not registered", name)
	out, err := d.Run(context.Background(), rc)
	require.NoError(t, err)
	require.NoError(t, rc.PutOutput(name, out))
	return out
}

func TestDefaultRegistryShape(t *testing.T) {
	reg, err := builtin.DefaultRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Validate())

	all := reg.All()
	require.Len(t, all, 8)

	review, _ := reg.Get(agent.AgentReview)
	assert.ElementsMatch(t, []string{agent.AgentIntent, agent.AgentRisk, agent.AgentContext}, review.Deps)
	assert.True(t, review.Critical)
	assert.True(t, review.UsesLLM)
	assert.Equal(t, agent.LLMTimeout, review.Timeout)

	synthesis, _ := reg.Get(agent.AgentSynthesis)
	assert.ElementsMatch(t, []string{agent.AgentReview, agent.AgentTests, agent.AgentDocs}, synthesis.Deps)
	assert.True(t, synthesis.AlwaysRun)
	assert.True(t, synthesis.Critical)
	assert.False(t, synthesis.UsesLLM)

	tests, _ := reg.Get(agent.AgentTests)
	assert.False(t, tests.Critical)
	assert.True(t, tests.UsesLLM)

	analysis, _ := reg.Get(agent.AgentAnalysis)
	assert.Empty(t, analysis.Deps)
	assert.True(t, analysis.Critical)
	assert.Equal(t, agent.DefaultTimeout, analysis.Timeout)
}

func TestBuildSystemPromptRoles(t *testing.T) {
	cases := map[string]string{
		agent.AgentIntent: "change intent",
		agent.AgentReview: "code reviewer",
		agent.AgentTests:  "test engineer",
		agent.AgentDocs:   "documentation",
	}
	for name, phrase := range cases {
		prompt := builtin.BuildSystemPrompt(name)
		assert.Contains(t, strings.ToLower(prompt), phrase, "prompt for %s", name)
	}
	assert.Empty(t, builtin.BuildSystemPrompt(agent.AgentRisk))
	assert.Empty(t, builtin.BuildSystemPrompt(agent.AgentAnalysis))
}

func TestPipelineAgentsAgainstMockProvider(t *testing.T) {
	reg, err := builtin.DefaultRegistry()
	require.NoError(t, err)
	svcs, _ := testServices(t)
	rc := testRunContext(t, svcs)

	analysis := runAgent(t, reg, agent.AgentAnalysis, rc).(builtin.AnalysisOutput)
	assert.Equal(t, 2, analysis.Files)
	assert.True(t, analysis.HasTests)

	intent := runAgent(t, reg, agent.AgentIntent, rc).(builtin.IntentOutput)
	assert.Contains(t, []string{"feature", "bugfix", "refactor", "docs", "test", "chore", "dependency"}, intent.Category)
	assert.NotEmpty(t, intent.Summary)

	risk := runAgent(t, reg, agent.AgentRisk, rc).(builtin.RiskOutput)
	assert.Equal(t, workflow.RiskMedium, risk.Level) // 180 lines, 2 files

	runAgent(t, reg, agent.AgentContext, rc)

	review := runAgent(t, reg, agent.AgentReview, rc).(builtin.ReviewOutput)
	require.Len(t, review.Findings, 2)
	severities := []workflow.Severity{review.Findings[0].Severity, review.Findings[1].Severity}
	assert.Contains(t, severities, workflow.SeverityHigh)
	assert.Contains(t, severities, workflow.SeverityLow)
	assert.Zero(t, review.Suppressed)

	tests := runAgent(t, reg, agent.AgentTests, rc).(builtin.TestsOutput)
	require.NotEmpty(t, tests.Tests)
	for _, tc := range tests.Tests {
		assert.NotEmpty(t, tc.File)
		assert.NotEmpty(t, tc.Name)
	}

	docs := runAgent(t, reg, agent.AgentDocs, rc).(builtin.DocsOutput)
	require.NotEmpty(t, docs.Suggestions)

	synthesis := runAgent(t, reg, agent.AgentSynthesis, rc).(builtin.SynthesisOutput)
	assert.Empty(t, synthesis.Unavailable)
	assert.Contains(t, synthesis.Summary, "### Findings (2)")
	assert.Contains(t, synthesis.Summary, "Suggested tests")
	assert.Equal(t, len(tests.Tests), synthesis.TestsSuggested)
	assert.True(t, synthesis.Readiness.Ready, "clean fake provider state must gate open")
}

func TestReviewAgentAppliesCustomRules(t *testing.T) {
	reg, err := builtin.DefaultRegistry()
	require.NoError(t, err)
	svcs, _ := testServices(t)
	rc := testRunContext(t, svcs)

	_, err = svcs.Prefs.SetCustomRules(context.Background(), "acme/widgets", []prefs.TeamRule{
		{Pattern: "STYLE", Action: prefs.RuleNeverFlag},
	})
	require.NoError(t, err)

	review := runAgent(t, reg, agent.AgentReview, rc).(builtin.ReviewOutput)
	require.Len(t, review.Findings, 1, "STYLE finding must be suppressed by the team rule")
	assert.Equal(t, workflow.SeverityHigh, review.Findings[0].Severity)
	assert.Equal(t, 1, review.Suppressed)
}

func TestTestsAgentSkipsModelWithoutSourceFiles(t *testing.T) {
	reg, err := builtin.DefaultRegistry()
	require.NoError(t, err)

	// nil LLM client proves no model call happens for doc-only diffs.
	svcs := &agent.Services{Logger: slog.Default()}
	wf := workflow.New(workflow.TriggerEvent{RepositoryID: "acme/widgets", PRNumber: 7, HeadSHA: "abc"})
	rc := agent.NewRunContext(wf, &agent.Input{
		Ref:   forge.RepoRef{Repo: "acme/widgets"},
		PR:    &forge.PullRequest{Number: 7},
		Files: []forge.ChangedFile{{Path: "README.md", Status: "modified", Additions: 5}},
	}, svcs, agent.NewTokenBudget(0))

	d, ok := reg.Get(agent.AgentTests)
	require.True(t, ok)
	out, err := d.Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Empty(t, out.(builtin.TestsOutput).Tests)
}

func TestContextAgentToleratesPartialFailures(t *testing.T) {
	reg, err := builtin.DefaultRegistry()
	require.NoError(t, err)
	svcs, fake := testServices(t)
	rc := testRunContext(t, svcs)

	fake.Ownership = forge.ParseCodeowners("*.go @org/go-team")
	fake.FailWith["GetCombinedStatus"] = errors.New("status backend down")
	fake.FailWith["GetCheckRuns"] = errors.New("checks backend down")

	d, _ := reg.Get(agent.AgentContext)
	out, err := d.Run(context.Background(), rc)
	require.NoError(t, err)

	ctxOut := out.(builtin.ContextOutput)
	assert.Equal(t, []string{"@org/go-team"}, ctxOut.Owners)
	assert.NotNil(t, ctxOut.Comparison)
	assert.Len(t, ctxOut.LookupErrors, 2)
}

func TestContextAgentFailsWhenEverythingFails(t *testing.T) {
	reg, err := builtin.DefaultRegistry()
	require.NoError(t, err)
	svcs, fake := testServices(t)
	rc := testRunContext(t, svcs)

	down := errors.New("provider down")
	for _, op := range []string{"GetCodeowners", "GetCombinedStatus", "GetCheckRuns", "CompareBranches"} {
		fake.FailWith[op] = down
	}

	d, _ := reg.Get(agent.AgentContext)
	_, err = d.Run(context.Background(), rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all provider lookups failed")
}

func TestSynthesisReportsUnavailableAgents(t *testing.T) {
	reg, err := builtin.DefaultRegistry()
	require.NoError(t, err)
	svcs, _ := testServices(t)
	rc := testRunContext(t, svcs)

	// Only review produced output; everything else failed upstream.
	require.NoError(t, rc.PutOutput(agent.AgentReview, builtin.ReviewOutput{
		Findings: []workflow.Finding{
			{File: "a.go", Line: 3, Severity: workflow.SeverityCritical, Category: "BUG", Message: "boom", Confidence: 0.9},
		},
	}))

	d, _ := reg.Get(agent.AgentSynthesis)
	out, err := d.Run(context.Background(), rc)
	require.NoError(t, err)

	synthesis := out.(builtin.SynthesisOutput)
	assert.ElementsMatch(t,
		[]string{agent.AgentIntent, agent.AgentRisk, agent.AgentContext, agent.AgentTests, agent.AgentDocs},
		synthesis.Unavailable)
	assert.Contains(t, synthesis.Summary, "unavailable")
	assert.Equal(t, 1, synthesis.FindingCounts[string(workflow.SeverityCritical)])

	// Critical finding, fresh workflow, first attempt.
	assert.Equal(t, 150, synthesis.Priority)
}
