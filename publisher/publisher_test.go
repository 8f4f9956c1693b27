package publisher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/bus"
	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/publisher"
	"github.com/pullsmith/pullsmith/storage"
	"github.com/pullsmith/pullsmith/workflow"
)

func startStore(t *testing.T) (*storage.Store, context.Context) {
	t.Helper()

	ns, err := bus.StartEmbedded(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	nc, js, err := bus.Connect(ns.ClientURL(), "publisher-test", nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	require.NoError(t, bus.EnsureStreams(ctx, js))

	store, err := storage.NewStore(ctx, js)
	require.NoError(t, err)
	return store, ctx
}

func testWorkflow() *workflow.Workflow {
	return workflow.New(workflow.TriggerEvent{
		DeliveryID:     "delivery-1",
		Action:         workflow.ActionOpened,
		RepositoryID:   "acme/widgets",
		PRNumber:       7,
		HeadSHA:        "abc123def456",
		InstallationID: "inst-1",
	})
}

type captureNotifier struct {
	mu     sync.Mutex
	events []workflow.Event
}

func (c *captureNotifier) Notify(ev workflow.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureNotifier) byType(t workflow.EventType) []workflow.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []workflow.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func sampleFindings() []workflow.Finding {
	return []workflow.Finding{
		{
			File:       "internal/limiter.go",
			Line:       42,
			Severity:   workflow.SeverityHigh,
			Category:   "BUG",
			Message:    "token bucket refill races with Take",
			QuickFix:   "guard refill with the bucket mutex",
			Confidence: 0.85,
		},
		{
			File:       "internal/limiter.go",
			Line:       10,
			EndLine:    14,
			Severity:   workflow.SeverityLow,
			Category:   "STYLE",
			Message:    "exported type missing doc comment",
			Confidence: 0.6,
		},
	}
}

func TestPublishCheckRunCreatesThenUpdates(t *testing.T) {
	store, ctx := startStore(t)
	fake := forge.NewFake()
	pub := publisher.New(fake, store.Artifacts, nil, nil)
	wf := testWorkflow()

	start, err := pub.PublishCheckRun(ctx, wf, publisher.CheckRunStart(wf))
	require.NoError(t, err)
	require.Equal(t, "check-1", start.ExternalID)
	require.NotNil(t, start.PublishedAt)
	require.Len(t, fake.CreatedCheckRuns, 1)
	assert.Equal(t, publisher.DefaultCheckName, fake.CreatedCheckRuns[0].Name)
	assert.Equal(t, "in_progress", fake.CreatedCheckRuns[0].Status)
	assert.Equal(t, wf.HeadSHA, fake.CreatedCheckRuns[0].HeadSHA)

	counts := map[string]int{string(workflow.SeverityHigh): 1, string(workflow.SeverityLow): 1}
	done, err := pub.PublishCheckRun(ctx, wf, publisher.CheckRunCompleted(wf, counts, "review done"))
	require.NoError(t, err)

	// The completion must update the existing provider check run, not
	// stack a second one.
	assert.Equal(t, "check-1", done.ExternalID)
	assert.Len(t, fake.CreatedCheckRuns, 1)
	updated, ok := fake.UpdatedCheckRuns["check-1"]
	require.True(t, ok)
	assert.Equal(t, "completed", updated.Status)
	assert.Equal(t, "neutral", updated.Conclusion)
	assert.Equal(t, "2 findings", updated.Title)
}

func TestPublishCheckRunReusesIdenticalContent(t *testing.T) {
	store, ctx := startStore(t)
	fake := forge.NewFake()
	pub := publisher.New(fake, store.Artifacts, nil, nil)
	wf := testWorkflow()
	params := publisher.CheckRunStart(wf)

	first, err := pub.PublishCheckRun(ctx, wf, params)
	require.NoError(t, err)
	second, err := pub.PublishCheckRun(ctx, wf, params)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ExternalID, second.ExternalID)
	assert.Len(t, fake.CreatedCheckRuns, 1)
	assert.Empty(t, fake.UpdatedCheckRuns)
}

func TestPublishReviewBatch(t *testing.T) {
	store, ctx := startStore(t)
	fake := forge.NewFake()
	notifier := &captureNotifier{}
	pub := publisher.New(fake, store.Artifacts, notifier, nil)
	wf := testWorkflow()

	art, err := pub.PublishReviewBatch(ctx, wf, sampleFindings())
	require.NoError(t, err)
	require.Equal(t, "review-1", art.ExternalID)

	require.Len(t, fake.Reviews, 1)
	review := fake.Reviews[0]
	assert.Equal(t, "COMMENT", review.Event)
	assert.Equal(t, wf.HeadSHA, review.CommitID)
	assert.Contains(t, review.Body, "2 findings")
	assert.Contains(t, review.Body, "HIGH")
	require.Len(t, review.Comments, 2)

	single := review.Comments[0]
	assert.Equal(t, "internal/limiter.go", single.Path)
	assert.Equal(t, 42, single.Line)
	assert.Zero(t, single.StartLine)
	assert.Equal(t, "RIGHT", single.Side)
	assert.Contains(t, single.Body, "**HIGH** · BUG")
	assert.Contains(t, single.Body, "Suggested fix")

	spanned := review.Comments[1]
	assert.Equal(t, 14, spanned.Line)
	assert.Equal(t, 10, spanned.StartLine)

	posted := notifier.byType(workflow.EventCommentPosted)
	require.Len(t, posted, 1)
	assert.Equal(t, wf.ID, posted[0].WorkflowID)
	assert.Equal(t, wf.RepositoryID, posted[0].RepositoryID)
}

func TestPublishReviewBatchIdempotent(t *testing.T) {
	store, ctx := startStore(t)
	fake := forge.NewFake()
	notifier := &captureNotifier{}
	pub := publisher.New(fake, store.Artifacts, notifier, nil)
	wf := testWorkflow()
	findings := sampleFindings()

	first, err := pub.PublishReviewBatch(ctx, wf, findings)
	require.NoError(t, err)
	second, err := pub.PublishReviewBatch(ctx, wf, findings)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ExternalID, second.ExternalID)
	assert.Len(t, fake.Reviews, 1)
	assert.Len(t, notifier.byType(workflow.EventCommentPosted), 1)
}

func TestPublishReviewBatchEmpty(t *testing.T) {
	store, ctx := startStore(t)
	fake := forge.NewFake()
	pub := publisher.New(fake, store.Artifacts, nil, nil)

	art, err := pub.PublishReviewBatch(ctx, testWorkflow(), nil)
	require.NoError(t, err)
	assert.Nil(t, art)
	assert.Empty(t, fake.Reviews)
}

func TestPublishFailureLeavesPendingAndResumes(t *testing.T) {
	store, ctx := startStore(t)
	fake := forge.NewFake()
	notifier := &captureNotifier{}
	pub := publisher.New(fake, store.Artifacts, notifier, nil)
	wf := testWorkflow()

	fake.FailWith["CreateIssueComment"] = &forge.RequestError{
		Code: forge.ErrCodeServerError, Status: 502, Message: "bad gateway",
	}
	_, err := pub.PublishSummaryComment(ctx, wf, "## Review of #7")
	require.Error(t, err)
	assert.Empty(t, notifier.byType(workflow.EventCommentPosted))

	pending, err := store.Artifacts.ListPending(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, workflow.ArtifactSummaryComment, pending[0].Kind)

	delete(fake.FailWith, "CreateIssueComment")
	require.NoError(t, pub.PublishPending(ctx, wf))

	require.Len(t, fake.IssueComments, 1)
	assert.Equal(t, "## Review of #7", fake.IssueComments[0])
	pending, err = store.Artifacts.ListPending(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Len(t, notifier.byType(workflow.EventCommentPosted), 1)
}

func TestPublishPendingSkipsRecordOnlyKinds(t *testing.T) {
	store, ctx := startStore(t)
	fake := forge.NewFake()
	pub := publisher.New(fake, store.Artifacts, nil, nil)
	wf := testWorkflow()

	_, err := pub.Record(ctx, wf, workflow.ArtifactGeneratedTest, map[string]any{"tests": []string{"TestTake"}})
	require.NoError(t, err)

	require.NoError(t, pub.PublishPending(ctx, wf))
	assert.Empty(t, fake.IssueComments)
	assert.Empty(t, fake.Reviews)
	assert.Empty(t, fake.CreatedCheckRuns)
}

func TestRecordDedupsAndNotifies(t *testing.T) {
	store, ctx := startStore(t)
	notifier := &captureNotifier{}
	pub := publisher.New(forge.NewFake(), store.Artifacts, notifier, nil)
	wf := testWorkflow()
	payload := map[string]any{"category": "feature", "summary": "adds throttling"}

	first, err := pub.Record(ctx, wf, workflow.ArtifactIntentAnalysis, payload)
	require.NoError(t, err)
	second, err := pub.Record(ctx, wf, workflow.ArtifactIntentAnalysis, payload)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = pub.Record(ctx, wf, workflow.ArtifactGeneratedTest, map[string]any{"name": "TestTake"})
	require.NoError(t, err)
	assert.Len(t, notifier.byType(workflow.EventTestGenerated), 1)
}

func TestRequestReviewers(t *testing.T) {
	store, ctx := startStore(t)
	fake := forge.NewFake()
	pub := publisher.New(fake, store.Artifacts, nil, nil)
	wf := testWorkflow()

	require.NoError(t, pub.RequestReviewers(ctx, wf, nil))
	assert.Empty(t, fake.ReviewerRequests)

	require.NoError(t, pub.RequestReviewers(ctx, wf, []string{"casey", "devon"}))
	require.Len(t, fake.ReviewerRequests, 1)
	assert.Equal(t, []string{"casey", "devon"}, fake.ReviewerRequests[0])
}

func TestCheckConclusion(t *testing.T) {
	cases := []struct {
		name   string
		counts map[string]int
		want   string
	}{
		{"critical fails", map[string]int{"CRITICAL": 1, "LOW": 3}, "failure"},
		{"high is neutral", map[string]int{"HIGH": 2}, "neutral"},
		{"medium passes", map[string]int{"MEDIUM": 4}, "success"},
		{"clean passes", nil, "success"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, publisher.CheckConclusion(tc.counts))
		})
	}
}

func TestFindingComment(t *testing.T) {
	body := publisher.FindingComment(workflow.Finding{
		File:           "a.go",
		Line:           3,
		Severity:       workflow.SeverityMedium,
		Category:       "PERF",
		Message:        "allocates per call",
		QuickFix:       "hoist the buffer",
		AdjustmentNote: "confidence reduced by team preference",
	})
	assert.Contains(t, body, "**MEDIUM** · PERF")
	assert.Contains(t, body, "allocates per call")
	assert.Contains(t, body, "**Suggested fix:**\nhoist the buffer")
	assert.Contains(t, body, "_confidence reduced by team preference_")
}
