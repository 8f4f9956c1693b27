// Package publisher pushes workflow artifacts to the code-hosting
// provider. Every publish is keyed on the artifact's content hash:
// the artifact record is persisted before the provider call, the
// provider identifier is recorded after it, and a re-publish of the
// same content returns the recorded identifier without a second
// provider write. Artifacts left without an identifier by a crash or
// provider failure are retried through PublishPending.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/metrics"
	"github.com/pullsmith/pullsmith/storage"
	"github.com/pullsmith/pullsmith/workflow"
)

// DefaultCheckName is the check run name shown on the PR when the
// caller does not set one.
const DefaultCheckName = "pullsmith-review"

// Publish outcomes for the publishes metric.
const (
	outcomePublished = "published"
	outcomeReused    = "reused"
	outcomeRecorded  = "recorded"
	outcomeFailed    = "failed"
)

// ReviewBatchPayload is the persisted content of a ReviewComment
// artifact: the commit the comments anchor to plus the findings.
type ReviewBatchPayload struct {
	CommitSHA string             `json:"commit_sha"`
	Findings  []workflow.Finding `json:"findings"`
}

// SummaryPayload is the persisted content of a SummaryComment artifact.
type SummaryPayload struct {
	Markdown string `json:"markdown"`
}

// Publisher writes artifacts to the provider exactly once per content
// hash. It is safe for concurrent use across workflows.
type Publisher struct {
	client    forge.Client
	artifacts *storage.ArtifactRepo
	notifier  workflow.Notifier
	logger    *slog.Logger
}

// New builds a publisher. notifier may be nil.
func New(client forge.Client, artifacts *storage.ArtifactRepo, notifier workflow.Notifier, logger *slog.Logger) *Publisher {
	if notifier == nil {
		notifier = workflow.NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:    client,
		artifacts: artifacts,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "publisher")),
	}
}

func refFor(wf *workflow.Workflow) forge.RepoRef {
	return forge.RepoRef{Repo: wf.RepositoryID, InstallationID: wf.InstallationID}
}

// PublishCheckRun creates the workflow's check run, or updates it when
// an earlier publish already created one. The returned artifact carries
// the provider's check run identifier.
func (p *Publisher) PublishCheckRun(ctx context.Context, wf *workflow.Workflow, params forge.CheckRunParams) (*workflow.Artifact, error) {
	if params.Name == "" {
		params.Name = DefaultCheckName
	}
	if params.HeadSHA == "" {
		params.HeadSHA = wf.HeadSHA
	}
	art, err := workflow.NewArtifact(wf.ID, workflow.ArtifactCheckRun, params)
	if err != nil {
		return nil, err
	}
	published, _, err := p.publish(ctx, wf, art, func(ctx context.Context) (string, error) {
		existing, err := p.checkRunID(ctx, wf.ID)
		if err != nil {
			return "", err
		}
		if existing != "" {
			if err := p.client.UpdateCheckRun(ctx, refFor(wf), existing, params); err != nil {
				return "", err
			}
			return existing, nil
		}
		return p.client.CreateCheckRun(ctx, refFor(wf), params)
	})
	return published, err
}

// PublishReviewBatch submits the findings as one batched review with an
// inline comment per finding. A nil or empty slice publishes nothing.
func (p *Publisher) PublishReviewBatch(ctx context.Context, wf *workflow.Workflow, findings []workflow.Finding) (*workflow.Artifact, error) {
	if len(findings) == 0 {
		return nil, nil
	}
	payload := ReviewBatchPayload{CommitSHA: wf.HeadSHA, Findings: findings}
	art, err := workflow.NewArtifact(wf.ID, workflow.ArtifactReviewComment, payload)
	if err != nil {
		return nil, err
	}
	published, fresh, err := p.publish(ctx, wf, art, func(ctx context.Context) (string, error) {
		return p.client.CreateReview(ctx, refFor(wf), wf.PRNumber, reviewParams(payload))
	})
	if err != nil {
		return nil, err
	}
	if fresh {
		p.notifier.Notify(workflow.NewEvent(workflow.EventCommentPosted, wf, map[string]any{
			"kind":       string(workflow.ArtifactReviewComment),
			"externalId": published.ExternalID,
			"count":      len(findings),
		}))
	}
	return published, nil
}

// PublishSummaryComment posts the synthesis summary as a PR comment.
func (p *Publisher) PublishSummaryComment(ctx context.Context, wf *workflow.Workflow, markdown string) (*workflow.Artifact, error) {
	art, err := workflow.NewArtifact(wf.ID, workflow.ArtifactSummaryComment, SummaryPayload{Markdown: markdown})
	if err != nil {
		return nil, err
	}
	published, fresh, err := p.publish(ctx, wf, art, func(ctx context.Context) (string, error) {
		return p.client.CreateIssueComment(ctx, refFor(wf), wf.PRNumber, markdown)
	})
	if err != nil {
		return nil, err
	}
	if fresh {
		p.notifier.Notify(workflow.NewEvent(workflow.EventCommentPosted, wf, map[string]any{
			"kind":       string(workflow.ArtifactSummaryComment),
			"externalId": published.ExternalID,
		}))
	}
	return published, nil
}

// RequestReviewers asks the provider to add reviewers to the PR. The
// provider treats repeated requests for the same login as a no-op, so
// no artifact is recorded.
func (p *Publisher) RequestReviewers(ctx context.Context, wf *workflow.Workflow, logins []string) error {
	if len(logins) == 0 {
		return nil
	}
	if err := p.client.RequestReviewers(ctx, refFor(wf), wf.PRNumber, logins); err != nil {
		metrics.PublishesTotal.WithLabelValues("ReviewerRequest", outcomeFailed).Inc()
		return fmt.Errorf("request reviewers: %w", err)
	}
	metrics.PublishesTotal.WithLabelValues("ReviewerRequest", outcomePublished).Inc()
	return nil
}

// Record persists an artifact that has no provider publication, such as
// generated tests, doc suggestions, intent analyses, and predictions.
// Re-recording identical content returns the stored artifact.
func (p *Publisher) Record(ctx context.Context, wf *workflow.Workflow, kind workflow.ArtifactKind, payload any) (*workflow.Artifact, error) {
	art, err := workflow.NewArtifact(wf.ID, kind, payload)
	if err != nil {
		return nil, err
	}
	existing, err := p.artifacts.Find(ctx, art.WorkflowID, art.Kind, art.ContentHash)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	if err := p.artifacts.Put(ctx, art); err != nil {
		return nil, fmt.Errorf("record %s artifact: %w", kind, err)
	}
	metrics.PublishesTotal.WithLabelValues(string(kind), outcomeRecorded).Inc()
	if kind == workflow.ArtifactGeneratedTest {
		p.notifier.Notify(workflow.NewEvent(workflow.EventTestGenerated, wf, json.RawMessage(art.Payload)))
	}
	return art, nil
}

// PublishPending retries every publishable artifact of the workflow
// that has no provider identifier yet. Used on crash resume; artifacts
// of record-only kinds are left alone.
func (p *Publisher) PublishPending(ctx context.Context, wf *workflow.Workflow) error {
	pending, err := p.artifacts.ListPending(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("list pending artifacts: %w", err)
	}
	var errs []string
	for _, art := range pending {
		if err := p.republish(ctx, wf, art); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", art.Kind, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("republish pending artifacts: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p *Publisher) republish(ctx context.Context, wf *workflow.Workflow, art *workflow.Artifact) error {
	switch art.Kind {
	case workflow.ArtifactCheckRun:
		var params forge.CheckRunParams
		if err := json.Unmarshal(art.Payload, &params); err != nil {
			return fmt.Errorf("decode check run payload: %w", err)
		}
		_, err := p.PublishCheckRun(ctx, wf, params)
		return err
	case workflow.ArtifactReviewComment:
		var payload ReviewBatchPayload
		if err := json.Unmarshal(art.Payload, &payload); err != nil {
			return fmt.Errorf("decode review payload: %w", err)
		}
		_, err := p.PublishReviewBatch(ctx, wf, payload.Findings)
		return err
	case workflow.ArtifactSummaryComment:
		var payload SummaryPayload
		if err := json.Unmarshal(art.Payload, &payload); err != nil {
			return fmt.Errorf("decode summary payload: %w", err)
		}
		_, err := p.PublishSummaryComment(ctx, wf, payload.Markdown)
		return err
	default:
		// Record-only kinds never carry a provider identifier.
		return nil
	}
}

// publish runs the consult-persist-send-record sequence for one
// artifact. send performs the provider write and returns its
// identifier. The bool reports whether a provider write happened on
// this call, as opposed to returning an already-published artifact.
func (p *Publisher) publish(ctx context.Context, wf *workflow.Workflow, art *workflow.Artifact, send func(context.Context) (string, error)) (*workflow.Artifact, bool, error) {
	kind := string(art.Kind)
	existing, err := p.artifacts.Find(ctx, art.WorkflowID, art.Kind, art.ContentHash)
	switch {
	case err == nil && existing.ExternalID != "":
		metrics.PublishesTotal.WithLabelValues(kind, outcomeReused).Inc()
		p.logger.Debug("artifact already published",
			slog.String("workflow_id", wf.ID),
			slog.String("kind", kind),
			slog.String("external_id", existing.ExternalID))
		return existing, false, nil
	case err == nil:
		// A previous attempt persisted the record but never reached the
		// provider; keep its identity and retry the send.
		art.ID = existing.ID
		art.CreatedAt = existing.CreatedAt
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, fmt.Errorf("consult artifact store: %w", err)
	}

	if err := p.artifacts.Put(ctx, art); err != nil {
		return nil, false, fmt.Errorf("persist %s artifact: %w", kind, err)
	}
	externalID, err := send(ctx)
	if err != nil {
		metrics.PublishesTotal.WithLabelValues(kind, outcomeFailed).Inc()
		return nil, false, fmt.Errorf("publish %s: %w", kind, err)
	}

	now := time.Now().UTC()
	art.ExternalID = externalID
	art.PublishedAt = &now
	if err := p.artifacts.Put(ctx, art); err != nil {
		// The provider write landed; failing the call now would retrigger
		// it. Log and let crash resume reconcile.
		p.logger.Error("record published artifact",
			slog.String("workflow_id", wf.ID),
			slog.String("kind", kind),
			slog.String("external_id", externalID),
			slog.String("error", err.Error()))
	}
	metrics.PublishesTotal.WithLabelValues(kind, outcomePublished).Inc()
	p.logger.Info("artifact published",
		slog.String("workflow_id", wf.ID),
		slog.String("kind", kind),
		slog.String("external_id", externalID))
	return art, true, nil
}

// checkRunID returns the provider identifier of the workflow's check
// run, or "" when none has been created yet. Later publishes update the
// run in place instead of stacking a new one per status change.
func (p *Publisher) checkRunID(ctx context.Context, workflowID string) (string, error) {
	arts, err := p.artifacts.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("list artifacts: %w", err)
	}
	for _, a := range arts {
		if a.Kind == workflow.ArtifactCheckRun && a.ExternalID != "" {
			return a.ExternalID, nil
		}
	}
	return "", nil
}

func reviewParams(payload ReviewBatchPayload) forge.ReviewParams {
	params := forge.ReviewParams{
		CommitID: payload.CommitSHA,
		Event:    "COMMENT",
		Body:     reviewBody(payload.Findings),
	}
	for _, f := range payload.Findings {
		comment := forge.ReviewDraftComment{
			Path: f.File,
			Line: f.Line,
			Side: "RIGHT",
			Body: FindingComment(f),
		}
		if f.EndLine > f.Line {
			comment.Line = f.EndLine
			comment.StartLine = f.Line
		}
		params.Comments = append(params.Comments, comment)
	}
	return params
}

func reviewBody(findings []workflow.Finding) string {
	worst := workflow.SeverityNitpick
	for _, f := range findings {
		if f.Severity.Rank() > worst.Rank() {
			worst = f.Severity
		}
	}
	noun := "findings"
	if len(findings) == 1 {
		noun = "finding"
	}
	return fmt.Sprintf("Automated review: %d %s, highest severity %s.", len(findings), noun, worst)
}

// FindingComment renders one finding as the body of its inline comment.
func FindingComment(f workflow.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** · %s\n\n%s", f.Severity, f.Category, f.Message)
	if f.QuickFix != "" {
		fmt.Fprintf(&b, "\n\n**Suggested fix:**\n%s", f.QuickFix)
	}
	if f.AdjustmentNote != "" {
		fmt.Fprintf(&b, "\n\n_%s_", f.AdjustmentNote)
	}
	return b.String()
}
