package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/agent/builtin"
	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/metrics"
	"github.com/pullsmith/pullsmith/publisher"
	"github.com/pullsmith/pullsmith/storage"
	"github.com/pullsmith/pullsmith/workflow"
)

// maxReviewerRequests caps how many code owners one workflow pings.
const maxReviewerRequests = 3

// errAbandon marks a dispatch whose workflow moved on without us:
// already terminal, already awaiting review, or claimed by a live
// instance. The message is acked and forgotten.
var errAbandon = errors.New("workflow moved on")

// handle drives one dispatch message to an ack decision: Ack when the
// attempt finished or the dispatch is obsolete, NakWithDelay on
// transient failures with deliveries left, Term after the workflow is
// marked FAILED.
func (e *Engine) handle(ctx context.Context, msg jetstream.Msg) {
	var dm workflow.DispatchMessage
	if err := json.Unmarshal(msg.Data(), &dm); err != nil {
		e.logger.Error("Malformed dispatch message", slog.String("error", err.Error()))
		_ = msg.Term()
		return
	}
	delivered := uint64(1)
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		delivered = meta.NumDelivered
	}
	// Redeliveries raise the attempt through NumDelivered; crash-resume
	// dispatches raise it through the message itself.
	attempt := delivered
	if a := uint64(dm.Attempt); a > attempt {
		attempt = a
	}
	log := e.logger.With(
		slog.String("workflow_id", dm.WorkflowID),
		slog.Uint64("delivery", delivered))

	err := e.process(ctx, dm.WorkflowID, attempt, func() { _ = msg.InProgress() })
	switch {
	case err == nil:
		_ = msg.Ack()
	case errors.Is(err, errAbandon):
		log.Debug("Dispatch abandoned; workflow moved on")
		_ = msg.Ack()
	case isTransient(err) && delivered < maxDeliver:
		delay := backoffDelay(delivered)
		log.Warn("Workflow attempt failed; backing off",
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		_ = msg.NakWithDelay(delay)
	default:
		log.Error("Workflow failed", slog.String("error", err.Error()))
		e.failWorkflow(ctx, dm.WorkflowID, err)
		_ = msg.Term()
	}
}

// isTransient reports whether a failure is worth another delivery.
// Provider errors carry their own classification; everything else
// defaults to transient because maxDeliver bounds the damage.
func isTransient(err error) bool {
	var re *forge.RequestError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return true
}

// process runs one workflow attempt end to end: claim the RUNNING
// state, fetch the PR snapshot, orchestrate the agents, publish their
// outputs, and park the workflow at AWAITING_REVIEW.
func (e *Engine) process(ctx context.Context, workflowID string, attempt uint64, progress func()) error {
	wf, rev, err := e.store.Workflows.Get(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		// The dispatch can outrun the record write; redeliver until it lands.
		return fmt.Errorf("workflow record not yet visible: %w", err)
	}
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}
	if wf.Status.Terminal() || wf.Status == workflow.StatusAwaitingReview {
		return errAbandon
	}
	if wf.Status == workflow.StatusRunning && time.Since(wf.CheckpointAt) < staleAfter {
		// A live instance is on it; this is a duplicate or early resume.
		return errAbandon
	}

	now := time.Now().UTC()
	wf.Status = workflow.StatusRunning
	if wf.StartedAt == nil {
		wf.StartedAt = &now
	}
	if int(attempt) > wf.Attempt {
		wf.Attempt = int(attempt)
	}
	wf.CheckpointAt = now
	if _, err := e.store.Workflows.Update(ctx, wf, rev); err != nil {
		if errors.Is(err, storage.ErrRevision) {
			// Another instance claimed it between our read and write.
			return errAbandon
		}
		return fmt.Errorf("claim workflow: %w", err)
	}
	e.notifier.Notify(workflow.NewEvent(workflow.EventWorkflowUpdate, wf, map[string]any{
		"status":  string(workflow.StatusRunning),
		"attempt": wf.Attempt,
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(wf.ID, cancel)
	defer e.unregisterCancel(wf.ID)
	stopBeat := e.startHeartbeat(runCtx, wf.ID, progress)
	defer stopBeat()

	input, err := e.fetchInput(runCtx, wf)
	if err != nil {
		return err
	}

	if _, err := e.publisher.PublishCheckRun(runCtx, wf, publisher.CheckRunStart(wf)); err != nil {
		// The review itself matters more than the progress marker.
		e.logger.Warn("Publish start check run",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()))
	}

	result, err := e.orch.Orchestrate(runCtx, wf, input)
	if err != nil {
		if runCtx.Err() != nil && e.wasCancelled(ctx, wf.ID) {
			return errAbandon
		}
		return fmt.Errorf("orchestrate: %w", err)
	}

	var synthesis builtin.SynthesisOutput
	ok, err := result.Output(agent.AgentSynthesis, &synthesis)
	if err != nil {
		return fmt.Errorf("decode synthesis output: %w", err)
	}
	if !ok {
		// Individual agent failures are absorbed upstream; a missing
		// synthesis is the one thing that fails the whole review.
		reason := "synthesis produced no review summary"
		if run := result.Run(agent.AgentSynthesis); run != nil && run.Error != "" {
			reason = "synthesis: " + run.Error
		}
		return errors.New(reason)
	}

	if err := e.publishOutputs(runCtx, wf, result, synthesis); err != nil {
		return err
	}

	final, err := e.transition(ctx, wf.ID, func(w *workflow.Workflow) error {
		if w.Status != workflow.StatusRunning {
			return errAbandon
		}
		w.Status = workflow.StatusAwaitingReview
		w.TokensUsed = int(result.TokensUsed)
		return nil
	})
	if err != nil {
		if errors.Is(err, errAbandon) {
			return errAbandon
		}
		return fmt.Errorf("persist awaiting-review: %w", err)
	}
	e.notifier.Notify(workflow.NewEvent(workflow.EventWorkflowUpdate, final, map[string]any{
		"status":      string(workflow.StatusAwaitingReview),
		"tokens_used": final.TokensUsed,
	}))
	e.notifier.Notify(workflow.NewEvent(workflow.EventAnalysisComplete, final, map[string]any{
		"finding_counts":  synthesis.FindingCounts,
		"tests_suggested": synthesis.TestsSuggested,
		"docs_suggested":  synthesis.DocsSuggested,
		"merge_ready":     synthesis.Readiness.Ready,
	}))
	e.logger.Info("Review published",
		slog.String("workflow_id", final.ID),
		slog.String("repository", final.RepositoryID),
		slog.Int("pr", final.PRNumber),
		slog.Int("attempt", final.Attempt),
		slog.Int("tokens_used", final.TokensUsed))
	return nil
}

// fetchInput loads the PR snapshot the agents review.
func (e *Engine) fetchInput(ctx context.Context, wf *workflow.Workflow) (*agent.Input, error) {
	ref := forge.RepoRef{Repo: wf.RepositoryID, InstallationID: wf.InstallationID}
	pr, err := e.forge.GetPullRequest(ctx, ref, wf.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("fetch pull request: %w", err)
	}
	diff, err := e.forge.GetPullRequestDiff(ctx, ref, wf.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("fetch diff: %w", err)
	}
	files, err := e.forge.GetPullRequestFiles(ctx, ref, wf.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("fetch changed files: %w", err)
	}
	return &agent.Input{Ref: ref, PR: pr, Diff: diff, Files: files}, nil
}

// publishOutputs persists and publishes everything the agents produced.
// Transient publish failures are collected and returned so the dispatch
// is redelivered; provider rejections of deterministic content are
// logged and skipped because retrying cannot change the outcome.
func (e *Engine) publishOutputs(ctx context.Context, wf *workflow.Workflow, result *agent.Result, synthesis builtin.SynthesisOutput) error {
	var retryable []error
	check := func(op string, err error) {
		if err == nil {
			return
		}
		if isTransient(err) {
			retryable = append(retryable, fmt.Errorf("%s: %w", op, err))
			return
		}
		e.logger.Warn("Publish rejected",
			slog.String("workflow_id", wf.ID),
			slog.String("op", op),
			slog.String("error", err.Error()))
	}

	var intent builtin.IntentOutput
	if ok, err := result.Output(agent.AgentIntent, &intent); err == nil && ok {
		_, err := e.publisher.Record(ctx, wf, workflow.ArtifactIntentAnalysis, intent)
		check("record intent analysis", err)
	}
	var review builtin.ReviewOutput
	if ok, err := result.Output(agent.AgentReview, &review); err == nil && ok && len(review.Findings) > 0 {
		_, err := e.publisher.PublishReviewBatch(ctx, wf, review.Findings)
		check("publish review batch", err)
	}
	var tests builtin.TestsOutput
	if ok, err := result.Output(agent.AgentTests, &tests); err == nil && ok && len(tests.Tests) > 0 {
		_, err := e.publisher.Record(ctx, wf, workflow.ArtifactGeneratedTest, tests)
		check("record generated tests", err)
	}
	var docs builtin.DocsOutput
	if ok, err := result.Output(agent.AgentDocs, &docs); err == nil && ok && len(docs.Suggestions) > 0 {
		_, err := e.publisher.Record(ctx, wf, workflow.ArtifactDocSuggestion, docs)
		check("record doc suggestions", err)
	}

	if synthesis.Summary != "" {
		_, err := e.publisher.PublishSummaryComment(ctx, wf, synthesis.Summary)
		check("publish summary comment", err)
	}
	_, err := e.publisher.PublishCheckRun(ctx, wf, publisher.CheckRunCompleted(wf, synthesis.FindingCounts, synthesis.Summary))
	check("publish completed check run", err)

	var prCtx builtin.ContextOutput
	if ok, err := result.Output(agent.AgentContext, &prCtx); err == nil && ok {
		if picks := reviewerCandidates(prCtx.Owners, wf.AuthorLogin); len(picks) > 0 {
			if err := e.publisher.RequestReviewers(ctx, wf, picks); err != nil {
				// Best effort; reviewer selection must not block the review.
				e.logger.Warn("Request reviewers",
					slog.String("workflow_id", wf.ID),
					slog.String("error", err.Error()))
			}
		}
	}

	if len(retryable) > 0 {
		return errors.Join(retryable...)
	}
	return nil
}

// reviewerCandidates picks individual code owners to ping. Teams need a
// different provider API and the author cannot review their own PR, so
// both are skipped.
func reviewerCandidates(owners []string, author string) []string {
	var picks []string
	seen := make(map[string]struct{})
	for _, o := range owners {
		login := strings.TrimPrefix(strings.TrimSpace(o), "@")
		if login == "" || strings.Contains(login, "/") {
			continue
		}
		if strings.EqualFold(login, author) {
			continue
		}
		key := strings.ToLower(login)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		picks = append(picks, login)
		if len(picks) == maxReviewerRequests {
			break
		}
	}
	return picks
}

// failWorkflow marks the workflow FAILED and surfaces a short reason on
// a failure check run. Called once redelivery cannot help.
func (e *Engine) failWorkflow(ctx context.Context, workflowID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	reason := failureReason(cause)
	wf, err := e.transition(ctx, workflowID, func(w *workflow.Workflow) error {
		if w.Status.Terminal() {
			return errAbandon
		}
		now := time.Now().UTC()
		w.Status = workflow.StatusFailed
		w.FailureReason = reason
		w.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errAbandon) {
		return
	}
	if err != nil {
		e.logger.Error("Persist workflow failure",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()))
		return
	}
	metrics.WorkflowsTotal.WithLabelValues(string(workflow.StatusFailed)).Inc()
	if wf.StartedAt != nil && wf.CompletedAt != nil {
		metrics.WorkflowDuration.Observe(wf.CompletedAt.Sub(*wf.StartedAt).Seconds())
	}
	if _, err := e.publisher.PublishCheckRun(ctx, wf, publisher.CheckRunFailure(wf, reason, wf.ID)); err != nil {
		e.logger.Warn("Publish failure check run",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()))
	}
	e.notifier.Notify(workflow.NewEvent(workflow.EventError, wf, map[string]any{
		"message": reason,
	}))
	e.notifier.Notify(workflow.NewEvent(workflow.EventWorkflowUpdate, wf, map[string]any{
		"status": string(workflow.StatusFailed),
		"reason": reason,
	}))
}

// failureReason shortens an error chain into check-run-sized text.
func failureReason(err error) string {
	const maxLen = 200
	reason := err.Error()
	if idx := strings.IndexByte(reason, '\n'); idx > 0 {
		reason = reason[:idx]
	}
	if len(reason) > maxLen {
		reason = reason[:maxLen-len("…")] + "…"
	}
	return reason
}

// transition applies mutate to the workflow under revision CAS,
// rereading on conflicts. mutate may return errAbandon to stop once the
// state has moved on. Every successful write restamps CheckpointAt.
func (e *Engine) transition(ctx context.Context, workflowID string, mutate func(*workflow.Workflow) error) (*workflow.Workflow, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		wf, rev, err := e.store.Workflows.Get(ctx, workflowID)
		if err != nil {
			return nil, fmt.Errorf("load workflow: %w", err)
		}
		if err := mutate(wf); err != nil {
			return wf, err
		}
		wf.CheckpointAt = time.Now().UTC()
		if _, err := e.store.Workflows.Update(ctx, wf, rev); err != nil {
			if errors.Is(err, storage.ErrRevision) {
				continue
			}
			return nil, fmt.Errorf("persist workflow: %w", err)
		}
		return wf, nil
	}
	return nil, fmt.Errorf("transition %s: revision conflicts exhausted", workflowID)
}

// startHeartbeat extends the dispatch ack deadline and refreshes the
// workflow checkpoint while a long orchestration runs, so crash resume
// never steals live work. The returned func stops the loop.
func (e *Engine) startHeartbeat(ctx context.Context, workflowID string, progress func()) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(progressEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if progress != nil {
					progress()
				}
				_, err := e.transition(ctx, workflowID, func(w *workflow.Workflow) error {
					if w.Status != workflow.StatusRunning {
						return errAbandon
					}
					return nil
				})
				if err != nil && !errors.Is(err, errAbandon) {
					e.logger.Debug("Heartbeat checkpoint failed",
						slog.String("workflow_id", workflowID),
						slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// wasCancelled reports whether the workflow record says CANCELLED,
// reading past any context cancellation.
func (e *Engine) wasCancelled(ctx context.Context, workflowID string) bool {
	wf, _, err := e.store.Workflows.Get(context.WithoutCancel(ctx), workflowID)
	return err == nil && wf.Status == workflow.StatusCancelled
}
