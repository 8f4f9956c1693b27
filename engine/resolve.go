package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/agent/builtin"
	"github.com/pullsmith/pullsmith/metrics"
	"github.com/pullsmith/pullsmith/predict"
	"github.com/pullsmith/pullsmith/storage"
	"github.com/pullsmith/pullsmith/workflow"
)

// ResolveReview records a reviewer's reaction to a published review,
// feeds it to the preference model, and completes the workflow on its
// first resolution. Returns the workflow after the transition, or
// storage.ErrNotFound when the decision names an unknown workflow.
func (e *Engine) ResolveReview(ctx context.Context, decision *workflow.ReviewerDecision) (*workflow.Workflow, error) {
	wf, _, err := e.store.Workflows.Get(ctx, decision.WorkflowID)
	if err != nil {
		return nil, err
	}

	if decision.ID == "" {
		decision.ID = uuid.New().String()
	}
	if decision.RepositoryID == "" {
		decision.RepositoryID = wf.RepositoryID
	}
	if decision.Timestamp.IsZero() {
		decision.Timestamp = time.Now().UTC()
	}

	duplicate := false
	if err := e.store.Decisions.Create(ctx, decision); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("record decision: %w", err)
		}
		// Resubmission of a recorded decision; skip the learning side
		// effects but still finish any interrupted transition.
		duplicate = true
	}
	if !duplicate {
		metrics.DecisionsTotal.WithLabelValues(string(decision.Action)).Inc()
		if err := e.store.Analytics.DecisionRecorded(ctx, decision); err != nil {
			e.logger.Warn("Append decision analytics",
				slog.String("decision_id", decision.ID),
				slog.String("error", err.Error()))
		}
		if e.prefs != nil {
			if _, err := e.prefs.Record(ctx, *decision); err != nil {
				// Preference learning lags one decision; the record stands.
				e.logger.Warn("Update preference model",
					slog.String("repository", decision.RepositoryID),
					slog.String("error", err.Error()))
			}
		}
	}

	if wf.Status != workflow.StatusAwaitingReview {
		// Later decisions on an already-resolved review still count for
		// learning; the workflow state is settled.
		return wf, nil
	}

	completed, err := e.transition(ctx, wf.ID, func(w *workflow.Workflow) error {
		if w.Status != workflow.StatusAwaitingReview {
			return errAbandon
		}
		now := time.Now().UTC()
		w.Status = workflow.StatusCompleted
		w.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errAbandon) {
		return completed, nil
	}
	if err != nil {
		return nil, fmt.Errorf("complete workflow: %w", err)
	}
	metrics.WorkflowsTotal.WithLabelValues(string(workflow.StatusCompleted)).Inc()
	if completed.StartedAt != nil && completed.CompletedAt != nil {
		metrics.WorkflowDuration.Observe(completed.CompletedAt.Sub(*completed.StartedAt).Seconds())
	}
	e.notifier.Notify(workflow.NewEvent(workflow.EventWorkflowUpdate, completed, map[string]any{
		"status":   string(workflow.StatusCompleted),
		"action":   string(decision.Action),
		"reviewer": decision.ReviewerID,
	}))
	e.logger.Info("Workflow completed",
		slog.String("workflow_id", completed.ID),
		slog.String("action", string(decision.Action)),
		slog.String("reviewer", decision.ReviewerID))

	e.recordOutcome(ctx, completed, decision)
	return completed, nil
}

// recordOutcome appends a training example for the completed review and
// retrains the repository's merge-time model once enough examples
// accumulated. All of it is best effort; resolution already succeeded.
func (e *Engine) recordOutcome(ctx context.Context, wf *workflow.Workflow, decision *workflow.ReviewerDecision) {
	ctx = context.WithoutCancel(ctx)
	features, err := e.Features(ctx, wf)
	if err != nil {
		e.logger.Warn("Extract outcome features",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()))
		return
	}
	completedAt := time.Now().UTC()
	if wf.CompletedAt != nil {
		completedAt = *wf.CompletedAt
	}
	example := predict.Example{
		RepositoryID:   wf.RepositoryID,
		WorkflowID:     wf.ID,
		Features:       features,
		MergeTimeHours: completedAt.Sub(wf.CreatedAt).Hours(),
		Merged:         decision.Action == workflow.DecisionAccepted,
		CompletedAt:    completedAt,
	}
	if err := e.store.Analytics.OutcomeCompleted(ctx, example); err != nil {
		e.logger.Warn("Append outcome example",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()))
		return
	}
	if e.predictor == nil {
		return
	}
	model, err := e.predictor.Retrain(ctx, wf.RepositoryID)
	if err != nil {
		if errors.Is(err, predict.ErrNoModel) {
			// Not enough examples yet; the heuristic keeps serving.
			return
		}
		e.logger.Warn("Retrain merge-time model",
			slog.String("repository", wf.RepositoryID),
			slog.String("error", err.Error()))
		return
	}
	if err := e.store.Analytics.ModelTrained(ctx, model); err != nil {
		e.logger.Warn("Append model audit",
			slog.String("repository", wf.RepositoryID),
			slog.String("error", err.Error()))
	}
}

// Features assembles the merge-time feature vector for a workflow from
// its stored agent outputs and the repository's outcome history.
func (e *Engine) Features(ctx context.Context, wf *workflow.Workflow) (predict.FeatureVector, error) {
	shape := e.changeShape(ctx, wf)
	hist := e.repoHistory(ctx, wf)
	return predict.Extract(shape, hist, wf.CreatedAt, time.Now().UTC()), nil
}

// changeShape reconstructs the reviewed change's shape from persisted
// agent runs. Missing or undecodable outputs degrade to zero values so
// a partial review still yields a usable vector.
func (e *Engine) changeShape(ctx context.Context, wf *workflow.Workflow) predict.ChangeShape {
	var shape predict.ChangeShape

	var analysis builtin.AnalysisOutput
	if e.runOutput(ctx, wf.ID, agent.AgentAnalysis, &analysis) {
		shape.Files = analysis.Files
		shape.LinesAdded = analysis.Additions
		shape.LinesDeleted = analysis.Deletions
		shape.HasTests = analysis.HasTests
		shape.HasDescription = analysis.HasDescription
	}
	var risk builtin.RiskOutput
	if e.runOutput(ctx, wf.ID, agent.AgentRisk, &risk) {
		shape.RiskScore = risk.Score
	}
	var review builtin.ReviewOutput
	if e.runOutput(ctx, wf.ID, agent.AgentReview, &review) {
		for _, f := range review.Findings {
			switch f.Severity {
			case workflow.SeverityCritical:
				shape.CriticalIssues++
			case workflow.SeverityHigh:
				shape.HighIssues++
			}
		}
	}
	return shape
}

// repoHistory summarizes past outcomes for the repository. A repo with
// no history yields zero values, which the heuristic fallback tolerates.
func (e *Engine) repoHistory(ctx context.Context, wf *workflow.Workflow) predict.History {
	var hist predict.History

	examples, err := e.store.Analytics.Examples(ctx, wf.RepositoryID)
	if err != nil {
		e.logger.Debug("Load outcome history",
			slog.String("repository", wf.RepositoryID),
			slog.String("error", err.Error()))
	} else if len(examples) > 0 {
		var hours, merged float64
		for _, ex := range examples {
			hours += ex.MergeTimeHours
			if ex.Merged {
				merged++
			}
		}
		avg := hours / float64(len(examples))
		hist.RepoAvgMergeTimeHours = avg
		hist.RepoAvgReviewLatencyMinutes = avg * 60
		// Outcomes are not tracked per author, so the repo-wide rates
		// stand in for the author's.
		hist.AuthorMergeRate = merged / float64(len(examples))
		hist.AuthorAvgMergeTimeHours = avg
	}

	var prCtx builtin.ContextOutput
	if e.runOutput(ctx, wf.ID, agent.AgentContext, &prCtx) {
		hist.AvailableReviewers = len(reviewerCandidates(prCtx.Owners, wf.AuthorLogin))
	}
	return hist
}

// runOutput decodes the stored output of a SUCCEEDED agent run into v.
func (e *Engine) runOutput(ctx context.Context, workflowID, agentName string, v any) bool {
	run, err := e.store.Runs.Get(ctx, workflowID, agentName)
	if err != nil || run.Status != workflow.RunSucceeded || len(run.Output) == 0 {
		return false
	}
	return json.Unmarshal(run.Output, v) == nil
}
