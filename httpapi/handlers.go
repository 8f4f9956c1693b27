package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pullsmith/pullsmith/apperr"
	"github.com/pullsmith/pullsmith/prefs"
	"github.com/pullsmith/pullsmith/workflow"
)

// workflowResponse aggregates everything known about one workflow.
type workflowResponse struct {
	Workflow  *workflow.Workflow   `json:"workflow"`
	Runs      []*workflow.AgentRun `json:"runs"`
	Artifacts []*workflow.Artifact `json:"artifacts"`
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	wf, _, err := s.deps.Store.Workflows.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.deps.Store.Runs.ListByWorkflow(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	artifacts, err := s.deps.Store.Artifacts.ListByWorkflow(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, workflowResponse{Workflow: wf, Runs: runs, Artifacts: artifacts})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	wf, _, err := s.deps.Store.Workflows.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	features, err := s.deps.Engine.Features(ctx, wf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pred, err := s.deps.Predictor.Predict(ctx, wf.RepositoryID, wf.ID, features)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, pred)
}

// decisionResponse returns the workflow state after a decision resolved.
type decisionResponse struct {
	DecisionID string             `json:"decisionId"`
	Workflow   *workflow.Workflow `json:"workflow"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var decision workflow.ReviewerDecision
	if err := decodeBody(w, r, &decision); err != nil {
		s.writeError(w, r, err)
		return
	}
	if decision.WorkflowID == "" {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "workflow_id is required"))
		return
	}
	if decision.ReviewerID == "" {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "reviewer_id is required"))
		return
	}
	if !workflow.ValidDecisionAction(decision.Action) {
		s.writeError(w, r, apperr.New(apperr.KindValidation,
			fmt.Sprintf("unknown action %q", decision.Action)).
			WithDetail("allowed", []workflow.DecisionAction{
				workflow.DecisionAccepted,
				workflow.DecisionDismissed,
				workflow.DecisionModified,
				workflow.DecisionResolvedOther,
			}))
		return
	}

	wf, err := s.deps.Engine.ResolveReview(ctx, &decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, decisionResponse{DecisionID: decision.ID, Workflow: wf})
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("owner") + "/" + r.PathValue("name")
	model, err := s.deps.Prefs.Model(r.Context(), repoID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, model)
}

// preferencesPatch updates only the fields present in the body.
type preferencesPatch struct {
	CustomRules *[]prefs.TeamRule `json:"custom_rules"`
	Verbosity   *prefs.Verbosity  `json:"verbosity"`
}

func (s *Server) handlePatchPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	repoID := r.PathValue("owner") + "/" + r.PathValue("name")

	var patch preferencesPatch
	if err := decodeBody(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if patch.CustomRules == nil && patch.Verbosity == nil {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "nothing to update"))
		return
	}
	if patch.CustomRules != nil {
		if err := validateRules(*patch.CustomRules); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if patch.Verbosity != nil {
		switch *patch.Verbosity {
		case prefs.VerbosityMinimal, prefs.VerbosityBalanced, prefs.VerbosityDetailed:
		default:
			s.writeError(w, r, apperr.New(apperr.KindValidation,
				fmt.Sprintf("unknown verbosity %q", *patch.Verbosity)))
			return
		}
	}

	var model *prefs.Model
	var err error
	if patch.CustomRules != nil {
		model, err = s.deps.Prefs.SetCustomRules(ctx, repoID, *patch.CustomRules)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if patch.Verbosity != nil {
		model, err = s.deps.Prefs.SetVerbosity(ctx, repoID, *patch.Verbosity)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.respond(w, http.StatusOK, model)
}

func validateRules(rules []prefs.TeamRule) error {
	for i, rule := range rules {
		if rule.Pattern == "" {
			return apperr.New(apperr.KindValidation,
				fmt.Sprintf("rule %d has an empty pattern", i))
		}
		switch rule.Action {
		case prefs.RuleAlwaysFlag, prefs.RuleNeverFlag, prefs.RuleFlagWithSeverity:
		default:
			return apperr.New(apperr.KindValidation,
				fmt.Sprintf("rule %d has unknown action %q", i, rule.Action))
		}
	}
	return nil
}

// decodeBody reads a bounded JSON body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	return nil
}
