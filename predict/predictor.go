package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/pullsmith/pullsmith/metrics"
)

// ErrNoModel signals that no trained model exists for a repository.
var ErrNoModel = errors.New("no trained model for repository")

// ModelStore persists trained models, latest wins.
type ModelStore interface {
	LoadModel(ctx context.Context, repositoryID string) (*Model, error)
	SaveModel(ctx context.Context, model *Model) error
}

// ExampleSource replays completed-workflow outcomes for training.
type ExampleSource interface {
	Examples(ctx context.Context, repositoryID string) ([]Example, error)
}

// minTrainingExamples gates training; below it the heuristic serves.
const minTrainingExamples = 5

// Prediction is the merge forecast for one workflow.
type Prediction struct {
	WorkflowID         string             `json:"workflow_id"`
	MergeTimeHours     float64            `json:"merge_time_hours"`
	MergeProbability   float64            `json:"merge_probability"`
	BlockerProbability float64            `json:"blocker_probability"`
	Blockers           []string           `json:"blockers,omitempty"`
	FeatureImportance  map[string]float64 `json:"feature_importance"`
	Confidence         float64            `json:"confidence"`
	// Source is "model" for trained predictions, "heuristic" otherwise.
	Source string `json:"source"`
}

// heuristicWeights are the published fallback weights applied to the raw
// (unstandardized) features when a repository has no trained model.
var heuristicWeights = map[string]float64{
	"files":          0.15,
	"linesAdded":     0.01,
	"linesDeleted":   0.005,
	"riskScore":      12.0,
	"criticalIssues": 8.0,
	"highIssues":     4.0,
	"isWeekend":      18.0,
	"hasTests":       -4.0,
	"hasDescription": -2.0,
}

// heuristicBase is the fallback intercept in hours.
const heuristicBase = 6.0

// Predictor answers merge forecasts, preferring a trained model and
// falling back to the published heuristic.
type Predictor struct {
	store    ModelStore
	examples ExampleSource
	logger   *slog.Logger
}

// NewPredictor wires the predictor to its model store and example source.
func NewPredictor(store ModelStore, examples ExampleSource, logger *slog.Logger) *Predictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Predictor{
		store:    store,
		examples: examples,
		logger:   logger.With(slog.String("component", "predict")),
	}
}

// Predict forecasts merge time and blockers for a workflow's features.
func (p *Predictor) Predict(ctx context.Context, repositoryID, workflowID string, f FeatureVector) (*Prediction, error) {
	model, err := p.store.LoadModel(ctx, repositoryID)
	if err != nil && !errors.Is(err, ErrNoModel) {
		return nil, fmt.Errorf("load prediction model: %w", err)
	}

	pred := &Prediction{
		WorkflowID: workflowID,
		Blockers:   blockers(f),
	}

	if model != nil {
		pred.Source = "model"
		pred.MergeTimeHours = model.Estimate(f)
		pred.FeatureImportance = model.Importance()
	} else {
		pred.Source = "heuristic"
		pred.MergeTimeHours = heuristicEstimate(f)
		pred.FeatureImportance = heuristicImportance()
	}
	metrics.PredictionsTotal.WithLabelValues(pred.Source).Inc()

	pred.BlockerProbability = blockerProbability(f)
	pred.MergeProbability = mergeProbability(f, pred.BlockerProbability)
	pred.Confidence = confidence(f, model)

	return pred, nil
}

// Retrain fits and persists a fresh model when the repository has enough
// completed-workflow outcomes. Below the threshold it reports how many
// more are needed and leaves any existing model in place.
func (p *Predictor) Retrain(ctx context.Context, repositoryID string) (*Model, error) {
	examples, err := p.examples.Examples(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("collect training examples: %w", err)
	}
	if len(examples) < minTrainingExamples {
		return nil, fmt.Errorf("%w: have %d examples, need %d",
			ErrNoModel, len(examples), minTrainingExamples)
	}

	model, err := Train(repositoryID, examples)
	if err != nil {
		return nil, err
	}

	if prev, err := p.store.LoadModel(ctx, repositoryID); err == nil && prev != nil {
		model.Version = prev.Version + 1
	} else {
		model.Version = 1
	}

	if err := p.store.SaveModel(ctx, model); err != nil {
		return nil, fmt.Errorf("save prediction model: %w", err)
	}

	p.logger.Info("Retrained prediction model",
		slog.String("repository", repositoryID),
		slog.Int("examples", model.Examples),
		slog.Int("version", model.Version))

	return model, nil
}

func heuristicEstimate(f FeatureVector) float64 {
	hours := heuristicBase
	raw := f.Slice()
	for j, name := range FeatureNames {
		if w, ok := heuristicWeights[name]; ok {
			hours += w * raw[j]
		}
	}
	return clampHours(hours)
}

func heuristicImportance() map[string]float64 {
	total := 0.0
	for _, w := range heuristicWeights {
		total += math.Abs(w)
	}
	importance := make(map[string]float64, len(heuristicWeights))
	for name, w := range heuristicWeights {
		importance[name] = math.Abs(w) / total
	}
	return importance
}

// blockers names the concrete obstacles visible in the features.
func blockers(f FeatureVector) []string {
	var out []string
	if f.CriticalIssues > 0 {
		out = append(out, fmt.Sprintf("%d critical finding(s) unresolved", int(f.CriticalIssues)))
	}
	if f.HighIssues > 0 {
		out = append(out, fmt.Sprintf("%d high-severity finding(s) unresolved", int(f.HighIssues)))
	}
	if f.HasTests == 0 {
		out = append(out, "change has no tests")
	}
	if f.HasDescription == 0 {
		out = append(out, "pull request has no description")
	}
	if f.ReviewerAvailability == 0 {
		out = append(out, "no reviewers available")
	}
	if f.NormalizedSize >= 1 {
		out = append(out, "change is very large")
	}
	return out
}

func blockerProbability(f FeatureVector) float64 {
	p := 0.05
	p += 0.25 * math.Min(f.CriticalIssues/2, 1)
	p += 0.15 * math.Min(f.HighIssues/4, 1)
	p += 0.15 * f.NormalizedSize
	p += 0.10 * f.NormalizedRisk
	if f.HasTests == 0 {
		p += 0.10
	}
	return math.Min(p, 0.95)
}

func mergeProbability(f FeatureVector, blockerP float64) float64 {
	p := 0.9 - 0.6*blockerP
	// Authors with a strong merge history pull the estimate up.
	if f.AuthorMergeRate > 0 {
		p = 0.7*p + 0.3*f.AuthorMergeRate
	}
	return math.Max(0.05, math.Min(p, 0.99))
}

// confidence grows with data availability and shrinks at extreme feature
// values where the regression extrapolates.
func confidence(f FeatureVector, model *Model) float64 {
	c := 0.3
	if model != nil {
		c += 0.2 * math.Min(float64(model.Examples)/50, 1)
	}
	if f.AuthorMergeRate > 0 {
		c += 0.15
	}
	if f.RepoAvgMergeTimeHours > 0 {
		c += 0.15
	}
	if f.ReviewerAvailability >= 0.6 { // three or more reviewers
		c += 0.1
	}
	if f.NormalizedSize >= 1 || f.CriticalIssues > 5 || f.PRAgeHours > 24*14 {
		c -= 0.2
	}
	return math.Max(0.05, math.Min(c, 0.95))
}
