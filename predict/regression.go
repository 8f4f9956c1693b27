package predict

import (
	"fmt"
	"math"
	"time"
)

// Training hyperparameters. Features are standardized to z-scores before
// the descent; raw change-size features span four orders of magnitude and
// would otherwise dominate the gradient.
const (
	trainIterations = 100
	learningRate    = 0.01

	// Predictions are bounded between one hour and one week; beyond that
	// window a PR is stale regardless of what the model says.
	minMergeHours = 1.0
	maxMergeHours = 168.0
)

// Model is the trained per-repository regression: standardization
// parameters plus weights over standardized features.
type Model struct {
	RepositoryID string    `json:"repository_id"`
	Version      int       `json:"version"`
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
	Means        []float64 `json:"means"`
	Stddevs      []float64 `json:"stddevs"`
	Examples     int       `json:"examples"`
	TrainedAt    time.Time `json:"trained_at"`
}

// Train fits a linear regression of merge time on the examples' features
// by batch gradient descent over standardized inputs.
func Train(repositoryID string, examples []Example) (*Model, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("no training examples for %s", repositoryID)
	}

	rows := make([][]float64, len(examples))
	labels := make([]float64, len(examples))
	for i, ex := range examples {
		rows[i] = ex.Features.Slice()
		labels[i] = clampHours(ex.MergeTimeHours)
	}

	means, stddevs := standardizationParams(rows)
	standardized := make([][]float64, len(rows))
	for i, row := range rows {
		standardized[i] = standardizeRow(row, means, stddevs)
	}

	weights := make([]float64, FeatureCount)
	bias := 0.0
	n := float64(len(standardized))

	for iter := 0; iter < trainIterations; iter++ {
		gradW := make([]float64, FeatureCount)
		gradB := 0.0

		for i, row := range standardized {
			pred := bias
			for j, w := range weights {
				pred += w * row[j]
			}
			err := pred - labels[i]
			for j := range gradW {
				gradW[j] += err * row[j]
			}
			gradB += err
		}

		for j := range weights {
			weights[j] -= learningRate * gradW[j] / n
		}
		bias -= learningRate * gradB / n
	}

	return &Model{
		RepositoryID: repositoryID,
		Weights:      weights,
		Bias:         bias,
		Means:        means,
		Stddevs:      stddevs,
		Examples:     len(examples),
		TrainedAt:    time.Now().UTC(),
	}, nil
}

// Estimate predicts merge time in hours for the features, bounded to the
// operational window.
func (m *Model) Estimate(f FeatureVector) float64 {
	row := standardizeRow(f.Slice(), m.Means, m.Stddevs)
	pred := m.Bias
	for j, w := range m.Weights {
		if j < len(row) {
			pred += w * row[j]
		}
	}
	return clampHours(pred)
}

// Importance maps each feature name onto its share of total absolute
// weight. Untrained or degenerate models return a uniform map.
func (m *Model) Importance() map[string]float64 {
	total := 0.0
	for _, w := range m.Weights {
		total += math.Abs(w)
	}

	importance := make(map[string]float64, FeatureCount)
	if total == 0 {
		for _, name := range FeatureNames {
			importance[name] = 1.0 / FeatureCount
		}
		return importance
	}
	for j, name := range FeatureNames {
		if j < len(m.Weights) {
			importance[name] = math.Abs(m.Weights[j]) / total
		}
	}
	return importance
}

func standardizationParams(rows [][]float64) (means, stddevs []float64) {
	means = make([]float64, FeatureCount)
	stddevs = make([]float64, FeatureCount)
	n := float64(len(rows))

	for _, row := range rows {
		for j, v := range row {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= n
	}

	for _, row := range rows {
		for j, v := range row {
			d := v - means[j]
			stddevs[j] += d * d
		}
	}
	for j := range stddevs {
		stddevs[j] = math.Sqrt(stddevs[j] / n)
		// Constant columns standardize to zero rather than dividing by zero.
		if stddevs[j] == 0 {
			stddevs[j] = 1
		}
	}

	return means, stddevs
}

func standardizeRow(row, means, stddevs []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		if j < len(means) && j < len(stddevs) {
			out[j] = (v - means[j]) / stddevs[j]
		} else {
			out[j] = v
		}
	}
	return out
}

func clampHours(h float64) float64 {
	if math.IsNaN(h) || h < minMergeHours {
		return minMergeHours
	}
	if h > maxMergeHours {
		return maxMergeHours
	}
	return h
}
