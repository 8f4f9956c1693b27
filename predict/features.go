// Package predict implements the predictive-health model: feature
// extraction from completed workflows, per-repository linear regression
// trained by gradient descent, and merge-time/blocker forecasts with a
// heuristic fallback for repositories without enough history.
package predict

import (
	"time"
)

// FeatureVector is the fixed 19-feature input to the regression. Boolean
// features are encoded 0/1; normalized features live in [0, 1].
type FeatureVector struct {
	Files                       float64 `json:"files"`
	LinesAdded                  float64 `json:"lines_added"`
	LinesDeleted                float64 `json:"lines_deleted"`
	RiskScore                   float64 `json:"risk_score"`
	CriticalIssues              float64 `json:"critical_issues"`
	HighIssues                  float64 `json:"high_issues"`
	PRAgeHours                  float64 `json:"pr_age_hours"`
	IsWeekend                   float64 `json:"is_weekend"`
	HourOfDay                   float64 `json:"hour_of_day"`
	AuthorMergeRate             float64 `json:"author_merge_rate"`
	AuthorAvgMergeTimeHours     float64 `json:"author_avg_merge_time_hours"`
	RepoAvgMergeTimeHours       float64 `json:"repo_avg_merge_time_hours"`
	RepoAvgReviewLatencyMinutes float64 `json:"repo_avg_review_latency_minutes"`
	HasTests                    float64 `json:"has_tests"`
	HasDescription              float64 `json:"has_description"`
	ReviewerAvailability        float64 `json:"reviewer_availability"`
	NormalizedSize              float64 `json:"normalized_size"`
	NormalizedComplexity        float64 `json:"normalized_complexity"`
	NormalizedRisk              float64 `json:"normalized_risk"`
}

// FeatureNames orders the features as Slice lays them out. Importance
// maps are keyed by these names.
var FeatureNames = []string{
	"files",
	"linesAdded",
	"linesDeleted",
	"riskScore",
	"criticalIssues",
	"highIssues",
	"prAgeHours",
	"isWeekend",
	"hourOfDay",
	"authorMergeRate",
	"authorAvgMergeTimeHours",
	"repoAvgMergeTimeHours",
	"repoAvgReviewLatencyMinutes",
	"hasTests",
	"hasDescription",
	"reviewerAvailability",
	"normalizedSize",
	"normalizedComplexity",
	"normalizedRisk",
}

// FeatureCount is the regression input width.
const FeatureCount = 19

// Slice flattens the vector in FeatureNames order.
func (f FeatureVector) Slice() []float64 {
	return []float64{
		f.Files,
		f.LinesAdded,
		f.LinesDeleted,
		f.RiskScore,
		f.CriticalIssues,
		f.HighIssues,
		f.PRAgeHours,
		f.IsWeekend,
		f.HourOfDay,
		f.AuthorMergeRate,
		f.AuthorAvgMergeTimeHours,
		f.RepoAvgMergeTimeHours,
		f.RepoAvgReviewLatencyMinutes,
		f.HasTests,
		f.HasDescription,
		f.ReviewerAvailability,
		f.NormalizedSize,
		f.NormalizedComplexity,
		f.NormalizedRisk,
	}
}

// ChangeShape is the raw change-size input to feature extraction.
type ChangeShape struct {
	Files          int
	LinesAdded     int
	LinesDeleted   int
	RiskScore      float64
	CriticalIssues int
	HighIssues     int
	HasTests       bool
	HasDescription bool
}

// History is the aggregate author/repository context for a workflow.
// Zero values mean "no history"; confidence accounting treats them as
// missing rather than as observations.
type History struct {
	AuthorMergeRate             float64
	AuthorAvgMergeTimeHours     float64
	RepoAvgMergeTimeHours       float64
	RepoAvgReviewLatencyMinutes float64
	AvailableReviewers          int
}

// Extract builds the feature vector for a PR opened at openedAt, observed
// at now.
func Extract(change ChangeShape, hist History, openedAt, now time.Time) FeatureVector {
	age := now.Sub(openedAt).Hours()
	if age < 0 {
		age = 0
	}

	weekend := 0.0
	switch now.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		weekend = 1.0
	}

	totalLines := change.LinesAdded + change.LinesDeleted

	return FeatureVector{
		Files:                       float64(change.Files),
		LinesAdded:                  float64(change.LinesAdded),
		LinesDeleted:                float64(change.LinesDeleted),
		RiskScore:                   change.RiskScore,
		CriticalIssues:              float64(change.CriticalIssues),
		HighIssues:                  float64(change.HighIssues),
		PRAgeHours:                  age,
		IsWeekend:                   weekend,
		HourOfDay:                   float64(now.UTC().Hour()),
		AuthorMergeRate:             hist.AuthorMergeRate,
		AuthorAvgMergeTimeHours:     hist.AuthorAvgMergeTimeHours,
		RepoAvgMergeTimeHours:       hist.RepoAvgMergeTimeHours,
		RepoAvgReviewLatencyMinutes: hist.RepoAvgReviewLatencyMinutes,
		HasTests:                    boolFeature(change.HasTests),
		HasDescription:              boolFeature(change.HasDescription),
		ReviewerAvailability:        normalize(float64(hist.AvailableReviewers), 5),
		NormalizedSize:              normalize(float64(totalLines), 1000),
		NormalizedComplexity:        normalize(float64(change.Files), 40),
		NormalizedRisk:              change.RiskScore,
	}
}

// Example is one completed workflow outcome used for training.
type Example struct {
	RepositoryID   string        `json:"repository_id"`
	WorkflowID     string        `json:"workflow_id"`
	Features       FeatureVector `json:"features"`
	MergeTimeHours float64       `json:"merge_time_hours"`
	Merged         bool          `json:"merged"`
	CompletedAt    time.Time     `json:"completed_at"`
}

func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// normalize maps v onto [0, 1] with saturation at the given scale.
func normalize(v, scale float64) float64 {
	if v <= 0 {
		return 0
	}
	if v >= scale {
		return 1
	}
	return v / scale
}
