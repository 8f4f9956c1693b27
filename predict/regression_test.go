package predict

import (
	"math"
	"testing"
	"time"
)

// sizedExample builds a training example whose merge time is a pure
// function of normalized size, leaving every other feature constant.
func sizedExample(size float64) Example {
	return Example{
		RepositoryID: "acme/widgets",
		Features: FeatureVector{
			Files:          3,
			HasTests:       1,
			HasDescription: 1,
			NormalizedSize: size,
		},
		MergeTimeHours: 10 + 50*size,
		Merged:         true,
		CompletedAt:    time.Now().UTC(),
	}
}

func TestTrainLearnsTheVaryingFeature(t *testing.T) {
	var examples []Example
	for _, size := range []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6} {
		examples = append(examples, sizedExample(size))
	}

	model, err := Train("acme/widgets", examples)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if model.Examples != 6 {
		t.Errorf("model.Examples = %d, want 6", model.Examples)
	}

	small := model.Estimate(sizedExample(0.1).Features)
	large := model.Estimate(sizedExample(0.6).Features)
	if small >= large {
		t.Errorf("estimate(small)=%v >= estimate(large)=%v; model missed the size signal", small, large)
	}
	if small < minMergeHours || large > maxMergeHours {
		t.Errorf("estimates [%v, %v] escaped the operational window", small, large)
	}

	// Constant columns standardize to zero and never accumulate weight,
	// so all importance lands on the one feature that moved.
	importance := model.Importance()
	if got := importance["normalizedSize"]; math.Abs(got-1.0) > 1e-9 {
		t.Errorf("importance[normalizedSize] = %v, want 1.0", got)
	}
}

func TestTrainRequiresExamples(t *testing.T) {
	if _, err := Train("acme/widgets", nil); err == nil {
		t.Fatal("expected error for empty training set")
	}
}

func TestEstimateStaysInsideOperationalWindow(t *testing.T) {
	base := Model{
		Weights: make([]float64, FeatureCount),
		Means:   make([]float64, FeatureCount),
		Stddevs: ones(FeatureCount),
	}

	high := base
	high.Bias = 1000
	if got := high.Estimate(FeatureVector{}); got != maxMergeHours {
		t.Errorf("runaway estimate = %v, want clamp at %v", got, maxMergeHours)
	}

	low := base
	low.Bias = -50
	if got := low.Estimate(FeatureVector{}); got != minMergeHours {
		t.Errorf("negative estimate = %v, want clamp at %v", got, minMergeHours)
	}
}

func TestImportanceUniformWhenUntrained(t *testing.T) {
	m := Model{Weights: make([]float64, FeatureCount)}

	importance := m.Importance()
	if len(importance) != FeatureCount {
		t.Fatalf("importance has %d entries, want %d", len(importance), FeatureCount)
	}
	sum := 0.0
	for name, share := range importance {
		if math.Abs(share-1.0/FeatureCount) > 1e-9 {
			t.Errorf("importance[%s] = %v, want uniform %v", name, share, 1.0/FeatureCount)
		}
		sum += share
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("importance sums to %v, want 1.0", sum)
	}
}

func TestStandardizationNeutralizesConstantColumns(t *testing.T) {
	rows := [][]float64{
		{5, 1, 0},
		{5, 2, 0},
		{5, 3, 0},
	}
	means, stddevs := standardizationParams(rows)

	if means[0] != 5 {
		t.Errorf("means[0] = %v, want 5", means[0])
	}
	if stddevs[0] != 1 || stddevs[2] != 1 {
		t.Errorf("constant-column stddevs = %v/%v, want 1/1", stddevs[0], stddevs[2])
	}

	z := standardizeRow(rows[0], means, stddevs)
	if z[0] != 0 || z[2] != 0 {
		t.Errorf("constant columns standardized to %v/%v, want 0/0", z[0], z[2])
	}
}

func TestClampHours(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{math.NaN(), minMergeHours},
		{-3, minMergeHours},
		{0.5, minMergeHours},
		{24, 24},
		{500, maxMergeHours},
	}
	for _, tc := range cases {
		if got := clampHours(tc.in); got != tc.want {
			t.Errorf("clampHours(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestExtractEncodesChangeShape(t *testing.T) {
	opened := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)  // Monday
	now := time.Date(2026, time.March, 2, 15, 0, 0, 0, time.UTC)

	f := Extract(ChangeShape{
		Files:          8,
		LinesAdded:     400,
		LinesDeleted:   100,
		RiskScore:      0.7,
		CriticalIssues: 1,
		HighIssues:     2,
		HasTests:       true,
	}, History{
		AuthorMergeRate:    0.8,
		AvailableReviewers: 3,
	}, opened, now)

	if f.PRAgeHours != 6 {
		t.Errorf("PRAgeHours = %v, want 6", f.PRAgeHours)
	}
	if f.IsWeekend != 0 {
		t.Errorf("IsWeekend = %v for a Monday, want 0", f.IsWeekend)
	}
	if f.HourOfDay != 15 {
		t.Errorf("HourOfDay = %v, want 15", f.HourOfDay)
	}
	if f.HasTests != 1 || f.HasDescription != 0 {
		t.Errorf("bool features = %v/%v, want 1/0", f.HasTests, f.HasDescription)
	}
	if math.Abs(f.NormalizedSize-0.5) > 1e-9 {
		t.Errorf("NormalizedSize = %v, want 0.5 for 500 of 1000 lines", f.NormalizedSize)
	}
	if math.Abs(f.ReviewerAvailability-0.6) > 1e-9 {
		t.Errorf("ReviewerAvailability = %v, want 0.6 for 3 of 5", f.ReviewerAvailability)
	}
	if f.NormalizedRisk != 0.7 {
		t.Errorf("NormalizedRisk = %v, want the raw risk score", f.NormalizedRisk)
	}
}

func TestExtractClampsFutureOpenedAt(t *testing.T) {
	now := time.Date(2026, time.March, 7, 12, 0, 0, 0, time.UTC) // Saturday
	f := Extract(ChangeShape{}, History{}, now.Add(time.Hour), now)
	if f.PRAgeHours != 0 {
		t.Errorf("PRAgeHours = %v for a future openedAt, want 0", f.PRAgeHours)
	}
	if f.IsWeekend != 1 {
		t.Errorf("IsWeekend = %v for a Saturday, want 1", f.IsWeekend)
	}
}

func TestSliceMatchesFeatureNames(t *testing.T) {
	if len(FeatureNames) != FeatureCount {
		t.Fatalf("FeatureNames has %d entries, want %d", len(FeatureNames), FeatureCount)
	}
	if got := len(FeatureVector{}.Slice()); got != FeatureCount {
		t.Fatalf("Slice returns %d values, want %d", got, FeatureCount)
	}
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
